package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/ledger"
	"github.com/qs3c/lensgen_server/internal/model"
	"github.com/qs3c/lensgen_server/internal/model/dto"
	"github.com/qs3c/lensgen_server/internal/pkg/queue"
	"github.com/qs3c/lensgen_server/internal/repository"
	"github.com/qs3c/lensgen_server/internal/service"
	"github.com/qs3c/lensgen_server/internal/testutil"
)

type fakeSettler struct {
	mu      sync.Mutex
	batches []int
	calls   []time.Time
	err     error
}

func (f *fakeSettler) SettleStale(_ context.Context, before time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, before)
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRunNow_Batches(t *testing.T) {
	settler := &fakeSettler{batches: []int{defaultBatchSize, defaultBatchSize, 3}}
	svc := NewService(settler, nil, time.Hour, time.Minute, nil)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	total, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*defaultBatchSize+3, total)
	require.Len(t, settler.calls, 3)
	assert.Equal(t, now.Add(-time.Hour), settler.calls[0])
}

func TestRunNow_Disabled(t *testing.T) {
	settler := &fakeSettler{}

	total, err := NewService(settler, nil, 0, time.Minute, nil).RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, settler.callCount())

	total, err = NewService(nil, nil, time.Hour, time.Minute, nil).RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunNow_Error(t *testing.T) {
	settler := &fakeSettler{err: errors.New("db down")}

	_, err := NewService(settler, nil, time.Hour, time.Minute, nil).RunNow(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	settler := &fakeSettler{}
	svc := NewService(settler, nil, time.Hour, 10*time.Millisecond, nil)

	svc.Start()
	assert.Eventually(t, func() bool { return settler.callCount() > 0 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
}

func TestRunNow_SettlesStaleReservations(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	journal := queue.NewQueue(client, "credits:reconcile")

	cfg := &config.Config{Credits: config.CreditsConfig{MaxWriteRetries: 3, MaxImagesPerTask: 16}}
	reservations := service.NewReservationService(
		repository.NewQuotaRepository(db),
		repository.NewGenerationRepository(db),
		repository.NewTxManager(db),
		cfg, nil,
		service.WithJournal(journal),
	)

	testutil.TestQuota(t, db, 1, testutil.WithPools(ledger.Pools{Purchased: 5}))
	_, err := reservations.Reserve(context.Background(), 1, &dto.ReserveRequest{TaskID: "task_1", ImageCount: 3})
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.Generation{}).Where("task_id = ?", "task_1").
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	svc := NewService(reservations, journal, time.Hour, time.Minute, nil)
	total, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	q, err := repository.NewQuotaRepository(db).GetByUserID(1)
	require.NoError(t, err)
	assert.Equal(t, 5, q.PurchasedCredits)
	assert.Zero(t, q.UsedCredits)

	var gen model.Generation
	require.NoError(t, db.Where("task_id = ?", "task_1").First(&gen).Error)
	assert.Equal(t, model.GenerationFailed, gen.Status)
}
