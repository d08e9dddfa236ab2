package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/ledger"
	"github.com/qs3c/lensgen_server/internal/model/dto"
	"github.com/qs3c/lensgen_server/internal/pkg/queue"
	"github.com/qs3c/lensgen_server/internal/repository"
	"github.com/qs3c/lensgen_server/internal/service"
	"github.com/qs3c/lensgen_server/internal/testutil"
)

type env struct {
	db           *gorm.DB
	journal      *queue.Queue
	rdb          *redis.Client
	reservations *service.ReservationService
	generations  *service.GenerationService
}

func setupReconcile(t *testing.T) (*env, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{Credits: config.CreditsConfig{MaxWriteRetries: 3, MaxImagesPerTask: 16}}
	quotaRepo := repository.NewQuotaRepository(db)
	genRepo := repository.NewGenerationRepository(db)
	txm := repository.NewTxManager(db)

	e := &env{
		db:           db,
		journal:      queue.NewQueue(client, "credits:reconcile"),
		rdb:          client,
		reservations: service.NewReservationService(quotaRepo, genRepo, txm, cfg, nil),
		generations:  service.NewGenerationService(genRepo, txm, cfg, nil, nil),
	}
	cleanup := func() {
		client.Close()
		testutil.CleanupTestDB(t, db)
	}
	return e, cleanup
}

func (e *env) purchased(t *testing.T, userID int64) int {
	t.Helper()
	q, err := repository.NewQuotaRepository(e.db).GetByUserID(userID)
	require.NoError(t, err)
	return q.PurchasedCredits
}

func TestReconciler_ReplaysRelease(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestQuota(t, e.db, 1, testutil.WithPools(ledger.Pools{Purchased: 10}))
	res, err := e.reservations.Reserve(ctx, 1, &dto.ReserveRequest{TaskID: "task_1", ImageCount: 3})
	require.NoError(t, err)

	msg := &queue.ReconcileMessage{Kind: queue.KindRelease, UserID: 1, GenerationID: res.ID, TaskID: "task_1", Count: 3}
	require.NoError(t, e.journal.Push(ctx, msg))
	require.NoError(t, e.journal.Push(ctx, msg))

	r := New(e.journal, e.reservations, e.generations, nil)
	result, err := r.Run(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Outcomes[OutcomeApplied])
	assert.Equal(t, 1, result.Outcomes[OutcomeDropped], "the duplicate entry refunds nothing")
	assert.Equal(t, 10, e.purchased(t, 1))

	n, err := e.journal.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciler_ReplaysPartialUpdate(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestQuota(t, e.db, 1, testutil.WithPools(ledger.Pools{Purchased: 10}))
	_, err := e.reservations.Reserve(ctx, 1, &dto.ReserveRequest{TaskID: "task_1", ImageCount: 4})
	require.NoError(t, err)

	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{
		Kind: queue.KindPartialUpdate, UserID: 1, TaskID: "task_1", ActualImageCount: 1, Count: 3, ReservedBefore: 4,
	}))
	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{
		Kind: queue.KindPartialUpdate, UserID: 1, TaskID: "missing", ActualImageCount: 1,
	}))

	result, err := New(e.journal, e.reservations, e.generations, nil).Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeApplied])
	assert.Equal(t, 1, result.Outcomes[OutcomeDropped])
	assert.Equal(t, 9, e.purchased(t, 1))
}

func TestReconciler_ReserveRollback(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	testutil.TestQuota(t, e.db, 1, testutil.WithPools(ledger.Pools{Purchased: 10}))
	_, err := e.reservations.Reserve(ctx, 1, &dto.ReserveRequest{TaskID: "committed", ImageCount: 1})
	require.NoError(t, err)

	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindReserveRollback, UserID: 1, TaskID: "committed", Count: 1}))
	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindReserveRollback, UserID: 1, TaskID: "lost", Count: 2}))

	result, err := New(e.journal, e.reservations, e.generations, nil).Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeDropped])
	assert.Equal(t, 1, result.Outcomes[OutcomeManual])

	left, err := e.journal.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "lost", left[0].TaskID)
}

type failingLedger struct{}

func (failingLedger) Release(context.Context, int64, service.Ref) (int, error) {
	return 0, errors.New("db unavailable")
}

func (failingLedger) PartialUpdate(context.Context, int64, service.Ref, int, *int) (int, error) {
	return 0, errors.New("db unavailable")
}

func TestReconciler_FailedReplayIsRequeued(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindRelease, UserID: 1, TaskID: "a"}))
	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindRelease, UserID: 1, TaskID: "b"}))

	result, err := New(e.journal, failingLedger{}, nil, nil).Run(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeFailed])
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "a", result.Entries[0].Message.TaskID)

	left, err := e.journal.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "b", left[0].TaskID)
	assert.Equal(t, "a", left[1].TaskID)
}

func TestReconciler_Inspect(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindRelease, UserID: 1, TaskID: "a"}))

	msgs, err := New(e.journal, e.reservations, e.generations, nil).Inspect(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	n, err := e.journal.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "inspect does not consume")
}

func TestReconciler_CorruptEntryKeepsManualEntries(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindReserveRollback, UserID: 1, TaskID: "lost", Count: 2}))
	require.NoError(t, e.rdb.LPush(ctx, "credits:reconcile", "not json").Err())

	result, err := New(e.journal, e.reservations, e.generations, nil).Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outcomes[OutcomeManual])
	assert.Equal(t, 1, result.Outcomes[OutcomeCorrupt])

	left, err := e.journal.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "lost", left[0].TaskID)

	dead, err := e.rdb.LRange(ctx, e.journal.DeadLetterKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"not json"}, dead)
}

// brokenSource 第 n 次出队后 Redis 不可用
type brokenSource struct {
	*queue.Queue
	pops    int
	failAt  int
	failErr error
}

func (s *brokenSource) Pop(ctx context.Context, timeout time.Duration) (*queue.ReconcileMessage, error) {
	s.pops++
	if s.pops == s.failAt {
		return nil, s.failErr
	}
	return s.Queue.Pop(ctx, timeout)
}

func TestReconciler_PopErrorStillRequeues(t *testing.T) {
	e, cleanup := setupReconcile(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindReserveRollback, UserID: 1, TaskID: "lost", Count: 2}))
	require.NoError(t, e.journal.Push(ctx, &queue.ReconcileMessage{Kind: queue.KindRelease, UserID: 1, TaskID: "next"}))

	src := &brokenSource{Queue: e.journal, failAt: 2, failErr: errors.New("connection reset")}
	result, err := New(src, e.reservations, e.generations, nil).Run(ctx, 0)
	require.EqualError(t, err, "connection reset")
	assert.Equal(t, 1, result.Outcomes[OutcomeManual])

	left, err := e.journal.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "next", left[0].TaskID)
	assert.Equal(t, "lost", left[1].TaskID)
}
