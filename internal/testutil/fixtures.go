package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/qs3c/lensgen_server/internal/ledger"
	"github.com/qs3c/lensgen_server/internal/model"
)

// TestQuota 创建测试额度记录，默认所有池为 0
func TestQuota(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.UserQuota)) *model.UserQuota {
	t.Helper()

	quota := &model.UserQuota{UserID: userID}
	for _, opt := range opts {
		opt(quota)
	}

	if err := db.Create(quota).Error; err != nil {
		t.Fatalf("Failed to create test quota: %v", err)
	}

	return quota
}

// WithPools 设置各额度池余额
func WithPools(p ledger.Pools) func(*model.UserQuota) {
	return func(q *model.UserQuota) {
		q.DailyCredits = p.Daily
		q.SignupCredits = p.Signup
		q.AdminGiveCredits = p.AdminGive
		q.SubscriptionCredits = p.Subscription
		q.PurchasedCredits = p.Purchased
	}
}

// WithDaily 设置每日额度及其日期
func WithDaily(credits int, date string) func(*model.UserQuota) {
	return func(q *model.UserQuota) {
		q.DailyCredits = credits
		q.DailyCreditsDate = date
	}
}

// WithUsedCredits 设置累计使用量
func WithUsedCredits(used int) func(*model.UserQuota) {
	return func(q *model.UserQuota) {
		q.UsedCredits = used
	}
}

// TestGeneration 创建测试生成记录（pending，count 个未处理槽位）
func TestGeneration(t *testing.T, db *gorm.DB, userID int64, count int, opts ...func(*model.Generation)) *model.Generation {
	t.Helper()

	gen := &model.Generation{
		ID:               uuid.NewString(),
		UserID:           userID,
		TaskID:           fmt.Sprintf("task_%d", time.Now().UnixNano()),
		TaskType:         "product_photo",
		Status:           model.GenerationPending,
		TotalImagesCount: count,
		ReservedCount:    count,
		Debit:            datatypes.NewJSONType(ledger.Debit{}),
	}
	gen.EnsureSlots(count)

	for _, opt := range opts {
		opt(gen)
	}

	if err := db.Create(gen).Error; err != nil {
		t.Fatalf("Failed to create test generation: %v", err)
	}

	return gen
}

// WithTaskID 设置任务 ID
func WithTaskID(taskID string) func(*model.Generation) {
	return func(g *model.Generation) {
		g.TaskID = taskID
	}
}

// WithGenerationStatus 设置状态
func WithGenerationStatus(status string) func(*model.Generation) {
	return func(g *model.Generation) {
		g.Status = status
	}
}

// WithCreatedAt 设置创建时间
func WithCreatedAt(at time.Time) func(*model.Generation) {
	return func(g *model.Generation) {
		g.CreatedAt = at
	}
}
