// Package reconcile 重放对账队列中未落库的账本写入
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qs3c/lensgen_server/internal/model"
	"github.com/qs3c/lensgen_server/internal/pkg/queue"
	"github.com/qs3c/lensgen_server/internal/service"
)

// Outcome 单条记录的处理结果
type Outcome string

const (
	OutcomeApplied Outcome = "applied" // 已重放
	OutcomeDropped Outcome = "dropped" // 无需处理
	OutcomeManual  Outcome = "manual"  // 状态无法判定，放回队列等人工处理
	OutcomeFailed  Outcome = "failed"  // 重放失败，放回队列
	OutcomeCorrupt Outcome = "corrupt" // 无法解析，已移入死信队列
)

// Source 对账队列
type Source interface {
	Push(ctx context.Context, msg *queue.ReconcileMessage) error
	Pop(ctx context.Context, timeout time.Duration) (*queue.ReconcileMessage, error)
	List(ctx context.Context, limit int64) ([]*queue.ReconcileMessage, error)
	Length(ctx context.Context) (int64, error)
}

// Ledger 可重放的账本操作
type Ledger interface {
	Release(ctx context.Context, userID int64, ref service.Ref) (int, error)
	PartialUpdate(ctx context.Context, userID int64, ref service.Ref, actual int, refundCount *int) (int, error)
}

// Records 生成记录查询
type Records interface {
	Get(ctx context.Context, userID int64, taskID string) (*model.Generation, error)
}

// Result 一次运行的汇总
type Result struct {
	Outcomes map[Outcome]int
	Entries  []Entry
}

type Entry struct {
	Message *queue.ReconcileMessage
	Outcome Outcome
	Detail  string
}

type Reconciler struct {
	source  Source
	ledger  Ledger
	records Records
	logger  *zap.Logger
}

func New(source Source, ledger Ledger, records Records, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{source: source, ledger: ledger, records: records, logger: logger}
}

// Inspect 只查看，不出队
func (r *Reconciler) Inspect(ctx context.Context, limit int64) ([]*queue.ReconcileMessage, error) {
	return r.source.List(ctx, limit)
}

// Run 处理当前队列中的记录，最多 limit 条；无法处理的记录放回队尾
func (r *Reconciler) Run(ctx context.Context, limit int64) (*Result, error) {
	pending, err := r.source.Length(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && pending > limit {
		pending = limit
	}

	res := &Result{Outcomes: make(map[Outcome]int)}
	var (
		requeue []*queue.ReconcileMessage
		popErr  error
	)

	for i := int64(0); i < pending; i++ {
		msg, err := r.source.Pop(ctx, time.Second)
		if errors.Is(err, queue.ErrCorruptMessage) {
			r.logger.Warn("skipping corrupt ledger write", zap.Error(err))
			res.Outcomes[OutcomeCorrupt]++
			continue
		}
		if err != nil {
			// 已取出的记录仍需放回
			popErr = err
			break
		}
		if msg == nil {
			break
		}

		outcome, detail := r.apply(ctx, msg)
		res.Outcomes[outcome]++
		res.Entries = append(res.Entries, Entry{Message: msg, Outcome: outcome, Detail: detail})

		if outcome == OutcomeManual || outcome == OutcomeFailed {
			requeue = append(requeue, msg)
		}
	}

	// 本轮结束后再放回，避免同一条被反复取出
	for _, msg := range requeue {
		if err := r.source.Push(context.WithoutCancel(ctx), msg); err != nil {
			r.logger.Error("failed to requeue ledger write",
				zap.String("kind", msg.Kind),
				zap.Int64("user_id", msg.UserID),
				zap.String("task_id", msg.TaskID),
				zap.Error(err))
			return res, errors.Join(popErr, err)
		}
	}
	return res, popErr
}

func (r *Reconciler) apply(ctx context.Context, msg *queue.ReconcileMessage) (Outcome, string) {
	ref := service.Ref{ID: msg.GenerationID, TaskID: msg.TaskID}

	switch msg.Kind {
	case queue.KindRelease:
		refunded, err := r.ledger.Release(ctx, msg.UserID, ref)
		if err != nil {
			return r.failed(msg, err)
		}
		if refunded == 0 {
			return OutcomeDropped, "reservation already released"
		}
		return OutcomeApplied, fmt.Sprintf("refunded %d", refunded)

	case queue.KindPartialUpdate:
		refunded, err := r.ledger.PartialUpdate(ctx, msg.UserID, ref, msg.ActualImageCount, msg.RefundCount)
		if errors.Is(err, service.ErrGenerationNotFound) {
			return OutcomeDropped, "generation no longer exists"
		}
		if err != nil {
			return r.failed(msg, err)
		}
		return OutcomeApplied, fmt.Sprintf("refunded %d", refunded)

	case queue.KindReserveRollback:
		// 记录存在说明事务其实已提交，扣款与记录一致
		if msg.TaskID != "" && r.records != nil {
			if _, err := r.records.Get(ctx, msg.UserID, msg.TaskID); err == nil {
				return OutcomeDropped, "reservation was committed"
			}
		}
		return OutcomeManual, fmt.Sprintf("verify user %d was not charged %d credits", msg.UserID, msg.Count)
	}

	return OutcomeManual, "unknown kind " + msg.Kind
}

func (r *Reconciler) failed(msg *queue.ReconcileMessage, err error) (Outcome, string) {
	r.logger.Warn("ledger replay failed",
		zap.String("kind", msg.Kind),
		zap.Int64("user_id", msg.UserID),
		zap.String("generation_id", msg.GenerationID),
		zap.Error(err))
	return OutcomeFailed, err.Error()
}
