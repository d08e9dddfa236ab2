package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/ledger"
	"github.com/qs3c/lensgen_server/internal/model"
	"github.com/qs3c/lensgen_server/internal/model/dto"
	"github.com/qs3c/lensgen_server/internal/pkg/pubsub"
	"github.com/qs3c/lensgen_server/internal/pkg/queue"
	"github.com/qs3c/lensgen_server/internal/repository"
)

var (
	ErrInsufficientQuota      = errors.New("insufficient quota")
	ErrReservationPersistence = errors.New("failed to persist reservation")
	ErrRefundPersistence      = errors.New("failed to persist refund")
	ErrInvalidImageCount      = errors.New("invalid image count")
	ErrInvalidRefundCount     = errors.New("refund count must not be negative")
	ErrDuplicateTask          = errors.New("task already reserved")
	ErrMissingReference       = errors.New("reservationId or taskId is required")
)

// InsufficientQuotaError 额度不足，携带当前可用额度与所需额度
type InsufficientQuotaError struct {
	Available int
	Required  int
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota: available %d, required %d", e.Available, e.Required)
}

func (e *InsufficientQuotaError) Is(target error) bool {
	return target == ErrInsufficientQuota
}

// Locker 用户级互斥锁
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Journal 记录未能落库的账本写入，供 reconcile 工具人工对账
type Journal interface {
	Push(ctx context.Context, msg *queue.ReconcileMessage) error
}

// ProgressPublisher 生成进度发布
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, msg *pubsub.ProgressMessage) error
}

// Ref 预留 ID 或任务 ID，ID 优先
type Ref struct {
	ID     string
	TaskID string
}

func (r Ref) empty() bool {
	return r.ID == "" && r.TaskID == ""
}

// Reservation 预留结果
type Reservation struct {
	ID         string
	ImageCount int
	Balance    ledger.Balance
}

// QuotaSummary 额度概览
type QuotaSummary struct {
	TotalQuota     int
	UsedCount      int
	RemainingQuota int
	Balance        ledger.Balance
}

type ReservationOption func(*ReservationService)

// WithLocker 启用用户级锁
func WithLocker(l Locker) ReservationOption {
	return func(s *ReservationService) { s.locker = l }
}

// WithJournal 启用对账队列
func WithJournal(j Journal) ReservationOption {
	return func(s *ReservationService) { s.journal = j }
}

// WithPublisher 启用进度发布
func WithPublisher(p ProgressPublisher) ReservationOption {
	return func(s *ReservationService) { s.publisher = p }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) ReservationOption {
	return func(s *ReservationService) { s.now = now }
}

// ReservationService 唯一允许修改账本的服务
type ReservationService struct {
	quotaRepo *repository.QuotaRepository
	genRepo   *repository.GenerationRepository
	txm       *repository.TxManager
	cfg       *config.Config
	logger    *zap.Logger
	locker    Locker
	journal   Journal
	publisher ProgressPublisher
	now       func() time.Time
}

func NewReservationService(
	quotaRepo *repository.QuotaRepository,
	genRepo *repository.GenerationRepository,
	txm *repository.TxManager,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...ReservationOption,
) *ReservationService {
	s := &ReservationService{
		quotaRepo: quotaRepo,
		genRepo:   genRepo,
		txm:       txm,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Reserve 扣除额度并创建 pending 生成记录，两者在同一事务中
func (s *ReservationService) Reserve(ctx context.Context, userID int64, req *dto.ReserveRequest) (*Reservation, error) {
	if req.TaskID == "" {
		return nil, ErrMissingReference
	}
	if req.ImageCount <= 0 || (s.cfg.Credits.MaxImagesPerTask > 0 && req.ImageCount > s.cfg.Credits.MaxImagesPerTask) {
		return nil, ErrInvalidImageCount
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReservationPersistence, err)
	}
	defer unlock()

	// 懒创建放在事务外，额度不足回滚时记录仍然保留
	if _, err := s.quotaRepo.GetOrCreate(s.defaultQuota(userID)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReservationPersistence, err)
	}

	var result *Reservation
	err = s.retry(func() error {
		return s.txm.Do(ctx, func(tx *gorm.DB) error {
			quotaRepo := s.quotaRepo.WithTx(tx)
			genRepo := s.genRepo.WithTx(tx)

			if _, err := genRepo.GetByTaskID(userID, req.TaskID); err == nil {
				return ErrDuplicateTask
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			quota, err := quotaRepo.GetByUserID(userID)
			if err != nil {
				return err
			}

			now := s.now()
			rec := ledger.Rollover(quota.Record(), s.cfg.Credits.DailyAllowance, now)
			next, debit, err := ledger.Consume(rec, req.ImageCount, now)
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return &InsufficientQuotaError{
					Available: ledger.Available(rec, now).Available,
					Required:  req.ImageCount,
				}
			}
			if err != nil {
				return err
			}

			quota.Apply(next)
			quota.UsedCredits += req.ImageCount
			if err := quotaRepo.UpdateBalances(quota); err != nil {
				return err
			}

			gen := &model.Generation{
				ID:               uuid.NewString(),
				UserID:           userID,
				TaskID:           req.TaskID,
				TaskType:         req.TaskType,
				Status:           model.GenerationPending,
				TotalImagesCount: req.ImageCount,
				ReservedCount:    req.ImageCount,
				Debit:            datatypes.NewJSONType(debit),
			}
			if len(req.InputParams) > 0 {
				gen.InputParams = datatypes.JSON(req.InputParams)
			}
			gen.EnsureSlots(req.ImageCount)

			if err := genRepo.Create(gen); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrDuplicateTask
				}
				return err
			}

			result = &Reservation{
				ID:         gen.ID,
				ImageCount: req.ImageCount,
				Balance:    ledger.Available(next, now),
			}
			return nil
		})
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrInsufficientQuota), errors.Is(err, ErrDuplicateTask):
		return nil, err
	}

	var rbErr *repository.RollbackError
	if errors.As(err, &rbErr) {
		// 回滚失败：额度可能已扣除但没有生成记录，不自动补偿，避免重复冲正
		s.logger.Error("reservation rollback failed, manual reconciliation required",
			zap.Int64("user_id", userID),
			zap.String("task_id", req.TaskID),
			zap.Int("image_count", req.ImageCount),
			zap.Error(err))
		s.enqueue(ctx, &queue.ReconcileMessage{
			Kind:   queue.KindReserveRollback,
			UserID: userID,
			TaskID: req.TaskID,
			Count:  req.ImageCount,
			Reason: err.Error(),
		})
	} else {
		s.logger.Warn("reservation failed",
			zap.Int64("user_id", userID),
			zap.String("task_id", req.TaskID),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %v", ErrReservationPersistence, err)
}

// Release 全额退款并删除 pending 记录；找不到记录时退款 0，重复调用不会多退
func (s *ReservationService) Release(ctx context.Context, userID int64, ref Ref) (int, error) {
	if ref.empty() {
		return 0, ErrMissingReference
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRefundPersistence, err)
	}
	defer unlock()

	var (
		refunded int
		gen      *model.Generation
	)
	err = s.retry(func() error {
		refunded = 0
		gen = nil
		return s.txm.Do(ctx, func(tx *gorm.DB) error {
			genRepo := s.genRepo.WithTx(tx)

			found, err := genRepo.GetPendingByRef(userID, ref.ID, ref.TaskID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			gen = found

			deleted, err := genRepo.DeletePending(found.ID)
			if err != nil {
				return err
			}
			if deleted == 0 {
				// 并发的另一次释放已经处理
				return nil
			}

			debit := found.Debit.Data()
			if _, err := s.refundTracked(tx, userID, &debit, found.ReservedCount); err != nil {
				return err
			}
			refunded = found.ReservedCount
			return nil
		})
	})
	if err != nil {
		msg := &queue.ReconcileMessage{
			Kind:   queue.KindRelease,
			UserID: userID,
			TaskID: ref.TaskID,
			Reason: err.Error(),
		}
		if gen != nil {
			msg.GenerationID = gen.ID
			msg.TaskID = gen.TaskID
			msg.Count = gen.ReservedCount
			msg.ReservedBefore = gen.ReservedCount
		} else {
			msg.GenerationID = ref.ID
		}
		s.refundFailed(ctx, msg, err)
		return 0, fmt.Errorf("%w: %v", ErrRefundPersistence, err)
	}

	if gen != nil && refunded > 0 {
		s.publish(ctx, &pubsub.ProgressMessage{
			Type:          pubsub.EventReservationReleased,
			UserID:        userID,
			GenerationID:  gen.ID,
			TaskID:        gen.TaskID,
			Status:        "released",
			RefundedCount: refunded,
		})
	}
	return refunded, nil
}

// PartialUpdate 按实际成功数修正记录并退还差额。调用方只能对同一任务调用一次，服务端不做重放保护
func (s *ReservationService) PartialUpdate(ctx context.Context, userID int64, ref Ref, actualImageCount int, refundCount *int) (int, error) {
	if ref.empty() {
		return 0, ErrMissingReference
	}
	if actualImageCount < 0 {
		return 0, ErrInvalidImageCount
	}
	if refundCount != nil && *refundCount < 0 {
		return 0, ErrInvalidRefundCount
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRefundPersistence, err)
	}
	defer unlock()

	var (
		refunded int
		gen      *model.Generation
		original int
	)
	err = s.retry(func() error {
		refunded = 0
		return s.txm.Do(ctx, func(tx *gorm.DB) error {
			genRepo := s.genRepo.WithTx(tx)

			found, err := genRepo.GetByRef(userID, ref.ID, ref.TaskID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGenerationNotFound
			}
			if err != nil {
				return err
			}
			gen = found
			original = found.ReservedCount

			refund := max(0, original-actualImageCount)
			if refundCount != nil {
				refund = *refundCount
			}

			now := s.now()
			found.TotalImagesCount = actualImageCount
			found.Status = model.GenerationFailed
			if actualImageCount > 0 {
				found.Status = model.GenerationCompleted
			}
			found.CompletedAt = &now
			found.ReservedCount = max(0, original-refund)

			if refund > 0 {
				debit := found.Debit.Data()
				remaining, err := s.refundTracked(tx, userID, &debit, refund)
				if err != nil {
					return err
				}
				found.Debit = datatypes.NewJSONType(remaining)
			}

			if err := genRepo.Update(found); err != nil {
				return err
			}
			refunded = refund
			return nil
		})
	})
	if errors.Is(err, ErrGenerationNotFound) {
		return 0, err
	}
	if err != nil {
		msg := &queue.ReconcileMessage{
			Kind:             queue.KindPartialUpdate,
			UserID:           userID,
			GenerationID:     ref.ID,
			TaskID:           ref.TaskID,
			ActualImageCount: actualImageCount,
			RefundCount:      refundCount,
			Reason:           err.Error(),
		}
		if gen != nil {
			msg.GenerationID = gen.ID
			msg.TaskID = gen.TaskID
			msg.ReservedBefore = original
			msg.Count = max(0, original-actualImageCount)
			if refundCount != nil {
				msg.Count = *refundCount
			}
		}
		s.refundFailed(ctx, msg, err)
		return 0, fmt.Errorf("%w: %v", ErrRefundPersistence, err)
	}

	// 显式退款数不受预留数限制，超出部分按无记录退款计入
	if refunded > original {
		s.logger.Warn("explicit refund exceeds reserved credits",
			zap.Int64("user_id", userID),
			zap.String("task_id", gen.TaskID),
			zap.Int("reserved", original),
			zap.Int("refunded", refunded))
	}

	s.publish(ctx, &pubsub.ProgressMessage{
		Type:             pubsub.EventReservationUpdated,
		UserID:           userID,
		GenerationID:     gen.ID,
		TaskID:           gen.TaskID,
		Status:           gen.Status,
		TotalImagesCount: gen.TotalImagesCount,
		SuccessCount:     gen.SuccessCount(),
		RefundedCount:    refunded,
	})
	return refunded, nil
}

// Balance 当前额度概览，不创建记录
func (s *ReservationService) Balance(ctx context.Context, userID int64) (*QuotaSummary, error) {
	quota, err := s.quotaRepo.GetByUserID(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		quota = s.defaultQuota(userID)
	} else if err != nil {
		return nil, err
	}

	now := s.now()
	bal := ledger.Available(ledger.Rollover(quota.Record(), s.cfg.Credits.DailyAllowance, now), now)
	return &QuotaSummary{
		TotalQuota:     bal.Available + quota.UsedCredits,
		UsedCount:      quota.UsedCredits,
		RemainingQuota: bal.Available,
		Balance:        bal,
	}, nil
}

// SettleStale 对超时仍为 pending 的记录按已成功槽位数执行部分更新，退还未产出的额度
func (s *ReservationService) SettleStale(ctx context.Context, before time.Time, limit int) (int, error) {
	gens, err := s.genRepo.ListStalePending(before, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, gen := range gens {
		refunded, err := s.PartialUpdate(ctx, gen.UserID, Ref{ID: gen.ID}, gen.SuccessCount(), nil)
		if err != nil {
			s.logger.Warn("settle stale generation failed",
				zap.String("generation_id", gen.ID),
				zap.Error(err))
			continue
		}
		s.logger.Info("stale generation settled",
			zap.String("generation_id", gen.ID),
			zap.Int64("user_id", gen.UserID),
			zap.Int("refunded", refunded))
		settled++
	}
	return settled, nil
}

// refundTracked 按扣款明细退还 count 个额度并扣减累计使用量（不低于 0），返回剩余未退明细
func (s *ReservationService) refundTracked(tx *gorm.DB, userID int64, debit *ledger.Debit, count int) (ledger.Debit, error) {
	if count <= 0 {
		return *debit, nil
	}

	quotaRepo := s.quotaRepo.WithTx(tx)
	quota, err := quotaRepo.GetByUserID(userID)
	if err != nil {
		return *debit, err
	}

	now := s.now()
	next, res := ledger.Refund(quota.Record(), debit, count, s.caps(), now)
	quota.Apply(next)
	quota.UsedCredits = max(0, quota.UsedCredits-count)
	if err := quotaRepo.UpdateBalances(quota); err != nil {
		return *debit, err
	}

	if res.Dropped > 0 {
		s.logger.Info("expired daily credits not refunded",
			zap.Int64("user_id", userID),
			zap.Int("dropped", res.Dropped))
	}
	return res.Remaining, nil
}

func (s *ReservationService) refundFailed(ctx context.Context, msg *queue.ReconcileMessage, err error) {
	s.logger.Error("refund persistence failed",
		zap.String("kind", msg.Kind),
		zap.Int64("user_id", msg.UserID),
		zap.String("generation_id", msg.GenerationID),
		zap.String("task_id", msg.TaskID),
		zap.Int("count", msg.Count),
		zap.Error(err))
	s.enqueue(ctx, msg)
}

func (s *ReservationService) enqueue(ctx context.Context, msg *queue.ReconcileMessage) {
	if s.journal == nil {
		return
	}
	msg.CreatedAt = s.now()
	// 原请求 ctx 可能已取消，仍要尽量写入
	if err := s.journal.Push(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Error("failed to journal ledger write",
			zap.String("kind", msg.Kind),
			zap.Int64("user_id", msg.UserID),
			zap.Error(err))
	}
}

func (s *ReservationService) publish(ctx context.Context, msg *pubsub.ProgressMessage) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishProgress(ctx, msg); err != nil {
		s.logger.Warn("failed to publish progress", zap.String("task_id", msg.TaskID), zap.Error(err))
	}
}

func (s *ReservationService) lock(ctx context.Context, userID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, strconv.FormatInt(userID, 10))
}

func (s *ReservationService) retry(fn func() error) error {
	return retryOnConflict(s.cfg.Credits.MaxWriteRetries, fn)
}

func (s *ReservationService) caps() ledger.Caps {
	return ledger.Caps{Daily: s.cfg.Credits.DailyAllowance, Signup: s.cfg.Credits.SignupCap}
}

func (s *ReservationService) defaultQuota(userID int64) *model.UserQuota {
	c := s.cfg.Credits
	return &model.UserQuota{
		UserID:              userID,
		DailyCredits:        c.DailyAllowance,
		DailyCreditsDate:    ledger.Today(s.now()),
		SignupCredits:       c.DefaultSignupCredits,
		SubscriptionCredits: c.DefaultSubscriptionCredits,
	}
}

// retryOnConflict 条件更新冲突时重试，回滚失败不重试
func retryOnConflict(retries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= max(retries, 0); attempt++ {
		err = fn()
		var rbErr *repository.RollbackError
		if errors.As(err, &rbErr) || !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
	}
	return err
}
