package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qs3c/lensgen_server/config"
	"github.com/qs3c/lensgen_server/internal/model"
	"github.com/qs3c/lensgen_server/internal/pkg/pubsub"
	"github.com/qs3c/lensgen_server/internal/repository"
)

var (
	ErrGenerationNotFound = errors.New("generation not found")
	ErrInvalidSlotIndex   = errors.New("invalid slot index")
)

// SlotOutput 单张图片的生成结果
type SlotOutput struct {
	ImageURL  string
	ModelType string
	GenMode   string
	Prompt    *string
}

// GenerationService 生成记录的按槽位写入与终态收尾
type GenerationService struct {
	genRepo   *repository.GenerationRepository
	txm       *repository.TxManager
	cfg       *config.Config
	logger    *zap.Logger
	publisher ProgressPublisher
}

func NewGenerationService(
	genRepo *repository.GenerationRepository,
	txm *repository.TxManager,
	cfg *config.Config,
	logger *zap.Logger,
	publisher ProgressPublisher,
) *GenerationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenerationService{
		genRepo:   genRepo,
		txm:       txm,
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
	}
}

// Get 按任务 ID 获取记录
func (s *GenerationService) Get(ctx context.Context, userID int64, taskID string) (*model.Generation, error) {
	gen, err := s.genRepo.GetByTaskID(userID, taskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGenerationNotFound
	}
	return gen, err
}

// Append 写入成功槽位，同一槽位重复写入覆盖而不是追加
func (s *GenerationService) Append(ctx context.Context, userID int64, taskID string, index int, out SlotOutput) (*model.Generation, error) {
	url, modelType, genMode := out.ImageURL, out.ModelType, out.GenMode
	return s.writeSlot(ctx, userID, taskID, index, func(g *model.Generation) {
		g.OutputImageURLs[index] = &url
		g.OutputModelTypes[index] = &modelType
		g.OutputGenModes[index] = &genMode
		if out.Prompt != nil {
			prompt := *out.Prompt
			g.Prompts[index] = &prompt
		}
		g.SlotStates[index] = model.SlotSucceeded
	})
}

// MarkFailed 标记槽位已处理但失败，与未处理区分
func (s *GenerationService) MarkFailed(ctx context.Context, userID int64, taskID string, index int) (*model.Generation, error) {
	return s.writeSlot(ctx, userID, taskID, index, func(g *model.Generation) {
		g.OutputImageURLs[index] = nil
		g.OutputModelTypes[index] = nil
		g.OutputGenModes[index] = nil
		g.SlotStates[index] = model.SlotFailed
	})
}

// Finalize 服务端写入终态，可重复调用
func (s *GenerationService) Finalize(ctx context.Context, userID int64, taskID string, successCount int) (*model.Generation, error) {
	if successCount < 0 {
		return nil, ErrInvalidImageCount
	}

	status := model.GenerationFailed
	if successCount > 0 {
		status = model.GenerationCompleted
	}

	var gen *model.Generation
	err := retryOnConflict(s.cfg.Credits.MaxWriteRetries, func() error {
		return s.txm.Do(ctx, func(tx *gorm.DB) error {
			repo := s.genRepo.WithTx(tx)

			found, err := repo.GetByTaskID(userID, taskID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGenerationNotFound
			}
			if err != nil {
				return err
			}
			gen = found

			if found.Status == status && found.CompletedAt != nil {
				return nil
			}
			now := time.Now()
			found.Status = status
			found.CompletedAt = &now
			return repo.Update(found)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, &pubsub.ProgressMessage{
		Type:             pubsub.EventGenerationSettled,
		UserID:           userID,
		GenerationID:     gen.ID,
		TaskID:           gen.TaskID,
		Status:           gen.Status,
		TotalImagesCount: gen.TotalImagesCount,
		SuccessCount:     gen.SuccessCount(),
	})
	return gen, nil
}

func (s *GenerationService) writeSlot(ctx context.Context, userID int64, taskID string, index int, write func(*model.Generation)) (*model.Generation, error) {
	if index < 0 || (s.cfg.Credits.MaxImagesPerTask > 0 && index >= s.cfg.Credits.MaxImagesPerTask) {
		return nil, ErrInvalidSlotIndex
	}

	var (
		gen     *model.Generation
		settled bool
	)
	err := retryOnConflict(s.cfg.Credits.MaxWriteRetries, func() error {
		return s.txm.Do(ctx, func(tx *gorm.DB) error {
			repo := s.genRepo.WithTx(tx)

			found, err := repo.GetByTaskID(userID, taskID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// 记录已被释放：按新的 pending 记录重建，不扣额度
				s.logger.Warn("orphaned slot write, recreating generation",
					zap.Int64("user_id", userID),
					zap.String("task_id", taskID),
					zap.Int("index", index))
				found = &model.Generation{
					ID:               uuid.NewString(),
					UserID:           userID,
					TaskID:           taskID,
					Status:           model.GenerationPending,
					TotalImagesCount: index + 1,
				}
				found.EnsureSlots(index + 1)
				write(found)
				settled = settle(found)
				gen = found
				if err := repo.Create(found); err != nil {
					if errors.Is(err, gorm.ErrDuplicatedKey) {
						// 并发重建，重读后再写
						return repository.ErrVersionConflict
					}
					return err
				}
				return nil
			}
			if err != nil {
				return err
			}

			found.EnsureSlots(max(index+1, found.TotalImagesCount))
			write(found)
			settled = settle(found)
			gen = found
			return repo.Update(found)
		})
	})
	if err != nil {
		return nil, err
	}

	msg := &pubsub.ProgressMessage{
		Type:             pubsub.EventSlotSucceeded,
		UserID:           userID,
		GenerationID:     gen.ID,
		TaskID:           gen.TaskID,
		Index:            &index,
		Status:           gen.Status,
		TotalImagesCount: gen.TotalImagesCount,
		SuccessCount:     gen.SuccessCount(),
	}
	if gen.SlotStates[index] == model.SlotFailed {
		msg.Type = pubsub.EventSlotFailed
	} else if url := gen.OutputImageURLs[index]; url != nil {
		msg.ImageURL = *url
	}
	s.publish(ctx, msg)

	if settled {
		s.publish(ctx, &pubsub.ProgressMessage{
			Type:             pubsub.EventGenerationSettled,
			UserID:           userID,
			GenerationID:     gen.ID,
			TaskID:           gen.TaskID,
			Status:           gen.Status,
			TotalImagesCount: gen.TotalImagesCount,
			SuccessCount:     gen.SuccessCount(),
		})
	}
	return gen, nil
}

// settle pending 记录的 [0, total) 槽位全部处理后进入终态：
// 全部失败 -> failed 且 total=0；部分失败 -> completed 且 total=成功数；全部成功 -> completed
func settle(g *model.Generation) bool {
	if g.Status != model.GenerationPending || g.TotalImagesCount <= 0 {
		return false
	}

	success := 0
	for i := 0; i < g.TotalImagesCount; i++ {
		switch g.SlotStates[i] {
		case model.SlotUnattempted:
			return false
		case model.SlotSucceeded:
			success++
		}
	}

	now := time.Now()
	g.CompletedAt = &now
	if success == 0 {
		g.Status = model.GenerationFailed
		g.TotalImagesCount = 0
		return true
	}
	g.Status = model.GenerationCompleted
	g.TotalImagesCount = success
	return true
}

func (s *GenerationService) publish(ctx context.Context, msg *pubsub.ProgressMessage) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishProgress(ctx, msg); err != nil {
		s.logger.Warn("failed to publish progress", zap.String("task_id", msg.TaskID), zap.Error(err))
	}
}
