package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/lensgen_server/internal/model"
)

type GenerationRepository struct {
	db *gorm.DB
}

func NewGenerationRepository(db *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) WithTx(tx *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: tx}
}

func (r *GenerationRepository) Create(gen *model.Generation) error {
	return r.db.Create(gen).Error
}

func (r *GenerationRepository) GetByID(id string) (*model.Generation, error) {
	var gen model.Generation
	err := r.db.Where("id = ?", id).First(&gen).Error
	if err != nil {
		return nil, err
	}
	return &gen, nil
}

func (r *GenerationRepository) GetByTaskID(userID int64, taskID string) (*model.Generation, error) {
	var gen model.Generation
	err := r.db.Where("user_id = ? AND task_id = ?", userID, taskID).First(&gen).Error
	if err != nil {
		return nil, err
	}
	return &gen, nil
}

// GetByRef 按预留 ID 或任务 ID 查找（ID 优先）
func (r *GenerationRepository) GetByRef(userID int64, id, taskID string) (*model.Generation, error) {
	return r.findByRef(r.db, userID, id, taskID)
}

// GetPendingByRef 同 GetByRef，只返回 pending 状态的记录
func (r *GenerationRepository) GetPendingByRef(userID int64, id, taskID string) (*model.Generation, error) {
	return r.findByRef(r.db.Where("status = ?", model.GenerationPending), userID, id, taskID)
}

func (r *GenerationRepository) findByRef(db *gorm.DB, userID int64, id, taskID string) (*model.Generation, error) {
	query := db.Where("user_id = ?", userID)
	if id != "" {
		query = query.Where("id = ?", id)
	} else {
		query = query.Where("task_id = ?", taskID)
	}

	var gen model.Generation
	if err := query.First(&gen).Error; err != nil {
		return nil, err
	}
	return &gen, nil
}

// Update 按版本号条件整体写回可变字段，成功后 gen.Version 自增
func (r *GenerationRepository) Update(gen *model.Generation) error {
	result := r.db.Model(&model.Generation{}).
		Where("id = ? AND version = ?", gen.ID, gen.Version).
		Updates(map[string]interface{}{
			"status":             gen.Status,
			"total_images_count": gen.TotalImagesCount,
			"reserved_count":     gen.ReservedCount,
			"output_image_urls":  gen.OutputImageURLs,
			"output_model_types": gen.OutputModelTypes,
			"output_gen_modes":   gen.OutputGenModes,
			"prompts":            gen.Prompts,
			"slot_states":        gen.SlotStates,
			"debit":              gen.Debit,
			"completed_at":       gen.CompletedAt,
			"version":            gen.Version + 1,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	gen.Version++
	return nil
}

// DeletePending 删除 pending 记录，返回实际删除的行数
func (r *GenerationRepository) DeletePending(id string) (int64, error) {
	result := r.db.Where("id = ? AND status = ?", id, model.GenerationPending).Delete(&model.Generation{})
	return result.RowsAffected, result.Error
}

// ListStalePending 获取创建时间早于 before 仍未结束的记录
func (r *GenerationRepository) ListStalePending(before time.Time, limit int) ([]*model.Generation, error) {
	var gens []*model.Generation
	err := r.db.Where("status = ? AND created_at < ?", model.GenerationPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&gens).Error
	return gens, err
}
