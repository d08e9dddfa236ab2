package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/lensgen_server/internal/model"
)

type QuotaRepository struct {
	db *gorm.DB
}

func NewQuotaRepository(db *gorm.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// WithTx 返回绑定到事务的仓库
func (r *QuotaRepository) WithTx(tx *gorm.DB) *QuotaRepository {
	return &QuotaRepository{db: tx}
}

func (r *QuotaRepository) GetByUserID(userID int64) (*model.UserQuota, error) {
	var quota model.UserQuota
	err := r.db.Where("user_id = ?", userID).First(&quota).Error
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

// GetOrCreate 懒创建额度记录，并发首次访问时只有一条插入生效
func (r *QuotaRepository) GetOrCreate(defaults *model.UserQuota) (*model.UserQuota, error) {
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(defaults).Error
	if err != nil {
		return nil, err
	}
	return r.GetByUserID(defaults.UserID)
}

// UpdateBalances 按版本号条件更新各额度池，成功后 quota.Version 自增
func (r *QuotaRepository) UpdateBalances(quota *model.UserQuota) error {
	result := r.db.Model(&model.UserQuota{}).
		Where("user_id = ? AND version = ?", quota.UserID, quota.Version).
		Updates(map[string]interface{}{
			"daily_credits":        quota.DailyCredits,
			"daily_credits_date":   quota.DailyCreditsDate,
			"subscription_credits": quota.SubscriptionCredits,
			"signup_credits":       quota.SignupCredits,
			"admin_give_credits":   quota.AdminGiveCredits,
			"purchased_credits":    quota.PurchasedCredits,
			"used_credits":         quota.UsedCredits,
			"version":              quota.Version + 1,
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	quota.Version++
	return nil
}
