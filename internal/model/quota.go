package model

import (
	"time"

	"github.com/qs3c/lensgen_server/internal/ledger"
)

// UserQuota 用户额度记录，每个用户一行，只由预留服务修改
type UserQuota struct {
	UserID              int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	DailyCredits        int       `gorm:"not null;default:0" json:"daily_credits"`
	DailyCreditsDate    string    `gorm:"size:10" json:"daily_credits_date"` // YYYY-MM-DD (UTC)
	SubscriptionCredits int       `gorm:"not null;default:0" json:"subscription_credits"`
	SignupCredits       int       `gorm:"not null;default:0" json:"signup_credits"`
	AdminGiveCredits    int       `gorm:"not null;default:0" json:"admin_give_credits"`
	PurchasedCredits    int       `gorm:"not null;default:0" json:"purchased_credits"`
	UsedCredits         int       `gorm:"not null;default:0" json:"used_credits"`
	Version             int64     `gorm:"not null;default:0" json:"-"` // 乐观锁版本号
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (UserQuota) TableName() string {
	return "user_quotas"
}

// Record 转换为账本快照
func (q *UserQuota) Record() ledger.Record {
	return ledger.Record{
		Pools: ledger.Pools{
			Daily:        q.DailyCredits,
			Signup:       q.SignupCredits,
			AdminGive:    q.AdminGiveCredits,
			Subscription: q.SubscriptionCredits,
			Purchased:    q.PurchasedCredits,
		},
		DailyDate: q.DailyCreditsDate,
	}
}

// Apply 把账本计算结果写回各额度池
func (q *UserQuota) Apply(r ledger.Record) {
	q.DailyCredits = r.Daily
	q.DailyCreditsDate = r.DailyDate
	q.SignupCredits = r.Signup
	q.AdminGiveCredits = r.AdminGive
	q.SubscriptionCredits = r.Subscription
	q.PurchasedCredits = r.Purchased
}
