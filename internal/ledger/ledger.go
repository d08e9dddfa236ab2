// Package ledger 额度池的纯计算：读入额度快照，返回新的余额，不做任何存储操作
package ledger

import (
	"errors"
	"time"
)

// DateLayout 每日额度日期格式（UTC）
const DateLayout = "2006-01-02"

var (
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrInvalidAmount       = errors.New("ledger: amount must not be negative")
)

// Pool 额度池
type Pool string

const (
	PoolDaily        Pool = "daily"
	PoolSignup       Pool = "signup"
	PoolAdminGive    Pool = "admin_give"
	PoolSubscription Pool = "subscription"
	PoolPurchased    Pool = "purchased"
)

// DebitOrder 扣减顺序：会过期的池优先，购买额度最后；按记录退款时逆序
var DebitOrder = []Pool{PoolDaily, PoolSignup, PoolAdminGive, PoolSubscription, PoolPurchased}

// Pools 各池余额
type Pools struct {
	Daily        int `json:"daily"`
	Signup       int `json:"signup"`
	AdminGive    int `json:"admin_give"`
	Subscription int `json:"subscription"`
	Purchased    int `json:"purchased"`
}

func (p *Pools) ptr(pool Pool) *int {
	switch pool {
	case PoolDaily:
		return &p.Daily
	case PoolSignup:
		return &p.Signup
	case PoolAdminGive:
		return &p.AdminGive
	case PoolSubscription:
		return &p.Subscription
	case PoolPurchased:
		return &p.Purchased
	}
	return nil
}

func (p Pools) Get(pool Pool) int {
	if v := p.ptr(pool); v != nil {
		return *v
	}
	return 0
}

// Total 所有池之和，不区分是否过期
func (p Pools) Total() int {
	return p.Daily + p.Signup + p.AdminGive + p.Subscription + p.Purchased
}

// Record 额度行在账本中的视图
type Record struct {
	Pools
	// 每日额度最后一次补满的日期
	DailyDate string
}

// Debit 一次扣减在各池的分布，退款时按原路退回
type Debit struct {
	Pools
	DailyDate string `json:"daily_date,omitempty"`
}

func (d Debit) Amount() int {
	return d.Pools.Total()
}

// Balance 可用额度
type Balance struct {
	Available    int   `json:"available"`
	Pools        Pools `json:"pools"`
	DailyExpired bool  `json:"daily_expired"`
}

// Caps 退款上限，0 表示不设上限，此时无记录退款跳过该池
type Caps struct {
	Daily  int
	Signup int
}

// RefundResult 退款结果
type RefundResult struct {
	// 实际退回的额度
	Credited int
	// 属于已过期每日额度、被丢弃的部分
	Dropped int
	// 扣减记录中尚未退回的部分
	Remaining Debit
}

func Today(now time.Time) string {
	return now.UTC().Format(DateLayout)
}

// IsToday date 是否为当前 UTC 日期
func IsToday(date string, now time.Time) bool {
	return date != "" && date == Today(now)
}

// Available 可用额度，每日额度仅在日期为今天时计入
func Available(r Record, now time.Time) Balance {
	b := Balance{Pools: r.Pools}
	b.Available = r.Signup + r.AdminGive + r.Subscription + r.Purchased
	if IsToday(r.DailyDate, now) {
		b.Available += r.Daily
	} else {
		b.DailyExpired = true
	}
	return b
}

// Rollover 日期变化后把每日额度补满到 allowance
func Rollover(r Record, allowance int, now time.Time) Record {
	if IsToday(r.DailyDate, now) {
		return r
	}
	if allowance < 0 {
		allowance = 0
	}
	r.Daily = allowance
	r.DailyDate = Today(now)
	return r
}

// Consume 按 DebitOrder 扣减 count，失败时原样返回 r
func Consume(r Record, count int, now time.Time) (Record, Debit, error) {
	if count < 0 {
		return r, Debit{}, ErrInvalidAmount
	}
	if Available(r, now).Available < count {
		return r, Debit{}, ErrInsufficientCredits
	}

	out := r
	debit := Debit{DailyDate: Today(now)}
	remaining := count
	for _, pool := range DebitOrder {
		if remaining == 0 {
			break
		}
		if pool == PoolDaily && !IsToday(r.DailyDate, now) {
			continue
		}
		bal := out.ptr(pool)
		take := min(*bal, remaining)
		*bal -= take
		*debit.ptr(pool) += take
		remaining -= take
	}
	return out, debit, nil
}

// Refund 退回 count 个额度。有扣减记录时原路逆序退回，跨天后每日额度部分丢弃；
// 超出记录的部分按 每日(当天，受上限) -> 注册赠送(受上限) -> 购买 退回
func Refund(r Record, debit *Debit, count int, caps Caps, now time.Time) (Record, RefundResult) {
	var res RefundResult
	if debit != nil {
		res.Remaining = *debit
	}
	if count <= 0 {
		return r, res
	}

	out := r
	remaining := count
	if debit != nil {
		for i := len(DebitOrder) - 1; i >= 0 && remaining > 0; i-- {
			pool := DebitOrder[i]
			owed := res.Remaining.ptr(pool)
			give := min(*owed, remaining)
			if give == 0 {
				continue
			}
			*owed -= give
			remaining -= give

			if pool == PoolDaily {
				if debit.DailyDate != Today(now) || !IsToday(out.DailyDate, now) {
					res.Dropped += give
					continue
				}
				if caps.Daily > 0 && out.Daily+give > caps.Daily {
					room := max(caps.Daily-out.Daily, 0)
					res.Dropped += give - room
					give = room
				}
			}
			if pool == PoolSignup && caps.Signup > 0 && out.Signup+give > caps.Signup {
				room := max(caps.Signup-out.Signup, 0)
				spill := give - room
				give = room
				out.Purchased += spill
				res.Credited += spill
			}
			*out.ptr(pool) += give
			res.Credited += give
		}
	}

	if remaining > 0 {
		var credited int
		out, credited = refundUntracked(out, remaining, caps, now)
		res.Credited += credited
	}
	return out, res
}

func refundUntracked(r Record, count int, caps Caps, now time.Time) (Record, int) {
	remaining := count
	if caps.Daily > 0 && IsToday(r.DailyDate, now) && r.Daily < caps.Daily {
		give := min(caps.Daily-r.Daily, remaining)
		r.Daily += give
		remaining -= give
	}
	if caps.Signup > 0 && r.Signup < caps.Signup {
		give := min(caps.Signup-r.Signup, remaining)
		r.Signup += give
		remaining -= give
	}
	r.Purchased += remaining
	return r, count
}
