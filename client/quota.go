package client

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultQuotaFreshness = 30 * time.Second

	refreshTimeout = 10 * time.Second
)

// QuotaSnapshot 最近一次拿到的额度
type QuotaSnapshot struct {
	TotalQuota     int       `json:"totalQuota"`
	UsedCount      int       `json:"usedCount"`
	RemainingQuota int       `json:"remainingQuota"`
	FetchedAt      time.Time `json:"fetchedAt"`
}

// QuotaFetcher 读取权威额度
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, userID int64) (*QuotaSnapshot, error)
}

// QuotaFetcherFunc 函数适配
type QuotaFetcherFunc func(ctx context.Context, userID int64) (*QuotaSnapshot, error)

func (f QuotaFetcherFunc) FetchQuota(ctx context.Context, userID int64) (*QuotaSnapshot, error) {
	return f(ctx, userID)
}

type QuotaOption func(*QuotaCache)

func WithQuotaClock(now func() time.Time) QuotaOption {
	return func(c *QuotaCache) { c.now = now }
}

func WithFreshness(d time.Duration) QuotaOption {
	return func(c *QuotaCache) {
		if d > 0 {
			c.freshness = d
		}
	}
}

func WithQuotaStore(store KVStore) QuotaOption {
	return func(c *QuotaCache) { c.store = store }
}

func WithQuotaLogger(l *zap.Logger) QuotaOption {
	return func(c *QuotaCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// QuotaCache 按用户缓存额度，用于即时准入判断；Reserve 才是最终裁决
type QuotaCache struct {
	fetcher   QuotaFetcher
	store     KVStore
	freshness time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.RWMutex
	snapshots map[int64]QuotaSnapshot

	// 写存储时重读内存中的最新值，并串行化
	persistMu sync.Mutex

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewQuotaCache(fetcher QuotaFetcher, opts ...QuotaOption) *QuotaCache {
	c := &QuotaCache{
		fetcher:   fetcher,
		freshness: DefaultQuotaFreshness,
		now:       time.Now,
		logger:    zap.NewNop(),
		snapshots: make(map[int64]QuotaSnapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckQuota 缓存新鲜时立即作答并在后台刷新；否则同步拉取
func (c *QuotaCache) CheckQuota(ctx context.Context, userID int64, n int) (bool, QuotaSnapshot, error) {
	if snap, ok := c.cached(ctx, userID); ok && c.fresh(snap) {
		c.RefreshAsync(userID)
		return snap.RemainingQuota >= n, snap, nil
	}

	snap, err := c.Refresh(ctx, userID)
	if err != nil {
		return false, QuotaSnapshot{}, err
	}
	return snap.RemainingQuota >= n, snap, nil
}

// Get 返回缓存中的额度，不触发网络请求
func (c *QuotaCache) Get(ctx context.Context, userID int64) (QuotaSnapshot, bool) {
	return c.cached(ctx, userID)
}

// Refresh 同步拉取，同一用户的并发请求合并为一次
func (c *QuotaCache) Refresh(ctx context.Context, userID int64) (QuotaSnapshot, error) {
	v, err, _ := c.group.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		snap, err := c.fetcher.FetchQuota(ctx, userID)
		if err != nil {
			return nil, err
		}
		snap.FetchedAt = c.now()
		c.put(ctx, userID, *snap)
		return *snap, nil
	})
	if err != nil {
		return QuotaSnapshot{}, err
	}
	return v.(QuotaSnapshot), nil
}

// RefreshAsync 后台刷新，失败只记日志
func (c *QuotaCache) RefreshAsync(userID int64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx, userID); err != nil {
			c.logger.Warn("background quota refresh failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}()
}

// Adjust 乐观地修改剩余额度（预留成功后扣减、退款后加回），不改变新鲜度
func (c *QuotaCache) Adjust(ctx context.Context, userID int64, delta int) {
	if _, ok := c.cached(ctx, userID); !ok {
		return
	}

	c.mu.Lock()
	snap, ok := c.snapshots[userID]
	if ok {
		snap.RemainingQuota = max(0, snap.RemainingQuota+delta)
		snap.UsedCount = max(0, snap.UsedCount-delta)
		c.snapshots[userID] = snap
	}
	c.mu.Unlock()

	if ok {
		c.flush(ctx, userID)
	}
}

// Invalidate 丢弃缓存，下次检查同步拉取
func (c *QuotaCache) Invalidate(ctx context.Context, userID int64) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	delete(c.snapshots, userID)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, quotaKey(userID)); err != nil {
			c.logger.Warn("failed to drop quota snapshot", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// Wait 等待后台刷新结束
func (c *QuotaCache) Wait() {
	c.wg.Wait()
}

func (c *QuotaCache) fresh(s QuotaSnapshot) bool {
	return c.now().Sub(s.FetchedAt) <= c.freshness
}

func (c *QuotaCache) cached(ctx context.Context, userID int64) (QuotaSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.snapshots[userID]
	c.mu.RUnlock()
	if ok || c.store == nil {
		return snap, ok
	}

	raw, err := c.store.Get(ctx, quotaKey(userID))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.logger.Warn("failed to read quota snapshot", zap.Int64("user_id", userID), zap.Error(err))
		}
		return QuotaSnapshot{}, false
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return QuotaSnapshot{}, false
	}

	c.mu.Lock()
	c.snapshots[userID] = snap
	c.mu.Unlock()
	return snap, true
}

func (c *QuotaCache) put(ctx context.Context, userID int64, snap QuotaSnapshot) {
	c.mu.Lock()
	c.snapshots[userID] = snap
	c.mu.Unlock()
	c.flush(ctx, userID)
}

func (c *QuotaCache) flush(ctx context.Context, userID int64) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	latest, ok := c.snapshots[userID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(latest)
	if err == nil {
		err = c.store.Set(ctx, quotaKey(userID), data)
	}
	if err != nil {
		c.logger.Warn("failed to persist quota snapshot", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func quotaKey(userID int64) string {
	return "quota:" + strconv.FormatInt(userID, 10)
}
