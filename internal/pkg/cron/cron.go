package cron

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StaleSettler 对超时 pending 记录兜底收尾
type StaleSettler interface {
	SettleStale(ctx context.Context, before time.Time, limit int) (int, error)
}

// BacklogCounter 对账队列积压
type BacklogCounter interface {
	Length(ctx context.Context) (int64, error)
}

const defaultBatchSize = 100

type Service struct {
	settler  StaleSettler
	backlog  BacklogCounter
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService maxAge 为 pending 记录的最长存活时间，interval 为扫描周期
func NewService(settler StaleSettler, backlog BacklogCounter, maxAge, interval time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Service{
		settler:  settler,
		backlog:  backlog,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	s.wg.Add(1)
	go s.runStaleSweep()
	s.logger.Info("cron service started",
		zap.Duration("max_age", s.maxAge),
		zap.Duration("interval", s.interval))
}

// Stop 停止定时任务，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("cron service stopped")
}

func (s *Service) runStaleSweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.RunNow(context.Background()); err != nil {
				s.logger.Warn("stale sweep failed", zap.Error(err))
			}
		}
	}
}

// RunNow 立即执行一轮兜底收尾，返回处理的记录数
func (s *Service) RunNow(ctx context.Context) (int, error) {
	if s.settler == nil || s.maxAge <= 0 {
		return 0, nil
	}

	before := s.now().Add(-s.maxAge)
	total := 0
	for {
		n, err := s.settler.SettleStale(ctx, before, defaultBatchSize)
		total += n
		if err != nil {
			return total, err
		}
		// 整批都失败时 n 为 0，不再重复扫描同一批
		if n < defaultBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("stale generations settled", zap.Int("count", total))
	}
	s.reportBacklog(ctx)
	return total, nil
}

func (s *Service) reportBacklog(ctx context.Context) {
	if s.backlog == nil {
		return
	}
	n, err := s.backlog.Length(ctx)
	if err != nil {
		s.logger.Warn("failed to read reconcile backlog", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("unreconciled ledger writes pending", zap.Int64("count", n))
	}
}
