package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrNotAcquired = errors.New("lock not acquired")

// 只有持有者才能释放
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker 基于 Redis SET NX PX 的用户级互斥锁
type Locker struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	return &Locker{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		retryDelay: 20 * time.Millisecond,
	}
}

// Acquire 获取 key 对应的锁，直到成功或 ctx 结束；返回释放函数
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", fullKey, err)
		}
		if ok {
			return func() {
				// 使用独立 context，调用方 ctx 已取消时也要释放
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				l.client.Eval(releaseCtx, releaseScript, []string{fullKey}, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(l.retryDelay):
		}
	}
}
