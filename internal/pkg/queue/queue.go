package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 待对账记录类型
const (
	KindReserveRollback = "reserve_rollback" // 预留回滚失败，额度已扣但无生成记录
	KindRelease         = "release"          // 释放时退款写入失败
	KindPartialUpdate   = "partial_update"   // 部分更新时退款写入失败
)

// ErrCorruptMessage 无法解析的记录，已移入死信队列
var ErrCorruptMessage = errors.New("corrupt reconcile message")

// Queue 基于 Redis list 的待对账队列
type Queue struct {
	client    *redis.Client
	queueName string
}

// ReconcileMessage 一条未落库的账本写入
type ReconcileMessage struct {
	Kind             string    `json:"kind"`
	UserID           int64     `json:"user_id"`
	GenerationID     string    `json:"generation_id,omitempty"`
	TaskID           string    `json:"task_id,omitempty"`
	Count            int       `json:"count"`
	ActualImageCount int       `json:"actual_image_count,omitempty"`
	RefundCount      *int      `json:"refund_count,omitempty"`
	ReservedBefore   int       `json:"reserved_before,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func NewQueue(client *redis.Client, queueName string) *Queue {
	return &Queue{
		client:    client,
		queueName: queueName,
	}
}

// Push 写入一条待对账记录
func (q *Queue) Push(ctx context.Context, msg *ReconcileMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 取出最早的一条记录（阻塞），超时返回 nil
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*ReconcileMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	msg, err := decode(result[1])
	if err != nil {
		// 原样移入死信队列，不阻塞后续记录
		if dlErr := q.client.LPush(context.WithoutCancel(ctx), q.DeadLetterKey(), result[1]).Err(); dlErr != nil {
			return nil, fmt.Errorf("failed to dead-letter message: %w", dlErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptMessage, err)
	}
	return msg, nil
}

// DeadLetterKey 死信队列的 key
func (q *Queue) DeadLetterKey() string {
	return q.queueName + ":dead"
}

// List 按写入顺序查看记录，不出队
func (q *Queue) List(ctx context.Context, limit int64) ([]*ReconcileMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	// LPush 入队，最早的记录在尾部
	raw, err := q.client.LRange(ctx, q.queueName, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	msgs := make([]*ReconcileMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		msg, err := decode(raw[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

func decode(raw string) (*ReconcileMessage, error) {
	var msg ReconcileMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
