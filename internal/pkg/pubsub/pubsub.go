package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelGenerationProgress = "generation_progress"
)

// 事件类型
const (
	EventSlotSucceeded       = "slot_succeeded"
	EventSlotFailed          = "slot_failed"
	EventGenerationSettled   = "generation_settled"
	EventReservationReleased = "reservation_released"
	EventReservationUpdated  = "reservation_updated"
)

// ProgressMessage 生成进度消息
type ProgressMessage struct {
	Type             string `json:"type"`
	UserID           int64  `json:"user_id"`
	GenerationID     string `json:"generation_id"`
	TaskID           string `json:"task_id"`
	Index            *int   `json:"index,omitempty"`
	Status           string `json:"status"`
	TotalImagesCount int    `json:"total_images_count"`
	SuccessCount     int    `json:"success_count"`
	ImageURL         string `json:"image_url,omitempty"`
	RefundedCount    int    `json:"refunded_count,omitempty"`
}

// Publisher Redis 发布者
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, channel: ChannelGenerationProgress}
}

// PublishProgress 发布进度消息
func (p *Publisher) PublishProgress(ctx context.Context, msg *ProgressMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal progress message: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, channel: ChannelGenerationProgress}
}

// Subscribe 订阅进度消息，ctx 取消时返回
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*ProgressMessage)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// 等待订阅确认，避免订阅建立前发布的消息丢失
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var progressMsg ProgressMessage
			if err := json.Unmarshal([]byte(msg.Payload), &progressMsg); err != nil {
				continue // 忽略解析错误
			}

			handler(&progressMsg)
		}
	}
}
