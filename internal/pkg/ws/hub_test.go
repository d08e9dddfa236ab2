package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/lensgen_server/internal/pkg/pubsub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// dialHub 启动测试服务器，连接注册为 userID，返回客户端连接
func dialHub(t *testing.T, hub *Hub, userID int64) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &Client{UserID: userID, Conn: conn}
		hub.Register(client)
		go func() {
			defer hub.Unregister(client)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.IsOnline(userID) }, time.Second, 10*time.Millisecond)

	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestHub_Empty(t *testing.T) {
	hub := NewHub(nil)

	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.IsOnline(123))
}

func TestHub_SendToUser_UserNotOnline(t *testing.T) {
	hub := NewHub(nil)

	err := hub.SendToUser(123, &Message{Type: "test", Data: map[string]string{"key": "value"}})
	assert.NoError(t, err)
}

func TestHub_SendToUser(t *testing.T) {
	hub := NewHub(nil)
	conn, cleanup := dialHub(t, hub, 7)
	defer cleanup()

	assert.Equal(t, 1, hub.ConnectionCount())

	require.NoError(t, hub.SendToUser(7, &Message{Type: "ping", Data: "hello"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "ping", msg.Type)
	assert.Equal(t, "hello", msg.Data)
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub(nil)
	conn, cleanup := dialHub(t, hub, 9)
	defer cleanup()

	conn.Close()
	assert.Eventually(t, func() bool { return !hub.IsOnline(9) }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Relay(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(nil)
	conn, cleanup := dialHub(t, hub, 5)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Relay(ctx, pubsub.NewSubscriber(client)) }()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	publisher := pubsub.NewPublisher(client)
	// 其他用户的消息不会转发
	require.NoError(t, publisher.PublishProgress(ctx, &pubsub.ProgressMessage{Type: pubsub.EventSlotFailed, UserID: 6}))
	require.NoError(t, publisher.PublishProgress(ctx, &pubsub.ProgressMessage{
		Type:   pubsub.EventSlotSucceeded,
		UserID: 5,
		TaskID: "task_5",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string                 `json:"type"`
		Data pubsub.ProgressMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, pubsub.EventSlotSucceeded, msg.Type)
	assert.Equal(t, "task_5", msg.Data.TaskID)
}
