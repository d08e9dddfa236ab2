package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultStaleAfter   = 5 * time.Minute
	DefaultMaxPersisted = 10

	// InlineImagePlaceholder 持久化时替换 data: 内联图片
	InlineImagePlaceholder = "[inline-image]"

	tasksKey = "tasks"
)

var ErrInvalidSlot = errors.New("invalid slot index")

type MirrorOption func(*TaskMirror)

func WithMirrorClock(now func() time.Time) MirrorOption {
	return func(m *TaskMirror) { m.now = now }
}

func WithStaleAfter(d time.Duration) MirrorOption {
	return func(m *TaskMirror) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

func WithMaxPersisted(n int) MirrorOption {
	return func(m *TaskMirror) {
		if n > 0 {
			m.maxPersisted = n
		}
	}
}

func WithMirrorLogger(l *zap.Logger) MirrorOption {
	return func(m *TaskMirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// TaskMirror 在客户端镜像进行中的任务，每次变更后写入持久化缓存
type TaskMirror struct {
	mu    sync.Mutex
	tasks map[string]*Task

	// 快照与写入在同一把锁内，保证后写入的快照不旧于先写入的
	persistMu sync.Mutex

	store        KVStore
	now          func() time.Time
	staleAfter   time.Duration
	maxPersisted int
	logger       *zap.Logger
}

func NewTaskMirror(store KVStore, opts ...MirrorOption) *TaskMirror {
	m := &TaskMirror{
		tasks:        make(map[string]*Task),
		store:        store,
		now:          time.Now,
		staleAfter:   DefaultStaleAfter,
		maxPersisted: DefaultMaxPersisted,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTask 在调用 reserve 前创建任务，状态为 pending，还没有槽位
func (m *TaskMirror) AddTask(ctx context.Context, id, taskType string, expected int) Task {
	m.mu.Lock()
	t := &Task{
		ID:                 id,
		Type:               taskType,
		Status:             StatusPending,
		ExpectedImageCount: expected,
		CreatedAt:          m.now(),
	}
	m.tasks[id] = t
	out := t.clone()
	m.mu.Unlock()

	m.persist(ctx)
	return out
}

// InitSlots 服务端确认预留后分配 count 个 pending 槽位，任务进入 generating
func (m *TaskMirror) InitSlots(ctx context.Context, id, reservationID string, count int) (Task, error) {
	if count <= 0 {
		return Task{}, ErrInvalidSlot
	}

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	t.ReservationID = reservationID
	t.ImageSlots = make([]ImageSlot, count)
	for i := range t.ImageSlots {
		t.ImageSlots[i] = ImageSlot{Index: i, Status: StatusPending}
	}
	t.Status = deriveStatus(t.ImageSlots)
	out := t.clone()
	m.mu.Unlock()

	m.persist(ctx)
	return out, nil
}

// UpdateSlot 合并补丁并重新推导任务状态
func (m *TaskMirror) UpdateSlot(ctx context.Context, id string, index int, patch SlotPatch) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if index < 0 || index >= len(t.ImageSlots) {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %d", ErrInvalidSlot, index)
	}
	patch.apply(&t.ImageSlots[index])
	t.Status = deriveStatus(t.ImageSlots)
	out := t.clone()
	m.mu.Unlock()

	m.persist(ctx)
	return out, nil
}

// Fail 预留失败等场景下直接结束任务
func (m *TaskMirror) Fail(ctx context.Context, id string, reason string) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	failTask(t, reason)
	out := t.clone()
	m.mu.Unlock()

	m.persist(ctx)
	return out, nil
}

func (m *TaskMirror) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List 按创建时间倒序
func (m *TaskMirror) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	sortNewestFirst(out)
	return out
}

func (m *TaskMirror) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	m.persist(ctx)
}

// Load 从持久化缓存恢复任务，并清理超时任务；返回被判定超时的任务 ID
func (m *TaskMirror) Load(ctx context.Context) ([]string, error) {
	raw, err := m.store.Get(ctx, tasksKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tasks []Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		// 缓存损坏直接丢弃
		m.logger.Warn("discarding corrupt task snapshot", zap.Error(err))
		m.persistMu.Lock()
		defer m.persistMu.Unlock()
		return nil, m.store.Delete(ctx, tasksKey)
	}

	m.mu.Lock()
	m.tasks = make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	m.mu.Unlock()

	expired := m.CleanupStale()
	if len(expired) > 0 {
		m.persist(ctx)
	}
	return expired, nil
}

// CleanupStale 刷新后回调已丢失，超过窗口仍未结束的任务只能判为失败
func (m *TaskMirror) CleanupStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for id, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		if now.Sub(t.CreatedAt) > m.staleAfter {
			failTask(t, ErrTaskTimeout.Error())
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func failTask(t *Task, reason string) {
	for i := range t.ImageSlots {
		if !t.ImageSlots[i].Status.Terminal() {
			t.ImageSlots[i].Status = StatusFailed
			t.ImageSlots[i].Error = reason
		}
	}
	if len(t.ImageSlots) == 0 {
		t.Status = StatusFailed
		return
	}
	t.Status = deriveStatus(t.ImageSlots)
}

// snapshot 最近 maxPersisted 个任务加上所有未结束的任务，去掉内联图片
func (m *TaskMirror) snapshot() []Task {
	m.mu.Lock()
	all := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t.clone())
	}
	m.mu.Unlock()

	sortNewestFirst(all)
	kept := make([]Task, 0, min(len(all), m.maxPersisted))
	for i, t := range all {
		if i >= m.maxPersisted && t.Status.Terminal() {
			continue
		}
		for j := range t.ImageSlots {
			if strings.HasPrefix(t.ImageSlots[j].ImageURL, "data:") {
				t.ImageSlots[j].ImageURL = InlineImagePlaceholder
			}
		}
		kept = append(kept, t)
	}
	return kept
}

func (m *TaskMirror) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	data, err := json.Marshal(m.snapshot())
	if err == nil {
		err = m.store.Set(ctx, tasksKey, data)
	}
	if err != nil {
		m.logger.Warn("failed to persist task snapshot", zap.Error(err))
	}
}

func sortNewestFirst(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
