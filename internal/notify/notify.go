// ============================================================================
// Forge-Queue Notification Port - 任務狀態與批次進度推送
// ============================================================================
//
// Package: internal/notify
// 文件: notify.go
// 功能:
//   1. Notifier 介面: PublishJobStatus / PublishBatchProgress
//   2. LogNotifier: 以 zap 記錄所有通知
//   3. Broadcaster: 程序內的訂閱者扇出（HTTP SSE 使用）
//   4. Multi: 同時推送給多個 Notifier
//
// 推送為盡力而為: 慢的訂閱者會被丟棄事件，不會阻塞 worker。
//
// ============================================================================

package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// 事件種類
const (
	KindJobStatus     = "job_status"
	KindBatchProgress = "batch_progress"
)

// Event 一筆推送事件
type Event struct {
	Kind      string                 `json:"kind"`
	JobID     types.JobID            `json:"job_id,omitempty"`
	Status    types.JobStatus        `json:"status,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Progress  *types.BatchProgress   `json:"progress,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier 通知埠
type Notifier interface {
	PublishJobStatus(ctx context.Context, id types.JobID, status types.JobStatus, payload map[string]interface{}) error
	PublishBatchProgress(ctx context.Context, batchID string, progress types.BatchProgress) error
}

// ============================================================================
// LogNotifier
// ============================================================================

// LogNotifier 只寫日誌
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier 建立日誌通知器
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) PublishJobStatus(_ context.Context, id types.JobID, status types.JobStatus, payload map[string]interface{}) error {
	n.log.Info("job status",
		zap.String("job_id", string(id)),
		zap.String("status", string(status)),
		zap.Any("payload", payload))
	return nil
}

func (n *LogNotifier) PublishBatchProgress(_ context.Context, batchID string, p types.BatchProgress) error {
	n.log.Info("batch progress",
		zap.String("batch_id", batchID),
		zap.Int("total", p.Total),
		zap.Int("completed", p.Completed),
		zap.Int("failed", p.Failed),
		zap.Float64("percent", p.Percent),
		zap.Bool("done", p.Done))
	return nil
}

// ============================================================================
// Broadcaster
// ============================================================================

// DefaultBuffer 每個訂閱者的緩衝大小
const DefaultBuffer = 64

// Subscription 一個訂閱者
type Subscription struct {
	C  <-chan Event
	ch chan Event
	id uint64
}

// Broadcaster 程序內事件扇出
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	dropped uint64
	now     func() time.Time
}

// NewBroadcaster 建立扇出器，buffer <= 0 使用 DefaultBuffer
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscribe 新增訂閱者，呼叫方必須在結束時 Unsubscribe
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe 移除訂閱者並關閉其 channel
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Subscribers 目前訂閱者數量
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 因訂閱者緩衝已滿而丟棄的事件數
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Broadcaster) publish(ev Event) {
	ev.Timestamp = b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
		}
	}
}

func (b *Broadcaster) PublishJobStatus(_ context.Context, id types.JobID, status types.JobStatus, payload map[string]interface{}) error {
	b.publish(Event{Kind: KindJobStatus, JobID: id, Status: status, Payload: payload})
	return nil
}

func (b *Broadcaster) PublishBatchProgress(_ context.Context, batchID string, p types.BatchProgress) error {
	p.BatchID = batchID
	b.publish(Event{Kind: KindBatchProgress, Progress: &p})
	return nil
}

// ============================================================================
// Multi
// ============================================================================

// Multi 依序推送給每個 Notifier，錯誤合併回傳
type Multi []Notifier

func (m Multi) PublishJobStatus(ctx context.Context, id types.JobID, status types.JobStatus, payload map[string]interface{}) error {
	var errs []error
	for _, n := range m {
		if err := n.PublishJobStatus(ctx, id, status, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishBatchProgress(ctx context.Context, batchID string, p types.BatchProgress) error {
	var errs []error
	for _, n := range m {
		if err := n.PublishBatchProgress(ctx, batchID, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Broadcaster)(nil)
	_ Notifier = Multi(nil)
)
