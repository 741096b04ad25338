// ============================================================================
// Forge-Queue Worker Pool - 有上限的並發執行池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 slot 限制同時執行的任務數
//
// 設計模式:
//   Semaphore 形式的 Worker Pool：
//   1. slots 是容量為 size 的帶緩衝 channel，每個執行中的任務佔用一格
//   2. 呼叫者先 Reserve() 一個 slot，再 Slot.Run(task) 在新 goroutine 執行
//   3. 任務結束（包含 panic）時自動釋放 slot
//   4. 搶不到 slot 時最多等待 slotWait，逾時返回 ErrNoSlot（非致命）
//
// Reserve 與 Claim 的順序:
//   Dispatcher 先 Reserve 空位才搶佔（CAS）任務，
//   已搶佔的任務不會停在 processing 狀態等待 worker。
//
//   ┌────────────┐ Reserve()  ┌──────────────┐
//   │ Dispatcher │──────────▶│ slots (size) │
//   └────────────┘            └──────────────┘
//         │ Claim job (CAS)           │
//         ▼                          ▼
//     Slot.Run(task) ──▶ goroutine ──▶ OnResult(Result) ──▶ release
//
// 生命週期:
//   1. NewPool(size, slotWait)
//   2. Start()
//   3. Reserve()/Run() 或 Submit()
//   4. Stop(ctx) - 不再接受新任務，等待執行中的任務結束；
//      ctx 到期時取消所有任務的 context
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動
//   - ErrPoolClosed: Pool 已關閉
//   - ErrNoSlot: 在 slotWait 內沒有空位
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrNoSlot 在等待時間內沒有可用的 slot
	ErrNoSlot = errors.New("no worker slot available")
	// ErrSlotReleased slot 已被使用或釋放
	ErrSlotReleased = errors.New("worker slot already released")
)

// DefaultSlotWait 預設搶 slot 的最長等待時間
const DefaultSlotWait = 5 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 有上限的 Worker Pool
type Pool struct {
	size     int
	slotWait time.Duration
	slots    chan struct{}       // 佔用中的 slot
	running  map[types.JobID]int // 正在執行的任務（同一 ID 可能因重複派送出現多次）
	onResult func(Result)

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// Slot 一個已保留的執行位置
//
// 取得後必須呼叫 Run 或 Release 其中之一。
type Slot struct {
	pool *Pool
	once sync.Once
	used bool
	mu   sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - size: 最大並發數（<=0 視為 1）
//   - slotWait: Reserve 最長等待時間（<=0 使用 DefaultSlotWait）
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(size int, slotWait time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if slotWait <= 0 {
		slotWait = DefaultSlotWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:     size,
		slotWait: slotWait,
		slots:    make(chan struct{}, size),
		running:  make(map[types.JobID]int),
		baseCtx:  ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// OnResult 設定任務結束時的回呼（在 worker goroutine 中呼叫）
func (p *Pool) OnResult(fn func(Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

// Start 啟動 Pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.started = true
	return nil
}

// Reserve 保留一個 slot
//
// 參數：
//   - ctx: 呼叫者 context，取消時立即返回
//
// 返回值：
//   - *Slot: 保留的 slot
//   - error: ErrNoSlot（逾時）、ErrPoolClosed、ErrPoolNotStarted 或 ctx 錯誤
func (p *Pool) Reserve(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	stopCh := p.stopCh
	p.mu.Unlock()

	// 有空位時不建立 timer
	select {
	case p.slots <- struct{}{}:
		return &Slot{pool: p}, nil
	default:
	}

	timer := time.NewTimer(p.slotWait)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return &Slot{pool: p}, nil
	case <-timer.C:
		return nil, ErrNoSlot
	case <-stopCh:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit 保留 slot 並執行任務
func (p *Pool) Submit(ctx context.Context, task Task) error {
	slot, err := p.Reserve(ctx)
	if err != nil {
		return err
	}
	return slot.Run(task)
}

// Run 在保留的 slot 上以新 goroutine 執行任務
//
// 任務結束後 slot 自動釋放。Pool 已關閉時釋放 slot 並返回 ErrPoolClosed。
func (s *Slot) Run(task Task) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrSlotReleased
	}
	s.used = true
	s.mu.Unlock()

	p := s.pool
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		s.release()
		return ErrPoolClosed
	}
	p.running[task.JobID]++
	p.wg.Add(1)
	onResult := p.onResult
	ctx := p.baseCtx
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer s.release()
		defer p.finish(task.JobID)

		result := execute(ctx, task)
		if onResult != nil {
			onResult(result)
		}
	}()
	return nil
}

// Release 放棄 slot（未執行任務時使用，可重複呼叫）
func (s *Slot) Release() {
	s.mu.Lock()
	s.used = true
	s.mu.Unlock()
	s.release()
}

func (s *Slot) release() {
	s.once.Do(func() {
		<-s.pool.slots
	})
}

func (p *Pool) finish(id types.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[id] <= 1 {
		delete(p.running, id)
		return
	}
	p.running[id]--
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌，之後的 Reserve/Run 返回 ErrPoolClosed
//  2. 關閉 stopCh，喚醒等待 slot 的呼叫者
//  3. 等待所有執行中的任務完成
//  4. ctx 先到期時取消任務的 context，仍等待 goroutine 結束後返回 ctx 錯誤
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Size 最大並發數
func (p *Pool) Size() int { return p.size }

// Running 目前被佔用的 slot 數（含已保留尚未執行者）
func (p *Pool) Running() int { return len(p.slots) }

// Available 目前可用的 slot 數
func (p *Pool) Available() int { return p.size - len(p.slots) }

// Utilization 佔用比例 0-1
func (p *Pool) Utilization() float64 {
	return float64(len(p.slots)) / float64(p.size)
}

// IsRunning 指定任務是否正在本 Pool 中執行
func (p *Pool) IsRunning(id types.JobID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[id] > 0
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
