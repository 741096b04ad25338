// ============================================================================
// Forge-Queue Dispatcher - 任務分派協調器
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 協調 store、worker pool、failover executor 與 reaper，把 queued 任務
//       搶佔（CAS）後交給 worker 執行
//
// 核心循環 (6 個並發 Goroutine，各自一個 ticker):
//   1. Dispatch Loop  - Tick(): 取得分派鎖，依負載決定批次大小並搶佔任務
//   2. Retry Loop     - DispatchRetries(): NextRetryAt 已到的 failed 任務重新排隊
//   3. Schedule Loop  - DispatchScheduled(): 排程時間剛到的任務推送 starting 通知
//   4. Stale Loop     - reaper.Sweep(): 回收卡在 processing 的任務
//   5. Expiry Loop    - SweepExpired(): 過期的 queued 任務標記為 expired
//   6. Health Loop    - Health.CheckHealth(): 探測遠端 provider，失敗者退出排名
//
// Tick 流程:
//   ┌──────────────┐  load >= critical / 無空位 → skip
//   │ 容量檢查     │
//   └──────┬───────┘
//          ▼
//   ┌──────────────┐  lock_wait 內拿不到 forge:dispatch → skip
//   │ 分派鎖       │
//   └──────┬───────┘
//          ▼
//   FindNextEligible(RecommendBatchSize(load))
//          │  每個任務:
//          ├─ 已過期 → Expire
//          ├─ owner 已達上限 → 留在 queue
//          ├─ Reserve slot（逾時 → 結束本次 Tick）
//          ├─ ConditionalUpdate(queued → processing)，搶輸 → 釋放 slot
//          └─ 取得 forge:job:<id> 租約 → 推送 processing → Slot.Run
//
// 關閉順序:
//   1. close(stopCh) → 所有循環退出
//   2. loopWg.Wait()
//   3. pool.Stop(ctx) → 等待執行中的任務結束（ctx 到期時取消）
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/failover"
	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/lock"
	"github.com/ChuLiYu/forge-queue/internal/metrics"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/internal/reaper"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/internal/worker"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobCancelled 執行期間任務已不再是 processing（取消或被回收）
	ErrJobCancelled = errors.New("job is no longer processing")
	// ErrAlreadyStarted Start 被重複呼叫
	ErrAlreadyStarted = errors.New("dispatcher already started")
)

// skip 原因（metrics label）
const (
	SkipLoad     = "load"
	SkipPoolFull = "pool_full"
	SkipLock     = "lock"
	SkipNoSlot   = "no_slot"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Dispatcher 配置
type Config struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	RetryInterval         time.Duration `yaml:"retry_interval"`
	ScheduledInterval     time.Duration `yaml:"scheduled_interval"`
	StaleInterval         time.Duration `yaml:"stale_interval"`
	ExpiryInterval        time.Duration `yaml:"expiry_interval"`
	HealthInterval        time.Duration `yaml:"health_interval"`
	LockTTL               time.Duration `yaml:"lock_ttl"`  // 分派鎖 TTL，需大於 slot 等待時間
	LockWait              time.Duration `yaml:"lock_wait"` // 等待分派鎖的上限
	JobLeaseTTL           time.Duration `yaml:"job_lease_ttl"`
	JobTimeout            time.Duration `yaml:"job_timeout"`
	MaxConcurrentPerOwner int           `yaml:"max_concurrent_per_owner"` // 0 = 不限制
}

// 參考預設值
const (
	DefaultTickInterval      = time.Second
	DefaultRetryInterval     = 5 * time.Second
	DefaultScheduledInterval = 5 * time.Second
	DefaultStaleInterval     = time.Minute
	DefaultExpiryInterval    = time.Minute
	DefaultHealthInterval    = 15 * time.Second
	DefaultLockTTL           = 10 * time.Second
	DefaultLockWait          = 500 * time.Millisecond
	DefaultJobLeaseTTL       = 15 * time.Minute
	DefaultJobTimeout        = 5 * time.Minute
)

func (c *Config) applyDefaults() {
	setDefault(&c.TickInterval, DefaultTickInterval)
	setDefault(&c.RetryInterval, DefaultRetryInterval)
	setDefault(&c.ScheduledInterval, DefaultScheduledInterval)
	setDefault(&c.StaleInterval, DefaultStaleInterval)
	setDefault(&c.ExpiryInterval, DefaultExpiryInterval)
	setDefault(&c.HealthInterval, DefaultHealthInterval)
	setDefault(&c.LockTTL, DefaultLockTTL)
	setDefault(&c.JobLeaseTTL, DefaultJobLeaseTTL)
	setDefault(&c.JobTimeout, DefaultJobTimeout)
	if c.LockWait < 0 {
		c.LockWait = 0
	} else if c.LockWait == 0 {
		c.LockWait = DefaultLockWait
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// Executor 執行 provider 呼叫（failover.Executor 實作）
type Executor interface {
	ExecuteGuarded(ctx context.Context, req types.GenerationRequest, guard failover.Guard) (*types.GenerationResult, error)
}

// HealthPoller 週期探測 provider 健康狀態（provider.Registry 實作）
type HealthPoller interface {
	CheckHealth(ctx context.Context) (int, error)
}

// Deps Dispatcher 依賴
type Deps struct {
	Store    jobstore.Store
	Pool     *worker.Pool
	Executor Executor
	Policy   *retry.Policy
	Monitor  *monitor.Monitor
	Locks    lock.Service
	Notifier notify.Notifier    // 可為 nil
	Reaper   *reaper.Reaper     // 可為 nil（不回收）
	Health   HealthPoller       // 可為 nil（不探測）
	Metrics  *metrics.Collector // 可為 nil
	Log      *zap.Logger

	// LoadSampler 外部負載來源；nil 時以 pool 使用率作為負載
	LoadSampler func() float64
}

// Dispatcher 分派器
type Dispatcher struct {
	cfg     Config
	store   jobstore.Store
	pool    *worker.Pool
	exec    Executor
	policy  *retry.Policy
	monitor *monitor.Monitor
	locks   lock.Service
	notify  notify.Notifier
	reaper  *reaper.Reaper
	health  HealthPoller
	metrics *metrics.Collector
	sampler func() float64
	log     *zap.Logger
	now     func() time.Time

	mu            sync.Mutex
	lastScheduled time.Time
	started       bool
	stopCh        chan struct{}
	loopWg        sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Dispatcher
//
// 參數：
//   - cfg: 配置（零值欄位使用預設）
//   - deps: Store、Pool、Executor、Monitor、Locks 為必要依賴
//
// 返回值：
//   - *Dispatcher: Dispatcher 實例
//   - error: 缺少必要依賴
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("dispatcher requires a job store")
	case deps.Pool == nil:
		return nil, errors.New("dispatcher requires a worker pool")
	case deps.Executor == nil:
		return nil, errors.New("dispatcher requires an executor")
	case deps.Monitor == nil:
		return nil, errors.New("dispatcher requires a resource monitor")
	case deps.Locks == nil:
		return nil, errors.New("dispatcher requires a lock service")
	}
	cfg.applyDefaults()
	if deps.Policy == nil {
		deps.Policy = retry.NewPolicy(retry.Config{})
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi{}
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		cfg:           cfg,
		store:         deps.Store,
		pool:          deps.Pool,
		exec:          deps.Executor,
		policy:        deps.Policy,
		monitor:       deps.Monitor,
		locks:         deps.Locks,
		notify:        deps.Notifier,
		reaper:        deps.Reaper,
		health:        deps.Health,
		metrics:       deps.Metrics,
		sampler:       deps.LoadSampler,
		log:           log.Named("dispatcher"),
		now:           time.Now,
		lastScheduled: time.Now(),
		stopCh:        make(chan struct{}),
	}, nil
}

// WithClock 替換時鐘（測試用），同時重設排程通知的起點
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	d.mu.Lock()
	d.lastScheduled = now()
	d.mu.Unlock()
	return d
}

// Tick 執行一次分派
//
// 返回值：
//   - int: 本次交給 worker 的任務數
//   - error: store 或鎖服務錯誤（容量不足、搶不到鎖不算錯誤）
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	load := d.sampleLoad()
	if !d.monitor.HasDispatchCapacity() {
		d.skip(SkipLoad, zap.Float64("load", load))
		return 0, nil
	}
	if d.pool.Available() == 0 {
		d.skip(SkipPoolFull)
		return 0, nil
	}

	ok, err := lock.AcquireWithin(ctx, d.locks, lock.DispatchKey, d.cfg.LockTTL, d.cfg.LockWait)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire dispatch lock: %w", err)
	}
	if !ok {
		d.skip(SkipLock)
		return 0, nil
	}
	defer func() {
		if err := d.locks.Release(context.WithoutCancel(ctx), lock.DispatchKey); err != nil {
			d.log.Warn("failed to release dispatch lock", zap.Error(err))
		}
	}()

	limit := d.monitor.RecommendBatchSize(load)
	d.metrics.SetBatchSize(limit)

	now := d.now()
	candidates, err := d.store.FindNextEligible(ctx, limit, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find eligible jobs: %w", err)
	}

	dispatched := 0
	for _, job := range candidates {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		if job.IsExpired(now) {
			d.expire(ctx, job.ID, now)
			continue
		}
		if !d.ownerHasRoom(ctx, job.OwnerID) {
			continue
		}

		slot, err := d.pool.Reserve(ctx)
		if err != nil {
			if errors.Is(err, worker.ErrNoSlot) {
				d.skip(SkipNoSlot, zap.Int("dispatched", dispatched))
				break
			}
			return dispatched, err
		}

		claimed, err := d.store.ConditionalUpdate(ctx, job.ID, types.StatusQueued, func(j *types.Job) error {
			return j.Claim(now)
		})
		if err != nil {
			slot.Release()
			if errors.Is(err, jobstore.ErrStatusMismatch) || errors.Is(err, jobstore.ErrJobNotFound) {
				d.metrics.RecordClaimConflict()
				continue
			}
			d.log.Error("failed to claim job", zap.String("job_id", string(job.ID)), zap.Error(err))
			continue
		}
		d.metrics.RecordClaim()
		d.acquireLease(ctx, claimed.ID)
		d.publishStatus(ctx, claimed, nil)

		task := worker.Task{
			JobID:   claimed.ID,
			Timeout: d.cfg.JobTimeout,
			Run: func(runCtx context.Context) error {
				return d.runJob(runCtx, claimed)
			},
		}
		if err := slot.Run(task); err != nil {
			// 已搶佔但 pool 已關閉：留給 reaper 回收
			d.log.Warn("claimed job not started",
				zap.String("job_id", string(claimed.ID)),
				zap.Error(err))
			d.releaseLease(ctx, claimed.ID)
			continue
		}
		dispatched++
		d.log.Debug("job dispatched",
			zap.String("job_id", string(claimed.ID)),
			zap.String("priority", claimed.Priority.String()))
	}

	d.metrics.SetPoolRunning(d.pool.Running())
	return dispatched, nil
}

func (d *Dispatcher) sampleLoad() float64 {
	if d.sampler != nil {
		d.monitor.SetLoad(d.sampler())
	} else {
		d.monitor.SetLoad(d.pool.Utilization())
	}
	return d.monitor.Load()
}

func (d *Dispatcher) skip(reason string, fields ...zap.Field) {
	d.metrics.RecordSkippedTick(reason)
	d.log.Debug("dispatch tick skipped", append(fields, zap.String("reason", reason))...)
}

// ownerHasRoom 檢查 owner 在叢集中 processing 的任務數是否低於上限
func (d *Dispatcher) ownerHasRoom(ctx context.Context, owner string) bool {
	if d.cfg.MaxConcurrentPerOwner <= 0 {
		return true
	}
	n, err := d.store.Count(ctx, jobstore.Filter{
		OwnerID:  owner,
		Statuses: []types.JobStatus{types.StatusProcessing},
	})
	if err != nil {
		d.log.Warn("failed to count owner jobs", zap.String("owner_id", owner), zap.Error(err))
		return false
	}
	return n < d.cfg.MaxConcurrentPerOwner
}

// DispatchScheduled 推送排程時間在上次呼叫之後到期的任務
//
// 返回值：
//   - int: 推送的任務數
func (d *Dispatcher) DispatchScheduled(ctx context.Context) (int, error) {
	now := d.now()
	d.mu.Lock()
	since := d.lastScheduled
	d.mu.Unlock()

	due, err := d.store.FindDueScheduled(ctx, since, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find due scheduled jobs: %w", err)
	}
	for _, job := range due {
		d.publishStatus(ctx, job, map[string]interface{}{"event": "starting"})
	}

	d.mu.Lock()
	d.lastScheduled = now
	d.mu.Unlock()

	if len(due) > 0 {
		d.log.Info("scheduled jobs due", zap.Int("count", len(due)))
	}
	return len(due), nil
}

// DispatchRetries 把 NextRetryAt 已到的 failed 任務重新排隊
func (d *Dispatcher) DispatchRetries(ctx context.Context) (int, error) {
	now := d.now()
	due, err := d.store.FindDueRetries(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find due retries: %w", err)
	}

	requeued := 0
	for _, job := range due {
		_, err := d.store.ConditionalUpdate(ctx, job.ID, types.StatusFailed, func(j *types.Job) error {
			if j.NextRetryAt == nil || j.NextRetryAt.After(now) {
				return fmt.Errorf("%w: retry not due", types.ErrInvalidTransition)
			}
			return j.Requeue(now)
		})
		if err != nil {
			if !errors.Is(err, jobstore.ErrStatusMismatch) && !errors.Is(err, types.ErrInvalidTransition) {
				d.log.Error("failed to requeue job", zap.String("job_id", string(job.ID)), zap.Error(err))
			}
			continue
		}
		requeued++
		d.log.Debug("job requeued",
			zap.String("job_id", string(job.ID)),
			zap.Int("attempt", job.AttemptCount))
	}
	return requeued, nil
}

// SweepExpired 把已過期的 queued 任務標記為 expired
func (d *Dispatcher) SweepExpired(ctx context.Context) (int, error) {
	now := d.now()
	expired, err := d.store.FindExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired jobs: %w", err)
	}
	n := 0
	for _, job := range expired {
		if d.expire(ctx, job.ID, now) {
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) expire(ctx context.Context, id types.JobID, now time.Time) bool {
	job, err := d.store.ConditionalUpdate(ctx, id, types.StatusQueued, func(j *types.Job) error {
		return j.Expire(now)
	})
	if err != nil {
		if !errors.Is(err, jobstore.ErrStatusMismatch) {
			d.log.Warn("failed to expire job", zap.String("job_id", string(id)), zap.Error(err))
		}
		return false
	}
	d.metrics.RecordExpired(1)
	d.log.Info("job expired", zap.String("job_id", string(id)))
	d.publishTerminal(ctx, job)
	return true
}

// RefreshGauges 更新 queue depth 與 pool gauge
func (d *Dispatcher) RefreshGauges(ctx context.Context) {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.log.Warn("failed to read store stats", zap.Error(err))
		return
	}
	d.metrics.UpdateQueueDepth(stats.Labels())
	d.metrics.SetPoolRunning(d.pool.Running())
}

// ============================================================================
// 循環
// ============================================================================

// Start 啟動 worker pool 與所有循環
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	if !d.pool.IsStarted() {
		if err := d.pool.Start(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	d.loop("dispatch", d.cfg.TickInterval, func(ctx context.Context) {
		if _, err := d.Tick(ctx); err != nil && !errors.Is(err, worker.ErrPoolClosed) {
			d.log.Error("dispatch tick failed", zap.Error(err))
		}
		d.RefreshGauges(ctx)
	})
	d.loop("retry", d.cfg.RetryInterval, func(ctx context.Context) {
		if _, err := d.DispatchRetries(ctx); err != nil {
			d.log.Error("retry promotion failed", zap.Error(err))
		}
	})
	d.loop("scheduled", d.cfg.ScheduledInterval, func(ctx context.Context) {
		if _, err := d.DispatchScheduled(ctx); err != nil {
			d.log.Error("scheduled promotion failed", zap.Error(err))
		}
	})
	if d.reaper != nil {
		d.loop("stale", d.cfg.StaleInterval, func(ctx context.Context) {
			if _, err := d.reaper.Sweep(ctx); err != nil {
				d.log.Error("stale sweep failed", zap.Error(err))
			}
		})
	}
	d.loop("expiry", d.cfg.ExpiryInterval, func(ctx context.Context) {
		if _, err := d.SweepExpired(ctx); err != nil {
			d.log.Error("expiry sweep failed", zap.Error(err))
		}
	})
	if d.health != nil {
		d.loop("health", d.cfg.HealthInterval, func(ctx context.Context) {
			if _, err := d.health.CheckHealth(ctx); err != nil {
				d.log.Warn("provider health check failed", zap.Error(err))
			}
		})
	}

	d.log.Info("dispatcher started",
		zap.Int("workers", d.pool.Size()),
		zap.Duration("tick_interval", d.cfg.TickInterval))
	return nil
}

// loop 以 ticker 週期執行 fn，stopCh 關閉時退出
func (d *Dispatcher) loop(name string, interval time.Duration, fn func(ctx context.Context)) {
	d.loopWg.Add(1)
	go func() {
		defer d.loopWg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-d.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				d.log.Debug("loop stopped", zap.String("loop", name))
				return
			case <-ticker.C:
				// ticker 與 stop 同時就緒時優先退出
				select {
				case <-d.stopCh:
					d.log.Debug("loop stopped", zap.String("loop", name))
					return
				default:
				}
				fn(ctx)
			}
		}
	}()
}

// Stop 停止所有循環，再等待執行中的任務結束
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return d.pool.Stop(ctx)
	}
	select {
	case <-d.stopCh:
		d.mu.Unlock()
		return nil
	default:
	}
	close(d.stopCh)
	d.mu.Unlock()

	d.loopWg.Wait()
	err := d.pool.Stop(ctx)
	d.log.Info("dispatcher stopped", zap.Error(err))
	return err
}

// ============================================================================
// 租約與通知
// ============================================================================

func (d *Dispatcher) acquireLease(ctx context.Context, id types.JobID) {
	ok, err := d.locks.TryAcquire(ctx, lock.JobKey(string(id)), d.cfg.JobLeaseTTL)
	if err != nil || !ok {
		d.log.Warn("job lease not acquired",
			zap.String("job_id", string(id)),
			zap.Bool("held_elsewhere", err == nil && !ok),
			zap.Error(err))
	}
}

func (d *Dispatcher) releaseLease(ctx context.Context, id types.JobID) {
	if err := d.locks.Release(ctx, lock.JobKey(string(id))); err != nil {
		d.log.Debug("job lease not released", zap.String("job_id", string(id)), zap.Error(err))
	}
}

func (d *Dispatcher) publishStatus(ctx context.Context, job *types.Job, payload map[string]interface{}) {
	if err := d.notify.PublishJobStatus(ctx, job.ID, job.Status, payload); err != nil {
		d.log.Warn("failed to publish job status",
			zap.String("job_id", string(job.ID)),
			zap.String("status", string(job.Status)),
			zap.Error(err))
	}
}

// publishTerminal 推送終態結果，批次任務另外推送批次進度
func (d *Dispatcher) publishTerminal(ctx context.Context, job *types.Job) {
	payload := map[string]interface{}{
		"attempts": job.AttemptCount,
	}
	switch job.Status {
	case types.StatusCompleted:
		payload["provider"] = job.Provider
		payload["fallback_used"] = job.FallbackUsed
		payload["result"] = job.Result
		payload["duration_ms"] = job.ProcessingDuration.Milliseconds()
	case types.StatusFailed:
		payload["error"] = job.ErrorMessage
		payload["error_code"] = job.ErrorCode
	}
	d.publishStatus(ctx, job, payload)

	if job.BatchID == "" {
		return
	}
	jobs, err := d.store.FindByBatchID(ctx, job.BatchID)
	if err != nil {
		d.log.Warn("failed to load batch", zap.String("batch_id", job.BatchID), zap.Error(err))
		return
	}
	progress := types.ComputeBatchProgress(job.BatchID, jobs)
	if err := d.notify.PublishBatchProgress(ctx, job.BatchID, progress); err != nil {
		d.log.Warn("failed to publish batch progress", zap.String("batch_id", job.BatchID), zap.Error(err))
	}
}
