// ============================================================================
// Forge-Queue Stale Job Reaper - 回收卡在 processing 的任務
// ============================================================================
//
// Package: internal/reaper
// 文件: reaper.go
// 功能: 定期找出 StartedAt 早於 now - StaleTimeout 的 processing 任務並回收
//
// 回收規則:
//   1. AttemptCount < MaxAttempts → retry.Policy.Decide(job, ErrStaleTimeout)
//      - requeue: Fail 並設定 NextRetryAt（之後由 retry 循環重新排隊）
//      - terminal: Fail 且 NextRetryAt 為 nil，訊息 "timeout exceeded retries"
//   2. AttemptCount >= MaxAttempts → 終態 Fail，訊息同上
//   3. 無論結果如何都釋放 forge:job:<id> 租約
//
// 分類（只影響日誌與 metrics）:
//   - slow: 本程序的 worker pool 仍在執行此任務
//   - abandoned: 本程序沒有在執行（持有者已崩潰或在其他節點）
//
// 所有狀態變更都是 ConditionalUpdate(id, processing, ...)，
// 與正常完成的 worker 競爭時只有一方成功。
//
// ============================================================================

package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/lock"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ErrStaleTimeout 任務執行超過 stale timeout
var ErrStaleTimeout = errors.New("job processing exceeded stale timeout")

// 分類與錯誤碼
const (
	ReasonSlow      = "slow"
	ReasonAbandoned = "abandoned"

	CodeStaleTimeout    = "STALE_TIMEOUT"
	MsgExceededRetries  = "timeout exceeded retries"
	DefaultStaleTimeout = 10 * time.Minute
)

// RunningChecker 查詢本程序是否仍在執行某任務（worker.Pool 實作）
type RunningChecker interface {
	IsRunning(id types.JobID) bool
}

// Recorder metrics 介面
type Recorder interface {
	RecordReaped(reason string)
	RecordFailed(terminal bool)
}

// Config 回收器配置
type Config struct {
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// Deps 回收器依賴
type Deps struct {
	Store    jobstore.Store
	Policy   *retry.Policy
	Locks    lock.Service   // 可為 nil
	Running  RunningChecker // 可為 nil
	Notifier notify.Notifier
	Recorder Recorder
	Log      *zap.Logger
}

// Report 一次 Sweep 的結果
type Report struct {
	Scanned   int
	Requeued  int // 進入等待重試
	Failed    int // 終態失敗
	Conflicts int // 期間已被其他人更新
	Slow      int
	Abandoned int
}

// Reaper 回收器
type Reaper struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

// New 建立回收器
func New(cfg Config, deps Deps) *Reaper {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if deps.Policy == nil {
		deps.Policy = retry.NewPolicy(retry.Config{})
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{cfg: cfg, deps: deps, log: log.Named("reaper"), now: time.Now}
}

// WithClock 替換時鐘（測試用）
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Sweep 掃描並回收 stale 任務
//
// 返回值：
//   - Report: 本次處理統計
//   - error: 查詢失敗（單一任務的錯誤只記錄不中斷）
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := r.now()

	stale, err := r.deps.Store.FindStale(ctx, now.Add(-r.cfg.StaleTimeout))
	if err != nil {
		return report, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	report.Scanned = len(stale)

	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.reap(ctx, job, now, &report)
	}

	if report.Scanned > 0 {
		r.log.Info("stale sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("requeued", report.Requeued),
			zap.Int("failed", report.Failed),
			zap.Int("conflicts", report.Conflicts))
	}
	return report, nil
}

func (r *Reaper) reap(ctx context.Context, job *types.Job, now time.Time, report *Report) {
	reason := ReasonAbandoned
	if r.deps.Running != nil && r.deps.Running.IsRunning(job.ID) {
		reason = ReasonSlow
	}
	defer r.releaseLease(ctx, job.ID)

	var decision retry.Decision
	updated, err := r.deps.Store.ConditionalUpdate(ctx, job.ID, types.StatusProcessing, func(j *types.Job) error {
		if j.AttemptCount >= j.MaxAttempts {
			decision = retry.Decision{Action: retry.ActionTerminal, Attempt: j.AttemptCount, Reason: "retry budget exhausted"}
			return j.Fail(MsgExceededRetries, CodeStaleTimeout, nil, now)
		}
		decision = r.deps.Policy.Decide(j, ErrStaleTimeout)
		msg := ErrStaleTimeout.Error()
		if decision.Terminal() {
			msg = MsgExceededRetries
		}
		return j.Fail(msg, CodeStaleTimeout, decision.NextRetryAt(now), now)
	})
	if err != nil {
		if errors.Is(err, jobstore.ErrStatusMismatch) || errors.Is(err, jobstore.ErrJobNotFound) {
			report.Conflicts++
			return
		}
		r.log.Error("failed to reap job", zap.String("job_id", string(job.ID)), zap.Error(err))
		return
	}

	if reason == ReasonSlow {
		report.Slow++
	} else {
		report.Abandoned++
	}
	if r.deps.Recorder != nil {
		r.deps.Recorder.RecordReaped(reason)
		r.deps.Recorder.RecordFailed(updated.IsTerminal())
	}

	fields := []zap.Field{
		zap.String("job_id", string(job.ID)),
		zap.String("reason", reason),
		zap.Int("attempt", updated.AttemptCount),
		zap.Int("max_attempts", updated.MaxAttempts),
	}
	if !updated.IsTerminal() {
		report.Requeued++
		r.log.Warn("stale job scheduled for retry",
			append(fields, zap.Duration("delay", decision.Delay))...)
		return
	}

	report.Failed++
	r.log.Warn("stale job failed", append(fields, zap.String("error", updated.ErrorMessage))...)
	if r.deps.Notifier != nil {
		payload := map[string]interface{}{
			"error":      updated.ErrorMessage,
			"error_code": updated.ErrorCode,
			"attempts":   updated.AttemptCount,
		}
		if err := r.deps.Notifier.PublishJobStatus(ctx, updated.ID, updated.Status, payload); err != nil {
			r.log.Warn("failed to publish job status", zap.String("job_id", string(job.ID)), zap.Error(err))
		}
		r.publishBatch(ctx, updated)
	}
}

func (r *Reaper) publishBatch(ctx context.Context, job *types.Job) {
	if job.BatchID == "" {
		return
	}
	jobs, err := r.deps.Store.FindByBatchID(ctx, job.BatchID)
	if err != nil {
		r.log.Warn("failed to load batch", zap.String("batch_id", job.BatchID), zap.Error(err))
		return
	}
	progress := types.ComputeBatchProgress(job.BatchID, jobs)
	if err := r.deps.Notifier.PublishBatchProgress(ctx, job.BatchID, progress); err != nil {
		r.log.Warn("failed to publish batch progress", zap.String("batch_id", job.BatchID), zap.Error(err))
	}
}

func (r *Reaper) releaseLease(ctx context.Context, id types.JobID) {
	if r.deps.Locks == nil {
		return
	}
	if err := r.deps.Locks.Release(ctx, lock.JobKey(string(id))); err != nil {
		r.log.Debug("job lease not released", zap.String("job_id", string(id)), zap.Error(err))
	}
}
