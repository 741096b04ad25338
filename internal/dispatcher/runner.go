package dispatcher

// ============================================================================
// 職責說明：
// 1. 在 worker slot 中執行一個已搶佔的任務
// 2. 每次 provider 嘗試前確認任務仍是「這一次」的 processing（協作式取消）
// 3. 成功 → Complete；失敗 → retry.Policy.Decide → Fail
// 4. 只有終態結果推送給 owner，重試只記錄日誌與 metrics
// 5. 任何路徑結束都釋放 forge:job:<id> 租約
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/failover"
	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// 錯誤碼
const (
	CodeNoProvider  = "NO_PROVIDER"
	CodeExhausted   = "PROVIDERS_EXHAUSTED"
	CodeTimeout     = "TIMEOUT"
	CodePermanent   = "PERMANENT_ERROR"
	CodeExecution   = "EXECUTION_ERROR"
	finalizeTimeout = 10 * time.Second
)

// errSuperseded 任務已被回收並由另一次搶佔接手
var errSuperseded = errors.New("job claim superseded")

// runJob worker slot 內執行的任務本體
func (d *Dispatcher) runJob(ctx context.Context, claimed *types.Job) error {
	log := d.log.With(zap.String("job_id", string(claimed.ID)))
	defer d.releaseLease(context.WithoutCancel(ctx), claimed.ID)

	guard := func(ctx context.Context) error {
		cur, err := d.store.Get(ctx, claimed.ID)
		if err != nil {
			if errors.Is(err, jobstore.ErrJobNotFound) {
				return ErrJobCancelled
			}
			return err
		}
		if cur.Status != types.StatusProcessing || !sameClaim(cur, claimed) {
			return ErrJobCancelled
		}
		return nil
	}

	result, execErr := d.exec.ExecuteGuarded(ctx, types.RequestFromJob(claimed), guard)

	// 寫回不受任務 timeout 影響
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if errors.Is(execErr, ErrJobCancelled) {
		log.Info("job no longer processing, result discarded")
		return nil
	}
	if execErr == nil {
		return d.complete(fctx, log, claimed, result)
	}
	return d.fail(fctx, log, claimed, execErr)
}

func (d *Dispatcher) complete(ctx context.Context, log *zap.Logger, claimed *types.Job, result *types.GenerationResult) error {
	now := d.now()
	job, err := d.store.ConditionalUpdate(ctx, claimed.ID, types.StatusProcessing, func(j *types.Job) error {
		if !sameClaim(j, claimed) {
			return errSuperseded
		}
		return j.Complete(result.Outcome(), now)
	})
	if err != nil {
		if isDiscard(err) {
			log.Info("job no longer processing, result discarded", zap.String("provider", result.Provider))
			return nil
		}
		log.Error("failed to record completion", zap.Error(err))
		return err
	}

	d.metrics.RecordCompleted(job.Provider, job.ProcessingDuration.Seconds())
	log.Info("job completed",
		zap.String("provider", job.Provider),
		zap.Bool("fallback_used", job.FallbackUsed),
		zap.Int("providers_tried", result.Attempts),
		zap.Duration("duration", job.ProcessingDuration))
	d.publishTerminal(ctx, job)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, claimed *types.Job, execErr error) error {
	now := d.now()
	var decision retry.Decision
	job, err := d.store.ConditionalUpdate(ctx, claimed.ID, types.StatusProcessing, func(j *types.Job) error {
		if !sameClaim(j, claimed) {
			return errSuperseded
		}
		decision = d.policy.Decide(j, execErr)
		return j.Fail(execErr.Error(), errorCode(execErr), decision.NextRetryAt(now), now)
	})
	if err != nil {
		if isDiscard(err) {
			log.Info("job no longer processing, failure discarded", zap.Error(execErr))
			return execErr
		}
		log.Error("failed to record failure", zap.Error(err))
		return fmt.Errorf("%w (record failure: %v)", execErr, err)
	}

	terminal := job.IsTerminal()
	d.metrics.RecordFailed(terminal)
	if !terminal {
		log.Warn("job failed, retry scheduled",
			zap.Int("attempt", job.AttemptCount),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", decision.Delay),
			zap.Error(execErr))
		return execErr
	}

	log.Warn("job failed",
		zap.Int("attempt", job.AttemptCount),
		zap.String("reason", decision.Reason),
		zap.String("error_code", job.ErrorCode),
		zap.Error(execErr))
	d.publishTerminal(ctx, job)
	return execErr
}

// sameClaim 確認 store 中的任務仍是同一次搶佔（StartedAt 相同）
func sameClaim(cur, claimed *types.Job) bool {
	if cur.StartedAt == nil || claimed.StartedAt == nil {
		return false
	}
	return cur.StartedAt.Equal(*claimed.StartedAt)
}

func isDiscard(err error) bool {
	return errors.Is(err, jobstore.ErrStatusMismatch) ||
		errors.Is(err, jobstore.ErrJobNotFound) ||
		errors.Is(err, errSuperseded)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, failover.ErrNoEligibleProvider):
		return CodeNoProvider
	case retry.IsPermanent(err):
		return CodePermanent
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, failover.ErrAllProvidersExhausted):
		return CodeExhausted
	default:
		return CodeExecution
	}
}
