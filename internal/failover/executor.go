// ============================================================================
// Forge-Queue Failover Executor - 依排名逐一嘗試 provider
// ============================================================================
//
// Package: internal/failover
// 文件: executor.go
// 功能: 對一個生成請求，依 scorer 排名順序嘗試 provider，失敗時切換到下一個
//
// 執行流程:
//   1. scorer.Rank 取得排名（已排除不可用、熔斷、不支援的 provider）
//   2. 依序呼叫 provider.Execute
//      - 成功: breaker.RecordSuccess；不是第一名時標記 FallbackUsed
//      - 失敗: breaker.RecordFailure
//        * Permanent 錯誤 → 立即返回，不再嘗試其他 provider
//        * 還有下一個 → 等待 min(1s * 2^i, 10s)（i >= 5 不等待）
//        * 沒有下一個 → ExhaustedError
//   3. 每次嘗試前可執行 guard（例如檢查任務是否已被取消）
//
// 注意:
//   這裡的退避只發生在同一次執行內切換 provider 時，
//   任務層級的重試由 internal/retry 決定。
//
// ============================================================================

package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/provider"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// 參考預設值
const (
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxBackoffN = 5 // attemptIndex >= 5 不再等待
)

var (
	// ErrAllProvidersExhausted 所有排名中的 provider 都失敗
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrNoEligibleProvider 沒有任何 provider 可處理此請求
	ErrNoEligibleProvider = errors.New("no eligible provider")
)

// ExhaustedError 所有 provider 都失敗時的錯誤，包裝最後一次錯誤
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrAllProvidersExhausted, e.Attempts, e.Last)
}

// Is 讓 errors.Is(err, ErrAllProvidersExhausted) 成立
func (e *ExhaustedError) Is(target error) bool { return target == ErrAllProvidersExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Breaker executor 需要的熔斷器操作
type Breaker interface {
	IsOpen(provider string) bool
	RecordFailure(provider string)
	RecordSuccess(provider string)
}

// Recorder provider 嘗試的觀測點（*metrics.Collector 實作）
type Recorder interface {
	RecordProviderAttempt(provider string, ok bool)
	RecordFallback(provider string)
}

// ProviderSource 提供候選 provider
type ProviderSource interface {
	All() []provider.Provider
}

// Guard 每次嘗試前呼叫，返回錯誤時中止執行
type Guard func(ctx context.Context) error

// Config executor 配置
type Config struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxBackoffN int           `yaml:"max_backoff_n"`
}

// Executor failover 執行器
type Executor struct {
	cfg       Config
	providers ProviderSource
	scorer    *provider.Scorer
	breaker   Breaker
	recorder  Recorder
	log       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New 創建 failover executor
//
// 參數：
//   - cfg: 退避配置（零值使用預設）
//   - providers: provider 來源（通常是 *provider.Registry）
//   - breaker: 熔斷器，同時交給 scorer 過濾
//   - weights: scorer 權重
//   - recorder: 可為 nil
//   - log: 可為 nil
func New(cfg Config, providers ProviderSource, breaker Breaker, weights provider.Weights, recorder Recorder, log *zap.Logger) *Executor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxBackoffN <= 0 {
		cfg.MaxBackoffN = DefaultMaxBackoffN
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		providers: providers,
		scorer:    provider.NewScorer(weights, breaker),
		breaker:   breaker,
		recorder:  recorder,
		log:       log.Named("failover"),
		sleep:     sleepContext,
	}
}

// WithSleep 替換等待函數（測試用）
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// Execute 依排名執行請求
func (e *Executor) Execute(ctx context.Context, req types.GenerationRequest) (*types.GenerationResult, error) {
	return e.ExecuteGuarded(ctx, req, nil)
}

// ExecuteGuarded 同 Execute，但每次嘗試前先呼叫 guard
//
// 返回值：
//   - *types.GenerationResult: 成功的 provider、輸出、是否 fallback
//   - error: ErrNoEligibleProvider、*ExhaustedError、Permanent 錯誤、guard 或 ctx 錯誤
func (e *Executor) ExecuteGuarded(ctx context.Context, req types.GenerationRequest, guard Guard) (*types.GenerationResult, error) {
	ranked := e.scorer.Rank(e.providers.All(), req)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w for content type %q", ErrNoEligibleProvider, req.ContentType)
	}

	start := time.Now()
	var lastErr error
	for i, candidate := range ranked {
		if guard != nil {
			if err := guard(ctx); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := candidate.Provider
		out, err := p.Execute(ctx, req)
		if err == nil {
			e.breaker.RecordSuccess(p.Name())
			e.recordAttempt(p.Name(), true)
			fallback := i > 0
			if fallback && e.recorder != nil {
				e.recorder.RecordFallback(p.Name())
			}
			e.log.Debug("provider succeeded",
				zap.String("job_id", string(req.JobID)),
				zap.String("provider", p.Name()),
				zap.Int("rank", i),
				zap.Float64("score", candidate.Score))
			return &types.GenerationResult{
				Provider:     p.Name(),
				Output:       out,
				FallbackUsed: fallback,
				Attempts:     i + 1,
				Duration:     time.Since(start),
			}, nil
		}

		lastErr = err
		e.breaker.RecordFailure(p.Name())
		e.recordAttempt(p.Name(), false)
		e.log.Warn("provider failed",
			zap.String("job_id", string(req.JobID)),
			zap.String("provider", p.Name()),
			zap.Int("rank", i),
			zap.Error(err))

		if retry.IsPermanent(err) {
			return nil, err
		}
		// 呼叫者的 ctx 已結束時不必再換 provider
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i == len(ranked)-1 {
			break
		}
		if d := e.Backoff(i); d > 0 {
			if err := e.sleep(ctx, d); err != nil {
				return nil, err
			}
		}
	}

	return nil, &ExhaustedError{Attempts: len(ranked), Last: lastErr}
}

// Backoff 第 attemptIndex 次失敗後切換 provider 前的等待時間
func (e *Executor) Backoff(attemptIndex int) time.Duration {
	if attemptIndex < 0 || attemptIndex >= e.cfg.MaxBackoffN {
		return 0
	}
	// 先比較再位移，大的 attemptIndex 不會溢位
	if e.cfg.BaseDelay > e.cfg.MaxDelay>>uint(attemptIndex) {
		return e.cfg.MaxDelay
	}
	return e.cfg.BaseDelay << uint(attemptIndex)
}

// Rank 暴露目前的排名（狀態查詢用）
func (e *Executor) Rank(req types.GenerationRequest) []provider.Scored {
	return e.scorer.Rank(e.providers.All(), req)
}

func (e *Executor) recordAttempt(name string, ok bool) {
	if e.recorder != nil {
		e.recorder.RecordProviderAttempt(name, ok)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
