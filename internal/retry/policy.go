// ============================================================================
// Forge-Queue Retry Policy - 任務層級重試策略
// ============================================================================
//
// Package: internal/retry
// 文件: policy.go
// 功能: 根據任務嘗試次數與錯誤類型，決定重新排隊（帶延遲）或終態失敗
//
// 延遲計算:
//   attempt = AttemptCount + 1（本次失敗）
//   delay   = min(BaseDelay * 2^(attempt-1), MaxDelay)
//   jitter  = delay * U[0.75, 1.25]，避免大量任務同時重試
//
// 錯誤分類:
//   - Permanent（驗證、格式錯誤）: 第一次就終態失敗
//   - 其他（provider 逾時、5xx、全部 provider 失敗、stale）: 依重試額度處理
//
// ============================================================================

package retry

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// 參考預設值
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 10 * time.Second

	JitterMin = 0.75
	JitterMax = 1.25
)

// Action 重試決策
type Action int

const (
	ActionRequeue  Action = iota // 延遲後重新排隊
	ActionTerminal               // 終態失敗
)

func (a Action) String() string {
	if a == ActionRequeue {
		return "requeue"
	}
	return "terminal"
}

// Decision Decide 的結果
type Decision struct {
	Action  Action
	Delay   time.Duration // 僅 ActionRequeue 有效（已含 jitter）
	Attempt int           // 記錄本次失敗後的嘗試次數
	Reason  string
}

// Terminal 是否為終態失敗
func (d Decision) Terminal() bool {
	return d.Action == ActionTerminal
}

// NextRetryAt 依決策計算下次重試時間，終態回傳 nil
func (d Decision) NextRetryAt(now time.Time) *time.Time {
	if d.Terminal() {
		return nil
	}
	at := now.Add(d.Delay)
	return &at
}

// Config 重試策略配置
type Config struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Policy 任務層級重試策略
type Policy struct {
	cfg    Config
	random func() float64 // [0,1)
}

// NewPolicy 建立重試策略
func NewPolicy(cfg Config) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{cfg: cfg, random: rand.Float64}
}

// WithRandom 替換亂數來源（測試用）
func (p *Policy) WithRandom(r func() float64) *Policy {
	p.random = r
	return p
}

// Decide 決定失敗任務的去向
//
// 參數：
//   - job: 失敗的任務（AttemptCount 尚未累加）
//   - err: 失敗原因
//
// 返回值：
//   - Decision: 重新排隊（含延遲）或終態失敗
func (p *Policy) Decide(job *types.Job, err error) Decision {
	attempt := job.AttemptCount + 1
	if attempt > job.MaxAttempts {
		attempt = job.MaxAttempts
	}

	if IsPermanent(err) {
		return Decision{Action: ActionTerminal, Attempt: attempt, Reason: "permanent error"}
	}
	if attempt >= job.MaxAttempts {
		return Decision{Action: ActionTerminal, Attempt: attempt, Reason: "retry budget exhausted"}
	}

	return Decision{
		Action:  ActionRequeue,
		Delay:   p.Jitter(p.Backoff(attempt)),
		Attempt: attempt,
		Reason:  "transient error",
	}
}

// Backoff 第 attempt 次（從 1 開始）失敗的延遲，未含 jitter
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

// Jitter 乘上 [0.75, 1.25] 的均勻隨機因子
func (p *Policy) Jitter(d time.Duration) time.Duration {
	factor := JitterMin + p.random()*(JitterMax-JitterMin)
	return time.Duration(float64(d) * factor)
}

// ============================================================================
// 錯誤分類
// ============================================================================

// permanentError 不可重試的錯誤
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 標記錯誤為不可重試（例如輸入驗證失敗）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 檢查錯誤鏈中是否有不可重試標記
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
