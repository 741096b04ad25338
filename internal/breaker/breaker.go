// ============================================================================
// Forge-Queue Circuit Breaker - Provider 熔斷器
// ============================================================================
//
// Package: internal/breaker
// 文件: breaker.go
// 功能: 追蹤每個 provider 的連續失敗次數，暫時把故障的 provider 排除在選擇之外
//
// 狀態轉換:
//   closed ──(failures >= Threshold)──▶ open
//   open   ──(距離最後一次失敗 >= Cooldown，於 IsOpen 檢查時)──▶ closed（計數歸零）
//   任意   ──RecordSuccess──▶ closed（計數歸零）
//
//   冷卻結束後沒有獨立的 half-open 計數器：重新關閉的熔斷器只要再累積
//   Threshold 次失敗就會再次打開。
//
// 一致性:
//   狀態只存在於本行程，每個實例各自判斷 provider 健康度，
//   不與其他實例共享。
//
// ============================================================================

package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 參考預設值
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// State 單一 provider 的熔斷狀態
type State struct {
	Provider    string    `json:"provider"`
	Failures    int       `json:"failures"`
	Open        bool      `json:"open"`
	LastFailure time.Time `json:"last_failure"`
}

// Observer 熔斷狀態變化的觀察者（metrics 使用）
type Observer interface {
	BreakerOpened(provider string)
	BreakerClosed(provider string)
}

// Config 熔斷器配置
type Config struct {
	Threshold int           `yaml:"threshold"` // 連續失敗幾次後打開
	Cooldown  time.Duration `yaml:"cooldown"`  // 打開後多久自動恢復
}

// Breaker 以 provider 名稱為鍵的熔斷器集合
type Breaker struct {
	mu       sync.Mutex
	states   map[string]*State
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
	observer Observer
}

// New 建立熔斷器，未設定的欄位使用參考預設值
func New(cfg Config, log *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		states: make(map[string]*State),
		cfg:    cfg,
		now:    time.Now,
		log:    log.Named("breaker"),
	}
}

// WithClock 替換時間來源（測試用）
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// SetObserver 設定狀態變化觀察者
func (b *Breaker) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// IsOpen 熔斷器是否打開
//
// 冷卻時間過後在此處惰性重置，不使用背景計時器。
func (b *Breaker) IsOpen(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[provider]
	if !ok || !st.Open {
		return false
	}
	if b.now().Sub(st.LastFailure) < b.cfg.Cooldown {
		return true
	}

	st.Open = false
	st.Failures = 0
	b.log.Info("breaker cooled down", zap.String("provider", provider))
	if b.observer != nil {
		b.observer.BreakerClosed(provider)
	}
	return false
}

// RecordFailure 記錄一次失敗，達到門檻時打開熔斷器
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(provider)
	st.Failures++
	st.LastFailure = b.now()

	if !st.Open && st.Failures >= b.cfg.Threshold {
		st.Open = true
		b.log.Warn("breaker opened",
			zap.String("provider", provider),
			zap.Int("failures", st.Failures))
		if b.observer != nil {
			b.observer.BreakerOpened(provider)
		}
	}
}

// RecordSuccess 無條件重置失敗計數並關閉熔斷器
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(provider)
	wasOpen := st.Open
	st.Failures = 0
	st.Open = false
	if wasOpen && b.observer != nil {
		b.observer.BreakerClosed(provider)
	}
}

// Failures 目前的失敗計數
func (b *Breaker) Failures(provider string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[provider]; ok {
		return st.Failures
	}
	return 0
}

// Snapshot 回傳所有 provider 的狀態副本，依名稱排序
func (b *Breaker) Snapshot() []State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]State, 0, len(b.states))
	for _, st := range b.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (b *Breaker) state(provider string) *State {
	st, ok := b.states[provider]
	if !ok {
		st = &State{Provider: provider}
		b.states[provider] = st
	}
	return st
}
