// ============================================================================
// Forge-Queue Provider - 生成後端抽象
// ============================================================================
//
// Package: internal/provider
// 文件: provider.go
// 功能: 定義生成後端（text/video）的介面、能力宣告與滾動統計
//
// 設計:
//   Provider 不持久化，狀態由各實作在每次呼叫時自行更新：
//   - SuccessRate / AverageLatency 由 Stats 以指數加權移動平均維護
//   - AverageLatency == 0 代表沒有歷史資料（scorer 給予樂觀分數 1.0）
//
// 實作:
//   - Simulated: 可設定延遲與失敗率的模擬後端（測試、demo）
//   - HTTPProvider: 以 JSON over HTTP 呼叫遠端生成服務
//
// ============================================================================

package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// Capabilities provider 宣告支援的內容類型與語言
type Capabilities struct {
	ContentTypes []types.ContentType `json:"content_types" yaml:"content_types"`
	Languages    []string            `json:"languages" yaml:"languages"` // 空代表不限語言
}

// Supports 是否支援指定的內容類型與語言
func (c Capabilities) Supports(ct types.ContentType, language string) bool {
	found := false
	for _, t := range c.ContentTypes {
		if t == ct {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if language == "" || len(c.Languages) == 0 {
		return true
	}
	for _, l := range c.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Provider 生成後端介面
type Provider interface {
	Name() string
	IsAvailable() bool
	Capabilities() Capabilities
	CostPerUnit() float64
	QualityScore() float64         // 0-10
	AverageLatency() time.Duration // 0 代表沒有歷史
	SuccessRate() float64          // 0-1
	CurrentLoad() float64          // 0-1
	Execute(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error)
}

// HealthChecker 可主動探測的 provider，探測結果決定 IsAvailable
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// ============================================================================
// 滾動統計
// ============================================================================

// DefaultSmoothing EWMA 平滑係數
const DefaultSmoothing = 0.2

// Stats 以 EWMA 維護成功率與平均延遲，並追蹤進行中的請求數
type Stats struct {
	mu          sync.Mutex
	alpha       float64
	successRate float64
	latency     time.Duration
	samples     int
	inFlight    int
	capacity    int
}

// NewStats 建立統計器
//
// 參數：
//   - capacity: 同時進行中請求的上限，用來換算負載（<=0 視為 1）
func NewStats(capacity int) *Stats {
	if capacity <= 0 {
		capacity = 1
	}
	return &Stats{alpha: DefaultSmoothing, successRate: 1.0, capacity: capacity}
}

// Begin 記錄請求開始，回傳結束時呼叫的函數
func (s *Stats) Begin() func(err error) {
	start := time.Now()
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	return func(err error) {
		s.Record(time.Since(start), err == nil)
	}
}

// Record 記錄一次呼叫結果
func (s *Stats) Record(latency time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	if s.samples == 0 {
		s.successRate = outcome
		s.latency = latency
	} else {
		s.successRate = s.alpha*outcome + (1-s.alpha)*s.successRate
		s.latency = time.Duration(s.alpha*float64(latency) + (1-s.alpha)*float64(s.latency))
	}
	s.samples++
}

// SuccessRate 滾動成功率，沒有樣本時為 1.0
func (s *Stats) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successRate
}

// AverageLatency 滾動平均延遲，沒有樣本時為 0
func (s *Stats) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		return 0
	}
	return s.latency
}

// Load 進行中請求佔容量的比例
func (s *Stats) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	load := float64(s.inFlight) / float64(s.capacity)
	if load > 1 {
		return 1
	}
	return load
}

// Samples 已記錄的樣本數
func (s *Stats) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// ============================================================================
// Registry
// ============================================================================

// Registry 已註冊的 provider 集合，依註冊順序回傳
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]Provider
}

// NewRegistry 建立 registry
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register 註冊 provider，同名者覆蓋
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; exists {
		for i, existing := range r.providers {
			if existing.Name() == p.Name() {
				r.providers[i] = p
			}
		}
	} else {
		r.providers = append(r.providers, p)
	}
	r.byName[p.Name()] = p
}

// Get 依名稱取得 provider
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// All 回傳所有 provider 的副本切片
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// CheckHealth 對所有實作 HealthChecker 的 provider 探測一次
//
// 返回值：
//   - int: 探測的 provider 數量
//   - error: 所有失敗探測的合併錯誤；全部健康時為 nil
func (r *Registry) CheckHealth(ctx context.Context) (int, error) {
	var (
		checked int
		errs    []error
	)
	for _, p := range r.All() {
		hc, ok := p.(HealthChecker)
		if !ok {
			continue
		}
		checked++
		if err := hc.CheckHealth(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return checked, errors.Join(errs...)
}
