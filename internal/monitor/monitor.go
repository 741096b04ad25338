// ============================================================================
// Forge-Queue Resource Monitor - 准入控制與自適應批次大小
// ============================================================================
//
// Package: internal/monitor
// 文件: monitor.go
// 功能:
//   1. 全域准入: {queued, processing} 總數 < MaxActive
//   2. 使用者准入: 單一 owner 的 {queued, processing} < MaxPerOwner
//   3. 批次大小: 依外部負載訊號（0-1）調整每次分派的任務數
//        load > HighLoad → max(1, Base/2)
//        load < LowLoad  → Base*2
//        其他            → Base
//   4. 分派容量: load < CriticalLoad
//
// 負載訊號:
//   負載不在這裡計算。預設由 dispatcher 以 worker pool 使用率回報，
//   也可透過 SetLoad 由外部取樣器（CPU、GPU、下游配額）覆寫。
//
// ============================================================================

package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// 參考預設值
const (
	DefaultMaxActive    = 1000
	DefaultMaxPerOwner  = 50
	DefaultBaseBatch    = 10
	DefaultHighLoad     = 0.8
	DefaultLowLoad      = 0.3
	DefaultCriticalLoad = 0.95
)

// Config 資源監控配置
type Config struct {
	MaxActive    int     `yaml:"max_active"`
	MaxPerOwner  int     `yaml:"max_per_owner"`
	BaseBatch    int     `yaml:"base_batch"`
	HighLoad     float64 `yaml:"high_load"`
	LowLoad      float64 `yaml:"low_load"`
	CriticalLoad float64 `yaml:"critical_load"`
}

// Counter monitor 只需要計數能力
type Counter interface {
	Count(ctx context.Context, filter jobstore.Filter) (int, error)
}

// Monitor 資源監控器
type Monitor struct {
	cfg   Config
	store Counter

	mu   sync.RWMutex
	load float64
}

// New 建立資源監控器，未設定的欄位使用預設值
func New(cfg Config, store Counter) *Monitor {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = DefaultMaxPerOwner
	}
	if cfg.BaseBatch <= 0 {
		cfg.BaseBatch = DefaultBaseBatch
	}
	if cfg.HighLoad <= 0 {
		cfg.HighLoad = DefaultHighLoad
	}
	if cfg.LowLoad <= 0 {
		cfg.LowLoad = DefaultLowLoad
	}
	if cfg.CriticalLoad <= 0 {
		cfg.CriticalLoad = DefaultCriticalLoad
	}
	return &Monitor{cfg: cfg, store: store}
}

// Config 目前生效的配置
func (m *Monitor) Config() Config { return m.cfg }

// CanAcceptMoreJobs 全域准入檢查
func (m *Monitor) CanAcceptMoreJobs(ctx context.Context) (bool, error) {
	n, err := m.store.Count(ctx, jobstore.Filter{Statuses: types.ActiveStatuses})
	if err != nil {
		return false, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n < m.cfg.MaxActive, nil
}

// CanUserSubmitMoreJobs 單一 owner 准入檢查
func (m *Monitor) CanUserSubmitMoreJobs(ctx context.Context, ownerID string) (bool, error) {
	n, err := m.store.Count(ctx, jobstore.Filter{OwnerID: ownerID, Statuses: types.ActiveStatuses})
	if err != nil {
		return false, fmt.Errorf("failed to count jobs for owner %s: %w", ownerID, err)
	}
	return n < m.cfg.MaxPerOwner, nil
}

// Headroom 在兩個上限內還能接受的任務數（批次提交用）
func (m *Monitor) Headroom(ctx context.Context, ownerID string) (int, error) {
	active, err := m.store.Count(ctx, jobstore.Filter{Statuses: types.ActiveStatuses})
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	owned, err := m.store.Count(ctx, jobstore.Filter{OwnerID: ownerID, Statuses: types.ActiveStatuses})
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs for owner %s: %w", ownerID, err)
	}
	room := m.cfg.MaxActive - active
	if r := m.cfg.MaxPerOwner - owned; r < room {
		room = r
	}
	if room < 0 {
		return 0, nil
	}
	return room, nil
}

// RecommendBatchSize 依負載建議批次大小
func (m *Monitor) RecommendBatchSize(load float64) int {
	base := m.cfg.BaseBatch
	switch {
	case load > m.cfg.HighLoad:
		if half := base / 2; half > 1 {
			return half
		}
		return 1
	case load < m.cfg.LowLoad:
		return base * 2
	default:
		return base
	}
}

// SetLoad 更新負載訊號，超出範圍時夾到 [0, 1]
func (m *Monitor) SetLoad(load float64) {
	if math.IsNaN(load) {
		return
	}
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	m.mu.Lock()
	m.load = load
	m.mu.Unlock()
}

// Load 目前的負載訊號
func (m *Monitor) Load() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load
}

// HasDispatchCapacity 負載是否低於臨界值
func (m *Monitor) HasDispatchCapacity() bool {
	return m.Load() < m.cfg.CriticalLoad
}
