package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ErrSimulatedFailure 模擬後端的失敗
var ErrSimulatedFailure = errors.New("simulated provider failure")

// SimulatedConfig 模擬 provider 配置
type SimulatedConfig struct {
	Name          string
	Cost          float64
	Quality       float64
	Capabilities  Capabilities
	Latency       time.Duration // 每次呼叫的基本延遲
	LatencyJitter time.Duration // 額外隨機延遲上限
	FailureRate   float64       // 0-1
	Capacity      int
}

// Simulated 模擬生成後端
//
// 以隨機延遲與失敗率模擬真實 provider，可在執行期切換可用性或強制失敗。
type Simulated struct {
	cfg       SimulatedConfig
	stats     *Stats
	available atomic.Bool
	calls     atomic.Int64

	mu      sync.Mutex
	failErr error // 非 nil 時每次呼叫都回傳此錯誤
}

// NewSimulated 建立模擬 provider
func NewSimulated(cfg SimulatedConfig) *Simulated {
	s := &Simulated{cfg: cfg, stats: NewStats(cfg.Capacity)}
	s.available.Store(true)
	return s
}

func (s *Simulated) Name() string               { return s.cfg.Name }
func (s *Simulated) IsAvailable() bool          { return s.available.Load() }
func (s *Simulated) Capabilities() Capabilities { return s.cfg.Capabilities }
func (s *Simulated) CostPerUnit() float64       { return s.cfg.Cost }
func (s *Simulated) QualityScore() float64      { return s.cfg.Quality }
func (s *Simulated) AverageLatency() time.Duration {
	return s.stats.AverageLatency()
}
func (s *Simulated) SuccessRate() float64 { return s.stats.SuccessRate() }
func (s *Simulated) CurrentLoad() float64 { return s.stats.Load() }

// SetAvailable 切換可用性
func (s *Simulated) SetAvailable(v bool) { s.available.Store(v) }

// FailWith 之後每次呼叫都回傳 err；nil 恢復正常
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Calls 已被呼叫的次數
func (s *Simulated) Calls() int64 { return s.calls.Load() }

// Execute 模擬一次生成呼叫
func (s *Simulated) Execute(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error) {
	s.calls.Add(1)
	done := s.stats.Begin()

	delay := s.cfg.Latency
	if s.cfg.LatencyJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(s.cfg.LatencyJitter)))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		done(ctx.Err())
		return nil, ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	failErr := s.failErr
	s.mu.Unlock()
	if failErr != nil {
		done(failErr)
		return nil, failErr
	}
	if s.cfg.FailureRate > 0 && rand.Float64() < s.cfg.FailureRate {
		done(ErrSimulatedFailure)
		return nil, ErrSimulatedFailure
	}

	done(nil)
	return map[string]interface{}{
		"provider":     s.cfg.Name,
		"content_type": string(req.ContentType),
		"output":       fmt.Sprintf("%s generated %s for job %s", s.cfg.Name, req.ContentType, req.JobID),
	}, nil
}
