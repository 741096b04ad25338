package provider

// ============================================================================
// ProviderScorer - 多因子加權排名
// ============================================================================
//
// score = Wcost·cost + Wavail·availability + Wquality·quality + Wlatency·latency
//
//   cost         = clamp((maxCost - c) / (maxCost - minCost), 0, 1)   越便宜越好
//   availability = successRate
//   quality      = min(qualityScore / 10, 1)
//   latency      = clamp((maxLat - l) / (maxLat - minLat), 0, 1)       沒有歷史 = 1.0
//
// min/max 只在候選（已過濾）provider 之間計算；min == max 時該項為 1.0。
// 不可用、熔斷器打開、不支援內容類型或語言的 provider 直接排除，不參與排名。
//
// ============================================================================

import (
	"sort"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// Weights 各因子權重，總和應為 1
type Weights struct {
	Cost         float64 `yaml:"cost"`
	Availability float64 `yaml:"availability"`
	Quality      float64 `yaml:"quality"`
	Latency      float64 `yaml:"latency"`
}

// MaxQuality QualityScore 的滿分
const MaxQuality = 10.0

// DefaultWeights 參考權重 0.40 / 0.30 / 0.20 / 0.10
var DefaultWeights = Weights{Cost: 0.40, Availability: 0.30, Quality: 0.20, Latency: 0.10}

// Sum 權重總和
func (w Weights) Sum() float64 {
	return w.Cost + w.Availability + w.Quality + w.Latency
}

// BreakerView scorer 只需要查詢熔斷狀態
type BreakerView interface {
	IsOpen(provider string) bool
}

// Scored 排名結果
type Scored struct {
	Provider Provider
	Score    float64
	Cost     float64
	Avail    float64
	Quality  float64
	Latency  float64
}

// Scorer provider 排名器
type Scorer struct {
	weights Weights
	breaker BreakerView
}

// NewScorer 建立 scorer；breaker 可為 nil（不做熔斷過濾）
func NewScorer(w Weights, breaker BreakerView) *Scorer {
	if w.Sum() <= 0 {
		w = DefaultWeights
	}
	return &Scorer{weights: w, breaker: breaker}
}

// Eligible 過濾可參與排名的 provider
func (s *Scorer) Eligible(providers []Provider, req types.GenerationRequest) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if !p.IsAvailable() {
			continue
		}
		if s.breaker != nil && s.breaker.IsOpen(p.Name()) {
			continue
		}
		if !p.Capabilities().Supports(req.ContentType, req.Language) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Rank 依分數由高到低排序可用的 provider
//
// 參數：
//   - providers: 候選 provider
//   - req: 生成請求（內容類型、語言）
//
// 返回值：
//   - []Scored: 排名結果；同分時負載低者優先，再依名稱
func (s *Scorer) Rank(providers []Provider, req types.GenerationRequest) []Scored {
	eligible := s.Eligible(providers, req)
	if len(eligible) == 0 {
		return nil
	}

	minCost, maxCost := eligible[0].CostPerUnit(), eligible[0].CostPerUnit()
	var minLat, maxLat time.Duration
	haveLat := false
	for _, p := range eligible {
		c := p.CostPerUnit()
		if c < minCost {
			minCost = c
		}
		if c > maxCost {
			maxCost = c
		}
		if l := p.AverageLatency(); l > 0 {
			if !haveLat || l < minLat {
				minLat = l
			}
			if !haveLat || l > maxLat {
				maxLat = l
			}
			haveLat = true
		}
	}

	scored := make([]Scored, 0, len(eligible))
	for _, p := range eligible {
		sc := Scored{
			Provider: p,
			Cost:     normalizeInverse(p.CostPerUnit(), minCost, maxCost),
			Avail:    clamp(p.SuccessRate(), 0, 1),
			Quality:  clamp(p.QualityScore()/MaxQuality, 0, 1),
			Latency:  1.0,
		}
		if l := p.AverageLatency(); l > 0 {
			sc.Latency = normalizeInverse(float64(l), float64(minLat), float64(maxLat))
		}
		sc.Score = s.weights.Cost*sc.Cost +
			s.weights.Availability*sc.Avail +
			s.weights.Quality*sc.Quality +
			s.weights.Latency*sc.Latency
		scored = append(scored, sc)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		li, lj := scored[i].Provider.CurrentLoad(), scored[j].Provider.CurrentLoad()
		if li != lj {
			return li < lj
		}
		return scored[i].Provider.Name() < scored[j].Provider.Name()
	})
	return scored
}

// normalizeInverse 值越小分數越高
func normalizeInverse(v, min, max float64) float64 {
	if max <= min {
		return 1.0
	}
	return clamp((max-v)/(max-min), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
