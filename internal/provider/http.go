package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// HTTPConfig HTTP provider 配置
type HTTPConfig struct {
	Name         string
	BaseURL      string // POST {BaseURL}/generate, GET {BaseURL}/health
	Cost         float64
	Quality      float64
	Capabilities Capabilities
	Timeout      time.Duration
	Capacity     int
}

// HTTPProvider 透過 JSON over HTTP 呼叫遠端生成服務
type HTTPProvider struct {
	cfg        HTTPConfig
	httpClient *http.Client
	stats      *Stats
	available  atomic.Bool
}

// generateResponse 遠端服務回應格式
type generateResponse struct {
	Output map[string]interface{} `json:"output"`
	Error  string                 `json:"error,omitempty"`
}

// NewHTTPProvider 建立 HTTP provider
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &HTTPProvider{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		stats: NewStats(cfg.Capacity),
	}
	p.available.Store(true)
	return p
}

func (p *HTTPProvider) Name() string                  { return p.cfg.Name }
func (p *HTTPProvider) IsAvailable() bool             { return p.available.Load() }
func (p *HTTPProvider) Capabilities() Capabilities    { return p.cfg.Capabilities }
func (p *HTTPProvider) CostPerUnit() float64          { return p.cfg.Cost }
func (p *HTTPProvider) QualityScore() float64         { return p.cfg.Quality }
func (p *HTTPProvider) AverageLatency() time.Duration { return p.stats.AverageLatency() }
func (p *HTTPProvider) SuccessRate() float64          { return p.stats.SuccessRate() }
func (p *HTTPProvider) CurrentLoad() float64          { return p.stats.Load() }

// Execute 呼叫遠端 /generate
//
// 4xx（429 除外）視為請求本身有問題，標記為 Permanent 不再重試；
// 其餘非 2xx 與網路錯誤視為暫時性錯誤。
func (p *HTTPProvider) Execute(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error) {
	done := p.stats.Begin()

	out, err := p.generate(ctx, req)
	done(err)
	return out, err
}

func (p *HTTPProvider) generate(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s request failed: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("provider %s returned status %d: %s", p.cfg.Name, resp.StatusCode, string(bodyBytes))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(statusErr)
		}
		return nil, statusErr
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if gen.Error != "" {
		return nil, fmt.Errorf("provider %s: %s", p.cfg.Name, gen.Error)
	}
	return gen.Output, nil
}

// CheckHealth 探測 /health 並更新可用性
func (p *HTTPProvider) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.available.Store(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.available.Store(false)
		return fmt.Errorf("provider %s unhealthy: status %d", p.cfg.Name, resp.StatusCode)
	}
	p.available.Store(true)
	return nil
}
