// ============================================================================
// Forge-Queue Configuration - YAML 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能:
//   1. Load(path): 讀取 YAML，未填欄位套用 Default()
//   2. Validate(): 檢查跨欄位約束
//   3. BuildProviders(): 依 providers[] 建立 provider 實例
//
// 預設路徑: configs/default.yaml（CLI 可用 --config / -c 覆寫）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/forge-queue/internal/breaker"
	"github.com/ChuLiYu/forge-queue/internal/dispatcher"
	"github.com/ChuLiYu/forge-queue/internal/failover"
	"github.com/ChuLiYu/forge-queue/internal/lock"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/provider"
	"github.com/ChuLiYu/forge-queue/internal/reaper"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/internal/worker"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// 儲存與鎖的後端
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	LockMemory = "memory"
	LockEtcd   = "etcd"

	ProviderSimulated = "simulated"
	ProviderHTTP      = "http"
)

// Config 系統完整配置
type Config struct {
	InstanceID string `yaml:"instance_id"`

	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Store struct {
		Driver           string        `yaml:"driver"` // memory | sqlite
		Path             string        `yaml:"path"`   // sqlite 檔案或 memory 的快照檔
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"store"`

	Lock struct {
		Backend string          `yaml:"backend"` // memory | etcd
		Etcd    lock.EtcdConfig `yaml:"etcd"`
	} `yaml:"lock"`

	Pool struct {
		Size     int           `yaml:"size"`
		SlotWait time.Duration `yaml:"slot_wait"`
	} `yaml:"pool"`

	Dispatcher dispatcher.Config `yaml:"dispatcher"`
	Reaper     reaper.Config     `yaml:"reaper"`
	Retry      retry.Config      `yaml:"retry"`
	Breaker    breaker.Config    `yaml:"breaker"`
	Failover   failover.Config   `yaml:"failover"`
	Scorer     provider.Weights  `yaml:"scorer"`
	Admission  monitor.Config    `yaml:"admission"`
	Submit     submit.Config     `yaml:"submit"`

	Providers []ProviderConfig `yaml:"providers"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"` // 空字串時只掛在 HTTP API 的 /metrics
	} `yaml:"metrics"`
}

// ProviderConfig 單一 provider 的配置
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"` // simulated | http
	Cost         float64       `yaml:"cost"`
	Quality      float64       `yaml:"quality"` // 0-10
	ContentTypes []string      `yaml:"content_types"`
	Languages    []string      `yaml:"languages"`
	Capacity     int           `yaml:"capacity"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	Latency      time.Duration `yaml:"latency"`
	Jitter       time.Duration `yaml:"latency_jitter"`
	FailureRate  float64       `yaml:"failure_rate"`
}

// Default 回傳填好預設值的配置
func Default() *Config {
	cfg := &Config{InstanceID: defaultInstanceID()}
	cfg.Log.Env = "development"
	cfg.Log.Level = "info"

	cfg.Store.Driver = StoreMemory
	cfg.Store.Path = "./data/forge-snapshot.json"
	cfg.Store.SnapshotInterval = 30 * time.Second

	cfg.Lock.Backend = LockMemory
	cfg.Lock.Etcd = lock.EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		Prefix:      "/forge/locks/",
	}

	cfg.Pool.Size = 10
	cfg.Pool.SlotWait = worker.DefaultSlotWait

	cfg.Dispatcher = dispatcher.Config{
		TickInterval:      dispatcher.DefaultTickInterval,
		RetryInterval:     dispatcher.DefaultRetryInterval,
		ScheduledInterval: dispatcher.DefaultScheduledInterval,
		StaleInterval:     dispatcher.DefaultStaleInterval,
		ExpiryInterval:    dispatcher.DefaultExpiryInterval,
		HealthInterval:    dispatcher.DefaultHealthInterval,
		LockTTL:           dispatcher.DefaultLockTTL,
		LockWait:          dispatcher.DefaultLockWait,
		JobLeaseTTL:       dispatcher.DefaultJobLeaseTTL,
		JobTimeout:        dispatcher.DefaultJobTimeout,
	}
	cfg.Reaper.StaleTimeout = reaper.DefaultStaleTimeout
	cfg.Retry = retry.Config{BaseDelay: retry.DefaultBaseDelay, MaxDelay: retry.DefaultMaxDelay}
	cfg.Breaker = breaker.Config{Threshold: breaker.DefaultThreshold, Cooldown: breaker.DefaultCooldown}
	cfg.Failover = failover.Config{
		BaseDelay:   failover.DefaultBaseDelay,
		MaxDelay:    failover.DefaultMaxDelay,
		MaxBackoffN: failover.DefaultMaxBackoffN,
	}
	cfg.Scorer = provider.DefaultWeights
	cfg.Admission = monitor.Config{
		MaxActive:    monitor.DefaultMaxActive,
		MaxPerOwner:  monitor.DefaultMaxPerOwner,
		BaseBatch:    monitor.DefaultBaseBatch,
		HighLoad:     monitor.DefaultHighLoad,
		LowLoad:      monitor.DefaultLowLoad,
		CriticalLoad: monitor.DefaultCriticalLoad,
	}
	cfg.Submit = submit.Config{
		MaxBatchSize:       submit.DefaultMaxBatchSize,
		DefaultMaxRetries:  submit.DefaultMaxRetries,
		MaxRetriesCap:      submit.DefaultMaxRetriesCap,
		MaxExpirationHours: submit.DefaultMaxExpirationHours,
	}

	cfg.Providers = []ProviderConfig{
		{Name: "alpha", Kind: ProviderSimulated, Cost: 0.02, Quality: 9, ContentTypes: []string{"text", "video"},
			Capacity: 8, Latency: 200 * time.Millisecond, Jitter: 100 * time.Millisecond, FailureRate: 0.05},
		{Name: "beta", Kind: ProviderSimulated, Cost: 0.01, Quality: 7, ContentTypes: []string{"text"},
			Capacity: 16, Latency: 100 * time.Millisecond, Jitter: 50 * time.Millisecond, FailureRate: 0.1},
	}

	cfg.HTTP.Enabled = true
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Enabled = true
	return cfg
}

// Load 讀取配置文件
//
// 參數：
//   - path: YAML 檔案路徑
//
// 返回值：
//   - *Config: 以 Default() 為基礎覆寫檔案中出現的欄位
//   - error: 讀取、解析或驗證失敗
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance_id must not be empty"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Lock.Backend {
	case LockMemory:
	case LockEtcd:
		if len(c.Lock.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("lock.etcd.endpoints is required for etcd"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}
	if c.Pool.Size <= 0 {
		errs = append(errs, errors.New("pool.size must be positive"))
	}
	if c.Dispatcher.LockTTL > 0 && c.Pool.SlotWait >= c.Dispatcher.LockTTL {
		errs = append(errs, fmt.Errorf("pool.slot_wait (%s) must be shorter than dispatcher.lock_ttl (%s)",
			c.Pool.SlotWait, c.Dispatcher.LockTTL))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.base_delay"))
	}
	if c.Scorer.Sum() <= 0 {
		errs = append(errs, errors.New("scorer weights must sum to a positive value"))
	}
	a := c.Admission
	if a.LowLoad > a.HighLoad || a.HighLoad > a.CriticalLoad || a.CriticalLoad > 1 {
		errs = append(errs, errors.New("admission loads must satisfy low_load <= high_load <= critical_load <= 1"))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d] %s: %w", i, p.Name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (p ProviderConfig) validate() error {
	for _, ct := range p.ContentTypes {
		if !types.ContentType(ct).Valid() {
			return fmt.Errorf("unsupported content type %q", ct)
		}
	}
	if len(p.ContentTypes) == 0 {
		return errors.New("content_types is required")
	}
	if p.Quality < 0 || p.Quality > provider.MaxQuality {
		return fmt.Errorf("quality must be within [0, %g]", provider.MaxQuality)
	}
	if p.Cost < 0 {
		return errors.New("cost must not be negative")
	}
	if p.FailureRate < 0 || p.FailureRate > 1 {
		return errors.New("failure_rate must be within [0, 1]")
	}
	switch p.Kind {
	case ProviderSimulated, "":
	case ProviderHTTP:
		if p.BaseURL == "" {
			return errors.New("base_url is required for http providers")
		}
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

func (p ProviderConfig) capabilities() provider.Capabilities {
	cts := make([]types.ContentType, 0, len(p.ContentTypes))
	for _, ct := range p.ContentTypes {
		cts = append(cts, types.ContentType(ct))
	}
	return provider.Capabilities{ContentTypes: cts, Languages: p.Languages}
}

// Build 建立 provider 實例
func (p ProviderConfig) Build() (provider.Provider, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Kind == ProviderHTTP {
		return provider.NewHTTPProvider(provider.HTTPConfig{
			Name:         p.Name,
			BaseURL:      p.BaseURL,
			Cost:         p.Cost,
			Quality:      p.Quality,
			Capabilities: p.capabilities(),
			Timeout:      p.Timeout,
			Capacity:     p.Capacity,
		}), nil
	}
	return provider.NewSimulated(provider.SimulatedConfig{
		Name:          p.Name,
		Cost:          p.Cost,
		Quality:       p.Quality,
		Capabilities:  p.capabilities(),
		Latency:       p.Latency,
		LatencyJitter: p.Jitter,
		FailureRate:   p.FailureRate,
		Capacity:      p.Capacity,
	}), nil
}

// BuildProviders 依配置順序建立所有 provider
func (c *Config) BuildProviders() ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		p, err := pc.Build()
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "forge-1"
	}
	return host
}
