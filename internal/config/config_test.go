package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-queue/internal/provider"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, provider.DefaultWeights, cfg.Scorer)
	assert.Len(t, cfg.Providers, 2)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "forge-1", cfg.InstanceID)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatcher.LockWait)
	assert.Equal(t, 15*time.Minute, cfg.Dispatcher.JobLeaseTTL)
	assert.Equal(t, 10*time.Minute, cfg.Reaper.StaleTimeout)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 0.95, cfg.Admission.CriticalLoad)
	assert.Equal(t, 168, cfg.Submit.MaxExpirationHours)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 100*time.Millisecond, cfg.Providers[0].Jitter)
}

// 出廠 provider 的品質分數在 0-10 刻度上，品質因子能拉開差距
func TestShippedProvidersRankOnQualityScale(t *testing.T) {
	for _, cfg := range []*Config{Default(), mustLoadShipped(t)} {
		providers, err := cfg.BuildProviders()
		require.NoError(t, err)

		ranked := provider.NewScorer(cfg.Scorer, nil).Rank(providers, types.GenerationRequest{ContentType: types.ContentText})
		require.Len(t, ranked, 2)

		quality := make(map[string]float64, len(ranked))
		for _, sc := range ranked {
			quality[sc.Provider.Name()] = sc.Quality
		}
		assert.InDelta(t, 0.9, quality["alpha"], 1e-9)
		assert.InDelta(t, 0.7, quality["beta"], 1e-9)

		// beta 較便宜，成本因子仍讓它排第一
		assert.Equal(t, "beta", ranked[0].Provider.Name())
		assert.InDelta(t, 0.4+0.3+0.2*0.7+0.1, ranked[0].Score, 1e-9)
		assert.InDelta(t, 0.3+0.2*0.9+0.1, ranked[1].Score, 1e-9)
	}
}

func mustLoadShipped(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
instance_id: node-7
store:
  driver: sqlite
  path: /tmp/forge.db
pool:
  size: 3
  slot_wait: 2s
providers:
  - name: remote
    kind: http
    base_url: http://localhost:9000
    content_types: [video]
    languages: [en, fr]
    timeout: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.InstanceID)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, 2*time.Second, cfg.Pool.SlotWait)
	// 未出現的欄位保留預設值
	assert.Equal(t, time.Second, cfg.Dispatcher.TickInterval)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	require.Len(t, cfg.Providers, 1, "providers in the file replace the defaults")
	providers, err := cfg.BuildProviders()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "remote", providers[0].Name())
	assert.True(t, providers[0].Capabilities().Supports("video", "fr"))
	assert.False(t, providers[0].Capabilities().Supports("text", "en"))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pool: [oops"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.Path = "" }, "store.path"},
		{"etcd without endpoints", func(c *Config) { c.Lock.Backend = LockEtcd; c.Lock.Etcd.Endpoints = nil }, "endpoints"},
		{"empty pool", func(c *Config) { c.Pool.Size = 0 }, "pool.size"},
		{"slot wait above lock ttl", func(c *Config) { c.Pool.SlotWait = time.Minute }, "slot_wait"},
		{"bad loads", func(c *Config) { c.Admission.HighLoad = 0.99 }, "admission"},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"duplicate provider", func(c *Config) { c.Providers[1].Name = c.Providers[0].Name }, "duplicate"},
		{"http without url", func(c *Config) { c.Providers[0].Kind = ProviderHTTP }, "base_url"},
		{"bad content type", func(c *Config) { c.Providers[0].ContentTypes = []string{"audio"} }, "audio"},
		{"bad failure rate", func(c *Config) { c.Providers[0].FailureRate = 2 }, "failure_rate"},
		{"quality above scale", func(c *Config) { c.Providers[0].Quality = 42 }, "quality"},
		{"negative quality", func(c *Config) { c.Providers[1].Quality = -1 }, "quality"},
		{"negative cost", func(c *Config) { c.Providers[0].Cost = -0.5 }, "cost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
