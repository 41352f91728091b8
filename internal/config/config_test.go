package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  name: drawfeed-test
adapters:
  - name: rest
    kind: json
    path: /api/draws/{item}
    retries: 2
  - name: chain
    kind: block
    blocks_per_period: 50
sources:
  - type: lottery
    adapter: rest
    pooled: true
    interval: 2s
    timeout: 4s
    endpoints:
      - id: primary
        url: https://a.example
        priority: 1
      - id: backup
        url: https://b.example
        priority: 2
        enabled: false
  - type: chain
    adapter: chain
    no_cache: true
    base_url: https://rpc.example
items:
  - id: fast3
    source: lottery
    cache_ttl: 3s
  - id: block50
    source: chain
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Interval: 5 * time.Second},
		Countdown: CountdownConfig{TickInterval: time.Second},
		Cache:     CacheConfig{DefaultTTL: 5 * time.Second},
		Adapters:  []AdapterConfig{{Name: "rest", Kind: "json"}},
		Sources: []SourceConfig{{
			Type:      "lottery",
			Adapter:   "rest",
			Pooled:    true,
			Timeout:   10 * time.Second,
			Endpoints: []EndpointConfig{{ID: "a", URL: "https://a.example", Priority: 1}},
		}},
		Items: []ItemConfig{{ID: "fast3", Source: "lottery"}},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "drawfeed-test", cfg.App.Name)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, time.Second, cfg.Countdown.TickInterval)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	require.Len(t, cfg.Adapters, 2)
	assert.Equal(t, 200*time.Millisecond, cfg.Adapters[0].RetryBackoff)
	assert.Equal(t, uint64(50), cfg.Adapters[1].BlocksPerPeriod)

	lottery, ok := cfg.Source("lottery")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, lottery.Interval)
	assert.Equal(t, 4*time.Second, lottery.Timeout)
	assert.Equal(t, 3, lottery.FailureThreshold)
	assert.Equal(t, 5*time.Second, lottery.DegradedThreshold)
	assert.Equal(t, "/", lottery.TestPath)
	require.Len(t, lottery.Endpoints, 2)
	assert.True(t, lottery.Endpoints[0].IsEnabled())
	assert.False(t, lottery.Endpoints[1].IsEnabled())

	chain, ok := cfg.Source("chain")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, chain.Interval, "source interval falls back to scheduler.interval")
	assert.Equal(t, 10*time.Second, chain.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Items[0].CacheTTL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DRAWFEED_SERVER_ADDR", ":9999")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	_, err := Load(writeConfig(t, "sources: [::"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"zero scheduler interval": func(c *Config) { c.Scheduler.Interval = 0 },
		"duplicate adapter": func(c *Config) {
			c.Adapters = append(c.Adapters, AdapterConfig{Name: "rest", Kind: "block"})
		},
		"adapter without kind": func(c *Config) { c.Adapters[0].Kind = "" },
		"unknown source adapter": func(c *Config) { c.Sources[0].Adapter = "nope" },
		"timeout too short":      func(c *Config) { c.Sources[0].Timeout = time.Second },
		"timeout too long":       func(c *Config) { c.Sources[0].Timeout = 20 * time.Second },
		"pooled without endpoints": func(c *Config) {
			c.Sources[0].Endpoints = nil
		},
		"direct without url": func(c *Config) {
			c.Sources[0].Pooled = false
			c.Sources[0].Endpoints = nil
		},
		"duplicate endpoint id": func(c *Config) {
			c.Sources[0].Endpoints = append(c.Sources[0].Endpoints, EndpointConfig{ID: "a", URL: "https://dup.example"})
		},
		"item on unknown source":  func(c *Config) { c.Items[0].Source = "ghost" },
		"item on unknown adapter": func(c *Config) { c.Items[0].Adapter = "ghost" },
		"duplicate item": func(c *Config) {
			c.Items = append(c.Items, ItemConfig{ID: "fast3", Source: "lottery"})
		},
		"telegram without token": func(c *Config) { c.Alerting.Telegram.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
