package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"drawfeed/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Countdown   CountdownConfig   `mapstructure:"countdown"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Server      ServerConfig      `mapstructure:"server"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
	Adapters    []AdapterConfig   `mapstructure:"adapters"`
	Sources     []SourceConfig    `mapstructure:"sources"`
	Items       []ItemConfig      `mapstructure:"items"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs acquisition cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// HealthCheckConfig controls the periodic endpoint probe loop.
type HealthCheckConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	RecoveryWindow time.Duration `mapstructure:"recovery_window"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	ProbesPerSec   float64       `mapstructure:"probes_per_second"`
}

// CountdownConfig controls the broadcast ticker.
type CountdownConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// CacheConfig sets the fetch de-duplication cache.
type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	LastKnownSize int           `mapstructure:"last_known_size"`
}

// ServerConfig represents the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BroadcastConfig tunes subscriber fan-out.
type BroadcastConfig struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Buffer   int            `mapstructure:"buffer"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// SourceConfig is one source-type: its adapter, policy and endpoint pool.
type SourceConfig struct {
	Type              string           `mapstructure:"type"`
	Adapter           string           `mapstructure:"adapter"`
	Pooled            bool             `mapstructure:"pooled"`
	NoCache           bool             `mapstructure:"no_cache"`
	Interval          time.Duration    `mapstructure:"interval"`
	Timeout           time.Duration    `mapstructure:"timeout"`
	TestPath          string           `mapstructure:"test_path"`
	FailureThreshold  int              `mapstructure:"failure_threshold"`
	DegradedThreshold time.Duration    `mapstructure:"degraded_threshold"`
	BaseURL           string           `mapstructure:"base_url"`
	Endpoints         []EndpointConfig `mapstructure:"endpoints"`
}

// AdapterConfig declares one named fetch adapter instance.
type AdapterConfig struct {
	Name            string        `mapstructure:"name"`
	Kind            string        `mapstructure:"kind"`
	Path            string        `mapstructure:"path"`
	Retries         int           `mapstructure:"retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	BlocksPerPeriod uint64        `mapstructure:"blocks_per_period"`
	BlockTime       time.Duration `mapstructure:"block_time"`
}

// EndpointConfig seeds one endpoint of a pooled source.
type EndpointConfig struct {
	ID       string `mapstructure:"id"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
	Enabled  *bool  `mapstructure:"enabled"`
}

// IsEnabled treats an omitted flag as enabled.
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ItemConfig maps a tracked item onto its source-type.
type ItemConfig struct {
	ID       string        `mapstructure:"id"`
	Source   string        `mapstructure:"source"`
	Adapter  string        `mapstructure:"adapter"`
	NoCache  bool          `mapstructure:"no_cache"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("DRAWFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "drawfeed")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64726177))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.concurrency", 16)

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "5m")
	v.SetDefault("health_check.recovery_window", "5m")
	v.SetDefault("health_check.probe_timeout", "10s")
	v.SetDefault("health_check.concurrency", 8)
	v.SetDefault("health_check.probes_per_second", 10.0)

	v.SetDefault("countdown.tick_interval", "1s")

	v.SetDefault("cache.default_ttl", "5s")
	v.SetDefault("cache.sweep_interval", "60s")
	v.SetDefault("cache.last_known_size", 4096)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("broadcast.write_timeout", "5s")
	v.SetDefault("broadcast.send_buffer", 16)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.buffer", 256)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// applySourceDefaults fills per-source values that viper cannot default inside slices.
func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Interval <= 0 {
			src.Interval = c.Scheduler.Interval
		}
		if src.Timeout <= 0 {
			src.Timeout = 10 * time.Second
		}
		if src.FailureThreshold <= 0 {
			src.FailureThreshold = 3
		}
		if src.DegradedThreshold <= 0 {
			src.DegradedThreshold = 5 * time.Second
		}
		if src.TestPath == "" {
			src.TestPath = "/"
		}
	}
	for i := range c.Adapters {
		ad := &c.Adapters[i]
		if ad.Retries < 0 {
			ad.Retries = 0
		}
		if ad.RetryBackoff <= 0 {
			ad.RetryBackoff = 200 * time.Millisecond
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Countdown.TickInterval <= 0 {
		return fmt.Errorf("countdown.tick_interval must be greater than zero")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be greater than zero")
	}
	if c.HealthCheck.Enabled && c.HealthCheck.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be positive when health check is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}

	adapters := make(map[string]struct{}, len(c.Adapters))
	for i, ad := range c.Adapters {
		if ad.Name == "" || ad.Kind == "" {
			return fmt.Errorf("adapters[%d]: name and kind are required", i)
		}
		if _, dup := adapters[ad.Name]; dup {
			return fmt.Errorf("adapters[%d]: duplicate adapter name %q", i, ad.Name)
		}
		adapters[ad.Name] = struct{}{}
	}

	sources := make(map[string]struct{}, len(c.Sources))
	endpointIDs := make(map[string]struct{})
	for i, src := range c.Sources {
		if src.Type == "" {
			return fmt.Errorf("sources[%d].type is required", i)
		}
		if _, dup := sources[src.Type]; dup {
			return fmt.Errorf("sources[%d]: duplicate source type %q", i, src.Type)
		}
		sources[src.Type] = struct{}{}
		if _, ok := adapters[src.Adapter]; !ok {
			return fmt.Errorf("sources[%d]: unknown adapter %q", i, src.Adapter)
		}
		if src.Timeout < 3*time.Second || src.Timeout > 15*time.Second {
			return fmt.Errorf("sources[%d]: timeout %s outside 3s..15s", i, src.Timeout)
		}
		if !src.Pooled && src.BaseURL == "" && len(src.Endpoints) == 0 {
			return fmt.Errorf("sources[%d]: source %q needs base_url or endpoints", i, src.Type)
		}
		if src.Pooled && len(src.Endpoints) == 0 {
			return fmt.Errorf("sources[%d]: pooled source %q needs at least one endpoint", i, src.Type)
		}
		for j, ep := range src.Endpoints {
			if ep.ID == "" || ep.URL == "" {
				return fmt.Errorf("sources[%d].endpoints[%d]: id and url are required", i, j)
			}
			if _, dup := endpointIDs[ep.ID]; dup {
				return fmt.Errorf("sources[%d].endpoints[%d]: duplicate endpoint id %q", i, j, ep.ID)
			}
			endpointIDs[ep.ID] = struct{}{}
		}
	}

	items := make(map[string]struct{}, len(c.Items))
	for i, item := range c.Items {
		if item.ID == "" {
			return fmt.Errorf("items[%d].id is required", i)
		}
		if _, dup := items[item.ID]; dup {
			return fmt.Errorf("items[%d]: duplicate item id %q", i, item.ID)
		}
		items[item.ID] = struct{}{}
		if _, ok := sources[item.Source]; !ok {
			return fmt.Errorf("items[%d]: unknown source %q", i, item.Source)
		}
		if item.Adapter != "" {
			if _, ok := adapters[item.Adapter]; !ok {
				return fmt.Errorf("items[%d]: unknown adapter %q", i, item.Adapter)
			}
		}
	}
	return nil
}

// Source returns the source-type configuration by name.
func (c *Config) Source(sourceType string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.Type == sourceType {
			return src, true
		}
	}
	return SourceConfig{}, false
}
