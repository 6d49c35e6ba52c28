// Package config loads and validates service configuration via Viper, with a
// small environment overlay for deployment platforms.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/JakeFAU/tradestat-ingest/internal/trigger"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Target    TargetConfig    `mapstructure:"target"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig guards the manual run trigger. An empty key disables the check.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// TargetConfig describes the statistics site.
type TargetConfig struct {
	ExportURL   string `mapstructure:"export_url"`
	ImportURL   string `mapstructure:"import_url"`
	ThrottleKey string `mapstructure:"throttle_key"`
	UserAgent   string `mapstructure:"user_agent"`
	Preflight   bool   `mapstructure:"preflight"`
}

// BrowserConfig sizes the session pool and bounds page waits.
type BrowserConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	Headless       bool          `mapstructure:"headless"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	TableTimeout   time.Duration `mapstructure:"table_timeout"`
	ExecPath       string        `mapstructure:"exec_path"`
	WindowWidth    int           `mapstructure:"window_width"`
	WindowHeight   int           `mapstructure:"window_height"`
	MaxYears       int           `mapstructure:"max_years"`
}

// ThrottleConfig spaces requests to the target.
type ThrottleConfig struct {
	MinDelay         time.Duration `mapstructure:"min_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	GlobalRPS        float64       `mapstructure:"global_rps"`
	RateLimitPenalty time.Duration `mapstructure:"rate_limit_penalty"`
}

// RetryConfig shapes the per-mode backoff and the abandon ceiling.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       float64       `mapstructure:"jitter"`
	AbandonAfter int           `mapstructure:"abandon_after"`
}

// SchedulerConfig bounds a run and sets the daily trigger.
type SchedulerConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxRun      time.Duration `mapstructure:"max_run"`
	DailyAt     string        `mapstructure:"daily_at"`
	Timezone    string        `mapstructure:"timezone"`
}

// StorageConfig selects where artifacts are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig selects the work item store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for completion notices.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	EnablePrometheus bool          `mapstructure:"enable_prometheus"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	// Endpoint is an OTLP/HTTP traces URL. Empty keeps spans in process.
	Endpoint string `mapstructure:"endpoint"`
}

// EnvOverlay holds the platform variables that override file and TRADESTAT_*
// settings when set.
type EnvOverlay struct {
	Port        int    `env:"PORT"`
	DatabaseURL string `env:"DATABASE_URL"`
	APIKey      string `env:"TRADESTAT_API_KEY"`
}

// Apply copies the non-empty overlay values into cfg. A DATABASE_URL selects
// the postgres driver.
func (o EnvOverlay) Apply(cfg *Config) {
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if o.DatabaseURL != "" {
		cfg.Database.Driver = DriverPostgres
		cfg.Database.DSN = o.DatabaseURL
	}
	if o.APIKey != "" {
		cfg.Auth.APIKey = o.APIKey
	}
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADESTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	var overlay EnvOverlay
	if err := env.Parse(&overlay); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	overlay.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("target.export_url", "https://tradestat.commerce.gov.in/eidb/commodity_wise_all_countries_export")
	v.SetDefault("target.import_url", "https://tradestat.commerce.gov.in/eidb/commodity_wise_all_countries_import")
	v.SetDefault("target.throttle_key", "tradestat.commerce.gov.in")
	v.SetDefault("target.user_agent", "tradestat-ingest/1.0")
	v.SetDefault("target.preflight", true)
	v.SetDefault("browser.pool_size", 4)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.acquire_timeout", 30*time.Second)
	v.SetDefault("browser.nav_timeout", 120*time.Second)
	v.SetDefault("browser.table_timeout", 60*time.Second)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 800)
	v.SetDefault("browser.max_years", 0)
	v.SetDefault("throttle.min_delay", 1500*time.Millisecond)
	v.SetDefault("throttle.max_delay", 3*time.Second)
	v.SetDefault("throttle.global_rps", 0.0)
	v.SetDefault("throttle.rate_limit_penalty", 60*time.Second)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.abandon_after", 5)
	v.SetDefault("scheduler.chunk_size", 50)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.max_run", 6*time.Hour)
	v.SetDefault("scheduler.daily_at", "02:00")
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "tradestat.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 200)
	v.SetDefault("progress.max_batch_wait", time.Second)
	v.SetDefault("progress.sink_timeout", 2*time.Second)
	v.SetDefault("progress.enable_prometheus", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "tradestat-ingest")
	v.SetDefault("tracing.endpoint", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.ChunkSize <= 0 {
		return fmt.Errorf("scheduler.chunk_size must be > 0")
	}
	if c.Throttle.MinDelay < 0 || c.Throttle.MinDelay > c.Throttle.MaxDelay {
		return fmt.Errorf("throttle.min_delay must be between 0 and throttle.max_delay")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Target.ExportURL == "" || c.Target.ImportURL == "" {
		return fmt.Errorf("target.export_url and target.import_url must be set")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	if _, _, err := trigger.ParseAt(c.Scheduler.DailyAt); err != nil {
		return fmt.Errorf("scheduler.daily_at: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Warnings lists settings that are legal but likely unintended.
func (c Config) Warnings() []string {
	var out []string
	if c.Scheduler.Concurrency > c.Browser.PoolSize {
		out = append(out, fmt.Sprintf(
			"scheduler.concurrency (%d) exceeds browser.pool_size (%d); extra workers will wait for sessions",
			c.Scheduler.Concurrency, c.Browser.PoolSize))
	}
	if c.Browser.AcquireTimeout <= 0 {
		out = append(out, "browser.acquire_timeout is not positive; acquire waits are unbounded")
	}
	return out
}

// Location resolves scheduler.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
