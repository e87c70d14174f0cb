// Package config loads and validates crawlgrid configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted by the cluster, bus and storage sections.
const (
	ProviderMemory   = "memory"
	ProviderRedis    = "redis"
	ProviderPubSub   = "pubsub"
	ProviderPostgres = "postgres"
	ProviderGCS      = "gcs"
	ProviderLocal    = "local"
)

// Config captures all node configuration knobs loaded via Viper.
type Config struct {
	Node      NodeConfig                `mapstructure:"node"`
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Grid      GridConfig                `mapstructure:"grid"`
	Cluster   ClusterConfig             `mapstructure:"cluster"`
	Bus       BusConfig                 `mapstructure:"bus"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Blob      BlobConfig                `mapstructure:"blob"`
	Redis     RedisConfig               `mapstructure:"redis"`
	DB        DBConfig                  `mapstructure:"db"`
	Progress  ProgressConfig            `mapstructure:"progress"`
	Fetch     FetchConfig               `mapstructure:"fetch"`
	Telemetry TelemetryConfig           `mapstructure:"telemetry"`
	Pipelines map[string]PipelineConfig `mapstructure:"pipelines"`
}

// NodeConfig identifies this process on the grid.
type NodeConfig struct {
	ID string `mapstructure:"id"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry span export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// GridConfig tunes coordination timing.
type GridConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	StopMonitorInterval time.Duration `mapstructure:"stop_monitor_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MemberTTL           time.Duration `mapstructure:"member_ttl"`
	MemberCheckInterval time.Duration `mapstructure:"member_check_interval"`
}

// ClusterConfig selects the membership and election backend.
type ClusterConfig struct {
	Provider string `mapstructure:"provider"`
}

// BusConfig selects the control message transport.
type BusConfig struct {
	Provider     string `mapstructure:"provider"`
	Channel      string `mapstructure:"channel"`
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// StorageConfig selects where stage pointers persist.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// BlobConfig selects where fetch tasks write page content.
type BlobConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
}

// RedisConfig holds connection details shared by redis-backed providers.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. A DSN enables the
// postgres run history.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// FetchConfig configures the HTTP fetcher used by fetch tasks.
type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// RatePerHost caps requests per second against a single host. Zero
	// disables the limit.
	RatePerHost float64 `mapstructure:"rate_per_host"`
	Burst       int     `mapstructure:"burst"`
	// MaxAttempts bounds retries of transient fetch failures.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BlockedHosts lists exact hosts or "*.suffix" patterns fetch tasks skip.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// PipelineConfig declares a pipeline's ordered stages.
type PipelineConfig struct {
	Stages []StageConfig `mapstructure:"stages"`
}

// StageConfig declares one stage and the built-in task it runs.
type StageConfig struct {
	Name   string `mapstructure:"name"`
	Task   string `mapstructure:"task"`
	Always bool   `mapstructure:"always"`
	Scope  string `mapstructure:"scope"`
	// OnlyIfEnv names an environment variable that must be truthy for the
	// stage to run.
	OnlyIfEnv string            `mapstructure:"only_if_env"`
	Args      map[string]string `mapstructure:"args"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLGRID")
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
	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve node id: %w", err)
		}
		cfg.Node.ID = host
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("grid.poll_interval", "250ms")
	v.SetDefault("grid.stop_monitor_interval", "1s")
	v.SetDefault("grid.heartbeat_interval", "3s")
	v.SetDefault("grid.member_ttl", "10s")
	v.SetDefault("grid.member_check_interval", "1s")
	v.SetDefault("cluster.provider", ProviderMemory)
	v.SetDefault("bus.provider", ProviderMemory)
	v.SetDefault("bus.channel", "crawlgrid:control")
	v.SetDefault("bus.topic", "crawlgrid-control")
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.prefix", "stages")
	v.SetDefault("blob.provider", ProviderMemory)
	v.SetDefault("blob.base_dir", "data/pages")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "crawlgrid:")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("fetch.user_agent", "crawlgrid/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.rate_per_host", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return fmt.Errorf("node.id must be set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	if err := c.Grid.validate(); err != nil {
		return err
	}
	if err := oneOf("cluster.provider", c.Cluster.Provider, ProviderMemory, ProviderRedis); err != nil {
		return err
	}
	if err := oneOf("bus.provider", c.Bus.Provider, ProviderMemory, ProviderRedis, ProviderPubSub); err != nil {
		return err
	}
	if err := oneOf("storage.provider", c.Storage.Provider,
		ProviderMemory, ProviderRedis, ProviderPostgres, ProviderGCS); err != nil {
		return err
	}
	if err := oneOf("blob.provider", c.Blob.Provider, ProviderMemory, ProviderLocal, ProviderGCS); err != nil {
		return err
	}
	if c.Bus.Provider == ProviderPubSub {
		if c.Bus.ProjectID == "" || c.Bus.Topic == "" || c.Bus.Subscription == "" {
			return fmt.Errorf("bus.project_id, bus.topic and bus.subscription must be set for pubsub")
		}
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when a redis provider is selected")
	}
	if c.Storage.Provider == ProviderPostgres && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for postgres storage")
	}
	if c.Storage.Provider == ProviderGCS && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for gcs storage")
	}
	if c.Blob.Provider == ProviderGCS && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket must be set for gcs blobs")
	}
	if c.Blob.Provider == ProviderLocal && c.Blob.BaseDir == "" {
		return fmt.Errorf("blob.base_dir must be set for local blobs")
	}
	if c.Fetch.RatePerHost < 0 || c.Fetch.Burst < 0 {
		return fmt.Errorf("fetch.rate_per_host and fetch.burst must be >= 0")
	}
	for id, p := range c.Pipelines {
		if err := p.validate(id); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) usesRedis() bool {
	return c.Cluster.Provider == ProviderRedis ||
		c.Bus.Provider == ProviderRedis ||
		c.Storage.Provider == ProviderRedis
}

func (g GridConfig) validate() error {
	switch {
	case g.PollInterval <= 0:
		return fmt.Errorf("grid.poll_interval must be > 0")
	case g.StopMonitorInterval <= 0:
		return fmt.Errorf("grid.stop_monitor_interval must be > 0")
	case g.HeartbeatInterval <= 0:
		return fmt.Errorf("grid.heartbeat_interval must be > 0")
	case g.MemberTTL <= g.HeartbeatInterval:
		return fmt.Errorf("grid.member_ttl must exceed grid.heartbeat_interval")
	}
	return nil
}

func (p PipelineConfig) validate(id string) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipelines.%s.stages must not be empty", id)
	}
	seen := make(map[string]struct{}, len(p.Stages))
	for i, s := range p.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("pipelines.%s.stages[%d].name must be set", id, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("pipelines.%s.stages[%d].name %q is duplicated", id, i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if strings.TrimSpace(s.Task) == "" {
			return fmt.Errorf("pipelines.%s.stages[%d].task must be set", id, i)
		}
		switch strings.ToLower(s.Scope) {
		case "", "single", "one", "all":
		default:
			return fmt.Errorf("pipelines.%s.stages[%d].scope %q must be single or all", id, i, s.Scope)
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
