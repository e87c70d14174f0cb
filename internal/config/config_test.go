package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
node:
  id: node-a
server:
  port: 9090
  auth:
    enabled: true
    api_key: secret
logging:
  development: false
grid:
  poll_interval: 100ms
  stop_monitor_interval: 2s
cluster:
  provider: redis
bus:
  provider: redis
  channel: grid
storage:
  provider: postgres
db:
  dsn: postgres://localhost/crawlgrid
  max_conns: 8
redis:
  addr: redis:6379
fetch:
  rate_per_host: 2.5
  blocked_hosts:
    - "*.ads.example"
telemetry:
  enabled: true
  endpoint: collector:4318
pipelines:
  crawl:
    stages:
      - name: fetch
        task: fetch
        args:
          urls: https://example.com
      - name: report
        task: log
        scope: all
        always: true
        only_if_env: CRAWLGRID_REPORT
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.ID != "node-a" || cfg.Server.Port != 9090 {
		t.Fatalf("expected node and server overrides, got %+v %+v", cfg.Node, cfg.Server)
	}
	if !cfg.Server.Auth.Enabled || cfg.Server.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging disabled")
	}
	if cfg.Grid.PollInterval != 100*time.Millisecond || cfg.Grid.StopMonitorInterval != 2*time.Second {
		t.Fatalf("expected grid durations to parse, got %+v", cfg.Grid)
	}
	if cfg.Grid.MemberTTL != 10*time.Second {
		t.Fatalf("expected default member ttl, got %v", cfg.Grid.MemberTTL)
	}
	if cfg.Bus.Channel != "grid" || cfg.DB.MaxConns != 8 {
		t.Fatalf("expected bus and db overrides, got %+v %+v", cfg.Bus, cfg.DB)
	}
	if cfg.Fetch.RatePerHost != 2.5 || len(cfg.Fetch.BlockedHosts) != 1 || cfg.Fetch.BlockedHosts[0] != "*.ads.example" {
		t.Fatalf("expected fetch overrides, got %+v", cfg.Fetch)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "collector:4318" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("expected telemetry overrides, got %+v", cfg.Telemetry)
	}
	crawl, ok := cfg.Pipelines["crawl"]
	if !ok || len(crawl.Stages) != 2 {
		t.Fatalf("expected crawl pipeline to be loaded: %+v", cfg.Pipelines)
	}
	if crawl.Stages[0].Args["urls"] != "https://example.com" {
		t.Fatalf("expected stage args to be preserved: %+v", crawl.Stages[0])
	}
	report := crawl.Stages[1]
	if !report.Always || report.Scope != "all" || report.OnlyIfEnv != "CRAWLGRID_REPORT" {
		t.Fatalf("expected stage flags to be preserved: %+v", report)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.ID == "" {
		t.Fatal("expected node id to default to the hostname")
	}
	if cfg.Grid.PollInterval != 250*time.Millisecond || cfg.Grid.StopMonitorInterval != time.Second {
		t.Fatalf("unexpected grid defaults %+v", cfg.Grid)
	}
	if cfg.Bus.Provider != ProviderMemory || cfg.Storage.Provider != ProviderMemory {
		t.Fatalf("expected memory providers by default")
	}
	if cfg.Fetch.RatePerHost != 1 || cfg.Fetch.Burst != 1 {
		t.Fatalf("unexpected fetch limits %+v", cfg.Fetch)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Node:    NodeConfig{ID: "a"},
		Server:  ServerConfig{Port: 8080},
		Grid:    GridConfig{PollInterval: time.Millisecond, StopMonitorInterval: time.Second, HeartbeatInterval: time.Second, MemberTTL: 3 * time.Second},
		Cluster: ClusterConfig{Provider: ProviderMemory},
		Bus:     BusConfig{Provider: ProviderMemory},
		Storage: StorageConfig{Provider: ProviderMemory},
		Blob:    BlobConfig{Provider: ProviderMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing node id", func(c *Config) { c.Node.ID = "" }, "node.id"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Server.Auth.Enabled = true }, "server.auth.api_key"},
		{"poll interval", func(c *Config) { c.Grid.PollInterval = 0 }, "grid.poll_interval"},
		{"member ttl", func(c *Config) { c.Grid.MemberTTL = c.Grid.HeartbeatInterval }, "grid.member_ttl"},
		{"unknown bus", func(c *Config) { c.Bus.Provider = "kafka" }, "bus.provider"},
		{"pubsub missing topic", func(c *Config) { c.Bus.Provider = ProviderPubSub }, "bus.project_id"},
		{"redis missing addr", func(c *Config) { c.Cluster.Provider = ProviderRedis }, "redis.addr"},
		{"postgres missing dsn", func(c *Config) { c.Storage.Provider = ProviderPostgres }, "db.dsn"},
		{"gcs missing bucket", func(c *Config) { c.Storage.Provider = ProviderGCS }, "storage.bucket"},
		{"local blob missing dir", func(c *Config) { c.Blob.Provider = ProviderLocal }, "blob.base_dir"},
		{"negative rate", func(c *Config) { c.Fetch.RatePerHost = -1 }, "fetch.rate_per_host"},
		{"empty pipeline", func(c *Config) {
			c.Pipelines = map[string]PipelineConfig{"crawl": {}}
		}, "pipelines.crawl.stages"},
		{"duplicate stage", func(c *Config) {
			c.Pipelines = map[string]PipelineConfig{"crawl": {Stages: []StageConfig{
				{Name: "a", Task: "log"}, {Name: "a", Task: "log"},
			}}}
		}, "duplicated"},
		{"bad scope", func(c *Config) {
			c.Pipelines = map[string]PipelineConfig{"crawl": {Stages: []StageConfig{
				{Name: "a", Task: "log", Scope: "some"},
			}}}
		}, "scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
