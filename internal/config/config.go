// Package config loads and validates the roundtable service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Bundle    BundleConfig    `yaml:"bundle"`
	Stream    StreamConfig    `yaml:"stream"`
	Tool      ToolConfig      `yaml:"tool"`
	Persist   PersistConfig   `yaml:"persist"`
	Merger    MergerConfig    `yaml:"merger"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used when a request does not name a model.
	DefaultModel string `yaml:"default_model"`
}

// BundleConfig holds per-sink bundling thresholds.
type BundleConfig struct {
	Client  SinkBundleConfig `yaml:"client"`
	Persist SinkBundleConfig `yaml:"persist"`
}

type SinkBundleConfig struct {
	MaxTokens  int           `yaml:"max_tokens"`
	MaxBytes   int           `yaml:"max_bytes"`
	MaxLatency time.Duration `yaml:"max_latency"`
}

type StreamConfig struct {
	// IdleTimeout kills a session when no upstream chunk arrives within it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// TotalTimeout is the absolute wall-clock ceiling per request.
	TotalTimeout time.Duration `yaml:"total_timeout"`
	// HeartbeatInterval is the client keepalive cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type ToolConfig struct {
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
	PoolSize       int           `yaml:"pool_size"`
	// MCPServers lists MCP server endpoints whose tools are registered at startup.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

type MCPServerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type PersistConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	WorkerCount   int           `yaml:"worker_count"`
	OverflowDir   string        `yaml:"overflow_dir"`
	Retry         RetryConfig   `yaml:"retry"`
	Store         StoreConfig   `yaml:"store"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

type StoreConfig struct {
	// Driver selects the message store: "sqlite", "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type MergerConfig struct {
	// MaxConsecutive is how many chunks one panelist may emit before rotation.
	MaxConsecutive int `yaml:"max_consecutive"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string `yaml:"endpoint"`
	// SamplingRate in (0, 1]; defaults to 1.
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", MetricsAddr: ":9090"},
		Bundle: BundleConfig{
			Client:  SinkBundleConfig{MaxTokens: 15, MaxBytes: 4096, MaxLatency: 100 * time.Millisecond},
			Persist: SinkBundleConfig{MaxTokens: 50, MaxBytes: 16384, MaxLatency: 500 * time.Millisecond},
		},
		Stream: StreamConfig{
			IdleTimeout:       60 * time.Second,
			TotalTimeout:      10 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
		},
		Tool: ToolConfig{PerCallTimeout: 30 * time.Second, PoolSize: 4},
		Persist: PersistConfig{
			QueueCapacity: 1024,
			WorkerCount:   4,
			OverflowDir:   "data/overflow",
			Retry:         RetryConfig{MaxAttempts: 5, BackoffBase: 200 * time.Millisecond},
			Store:         StoreConfig{Driver: "sqlite", DSN: "data/roundtable.db"},
			WriteTimeout:  5 * time.Second,
		},
		Merger:  MergerConfig{MaxConsecutive: 1},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file, applies defaults for unset fields and
// environment variable overrides for provider keys.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Persist.QueueCapacity < 1 {
		return fmt.Errorf("config: persist.queue_capacity must be >= 1, got %d", c.Persist.QueueCapacity)
	}
	if c.Persist.WorkerCount < 1 {
		return fmt.Errorf("config: persist.worker_count must be >= 1, got %d", c.Persist.WorkerCount)
	}
	if c.Persist.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: persist.retry.max_attempts must be >= 1, got %d", c.Persist.Retry.MaxAttempts)
	}
	if c.Tool.PoolSize < 1 {
		return fmt.Errorf("config: tool.pool_size must be >= 1, got %d", c.Tool.PoolSize)
	}
	if c.Merger.MaxConsecutive < 1 {
		return fmt.Errorf("config: merger.max_consecutive must be >= 1, got %d", c.Merger.MaxConsecutive)
	}
	for _, sink := range []struct {
		name string
		cfg  SinkBundleConfig
	}{{"client", c.Bundle.Client}, {"persist", c.Bundle.Persist}} {
		if sink.cfg.MaxTokens < 1 && sink.cfg.MaxBytes < 1 && sink.cfg.MaxLatency <= 0 {
			return fmt.Errorf("config: bundle.%s has no flush threshold", sink.name)
		}
	}
	switch c.Persist.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Persist.Store.Driver)
	}
	return nil
}
