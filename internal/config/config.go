// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	WS       WSConfig       `mapstructure:"ws"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	RunMigrations   bool   `mapstructure:"run_migrations"`
	LifetimeMinutes int    `mapstructure:"conn_lifetime_minutes"`
}

// CrawlerConfig governs page fetching and headless promotion.
type CrawlerConfig struct {
	UserAgent        string         `mapstructure:"user_agent"`
	MinContentLength int            `mapstructure:"min_content_length"`
	MaxAttempts      int            `mapstructure:"max_attempts"`
	BatchConcurrency int            `mapstructure:"batch_concurrency"`
	MaxDepthDefault  int            `mapstructure:"max_depth_default"`
	Headless         HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	// MinHTMLBytes is the body size under which a script-heavy page is
	// promoted to the renderer.
	MinHTMLBytes int `mapstructure:"min_html_bytes"`
}

// LLMConfig configures the Gemini client.
type LLMConfig struct {
	APIKey            string `mapstructure:"api_key"`
	ChatModel         string `mapstructure:"chat_model"`
	EmbedModel        string `mapstructure:"embed_model"`
	EmbedDimension    int    `mapstructure:"embed_dimension"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// PipelineConfig governs chunking, jobs, and progress cadence.
type PipelineConfig struct {
	ChunkSize               int  `mapstructure:"chunk_size"`
	InsertBatchSize         int  `mapstructure:"insert_batch_size"`
	UseContextualEmbeddings bool `mapstructure:"use_contextual_embeddings"`
	MaxConcurrentJobs       int  `mapstructure:"max_concurrent_jobs"`
	HeartbeatSeconds        int  `mapstructure:"heartbeat_seconds"`
}

// WSConfig tunes the WebSocket broadcaster.
type WSConfig struct {
	ThrottleMs int `mapstructure:"throttle_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHON")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8181)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.conn_lifetime_minutes", 30)
	v.SetDefault("crawler.user_agent", "archon-bot/0.1")
	v.SetDefault("crawler.min_content_length", 200)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.batch_concurrency", 10)
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.headless.enabled", true)
	v.SetDefault("crawler.headless.max_parallel", 2)
	v.SetDefault("crawler.headless.nav_timeout_seconds", 25)
	v.SetDefault("crawler.headless.min_html_bytes", 2048)
	v.SetDefault("llm.chat_model", "gemini-2.0-flash")
	v.SetDefault("llm.embed_model", "gemini-embedding-001")
	v.SetDefault("llm.embed_dimension", 1536)
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("pipeline.chunk_size", 5000)
	v.SetDefault("pipeline.insert_batch_size", 20)
	v.SetDefault("pipeline.use_contextual_embeddings", false)
	v.SetDefault("pipeline.max_concurrent_jobs", 3)
	v.SetDefault("pipeline.heartbeat_seconds", 30)
	v.SetDefault("ws.throttle_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if c.LLM.EmbedDimension <= 0 {
		return fmt.Errorf("llm.embed_dimension must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.Headless.Enabled && c.Crawler.Headless.MaxParallel <= 0 {
		return fmt.Errorf("crawler.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be > 0")
	}
	return nil
}

// LLMTimeout converts the configured timeout into a duration.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// Heartbeat converts the configured cadence into a duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Pipeline.HeartbeatSeconds) * time.Second
}

// WSThrottle converts the broadcaster throttle into a duration.
func (c Config) WSThrottle() time.Duration {
	return time.Duration(c.WS.ThrottleMs) * time.Millisecond
}
