package config

import (
	"fmt"
	"time"

	"github.com/quotelab/cmc-proxy/internal/store"
)

// ProxyConfig is the root configuration of one proxy instance.
type ProxyConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Redis     RedisConfig          `yaml:"redis"`
	Database  store.PostgresConfig `yaml:"database"`
	Upstream  UpstreamConfig       `yaml:"upstream"`
	Cache     CacheConfig          `yaml:"cache"`
	Batch     BatchConfig          `yaml:"batch"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UpstreamConfig holds the market-data API settings.
type UpstreamConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	SecondaryAPIKey string        `yaml:"secondary_api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	CreditBudget    int           `yaml:"credit_budget"`
}

// CacheConfig holds quote cache and read path settings.
type CacheConfig struct {
	QuoteTTL    time.Duration `yaml:"quote_ttl"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	MergeWindow time.Duration `yaml:"merge_window"`
	TopN        int           `yaml:"top_n"`
}

// BatchConfig holds batch fetch pacing.
type BatchConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
	Quota           int           `yaml:"quota"`
}

// SchedulerConfig holds the cron specs for background jobs. Empty spec
// disables the job.
type SchedulerConfig struct {
	PendingDrainSpec string `yaml:"pending_drain_spec"`
	ListingsWarmSpec string `yaml:"listings_warm_spec"`
	KlineUpdateSpec  string `yaml:"kline_update_spec"`
	KlineTopN        int    `yaml:"kline_top_n"`
	KlineCount       int    `yaml:"kline_count"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func (c *ProxyConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 20 * time.Second
	}
	if c.Cache.QuoteTTL <= 0 {
		c.Cache.QuoteTTL = 5 * time.Minute
	}
	if c.Cache.SnapshotTTL <= 0 {
		c.Cache.SnapshotTTL = 5 * time.Minute
	}
	if c.Cache.MergeWindow <= 0 {
		c.Cache.MergeWindow = 3 * time.Second
	}
	if c.Cache.TopN <= 0 {
		c.Cache.TopN = 100
	}
	if c.Batch.ChunkSize <= 0 {
		c.Batch.ChunkSize = 100
	}
	if c.Batch.InterChunkDelay <= 0 {
		c.Batch.InterChunkDelay = 2 * time.Second
	}
	if c.Batch.Quota <= 0 {
		c.Batch.Quota = 100
	}
	if c.Scheduler.PendingDrainSpec == "" {
		c.Scheduler.PendingDrainSpec = "@every 3s"
	}
	if c.Scheduler.KlineTopN <= 0 {
		c.Scheduler.KlineTopN = 100
	}
	if c.Scheduler.KlineCount <= 0 {
		c.Scheduler.KlineCount = 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the fields the proxy cannot run without.
func (c *ProxyConfig) Validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	return nil
}
