// Package config loads a YAML description of a near-cache client: the cluster
// members, the metadata transport and the reconciliation tuning.
package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/provider/ristretto"
	"github.com/unkn0wn-root/nearcache/transport/httpx"
)

// Config represents the client configuration.
type Config struct {
	Cluster   ClusterConfig   `yaml:"cluster"`
	Transport TransportConfig `yaml:"transport"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Push      PushConfig      `yaml:"push"`
	NearCache NearCacheConfig `yaml:"near_cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Disabled  bool            `yaml:"disabled"`
}

// ClusterConfig is a static view of the cluster.
type ClusterConfig struct {
	Partitions int              `yaml:"partitions"`
	Members    []cluster.Member `yaml:"members"`
}

// TransportConfig configures the HTTP metadata transport.
type TransportConfig struct {
	Format           string        `yaml:"format"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int           `yaml:"max_response_bytes"`
}

// ReconcileConfig tunes the anti-entropy loop and token assignment.
type ReconcileConfig struct {
	Interval             time.Duration `yaml:"interval"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	RepairOnGap          bool          `yaml:"repair_on_gap"`
	AssignMaxAttempts    int           `yaml:"assign_max_attempts"`
	AssignInitialBackoff time.Duration `yaml:"assign_initial_backoff"`
	AssignMaxBackoff     time.Duration `yaml:"assign_max_backoff"`
}

// PushConfig points at the Redis channel invalidations are published on.
// An empty Addr disables the push listener.
type PushConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// NearCacheConfig holds defaults shared by the near caches of the process.
type NearCacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	GenRetention    time.Duration `yaml:"gen_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxCostBytes    int64         `yaml:"max_cost_bytes"`
}

// LoggingConfig selects the zap logger built by NewZapLogger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads a YAML file, fills defaults and validates the result.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Cluster.Partitions == 0 {
		cfg.Cluster.Partitions = 271
	}

	if cfg.Transport.Format == "" {
		cfg.Transport.Format = "protobuf"
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}

	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 10 * time.Second
	}
	if cfg.Reconcile.FetchTimeout == 0 {
		cfg.Reconcile.FetchTimeout = time.Minute
	}

	if cfg.Push.Channel == "" {
		cfg.Push.Channel = "nearcache:invalidations"
	}

	if cfg.NearCache.DefaultTTL == 0 {
		cfg.NearCache.DefaultTTL = 10 * time.Minute
	}
	if cfg.NearCache.GenRetention == 0 {
		cfg.NearCache.GenRetention = 30 * 24 * time.Hour
	}
	if cfg.NearCache.CleanupInterval == 0 {
		cfg.NearCache.CleanupInterval = time.Hour
	}
	if cfg.NearCache.MaxCostBytes == 0 {
		cfg.NearCache.MaxCostBytes = 64 << 20 // 64MB
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for values no component would accept.
func (c *Config) Validate() error {
	if c.Cluster.Partitions < 1 {
		return fmt.Errorf("cluster.partitions must be positive")
	}
	seen := make(map[string]struct{}, len(c.Cluster.Members))
	data := 0
	for i, m := range c.Cluster.Members {
		if m.ID == "" {
			return fmt.Errorf("cluster.members[%d].id is required", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("cluster.members[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = struct{}{}
		if !m.Lite {
			if m.Address == "" {
				return fmt.Errorf("cluster.members[%d].address is required for data members", i)
			}
			data++
		}
	}
	if data == 0 {
		return fmt.Errorf("cluster.members must contain at least one data member")
	}
	if _, ok := httpx.FormatByName(c.Transport.Format); !ok {
		return fmt.Errorf("transport.format %q is not one of protobuf, cbor, msgpack, json", c.Transport.Format)
	}
	if c.Reconcile.Interval < 0 || c.Reconcile.FetchTimeout < 0 {
		return fmt.Errorf("reconcile.interval and reconcile.fetch_timeout must not be negative")
	}
	if c.Reconcile.AssignMaxBackoff > 0 && c.Reconcile.AssignInitialBackoff > c.Reconcile.AssignMaxBackoff {
		return fmt.Errorf("reconcile.assign_initial_backoff must not exceed assign_max_backoff")
	}
	if c.NearCache.DefaultTTL < 0 || c.NearCache.GenRetention < 0 {
		return fmt.Errorf("near_cache.default_ttl and near_cache.gen_retention must not be negative")
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// Directory builds the static ownership directory described by the cluster section.
func (c *Config) Directory() (*cluster.StaticDirectory, error) {
	return cluster.NewStaticDirectory(c.Cluster.Partitions, c.Cluster.Members...)
}

// HTTPTransport builds the metadata transport. members is usually dir.DataMembers.
// hc may be nil.
func (c *Config) HTTPTransport(members func() []cluster.Member, hc *http.Client) (*httpx.Client, error) {
	f, ok := httpx.FormatByName(c.Transport.Format)
	if !ok {
		return nil, fmt.Errorf("unknown transport format %q", c.Transport.Format)
	}
	return httpx.NewClient(httpx.ClientOptions{
		Members:          members,
		HTTPClient:       hc,
		Timeout:          c.Transport.Timeout,
		Format:           &f,
		MaxResponseBytes: c.Transport.MaxResponseBytes,
	})
}

// RedisClient returns a client for the push channel, or nil when push is off.
func (c *Config) RedisClient() *redis.Client {
	if c.Push.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Push.Addr,
		Password: c.Push.Password,
		DB:       c.Push.DB,
	})
}

// NewRistretto builds the in-process provider sized by near_cache.max_cost_bytes.
func (c *Config) NewRistretto() (*ristretto.Provider, error) {
	return ristretto.New(ristretto.DefaultConfig(c.NearCache.MaxCostBytes))
}

// NewZapLogger builds the zap logger selected by the logging section.
func (c *Config) NewZapLogger() (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

// Apply copies the reconciliation settings into opts. Transport, Directory,
// Logger and Hooks are left to the caller.
func (c *Config) Apply(opts *nearcache.Options) {
	opts.ReconcileInterval = c.Reconcile.Interval
	opts.FetchTimeout = c.Reconcile.FetchTimeout
	opts.RepairOnGap = c.Reconcile.RepairOnGap
	opts.AssignMaxAttempts = c.Reconcile.AssignMaxAttempts
	opts.AssignInitialBackoff = c.Reconcile.AssignInitialBackoff
	opts.AssignMaxBackoff = c.Reconcile.AssignMaxBackoff
	opts.Disabled = c.Disabled
}

// ApplyNearCache copies the shared near-cache defaults into opts.
func ApplyNearCache[V any](c *Config, opts *nearcache.NearCacheOptions[V]) {
	opts.DefaultTTL = c.NearCache.DefaultTTL
	opts.GenRetention = c.NearCache.GenRetention
	opts.CleanupInterval = c.NearCache.CleanupInterval
	if c.Disabled {
		opts.Disabled = true
	}
}
