// Package config loads the YAML file that wires a cache deployment together:
// which backend holds the partitions, how connectivity is detected and which
// staleness policy each partition uses.
package config

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agentuity/offline-cache/cache"
	"github.com/agentuity/offline-cache/connectivity"
	"github.com/agentuity/offline-cache/logger"
	"github.com/agentuity/offline-cache/model"
	"github.com/agentuity/offline-cache/store"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is read.
const (
	EnvBackend  = "OFFLINECACHE_STORE_BACKEND"
	EnvPath     = "OFFLINECACHE_STORE_PATH"
	EnvRedisURL = "OFFLINECACHE_REDIS_URL"
)

// Backend names accepted in store.backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration accepts Go durations plus day and week units ("1d", "2w").
type Duration time.Duration

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

type Store struct {
	Backend      string   `yaml:"backend"`
	Path         string   `yaml:"path,omitempty"`
	RedisURL     string   `yaml:"redis_url,omitempty"`
	Prefix       string   `yaml:"prefix,omitempty"`
	QueryTimeout Duration `yaml:"query_timeout,omitempty"`
	// MemoryTier keeps loaded partitions in memory in front of the backend.
	// Only safe when this process is the sole writer.
	MemoryTier bool `yaml:"memory_tier,omitempty"`
}

type Connectivity struct {
	// ProbeAddress is a host:port dialed to decide reachability. Empty means
	// always online.
	ProbeAddress  string   `yaml:"probe_address,omitempty"`
	ProbeInterval Duration `yaml:"probe_interval,omitempty"`
	ProbeTimeout  Duration `yaml:"probe_timeout,omitempty"`
}

type Partition struct {
	Mode string   `yaml:"mode"`
	TTL  Duration `yaml:"ttl,omitempty"`
}

type Config struct {
	LogLevel     string               `yaml:"log_level,omitempty"`
	LogFormat    string               `yaml:"log_format,omitempty"`
	Store        Store                `yaml:"store"`
	Connectivity Connectivity         `yaml:"connectivity,omitempty"`
	Partitions   map[string]Partition `yaml:"partitions,omitempty"`
}

// Default returns an in-memory configuration using the model's default
// policies.
func Default() *Config {
	return &Config{
		LogLevel:  "warn",
		LogFormat: "console",
		Store: Store{
			Backend:      BackendMemory,
			Prefix:       store.DefaultPrefix,
			QueryTimeout: Duration(store.DefaultQueryTimeout),
		},
		Connectivity: Connectivity{
			ProbeInterval: Duration(30 * time.Second),
			ProbeTimeout:  Duration(3 * time.Second),
		},
	}
}

// Load reads filename over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(filename string) (*Config, error) {
	var buf []byte
	if filename != "" {
		var err error
		buf, err = os.ReadFile(filename)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read config file: %s", filename)
		}
	}
	c, err := Parse(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config file: %s", filename)
	}
	return c, nil
}

// Parse decodes buf over the defaults, applies the environment and validates.
func Parse(buf []byte) (*Config, error) {
	c := Default()
	if len(strings.TrimSpace(string(buf))) > 0 {
		if err := yaml.Unmarshal(buf, c); err != nil {
			return nil, errors.Wrap(err, "failed to decode YAML")
		}
	}
	c.ApplyEnv(os.LookupEnv)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides store settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPath); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Store.RedisURL = v
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks the configuration is complete for the selected backend.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Store.Path == "" {
			return invalid("store.path is required for the %s backend", c.Store.Backend)
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return invalid("store.redis_url is required for the redis backend")
		}
	default:
		return invalid("unknown store.backend %q", c.Store.Backend)
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return invalid("unknown log_format %q", c.LogFormat)
	}
	if c.Store.QueryTimeout < 0 {
		return invalid("store.query_timeout must not be negative")
	}
	for name, p := range c.Partitions {
		if _, err := p.Policy(); err != nil {
			return invalid("partitions.%s: %v", name, err)
		}
	}
	return nil
}

// Policy converts the partition settings into a cache.Policy.
func (p Partition) Policy() (cache.Policy, error) {
	mode, err := cache.ParseMode(p.Mode)
	if err != nil {
		return cache.Policy{}, err
	}
	if mode == cache.ModeExplicitInvalidationOnly {
		return cache.ExplicitInvalidation(), nil
	}
	if p.TTL <= 0 {
		return cache.Policy{}, errors.New("ttl must be positive")
	}
	return cache.TTLGated(time.Duration(p.TTL)), nil
}

// Policies returns the model defaults with configured partitions applied on
// top.
func (c *Config) Policies() (model.Policies, error) {
	out := model.DefaultPolicies()
	for name, p := range c.Partitions {
		policy, err := p.Policy()
		if err != nil {
			return nil, errors.Wrapf(err, "partition %s", name)
		}
		out[name] = policy
	}
	return out, nil
}

// PartitionNames returns every partition named by the model or the config,
// sorted.
func (c *Config) PartitionNames() []string {
	policies, _ := c.Policies()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Level returns the configured log level. The environment wins when set.
func (c *Config) Level() logger.LogLevel {
	if v, ok := os.LookupEnv(logger.LevelEnv); ok && v != "" {
		return logger.ParseLevel(v, logger.LevelWarn)
	}
	return logger.ParseLevel(c.LogLevel, logger.LevelWarn)
}

// NewLogger returns a logger writing to stderr in the configured format.
func (c *Config) NewLogger(level logger.LogLevel) logger.Logger {
	return c.newLogger(os.Stderr, level)
}

func (c *Config) newLogger(out io.Writer, level logger.LogLevel) logger.Logger {
	if c.LogFormat == "json" {
		return logger.NewJSONLogger(out, level)
	}
	return logger.NewConsoleLoggerWithWriter(out, level)
}

type redisOwned struct {
	store.Backend
	client *redis.Client
}

func (r *redisOwned) Close() error {
	err := r.Backend.Close()
	if cerr := r.client.Close(); cerr != nil {
		return errors.CombineErrors(err, cerr)
	}
	return err
}

// OpenBackend builds the configured store.Backend. The caller must Close it.
func (c *Config) OpenBackend(ctx context.Context, opts ...store.Option) (store.Backend, error) {
	b, err := c.openBackend(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if c.Store.MemoryTier && c.Store.Backend != BackendMemory {
		return store.NewTiered(store.NewMemory(), b), nil
	}
	return b, nil
}

func (c *Config) openBackend(ctx context.Context, opts ...store.Option) (store.Backend, error) {
	base := []store.Option{store.WithPrefix(c.Store.Prefix)}
	if c.Store.QueryTimeout > 0 {
		base = append(base, store.WithQueryTimeout(time.Duration(c.Store.QueryTimeout)))
	}
	opts = append(base, opts...)
	switch c.Store.Backend {
	case BackendMemory:
		return store.NewMemory(), nil
	case BackendFile:
		return store.NewFile(c.Store.Path, opts...)
	case BackendSQLite:
		return store.NewSQLite(ctx, c.Store.Path, opts...)
	case BackendRedis:
		ropts, err := redis.ParseURL(c.Store.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid store.redis_url")
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "failed to connect to redis at %s", ropts.Addr)
		}
		return &redisOwned{store.NewRedis(client, opts...), client}, nil
	}
	return nil, invalid("unknown store.backend %q", c.Store.Backend)
}

// Signal returns the connectivity signal described by the config and a
// function releasing it. Without a probe address the signal is always online.
func (c *Config) Signal(ctx context.Context, log logger.Logger) (connectivity.Signal, func() error) {
	if c.Connectivity.ProbeAddress == "" {
		return connectivity.Online, func() error { return nil }
	}
	p := connectivity.NewProber(ctx, c.Connectivity.ProbeAddress,
		connectivity.WithInterval(time.Duration(c.Connectivity.ProbeInterval)),
		connectivity.WithTimeout(time.Duration(c.Connectivity.ProbeTimeout)),
		connectivity.WithLogger(log),
	)
	return p, p.Close
}
