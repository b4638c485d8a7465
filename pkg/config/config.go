// Package config loads the media cache configuration from a YAML file with
// MEDIA_CACHE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/media-cache/pkg/classify"
	"github.com/Sternrassler/media-cache/pkg/eviction"
	"github.com/Sternrassler/media-cache/pkg/fetch"
	"github.com/Sternrassler/media-cache/pkg/logging"
	"github.com/Sternrassler/media-cache/pkg/store"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MEDIA_CACHE_"

// Store backends
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the complete service configuration.
type Config struct {
	Listen string `yaml:"listen"`
	Origin string `yaml:"origin"`

	// Store selects the backend: redis or memory
	Store string      `yaml:"store"`
	Redis RedisConfig `yaml:"redis"`

	Partitions PartitionsConfig `yaml:"partitions"`
	Static     StaticConfig     `yaml:"static"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	RangeWindow         ByteSize      `yaml:"range_window"`

	Fetch      FetchConfig      `yaml:"fetch"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Log        LogConfig        `yaml:"log"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// PartitionConfig is the budget of one bounded partition.
type PartitionConfig struct {
	Budget      ByteSize `yaml:"budget"`
	Target      float64  `yaml:"target"`
	IgnoreQuery bool     `yaml:"ignore_query"`
}

// PartitionsConfig holds the bounded partitions.
type PartitionsConfig struct {
	Media PartitionConfig `yaml:"media"`
	Video PartitionConfig `yaml:"video"`
	API   PartitionConfig `yaml:"api"`
}

// StaticConfig configures the versioned static partition.
type StaticConfig struct {
	Version     string   `yaml:"version"`
	Manifest    []string `yaml:"manifest"`
	Shell       string   `yaml:"shell"`
	IgnoreQuery bool     `yaml:"ignore_query"`
	Concurrency int      `yaml:"concurrency"`
}

// FetchConfig configures origin requests.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ClassifierConfig overrides the routing rules. Empty lists keep the defaults.
type ClassifierConfig struct {
	MediaPrefixes    []string `yaml:"media_prefixes"`
	APIPrefixes      []string `yaml:"api_prefixes"`
	ThumbnailMarkers []string `yaml:"thumbnail_markers"`
	VideoExtensions  []string `yaml:"video_extensions"`
	ImageExtensions  []string `yaml:"image_extensions"`
	StaticExtensions []string `yaml:"static_extensions"`
	ShellPaths       []string `yaml:"shell_paths"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	fetchCfg := fetch.DefaultConfig()
	rules := classify.DefaultRules()

	return Config{
		Listen: ":8080",
		Origin: "http://localhost:3000",
		Store:  StoreRedis,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: store.DefaultRedisPrefix,
		},
		Partitions: PartitionsConfig{
			Media: PartitionConfig{Budget: 500 << 20, Target: 0.8},
			Video: PartitionConfig{Budget: 1024 << 20, Target: 0.7},
			API:   PartitionConfig{Budget: 50 << 20, Target: 0.8},
		},
		Static: StaticConfig{
			Version:     "v1",
			Manifest:    []string{"/", "/index.html", "/manifest.json", "/favicon.ico", "/logo.png"},
			Shell:       "/index.html",
			Concurrency: 4,
		},
		MaintenanceInterval: eviction.DefaultMaintenanceInterval,
		RangeWindow:         1 << 20,
		Fetch: FetchConfig{
			Timeout:        fetchCfg.Timeout,
			UserAgent:      fetchCfg.UserAgent,
			MaxAttempts:    fetchCfg.Retry.MaxAttempts,
			InitialBackoff: fetchCfg.Retry.InitialBackoff,
			MaxBackoff:     fetchCfg.Retry.MaxBackoff,
		},
		Classifier: ClassifierConfig{
			MediaPrefixes:    rules.MediaPrefixes,
			APIPrefixes:      rules.APIPrefixes,
			ThumbnailMarkers: rules.ThumbnailMarkers,
			VideoExtensions:  rules.VideoExtensions,
			ImageExtensions:  rules.ImageExtensions,
			StaticExtensions: rules.StaticExtensions,
			ShellPaths:       rules.ShellPaths,
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// Load reads the YAML file at path (skipped when empty) over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MEDIA_CACHE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	size := func(name string, dst *ByteSize) {
		if v, ok := lookup(EnvPrefix + name); ok {
			s, err := ParseByteSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = s
		}
	}

	str("LISTEN", &c.Listen)
	str("ORIGIN", &c.Origin)
	str("STORE", &c.Store)
	str("REDIS_ADDR", &c.Redis.Addr)
	integer("REDIS_DB", &c.Redis.DB)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("STATIC_VERSION", &c.Static.Version)
	if v, ok := lookup(EnvPrefix + "STATIC_MANIFEST"); ok {
		c.Static.Manifest = splitList(v)
	}
	size("MEDIA_BUDGET", &c.Partitions.Media.Budget)
	size("VIDEO_BUDGET", &c.Partitions.Video.Budget)
	size("API_BUDGET", &c.Partitions.API.Budget)
	duration("MAINTENANCE_INTERVAL", &c.MaintenanceInterval)
	size("RANGE_WINDOW", &c.RangeWindow)
	duration("FETCH_TIMEOUT", &c.Fetch.Timeout)
	integer("FETCH_MAX_ATTEMPTS", &c.Fetch.MaxAttempts)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_PRETTY", &c.Log.Pretty)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Store == "" {
		c.Store = def.Store
	}
	c.Store = strings.ToLower(c.Store)
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = def.Redis.Prefix
	}
	if c.Static.Version == "" {
		c.Static.Version = def.Static.Version
	}
	if c.Static.Shell == "" {
		c.Static.Shell = def.Static.Shell
	}
	if c.Static.Concurrency <= 0 {
		c.Static.Concurrency = def.Static.Concurrency
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = def.MaintenanceInterval
	}
	if c.RangeWindow <= 0 {
		c.RangeWindow = def.RangeWindow
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = def.Fetch.Timeout
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = def.Fetch.UserAgent
	}
	if c.Fetch.MaxAttempts <= 0 {
		c.Fetch.MaxAttempts = def.Fetch.MaxAttempts
	}
	if c.Fetch.InitialBackoff <= 0 {
		c.Fetch.InitialBackoff = def.Fetch.InitialBackoff
	}
	if c.Fetch.MaxBackoff <= 0 {
		c.Fetch.MaxBackoff = def.Fetch.MaxBackoff
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	normalizePartition(&c.Partitions.Media, def.Partitions.Media)
	normalizePartition(&c.Partitions.Video, def.Partitions.Video)
	normalizePartition(&c.Partitions.API, def.Partitions.API)
}

func normalizePartition(p *PartitionConfig, def PartitionConfig) {
	if p.Budget <= 0 {
		p.Budget = def.Budget
	}
	if p.Target <= 0 {
		p.Target = def.Target
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin must be an absolute URL, got %q", c.Origin))
	}

	switch c.Store {
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreRedis, StoreMemory, c.Store))
	}

	for name, budget := range c.Budgets() {
		if err := budget.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("partitions.%s: %w", name, err))
		}
	}

	if !strings.HasPrefix(c.Static.Shell, "/") {
		errs = append(errs, fmt.Errorf("static.shell must be an absolute path, got %q", c.Static.Shell))
	}

	if _, err := logging.ParseLevel(logging.LogLevel(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// OriginURL returns the parsed origin.
func (c Config) OriginURL() (*url.URL, error) {
	return url.Parse(c.Origin)
}

// Budgets returns the eviction budget of every bounded partition. Media is
// trimmed by insertion date, video by last access. The api budget is only
// reported; its entries leave through explicit invalidation.
func (c Config) Budgets() map[string]eviction.Budget {
	return map[string]eviction.Budget{
		store.PartitionMedia: {
			MaxBytes:       c.Partitions.Media.Budget.Int64(),
			TargetFraction: c.Partitions.Media.Target,
			Policy:         eviction.PolicyInsertionDate,
		},
		store.PartitionVideo: {
			MaxBytes:       c.Partitions.Video.Budget.Int64(),
			TargetFraction: c.Partitions.Video.Target,
			Policy:         eviction.PolicyLRU,
		},
		store.PartitionAPI: {
			MaxBytes:       c.Partitions.API.Budget.Int64(),
			TargetFraction: c.Partitions.API.Target,
			Policy:         eviction.PolicyNone,
		},
	}
}

// IgnoreQuery returns the query handling per key namespace.
func (c Config) IgnoreQuery() map[string]bool {
	return map[string]bool{
		"static":             c.Static.IgnoreQuery,
		store.PartitionMedia: c.Partitions.Media.IgnoreQuery,
		store.PartitionVideo: c.Partitions.Video.IgnoreQuery,
		store.PartitionAPI:   c.Partitions.API.IgnoreQuery,
	}
}

// Rules returns the classifier rules, falling back to defaults per list.
func (c Config) Rules() classify.Rules {
	rules := classify.DefaultRules()
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&rules.MediaPrefixes, c.Classifier.MediaPrefixes)
	pick(&rules.APIPrefixes, c.Classifier.APIPrefixes)
	pick(&rules.ThumbnailMarkers, c.Classifier.ThumbnailMarkers)
	pick(&rules.VideoExtensions, c.Classifier.VideoExtensions)
	pick(&rules.ImageExtensions, c.Classifier.ImageExtensions)
	pick(&rules.StaticExtensions, c.Classifier.StaticExtensions)
	pick(&rules.ShellPaths, c.Classifier.ShellPaths)
	return rules
}

// FetchConfig returns the origin fetcher configuration.
func (c Config) FetchConfig() fetch.Config {
	cfg := fetch.DefaultConfig()
	cfg.Timeout = c.Fetch.Timeout
	cfg.UserAgent = c.Fetch.UserAgent
	cfg.Retry.MaxAttempts = c.Fetch.MaxAttempts
	cfg.Retry.InitialBackoff = c.Fetch.InitialBackoff
	cfg.Retry.MaxBackoff = c.Fetch.MaxBackoff
	return cfg
}

// LoggingConfig returns the logger configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.Fields = map[string]string{"static_version": c.Static.Version}
	return cfg
}
