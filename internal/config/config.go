package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tokenrelay-gateway/internal/sse"
)

// Config holds all gateway configuration.
type Config struct {
	Port        string            `yaml:"port"`
	Region      string            `yaml:"region"`
	Log         LogConfig         `yaml:"log"`
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Cache       CacheConfig       `yaml:"cache"`
	Subscriber  SubscriberConfig  `yaml:"subscriber"`
	Stream      StreamConfig      `yaml:"stream"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Store       StoreConfig       `yaml:"store"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
}

type LogConfig struct {
	Env   string `yaml:"env"`
	Level string `yaml:"level"`
}

type ServerConfig struct {
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	ModelsTimeout time.Duration `yaml:"models_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// UpstreamConfig describes the generation backend.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	ChatPath       string        `yaml:"chat_path"`
	CompletionPath string        `yaml:"completion_path"`
	ModelsPath     string        `yaml:"models_path"`
	APIKey         string        `yaml:"api_key"`
	Streaming      bool          `yaml:"streaming"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
}

// CacheConfig controls the coalescing cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type SubscriberConfig struct {
	WaitBound time.Duration `yaml:"wait_bound"`
}

type StreamConfig struct {
	Format string `yaml:"format"` // legacy | current
}

// PacingConfig tunes delivery of answers that were complete before the first write.
type PacingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HeadFraction   float64       `yaml:"head_fraction"`
	HeadExtra      int           `yaml:"head_extra"`
	TargetRatio    float64       `yaml:"target_ratio"`
	Offset         int           `yaml:"offset"`
	FloorWait      time.Duration `yaml:"floor_wait"`
	Multiplier     float64       `yaml:"multiplier"`
	SmallThreshold int           `yaml:"small_threshold"`
	SmallFloor     time.Duration `yaml:"small_floor"`
}

// StoreConfig selects where the models catalog is kept.
type StoreConfig struct {
	Backend   string        `yaml:"backend"` // memory | redis
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type FingerprintConfig struct {
	ChatPrefixLen    int    `yaml:"chat_prefix_len"`
	CompletionMarker string `yaml:"completion_marker"`
}

// Default returns a Config with the values the gateway was tuned with.
func Default() *Config {
	return &Config{
		Port: "8000",
		Log:  LogConfig{Level: "info"},
		Server: ServerConfig{
			MaxBodyBytes:  2 * 1024 * 1024,
			ModelsTimeout: 15 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://127.0.0.1:8000",
			ChatPath:       "/v2/chat/completions",
			CompletionPath: "/v2/completions",
			ModelsPath:     "/models",
			Streaming:      true,
			Timeout:        5 * time.Minute,
			ConnectTimeout: 30 * time.Second,
			MaxRetries:     2,
			BaseBackoff:    100 * time.Millisecond,
		},
		Cache:      CacheConfig{TTL: 60 * time.Second},
		Subscriber: SubscriberConfig{WaitBound: 10 * time.Second},
		Stream:     StreamConfig{Format: string(sse.FormatLegacy)},
		Pacing: PacingConfig{
			Enabled:        true,
			HeadFraction:   0.05,
			HeadExtra:      3,
			TargetRatio:    0.25,
			Offset:         100,
			FloorWait:      10 * time.Millisecond,
			Multiplier:     2,
			SmallThreshold: 300,
			SmallFloor:     500 * time.Millisecond,
		},
		Store: StoreConfig{
			Backend:   "memory",
			RedisAddr: "127.0.0.1:6379",
			Prefix:    "tokenrelay",
			TTL:       5 * time.Minute,
		},
		Fingerprint: FingerprintConfig{
			ChatPrefixLen:    14,
			CompletionMarker: "Search query: ",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with the process environment.
func (c *Config) ApplyEnv() {
	c.Port = getenv("PORT", c.Port)
	c.Region = getenv("REGION", c.Region)
	c.Log.Env = getenv("ENV", c.Log.Env)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)

	// SERVER is the bare backend host, served on the gateway's own port.
	if host := os.Getenv("SERVER"); host != "" {
		c.Upstream.BaseURL = "http://" + host + ":8000"
	}
	c.Upstream.BaseURL = getenv("UPSTREAM_BASE_URL", c.Upstream.BaseURL)
	c.Upstream.APIKey = getenv("UPSTREAM_API_KEY", c.Upstream.APIKey)
	c.Upstream.Streaming = getbool("UPSTREAM_STREAMING", c.Upstream.Streaming)

	c.Cache.TTL = getduration("CACHE_TTL", c.Cache.TTL)
	c.Subscriber.WaitBound = getduration("SUBSCRIBER_WAIT_BOUND", c.Subscriber.WaitBound)
	c.Stream.Format = getenv("STREAM_FORMAT", c.Stream.Format)
	c.Pacing.Enabled = getbool("PACING_ENABLED", c.Pacing.Enabled)

	c.Store.Backend = getenv("STORE_BACKEND", c.Store.Backend)
	c.Store.RedisAddr = getenv("REDIS_ADDR", c.Store.RedisAddr)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("upstream.base_url %q must start with http:// or https://", c.Upstream.BaseURL))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Subscriber.WaitBound < 0 {
		errs = append(errs, errors.New("subscriber.wait_bound must not be negative"))
	}
	if _, err := sse.ParseFormat(c.Stream.Format); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be memory or redis", c.Store.Backend))
	}
	if c.Fingerprint.ChatPrefixLen < 0 {
		errs = append(errs, errors.New("fingerprint.chat_prefix_len must not be negative"))
	}
	if c.Fingerprint.CompletionMarker == "" {
		errs = append(errs, errors.New("fingerprint.completion_marker is required"))
	}
	if c.Pacing.Enabled && (c.Pacing.HeadFraction < 0 || c.Pacing.HeadFraction > 1) {
		errs = append(errs, errors.New("pacing.head_fraction must be within [0, 1]"))
	}

	return errors.Join(errs...)
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
