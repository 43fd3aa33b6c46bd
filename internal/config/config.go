// Package config loads relay configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates the per-component configuration sections.
type Config struct {
	Upstream UpstreamConfig
	Cache    CacheConfig
	Hub      HubConfig
	Bridge   BridgeConfig
	Health   HealthConfig
	Log      LogConfig

	// StrictBestLap drops merged best laps that are slower than the held
	// value instead of overwriting on presence.
	StrictBestLap bool `env:"STRICT_BEST_LAP" envDefault:"false"`
}

// UpstreamConfig controls the hub-protocol client.
type UpstreamConfig struct {
	URL               string        `env:"UPSTREAM_URL" envDefault:"https://livetiming.formula1.com/signalr"`
	HubName           string        `env:"UPSTREAM_HUB" envDefault:"Streaming"`
	ReconnectBase     time.Duration `env:"UPSTREAM_RECONNECT_BASE" envDefault:"1s"`
	MaxAttempts       int           `env:"UPSTREAM_MAX_ATTEMPTS" envDefault:"10"`
	ConnectTimeout    time.Duration `env:"UPSTREAM_CONNECT_TIMEOUT" envDefault:"10s"`
	KeepAliveOverride time.Duration `env:"UPSTREAM_KEEPALIVE" envDefault:"0"`
	FrameBudget       int           `env:"UPSTREAM_FRAME_BUDGET" envDefault:"500"`
}

// CacheConfig controls the two-tier cache.
type CacheConfig struct {
	RedisAddrs     []string      `env:"REDIS_ADDRS" envSeparator:","`
	RedisCluster   bool          `env:"REDIS_CLUSTER" envDefault:"false"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	Prefix         string        `env:"CACHE_PREFIX" envDefault:"f1:"`
	L1Size         int           `env:"CACHE_L1_SIZE" envDefault:"4096"`
	CompressAlgo   string        `env:"CACHE_COMPRESS_ALGO" envDefault:"lz4"`
	CompressMin    int           `env:"CACHE_COMPRESS_MIN" envDefault:"1024"`
	HealthInterval time.Duration `env:"CACHE_HEALTH_INTERVAL" envDefault:"15s"`
	FallbackMemory bool          `env:"CACHE_FALLBACK_MEMORY" envDefault:"true"`
	BackSync       bool          `env:"CACHE_BACKSYNC" envDefault:"false"`

	// Per-tag TTL overrides; zero means use the built-in default.
	TTLSession  time.Duration `env:"CACHE_TTL_SESSION" envDefault:"0"`
	TTLDrivers  time.Duration `env:"CACHE_TTL_DRIVERS" envDefault:"0"`
	TTLTiming   time.Duration `env:"CACHE_TTL_TIMING" envDefault:"0"`
	TTLWeather  time.Duration `env:"CACHE_TTL_WEATHER" envDefault:"0"`
	TTLTrack    time.Duration `env:"CACHE_TTL_TRACK" envDefault:"0"`
	TTLPosition time.Duration `env:"CACHE_TTL_POSITION" envDefault:"0"`
}

// HubConfig controls the push-socket hub.
type HubConfig struct {
	Addr              string        `env:"HUB_ADDR" envDefault:":3002"`
	HeartbeatInterval time.Duration `env:"HUB_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MaxConnsPerIP     int           `env:"HUB_MAX_CONNS_PER_IP" envDefault:"10"`
	MaxEventsPerMin   int           `env:"HUB_MAX_EVENTS_PER_MIN" envDefault:"120"`
	AllowedOrigins    []string      `env:"HUB_ALLOWED_ORIGINS" envSeparator:","`
	Production        bool          `env:"HUB_PRODUCTION" envDefault:"false"`
	ThrottleInterval  time.Duration `env:"HUB_THROTTLE_INTERVAL" envDefault:"200ms"`
}

// BridgeConfig controls the optional NATS mirror.
type BridgeConfig struct {
	NATSUrl       string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"f1.feed."`
}

// HealthConfig controls the health/metrics listener.
type HealthConfig struct {
	Addr string `env:"HEALTH_ADDR" envDefault:":9090"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be >= 1, got %d", c.Upstream.MaxAttempts)
	}
	if c.Upstream.ReconnectBase <= 0 {
		return fmt.Errorf("UPSTREAM_RECONNECT_BASE must be positive")
	}
	switch c.Cache.CompressAlgo {
	case "lz4", "gzip":
	default:
		return fmt.Errorf("CACHE_COMPRESS_ALGO must be lz4 or gzip, got %q", c.Cache.CompressAlgo)
	}
	if c.Hub.MaxConnsPerIP < 1 {
		return fmt.Errorf("HUB_MAX_CONNS_PER_IP must be >= 1, got %d", c.Hub.MaxConnsPerIP)
	}
	return nil
}
