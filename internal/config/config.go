package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults,
// then an optional YAML file, then AIRSTREAM_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Stream    StreamConfig    `yaml:"stream"`
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
	Features  FeaturesConfig  `yaml:"features"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings. WriteTimeout applies to plain
// API calls; streaming and websocket handlers lift it.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
}

// UpstreamConfig points at the agent runtime the proxy relays to.
type UpstreamConfig struct {
	URL     string `yaml:"url"`
	AppName string `yaml:"appName"`
}

// BackoffConfig shapes reconnect delays.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
	MaxRetries int           `yaml:"maxRetries"`
}

// StreamConfig holds client pipeline and proxy streaming settings.
// Endpoint is where the client pipeline streams from; empty means the
// upstream URL directly.
type StreamConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	TurnTimeout   time.Duration `yaml:"turnTimeout"`
	DrainTimeout  time.Duration `yaml:"drainTimeout"`
	KeepAlive     time.Duration `yaml:"keepAlive"`
	SessionIdle   time.Duration `yaml:"sessionIdle"`
	MaxRecordSize int           `yaml:"maxRecordSize"`
	Backoff       BackoffConfig `yaml:"backoff"`
}

// BusConfig sizes the per-session event bus.
type BusConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// StoreConfig sizes the in-memory session event store.
type StoreConfig struct {
	Capacity int `yaml:"capacity"`
}

// FeaturesConfig holds feature toggles. Defaults keep legacy behavior.
type FeaturesConfig struct {
	CanonicalEvents bool `yaml:"canonicalEvents"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN disables the
// durable message store.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"` //nolint:gosec // G117: DB connection config
	MaxConns int    `yaml:"maxConns"`
}

// RedisConfig holds Redis settings. An empty Addr selects the in-process
// broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` //nolint:gosec // G117: Redis connection config
	DB       int    `yaml:"db"`
}

// AuthConfig enables bearer-token verification when JWTSecret is set.
// Tokens are issued elsewhere.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"` //nolint:gosec // G117: JWT verification secret config
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LogConfig selects log level and format ("json" or "text").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when nothing is set. Safe for
// local development only.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"http://localhost:5173"},
		},
		Upstream: UpstreamConfig{
			URL:     "http://localhost:8000/run_sse",
			AppName: "airstream",
		},
		Stream: StreamConfig{
			IdleTimeout:   30 * time.Second,
			TurnTimeout:   300 * time.Second,
			DrainTimeout:  2 * time.Second,
			KeepAlive:     15 * time.Second,
			SessionIdle:   10 * time.Minute,
			MaxRecordSize: 4 << 20,
			Backoff: BackoffConfig{
				Initial:    500 * time.Millisecond,
				Max:        10 * time.Second,
				Multiplier: 2,
				Jitter:     0.2,
				MaxRetries: 3,
			},
		},
		Bus:       BusConfig{QueueSize: 256},
		Store:     StoreConfig{Capacity: 1000},
		Database:  DatabaseConfig{MaxConns: 10},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// AIRSTREAM_CONFIG is consulted, and no file is read if that is unset too.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("AIRSTREAM_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables; each current value is the
// fallback.
func (c *Config) applyEnv() error {
	var err error
	setDuration := func(key string, dst *time.Duration) {
		if err == nil {
			*dst, err = getEnvDuration(key, *dst)
		}
	}
	setInt := func(key string, dst *int) {
		if err == nil {
			*dst, err = getEnvInt(key, *dst)
		}
	}
	setFloat := func(key string, dst *float64) {
		if err == nil {
			*dst, err = getEnvFloat(key, *dst)
		}
	}
	setBool := func(key string, dst *bool) {
		if err == nil {
			*dst, err = getEnvBool(key, *dst)
		}
	}

	c.Server.Addr = getEnv("AIRSTREAM_SERVER_ADDR", c.Server.Addr)
	setDuration("AIRSTREAM_SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	setDuration("AIRSTREAM_SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	setDuration("AIRSTREAM_SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	c.Server.CORSOrigins = getEnvList("AIRSTREAM_CORS_ORIGINS", c.Server.CORSOrigins)

	c.Upstream.URL = getEnv("AIRSTREAM_UPSTREAM_URL", c.Upstream.URL)
	c.Upstream.AppName = getEnv("AIRSTREAM_APP_NAME", c.Upstream.AppName)

	c.Stream.Endpoint = getEnv("AIRSTREAM_STREAM_ENDPOINT", c.Stream.Endpoint)
	setDuration("AIRSTREAM_STREAM_IDLE_TIMEOUT", &c.Stream.IdleTimeout)
	setDuration("AIRSTREAM_STREAM_TURN_TIMEOUT", &c.Stream.TurnTimeout)
	setDuration("AIRSTREAM_STREAM_DRAIN_TIMEOUT", &c.Stream.DrainTimeout)
	setDuration("AIRSTREAM_STREAM_KEEPALIVE", &c.Stream.KeepAlive)
	setDuration("AIRSTREAM_STREAM_SESSION_IDLE", &c.Stream.SessionIdle)
	setInt("AIRSTREAM_STREAM_MAX_RECORD_SIZE", &c.Stream.MaxRecordSize)
	setDuration("AIRSTREAM_BACKOFF_INITIAL", &c.Stream.Backoff.Initial)
	setDuration("AIRSTREAM_BACKOFF_MAX", &c.Stream.Backoff.Max)
	setFloat("AIRSTREAM_BACKOFF_MULTIPLIER", &c.Stream.Backoff.Multiplier)
	setFloat("AIRSTREAM_BACKOFF_JITTER", &c.Stream.Backoff.Jitter)
	setInt("AIRSTREAM_BACKOFF_MAX_RETRIES", &c.Stream.Backoff.MaxRetries)

	setInt("AIRSTREAM_BUS_QUEUE_SIZE", &c.Bus.QueueSize)
	setInt("AIRSTREAM_STORE_CAPACITY", &c.Store.Capacity)
	setBool("AIRSTREAM_FEATURE_CANONICAL_EVENTS", &c.Features.CanonicalEvents)

	c.Database.DSN = getEnv("AIRSTREAM_DATABASE_DSN", c.Database.DSN)
	setInt("AIRSTREAM_DATABASE_MAX_CONNS", &c.Database.MaxConns)

	c.Redis.Addr = getEnv("AIRSTREAM_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("AIRSTREAM_REDIS_PASSWORD", c.Redis.Password)
	setInt("AIRSTREAM_REDIS_DB", &c.Redis.DB)

	c.Auth.JWTSecret = getEnv("AIRSTREAM_JWT_SECRET", c.Auth.JWTSecret)

	setFloat("AIRSTREAM_RATE_LIMIT_RPS", &c.RateLimit.RPS)
	setInt("AIRSTREAM_RATE_LIMIT_BURST", &c.RateLimit.Burst)

	c.Log.Level = getEnv("AIRSTREAM_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("AIRSTREAM_LOG_FORMAT", c.Log.Format)

	return err
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if err := validateURL("upstream.url", c.Upstream.URL); err != nil {
		return err
	}
	if c.Stream.Endpoint != "" {
		if err := validateURL("stream.endpoint", c.Stream.Endpoint); err != nil {
			return err
		}
	}
	if c.Upstream.AppName == "" {
		return errors.New("upstream.appName is required")
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.readTimeout must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.writeTimeout must not be negative, got %s", c.Server.WriteTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdownTimeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	s := c.Stream
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("stream.idleTimeout must be positive, got %s", s.IdleTimeout)
	}
	if s.TurnTimeout <= s.IdleTimeout {
		return fmt.Errorf("stream.turnTimeout (%s) must exceed stream.idleTimeout (%s)", s.TurnTimeout, s.IdleTimeout)
	}
	if s.DrainTimeout < 0 {
		return fmt.Errorf("stream.drainTimeout must not be negative, got %s", s.DrainTimeout)
	}
	// The proxy checks for silence every keepAlive/4, so the widest gap
	// between writes is 1.25 * keepAlive.
	if s.KeepAlive+s.KeepAlive/4 >= s.IdleTimeout {
		return fmt.Errorf("stream.keepAlive (%s) times 1.25 must be shorter than stream.idleTimeout (%s)", s.KeepAlive, s.IdleTimeout)
	}
	if s.SessionIdle < 0 {
		return fmt.Errorf("stream.sessionIdle must not be negative, got %s", s.SessionIdle)
	}
	if s.MaxRecordSize < 1024 {
		return fmt.Errorf("stream.maxRecordSize must be >= 1024, got %d", s.MaxRecordSize)
	}

	b := s.Backoff
	if b.Initial <= 0 || b.Max < b.Initial {
		return fmt.Errorf("stream.backoff needs 0 < initial <= max, got %s/%s", b.Initial, b.Max)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("stream.backoff.multiplier must be >= 1, got %g", b.Multiplier)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return fmt.Errorf("stream.backoff.jitter must be within [0,1], got %g", b.Jitter)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("stream.backoff.maxRetries must be >= 0, got %d", b.MaxRetries)
	}

	if c.Bus.QueueSize < 1 {
		return fmt.Errorf("bus.queueSize must be >= 1, got %d", c.Bus.QueueSize)
	}
	if c.Store.Capacity < 1 {
		return fmt.Errorf("store.capacity must be >= 1, got %d", c.Store.Capacity)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.maxConns must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("AIRSTREAM_JWT_SECRET must be at least 32 characters")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rateLimit needs rps > 0 and burst >= 1, got %g/%d", c.RateLimit.RPS, c.RateLimit.Burst)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	return nil
}

// StreamEndpoint is the URL the client pipeline connects to.
func (c *Config) StreamEndpoint() string {
	if c.Stream.Endpoint != "" {
		return c.Stream.Endpoint
	}
	return c.Upstream.URL
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", field, raw)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
