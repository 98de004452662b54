// Package config loads tagcached settings from TAGCACHE_* environment
// variables, overridden by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "TAGCACHE_"

var (
	ErrUnknownBackend = errors.New("config: unknown backend")
	ErrMissingDSN     = errors.New("config: postgres backend requires a DSN")
)

type Config struct {
	Addr    string
	Backend string // redis, postgres or memory

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	PostgresDSN string

	SweepInterval time.Duration

	AdminKeyHash string

	Concurrency int

	LogLevel  string
	LogFormat string // text or json

	MetricsExporter string // prometheus, stdout, otlp or none
	TraceExporter   string // stdout, otlp or none
	TraceSample     float64
}

func Defaults() Config {
	return Config{
		Addr:            ":8080",
		Backend:         "redis",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RedisAddr:       "127.0.0.1:6379",
		SweepInterval:   time.Minute,
		Concurrency:     8,
		LogLevel:        "info",
		LogFormat:       "text",
		MetricsExporter: "prometheus",
		TraceExporter:   "none",
		TraceSample:     1,
	}
}

// Load applies the environment on top of Defaults and then parses args.
// getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Defaults()
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if err := cfg.fromEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("tagcached", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "store backend: redis, postgres or memory")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "HTTP request read timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "HTTP response write timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for in-flight requests on shutdown")
	fs.Func("cors-origins", "comma separated origins allowed to call the API from a browser", func(v string) error {
		cfg.CORSOrigins = splitList(v)
		return nil
	})
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database index")
	fs.StringVar(&cfg.KeyPrefix, "key-prefix", cfg.KeyPrefix, "prefix added to every Redis key")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL DSN")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "expired key sweep interval for the memory and postgres backends")
	fs.StringVar(&cfg.AdminKeyHash, "admin-key-hash", cfg.AdminKeyHash, "bcrypt hash of the admin key; empty disables admin routes")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "parallel tag reads per request")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.StringVar(&cfg.MetricsExporter, "metrics-exporter", cfg.MetricsExporter, "prometheus, stdout, otlp or none")
	fs.StringVar(&cfg.TraceExporter, "trace-exporter", cfg.TraceExporter, "stdout, otlp or none")
	fs.Float64Var(&cfg.TraceSample, "trace-sample", cfg.TraceSample, "trace sampling ratio between 0 and 1")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) fromEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("BACKEND", &c.Backend)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("KEY_PREFIX", &c.KeyPrefix)
	str("POSTGRES_DSN", &c.PostgresDSN)
	str("ADMIN_KEY_HASH", &c.AdminKeyHash)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("METRICS_EXPORTER", &c.MetricsExporter)
	str("TRACE_EXPORTER", &c.TraceExporter)

	if v := getenv(envPrefix + "REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sREDIS_DB: %w", envPrefix, err)
		}
		c.RedisDB = n
	}
	if v := getenv(envPrefix + "CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sCONCURRENCY: %w", envPrefix, err)
		}
		c.Concurrency = n
	}
	if v := getenv(envPrefix + "CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SWEEP_INTERVAL", &c.SweepInterval},
		{"READ_TIMEOUT", &c.ReadTimeout},
		{"WRITE_TIMEOUT", &c.WriteTimeout},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, d := range durations {
		v := getenv(envPrefix + d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, d.name, err)
		}
		*d.dst = parsed
	}
	if v := getenv(envPrefix + "TRACE_SAMPLE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %sTRACE_SAMPLE: %w", envPrefix, err)
		}
		c.TraceSample = f
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case "redis", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("config: redis db must be >= 0, got %d", c.RedisDB)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		return fmt.Errorf("config: trace sample must be between 0 and 1, got %g", c.TraceSample)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}
