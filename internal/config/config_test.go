package config

import (
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, nil)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Defaults()) {
		t.Fatalf("Load() = %+v, want defaults", cfg)
	}
}

func TestEnvironmentThenFlags(t *testing.T) {
	getenv := env(map[string]string{
		"TAGCACHE_ADDR":           ":9000",
		"TAGCACHE_BACKEND":        "memory",
		"TAGCACHE_REDIS_DB":       "3",
		"TAGCACHE_SWEEP_INTERVAL": "5s",
		"TAGCACHE_LOG_LEVEL":      "debug",
	})

	cfg, err := Load([]string{"-addr", ":9100", "-log-format", "json"}, getenv)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("Addr = %q, flag should win", cfg.Addr)
	}
	if cfg.Backend != "memory" || cfg.RedisDB != 3 || cfg.SweepInterval != 5*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("logging = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestServerSettings(t *testing.T) {
	getenv := env(map[string]string{
		"TAGCACHE_CORS_ORIGINS": "https://a.example, https://b.example,",
		"TAGCACHE_READ_TIMEOUT": "3s",
	})

	cfg, err := Load([]string{"-write-timeout", "4s", "-shutdown-timeout", "1s"}, getenv)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("CORSOrigins = %q", cfg.CORSOrigins)
	}
	if cfg.ReadTimeout != 3*time.Second || cfg.WriteTimeout != 4*time.Second || cfg.ShutdownTimeout != time.Second {
		t.Fatalf("timeouts = %s/%s/%s", cfg.ReadTimeout, cfg.WriteTimeout, cfg.ShutdownTimeout)
	}

	cfg, _ = Load([]string{"-cors-origins", "https://c.example"}, getenv)
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"https://c.example"}) {
		t.Fatalf("flag CORSOrigins = %q, flag should win", cfg.CORSOrigins)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := map[string]struct {
		args []string
		env  map[string]string
		want error
	}{
		"unknown backend":      {args: []string{"-backend", "etcd"}, want: ErrUnknownBackend},
		"postgres without dsn": {args: []string{"-backend", "postgres"}, want: ErrMissingDSN},
		"bad redis db env":     {env: map[string]string{"TAGCACHE_REDIS_DB": "x"}},
		"bad log level":        {args: []string{"-log-level", "loud"}},
		"bad log format":       {args: []string{"-log-format", "xml"}},
		"bad sample":           {args: []string{"-trace-sample", "2"}},
		"bad timeout env":      {env: map[string]string{"TAGCACHE_WRITE_TIMEOUT": "soon"}},
		"negative db":          {args: []string{"-redis-db", "-1"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(tt.args, env(tt.env))
			if err == nil {
				t.Fatalf("Load succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPostgresWithDSN(t *testing.T) {
	cfg, err := Load([]string{"-backend", "postgres", "-postgres-dsn", "postgres://localhost/tagcache"}, nil)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.PostgresDSN == "" {
		t.Fatalf("PostgresDSN not set")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
}
