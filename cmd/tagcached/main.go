// Command tagcached serves a tag-indexed cache over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/adeilh/tagcache/api"
	"github.com/adeilh/tagcache/cache"
	"github.com/adeilh/tagcache/cache/memory"
	"github.com/adeilh/tagcache/cache/redis"
	"github.com/adeilh/tagcache/db/sql/postgres"
	"github.com/adeilh/tagcache/httpx"
	"github.com/adeilh/tagcache/internal/config"
	"github.com/adeilh/tagcache/internal/telemetry"
	"github.com/adeilh/tagcache/tagcache"
)

var version = "dev"

// backend is what every store implementation provides.
type backend interface {
	cache.Client
	cache.Admin
	io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		log.Fatalf("tagcached: %v", err)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	if len(args) > 0 && args[0] == "hash-key" {
		return hashKey(args[1:], stderr)
	}

	cfg, err := config.Load(args, getenv)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:     "tagcached",
		Version:         version,
		MetricsExporter: cfg.MetricsExporter,
		TraceExporter:   cfg.TraceExporter,
		SampleRatio:     cfg.TraceSample,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close", "error", err)
		}
	}()

	engine, err := tagcache.New(store,
		tagcache.WithLogger(logger),
		tagcache.WithMeterProvider(tel.MeterProvider),
		tagcache.WithTracerProvider(tel.TracerProvider),
		tagcache.WithConcurrency(cfg.Concurrency),
	)
	if err != nil {
		return err
	}

	var opts []api.Option
	if cfg.AdminKeyHash != "" {
		opts = append(opts, api.WithAdmin(store, []byte(cfg.AdminKeyHash)))
	}
	handler := api.NewHandler(engine, opts...)

	server := httpx.NewServer(
		httpx.WithAddress(cfg.Addr),
		httpx.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout),
		httpx.WithCORS(cfg.CORSOrigins, api.HeaderWarning),
		httpx.WithLogger(logger),
	)
	server.RegisterRoutes(func(a *httpx.App) {
		handler.Register(a)
		if tel.Metrics != nil {
			a.Mount("/metrics", tel.Metrics)
		}
	})

	logger.Info("tagcached starting",
		"addr", cfg.Addr,
		"backend", cfg.Backend,
		"admin", cfg.AdminKeyHash != "",
		"metrics", cfg.MetricsExporter,
		"version", version,
	)
	if err := server.Start(ctx, httpx.WithShutdownTimeout(cfg.ShutdownTimeout)); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tagcached stopped")
	return nil
}

// hashKey prints the bcrypt hash to pass as -admin-key-hash.
func hashKey(args []string, w io.Writer) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: tagcached hash-key <key>")
	}
	hash, err := httpx.HashAdminKey(args[0], bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(hash))
	return err
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(cfg.SweepInterval), nil
	case "postgres":
		store, err := postgres.Connect(ctx, postgres.WithDSN(cfg.PostgresDSN))
		if err != nil {
			return nil, err
		}
		go purgeLoop(ctx, store, cfg.SweepInterval, logger)
		return store, nil
	case "redis":
		store := redis.NewStore(redis.Options{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
}

// purgeLoop drops expired postgres rows until ctx is done.
func purgeLoop(ctx context.Context, store *postgres.Store, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				logger.Warn("postgres purge", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("postgres purge", "removed", n)
			}
		}
	}
}
