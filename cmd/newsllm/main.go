// Package main is the entry point for the newsllm completion gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/howard-nolan/newsllm/internal/config"
	"github.com/howard-nolan/newsllm/internal/dispatch"
	"github.com/howard-nolan/newsllm/internal/ledger"
	"github.com/howard-nolan/newsllm/internal/logging"
	"github.com/howard-nolan/newsllm/internal/metrics"
	"github.com/howard-nolan/newsllm/internal/prompt"
	"github.com/howard-nolan/newsllm/internal/provider"
	"github.com/howard-nolan/newsllm/internal/registry"
	"github.com/howard-nolan/newsllm/internal/server"
	"github.com/howard-nolan/newsllm/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file (empty for env only)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "newsllm: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx, "ledger", ledger.Migrations()); err != nil {
		return err
	}

	reg, closeReg, err := openRegistry(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	seeded, err := registry.Seed(ctx, reg, seedsFrom(cfg.Providers))
	if err != nil {
		return err
	}
	if seeded > 0 {
		logger.Info("seeded providers from config", zap.Int("count", seeded))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	led := ledger.New(db.SQL(), cfg.Ledger.CostPerToken)
	if sr, ok := reg.(*registry.SQLite); ok {
		led.CountWith(sr)
	}
	adapters := provider.NewAdapters(
		&http.Client{Timeout: cfg.HTTP.Timeout},
		provider.Attribution{Referer: cfg.HTTP.Referer, Title: cfg.HTTP.Title},
	)
	d := dispatch.New(reg, led, adapters, m, logger.Named("dispatch"))
	templates := prompt.New(d, prompt.Options{
		MaxWords:         cfg.Prompt.MaxWords,
		LongFormMaxWords: cfg.Prompt.LongFormMaxWords,
	}, logger.Named("prompt"))

	srv := server.New(cfg, server.Deps{
		Dispatcher: d,
		Templates:  templates,
		Registry:   reg,
		Usage:      led,
		Metrics:    m,
		Gatherer:   promReg,
		Logger:     logger.Named("http"),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("newsllm listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("registry", cfg.Registry.Driver),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openRegistry builds the configured registry backend. The returned func
// releases any connection it opened.
func openRegistry(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("provider registry on redis", zap.String("addr", cfg.Redis.Addr))
		return registry.NewRedis(rdb, cfg.Redis.Prefix), func() { rdb.Close() }, nil
	default:
		if err := db.Migrate(ctx, "registry", registry.Migrations()); err != nil {
			return nil, nil, err
		}
		return registry.NewSQLite(db.SQL()), func() {}, nil
	}
}

// seedsFrom converts config entries into registry input. Config.Validate has
// already rejected unknown kinds.
func seedsFrom(providers []config.ProviderConfig) []registry.NewProvider {
	seeds := make([]registry.NewProvider, 0, len(providers))
	for _, p := range providers {
		kind, _ := provider.ParseKind(p.Kind)
		seeds = append(seeds, registry.NewProvider{
			Name:         p.Name,
			Kind:         kind,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			Model:        p.Model,
			Priority:     p.Priority,
			MonthlyLimit: p.MonthlyLimit,
			Active:       p.IsActive(),
		})
	}
	return seeds
}
