package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/akupila/raindrops/internal/config"
	"github.com/akupila/raindrops/internal/expr"
	"github.com/akupila/raindrops/internal/logging"
	"github.com/akupila/raindrops/internal/metrics"
	"github.com/akupila/raindrops/internal/runtime"
	"github.com/akupila/raindrops/internal/runtime/cache"
	"github.com/akupila/raindrops/internal/runtime/dispatch"
	"github.com/akupila/raindrops/internal/runtime/weather"
	"github.com/akupila/raindrops/internal/server"
	"github.com/akupila/raindrops/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type formulaWatcher interface {
	Stop()
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newTCPServer = func(cfg config.Config, logger *slog.Logger, handler server.ConnHandler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
	newAdminServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.NewAdmin(cfg, logger, handler)
	}
	watchFormula = func(ctx context.Context, path string, onChange func(string), onError func(error)) (formulaWatcher, error) {
		return config.WatchFormula(ctx, path, onChange, onError)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "RAINDROPS", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration adjusted", slog.String("warning", warning))
	}

	formula := cfg.Weather.Formula
	if path := strings.TrimSpace(cfg.Weather.FormulaFile); path != "" {
		formula, err = config.ReadFormula(path)
		if err != nil {
			return fmt.Errorf("load formula: %w", err)
		}
	}
	scorer, err := expr.Compile(formula)
	if err != nil {
		return fmt.Errorf("compile formula: %w", err)
	}
	liveScorer := expr.NewLive(scorer)

	urlTemplate, err := templates.NewRenderer().Compile("upstream_url", cfg.Weather.URLTemplate)
	if err != nil {
		return fmt.Errorf("compile url template: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := buildEntryStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	upstream := weather.NewUpstream(nil, cfg.Weather.RequestTimeout())
	requests, err := cache.NewRequestCache(cache.Options{
		Store:   store,
		Fetch:   upstream.Fetch,
		Logger:  logger,
		Metrics: metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("build request cache: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := requests.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	reload, err := weather.NewProcessor(weather.Options{
		Fetcher: requests,
		Scorer:  liveScorer,
		URL:     urlTemplate,
		Data: weather.URLData{
			BaseURL:  strings.TrimRight(cfg.Weather.BaseURL, "/"),
			APIKey:   cfg.Weather.APIKey,
			Location: cfg.Weather.Location,
			AutoIP:   cfg.Weather.AutoIP,
		},
		TTL:    cfg.Weather.TTL(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build weather processor: %w", err)
	}
	registry := dispatch.NewRegistry(logger, metricsRecorder, reload)

	if path := strings.TrimSpace(cfg.Weather.FormulaFile); path != "" {
		watcher, err := watchFormula(ctx, path, func(next string) {
			compiled, err := expr.Compile(next)
			if err != nil {
				logger.Error("formula reload rejected, keeping previous", slog.Any("error", err))
				return
			}
			liveScorer.Swap(compiled)
			logger.Info("formula reloaded", slog.String("formula", compiled.Source()))
		}, func(err error) {
			if err != nil {
				logger.Error("formula watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("formula watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	hub, err := runtime.NewHub(runtime.HubOptions{
		Registry:     registry,
		Logger:       logger,
		Metrics:      metricsRecorder,
		Cache:        requests,
		IdleTimeout:  cfg.Server.IdleDuration(),
		WriteTimeout: cfg.Server.WriteDuration(),
		MaxLineBytes: cfg.Server.MaxLineBytes,
	})
	if err != nil {
		return fmt.Errorf("build hub: %w", err)
	}
	defer hub.Close()

	tcp, err := newTCPServer(cfg, logger, hub)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return fmt.Errorf("construct server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return tcp.Run(groupCtx) })

	if cfg.Server.Admin.Enabled {
		admin, err := newAdminServer(cfg, logger, server.NewAdminHandler(hub, metricsRecorder.Handler()))
		if err != nil {
			return fmt.Errorf("construct admin server: %w", err)
		}
		group.Go(func() error { return admin.Run(groupCtx) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildEntryStore(logger *slog.Logger, cfg config.CacheConfig) cache.EntryStore {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory request cache")
		}
		return cache.NewMemory()
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Retention: cfg.Redis.RetentionDuration(),
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis request cache", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
