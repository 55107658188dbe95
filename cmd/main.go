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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/bankbridge/internal/config"
	"github.com/l0p7/bankbridge/internal/logging"
	"github.com/l0p7/bankbridge/internal/metrics"
	"github.com/l0p7/bankbridge/internal/runtime"
	"github.com/l0p7/bankbridge/internal/runtime/bridge"
	"github.com/l0p7/bankbridge/internal/runtime/cache"
	"github.com/l0p7/bankbridge/internal/runtime/health"
	"github.com/l0p7/bankbridge/internal/runtime/registry"
	"github.com/l0p7/bankbridge/internal/runtime/resilience"
	"github.com/l0p7/bankbridge/internal/runtime/validator"
	"github.com/l0p7/bankbridge/internal/server"
	"github.com/l0p7/bankbridge/internal/templates"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return config.NewLoader(envPrefix, file)
	}
	newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(listen, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
	newWorker = func(cfg config.WorkerConfig, logger *slog.Logger, recorder *metrics.Recorder) runtime.Worker {
		return bridge.New(bridge.Options{
			Launcher: bridge.CommandLauncher{
				Command: cfg.Command,
				Args:    cfg.Args,
				Dir:     cfg.Dir,
				Env:     cfg.Env,
			},
			ReadyTimeout: config.Millis(cfg.ReadyTimeoutMs),
			CallTimeout:  config.Millis(cfg.CallTimeoutMs),
			PingTimeout:  config.Millis(cfg.PingTimeoutMs),
			Logger:       logger,
			Metrics:      recorder,
		})
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "BANKBRIDGE", "environment variable prefix")
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

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	worker := newWorker(cfg.Worker, logger, recorder)
	manager := resilience.NewManager(resilience.Options{
		Retry: resilience.RetryPolicy{
			MaxAttempts:    cfg.Resilience.MaxAttempts,
			BaseDelay:      config.Millis(cfg.Resilience.BaseDelayMs),
			MaxDelay:       config.Millis(cfg.Resilience.MaxDelayMs),
			Multiplier:     cfg.Resilience.BackoffMultiplier,
			RetryableKinds: resilience.DefaultRetryPolicy().RetryableKinds,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold:  cfg.Resilience.FailureThreshold,
			ResetTimeout:      config.Millis(cfg.Resilience.ResetTimeoutMs),
			HalfOpenSuccesses: resilience.DefaultBreakerConfig().HalfOpenSuccesses,
		},
		Logger:  logger,
		Metrics: recorder,
	})

	banks := validator.New(validator.Config{
		Layout: validator.Layout{
			Dir:         cfg.Banks.Dir,
			PrimaryExt:  cfg.Banks.PrimaryExt,
			IndexExt:    cfg.Banks.IndexExt,
			MetadataExt: cfg.Banks.MetadataExt,
		},
		CacheTTL:        time.Duration(cfg.Banks.ValidationCacheSecs) * time.Second,
		MinPrimaryBytes: cfg.Banks.MinPrimaryBytes,
		Logger:          logger,
		Metrics:         recorder,
	})

	bankRegistry, err := registry.Open(cfg.Banks.RegistryFile, registry.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	searchCache := buildSearchCache(logger.With(slog.String("agent", "cache_factory")), cfg.Cache, recorder)

	var monitor *health.Monitor
	if cfg.Health.Enabled {
		monitor = health.NewMonitor(health.Config{
			Interval:               config.Millis(cfg.Health.CheckIntervalMs),
			BridgeTimeout:          config.Millis(cfg.Health.BridgeTimeoutMs),
			MemoryThresholdPercent: cfg.Health.MemoryThresholdPercent,
			DiskThresholdPercent:   cfg.Health.DiskThresholdPercent,
			DiskPath:               cfg.Banks.Dir,
			Logger:                 logger,
			Metrics:                recorder,
		}, worker, banks, nil)
	}

	svc, err := runtime.NewService(logger, runtime.ServiceOptions{
		Worker:          worker,
		Resilience:      manager,
		Validator:       banks,
		Registry:        bankRegistry,
		Cache:           searchCache,
		Monitor:         monitor,
		Search:          cfg.Search,
		Encoding:        cfg.Worker,
		TemplateSandbox: buildTemplateSandbox(logger, cfg.Search.TemplatesFolder),
	})
	if err != nil {
		_ = searchCache.Close(context.Background())
		return fmt.Errorf("build service: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			logger.Error("service shutdown failed", slog.Any("error", err))
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	if cfg.Banks.Watch {
		watcher, err := banks.Watch(ctx, func(names []string) {
			svc.InvalidateBanks(ctx, names...)
		}, func(err error) {
			logger.Error("bank watcher error", slog.Any("error", err))
		}, filepath.Base(cfg.Banks.RegistryFile))
		if err != nil {
			logger.Error("bank watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(svc, server.HandlerOptions{
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           recorder.Handler(),
	})
	srv, err := newHTTPServer(cfg.Server.Listen, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildTemplateSandbox(logger *slog.Logger, folder string) *templates.Sandbox {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return nil
	}
	sandbox, err := templates.NewSandbox(folder)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		return nil
	}
	return sandbox
}

func buildSearchCache(logger *slog.Logger, cfg config.CacheConfig, recorder *metrics.Recorder) cache.SearchCache {
	opts := cache.Options{
		MaxSize: cfg.MaxSize,
		TTL:     time.Duration(cfg.TTLMinutes) * time.Minute,
		Logger:  logger,
		Metrics: recorder,
	}
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory search cache", slog.Int("max_size", cfg.MaxSize))
		return cache.NewMemory(opts)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}, opts)
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(opts)
		}
		logger.Info("using redis search cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(opts)
	}
}
