package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/pacifier/internal/api"
	"github.com/opensource-finance/pacifier/internal/banmemory"
	"github.com/opensource-finance/pacifier/internal/botverify"
	"github.com/opensource-finance/pacifier/internal/broadcast"
	"github.com/opensource-finance/pacifier/internal/bus"
	"github.com/opensource-finance/pacifier/internal/cache"
	"github.com/opensource-finance/pacifier/internal/cluster"
	"github.com/opensource-finance/pacifier/internal/cycle"
	"github.com/opensource-finance/pacifier/internal/domain"
	"github.com/opensource-finance/pacifier/internal/journal"
	"github.com/opensource-finance/pacifier/internal/rules"
	"github.com/opensource-finance/pacifier/internal/source"
	"github.com/opensource-finance/pacifier/internal/whois"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// The level is switched at runtime by SIGUSR1
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting pacifier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg, err := domain.LoadConfig(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Logging.Debug {
		level.Set(slog.LevelDebug)
	}

	slog.Info("configuration loaded",
		"source", cfg.Source.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"hosts", cfg.Ban.Hosts,
		"interval", cfg.Detection.CheckInterval.String(),
		"min_score", cfg.Detection.MinScore,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				toggleDebug(&level)
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			return
		}
	}()

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Event Source
	src, err := source.New(cfg.Source)
	if err != nil {
		slog.Error("failed to initialize event source", "error", err)
		os.Exit(1)
	}
	defer src.Close()
	slog.Info("event source initialized", "driver", cfg.Source.Driver)

	// Initialize Rule Engine
	registry := whois.NewClient(cfg.Whois.Addr, cfg.Whois.Timeout)
	verifier := botverify.NewVerifier(nil,
		botverify.WithCache(cacheImpl, cfg.Cache.LookupTTL),
		botverify.WithTimeout(cfg.Detection.LookupTimeout),
	)
	engine, err := rules.NewDefaultEngine(rules.Options{
		MaxWorkers:   cfg.Detection.MaxWorkers,
		MinPrefixLen: cfg.Detection.MinNetworkPrefix,
		Clusterer:    cluster.New(registry, cacheImpl, cfg.Cache.LookupTTL),
		Verifier:     verifier,
	})
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "checks_count", engine.ChecksCount())

	memory := banmemory.New(banmemory.Policy{
		Multiplier:  cfg.Ban.Multiplier,
		TTL:         cfg.Ban.MemoryTTL,
		MaxDuration: cfg.Ban.MaxDuration,
	})
	broadcaster := broadcast.New(cfg.Ban.URLTemplate, cfg.Ban.RequestTimeout, nil)

	driver := cycle.NewDriver(cfg, src, engine, memory, broadcaster, busImpl)

	// Journal keeps recent bus traffic for the status API
	events := journal.New(busImpl, 0)
	if err := events.Start(domain.TopicBan, domain.TopicCycle, domain.TopicVerdict); err != nil {
		slog.Error("failed to start journal", "error", err)
		os.Exit(1)
	}

	var srv *api.Server
	if cfg.Server.Enabled {
		srv = api.NewServer(cfg.Server, api.Deps{
			Cache:   cacheImpl,
			Bus:     busImpl,
			Bans:    memory,
			Reports: driver,
			Checks:  engine,
			Journal: events,
		}, Version)

		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server failed", "error", err)
				cancel()
			}
		}()
		slog.Info("status api listening",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
		)
	}

	// Run blocks until the context is cancelled and the current cycle ends
	if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("cycle driver stopped", "error", err)
	}
	slog.Info("shutting down...")

	if err := events.Stop(); err != nil {
		slog.Error("failed to stop journal", "error", err)
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}

	slog.Info("pacifier shutdown complete")
}

func toggleDebug(level *slog.LevelVar) {
	if level.Level() == slog.LevelDebug {
		level.Set(slog.LevelInfo)
	} else {
		level.Set(slog.LevelDebug)
	}
	slog.Info("log level changed", "level", level.Level().String())
}
