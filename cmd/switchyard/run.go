package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/eugener/switchyard/internal/auth"
	"github.com/eugener/switchyard/internal/cache"
	"github.com/eugener/switchyard/internal/circuit"
	"github.com/eugener/switchyard/internal/config"
	"github.com/eugener/switchyard/internal/counter"
	"github.com/eugener/switchyard/internal/forward"
	"github.com/eugener/switchyard/internal/metering"
	"github.com/eugener/switchyard/internal/pricing"
	"github.com/eugener/switchyard/internal/quota"
	"github.com/eugener/switchyard/internal/selector"
	"github.com/eugener/switchyard/internal/server"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/storage/sqlite"
	"github.com/eugener/switchyard/internal/telemetry"
	"github.com/eugener/switchyard/internal/upstreamauth"
	"github.com/eugener/switchyard/internal/worker"
)

const instructionsCacheSize = 10_000

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("starting switchyard", "version", versionString(), "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	minter, err := auth.NewMinter(cfg.Auth.HashSecret)
	if err != nil {
		return err
	}

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, minter); err != nil {
		return err
	}

	// Shared state: redis when configured, in-process otherwise. The
	// in-process stores implement the same interfaces but only give a
	// coherent view inside a single instance.
	var (
		counters  counter.Store
		states    circuit.Store
		tracker   session.Tracker
		sweepable *session.MemoryTracker
		rdb       *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		counters = counter.NewRedis(rdb, cfg.Redis.Prefix)
		states = circuit.NewRedisStore(rdb, cfg.Redis.Prefix)
		tracker = session.NewRedisTracker(rdb, cfg.Redis.Prefix)
		slog.Info("shared state on redis", "addr", cfg.Redis.Addr)
	} else {
		counters = counter.NewMemory()
		states = circuit.NewMemoryStore()
		mt := session.NewMemoryTracker()
		tracker = mt
		sweepable = mt
		slog.Warn("redis not configured, shared state is in-process only")
	}

	// Telemetry
	var (
		metrics  *telemetry.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Error("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Circuit breaker over the shared store, with a short memo so hot-path
	// state reads do not hammer redis.
	breaker, err := circuit.New(states, circuit.DefaultConfig(), time.Second, func(id string, from, to circuit.State) {
		slog.Info("circuit transition", "provider", id, "from", from.String(), "to", to.String())
		if metrics != nil {
			metrics.CircuitTransitions.WithLabelValues(id, to.String()).Inc()
		}
	})
	if err != nil {
		return err
	}

	// Quota guard and provider gate
	loc := time.UTC
	if cfg.Quota.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Quota.Timezone)
		if err != nil {
			return fmt.Errorf("load quota timezone: %w", err)
		}
	}
	quotaCfg := quota.Config{
		EstimatedCostUSD: cfg.Quota.EstimatedCostUSD,
		Timezone:         loc,
	}
	guard := quota.New(counters, store, store, quotaCfg)
	gate := quota.NewProviderGate(counters, store, quotaCfg)

	keyAuth, err := auth.New(store, cfg.Auth.HashSecret)
	if err != nil {
		return err
	}

	// Provider catalog, selection and forwarding
	catalog := cache.NewCatalog(store, cfg.Catalog.TTL)
	sel := selector.New(catalog, breaker, gate, logger)

	resolver := &dnscache.Resolver{}
	transports := forward.NewTransports(resolver)
	creds := upstreamauth.New(cfg.Forward.OAuth.TokenURL, cfg.Forward.OAuth.ClientID)
	instr, err := cache.NewMemory(instructionsCacheSize, cfg.Forward.InstructionsTTL)
	if err != nil {
		return err
	}
	fwd := forward.New(sel, breaker, catalog, transports, creds, instr, forward.Config{
		MaxProviderSwitches:    cfg.Forward.MaxProviderSwitches,
		MaxAttemptsPerProvider: cfg.Forward.MaxAttemptsPerProvider,
		SystemRetryDelay:       cfg.Forward.SystemRetryDelay,
		BodyTimeout:            cfg.Forward.BodyTimeout,
		InstructionsTTL:        cfg.Forward.InstructionsTTL,
		CountNetworkErrors:     cfg.Forward.CountNetworkErrors,
	}, logger)

	// Pricing and metering
	prices, err := pricing.NewTable(store)
	if err != nil {
		return err
	}
	tasks := session.NewManager(logger)
	meter := metering.New(guard, gate, prices, store, tracker, tasks, metering.Config{
		SessionTTL:    cfg.Sessions.TTL,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		SettleTimeout: cfg.Sessions.SettleTimeout,
		Metrics:       metrics,
	}, logger)

	// Readiness covers every backend a request touches.
	readyCheck := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}

	handler := server.New(server.Deps{
		Auth:         keyAuth,
		Guard:        guard,
		Forwarder:    fwd,
		Metering:     meter,
		Tracker:      tracker,
		Breaker:      breaker,
		Providers:    store,
		ReadyCheck:   readyCheck,
		Metrics:      metrics,
		Gatherer:     gatherer,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	// Background workers
	workers := []worker.Worker{
		worker.NewCatalogRefresher(catalog, cfg.Catalog.RefreshInterval),
		worker.NewDNSRefresher(resolver, 0),
	}
	if sweepable != nil {
		var live prometheus.Gauge
		if metrics != nil {
			live = metrics.SessionsLive
		}
		workers = append(workers, worker.NewSessionSweeper(sweepable, cfg.Sessions.SweepInterval, live))
	}
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() { workerErr <- worker.NewRunner(workers...).Run(workerCtx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("switchyard ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// In-flight settlements are still writing usage rows; give them the
	// rest of the shutdown budget before closing the store.
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		slog.Warn("settlements did not drain", "error", err)
	}

	stopWorkers()
	<-workerErr

	slog.Info("switchyard stopped")
	return nil
}

// newLogger builds the process-wide slog handler from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
