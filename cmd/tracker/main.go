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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/api"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/pii"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/publisher"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/repository"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/repository/wal"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/useragent"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
	"github.com/BuildsAndChill/mynextbook/internal/pkg/config"
	"github.com/BuildsAndChill/mynextbook/internal/pkg/logger"
	"github.com/BuildsAndChill/mynextbook/internal/usecase"
)

const redisHealthInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("configuration value replaced by default", "detail", w)
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewTrackerMetrics(reg)

	// --- Storage ---
	stores, err := repository.Open(ctx, cfg, logger, m)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()
	if stores.Cache != nil {
		go stores.Cache.StartHealthCheck(ctx, redisHealthInterval)
	}

	var pub domain.EventPublisher
	if kp := publisher.NewKafkaPublisher(cfg.Brokers(), cfg.KafkaTopic, logger); kp != nil {
		pub = kp
		defer kp.Close()
		logger.Info("publishing committed events to kafka", "topic", cfg.KafkaTopic)
	}

	// --- Tracking pipeline ---
	tc := cfg.Tracking()
	filter := usecase.NewEventFilter(tc.Level, tc.SaveMode, logger)
	registry := usecase.NewSessionRegistry(stores.Sessions, stores.Events, useragent.NewParser(), logger, m)
	committer := usecase.NewBatchCommitter(registry, stores.Events, pub, logger, m)
	buffer := usecase.NewEventBuffer(committer, usecase.BufferOptions{
		BatchSize:     tc.BatchSize,
		MaxDelay:      tc.MaxDelay,
		QueueDepth:    cfg.QueueDepth,
		CommitTimeout: cfg.CommitTimeout,
		SaveMode:      tc.SaveMode,
	}, logger, m)
	analyzer := usecase.NewFunnelAnalyzer(stores.Sessions, stores.Events)
	redactor := pii.NewRedactor(cfg.RedactionKeys(), logger)
	svc := usecase.NewTrackingService(tc, filter, buffer, registry, analyzer, redactor, logger, m)

	if cfg.SpillDir != "" {
		journal, err := wal.Open(cfg.SpillDir, 8<<20, cfg.SpillMaxBytes, logger)
		if err != nil {
			logger.Error("failed to open spill journal", "error", err)
			os.Exit(1)
		}
		defer journal.Close()
		svc.UseSpillJournal(journal)
		if n, err := svc.RecoverSpilled(ctx); err != nil {
			logger.Error("failed to recover spilled events", "error", err)
		} else if n > 0 {
			logger.Info("reloaded events spilled at last shutdown", "events", n)
		}
	}

	logger.Info("tracking pipeline ready",
		"level", tc.Level, "save_mode", tc.SaveMode,
		"batch_size", tc.BatchSize, "max_delay", tc.MaxDelay, "cleanup_days", tc.CleanupDays)

	if cfg.CleanupInterval > 0 {
		go runCleanupLoop(ctx, svc, cfg.CleanupInterval, logger)
	}

	// --- Servers ---
	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: api.NewAdminRouter(svc, reg, cfg.AdminToken, logger),
	}
	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	trackServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(svc, logger, cfg.MaxEventSize),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.CommitTimeout + 5*time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		logger.Info("starting tracking server", "addr", trackServer.Addr)
		if err := trackServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("tracking server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := trackServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracking server shutdown failed", "error", err)
	}
	// No new events can arrive now; flush what is left.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracking buffer shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	logger.Info("shut down gracefully")
}

func runCleanupLoop(ctx context.Context, svc *usecase.TrackingService, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.CleanupExpired(ctx)
			if err != nil {
				logger.Error("retention sweep failed", "error", err)
				continue
			}
			logger.Info("retention sweep finished", "removed_sessions", len(removed))
		}
	}
}
