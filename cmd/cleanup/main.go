// Cleanup deletes sessions, and their events, that have been inactive for
// longer than TRACKING_CLEANUP_DAYS. It runs once by default; with -interval
// it repeats until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/repository"
	"github.com/BuildsAndChill/mynextbook/internal/pkg/config"
	"github.com/BuildsAndChill/mynextbook/internal/pkg/logger"
	"github.com/BuildsAndChill/mynextbook/internal/usecase"
)

func main() {
	interval := flag.Duration("interval", 0, "repeat the sweep at this interval (0 runs once)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	for _, w := range cfg.Warnings {
		log.Warn("configuration value replaced by default", "detail", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := repository.Open(ctx, cfg, log, nil)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	registry := usecase.NewSessionRegistry(stores.Sessions, stores.Events, nil, log, nil)
	tc := cfg.Tracking()

	sweep := func() error {
		cutoff := tc.RetentionCutoff(time.Now().UTC())
		removed, err := registry.Cleanup(ctx, cutoff)
		if err != nil {
			return err
		}
		log.Info("retention sweep finished", "cutoff", cutoff, "removed_sessions", len(removed))
		return nil
	}

	if *interval <= 0 {
		if err := sweep(); err != nil {
			log.Error("retention sweep failed", "error", err)
			os.Exit(1)
		}
		return
	}

	log.Info("starting periodic retention sweep", "interval", *interval, "cleanup_days", tc.CleanupDays)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if err := sweep(); err != nil {
			log.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			log.Info("cleanup worker stopped")
			return
		case <-ticker.C:
		}
	}
}
