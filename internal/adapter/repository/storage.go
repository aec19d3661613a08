// Package repository opens the configured session and event stores.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/repository/postgres"
	redisrepo "github.com/BuildsAndChill/mynextbook/internal/adapter/repository/redis"
	"github.com/BuildsAndChill/mynextbook/internal/adapter/repository/sqlite"
	"github.com/BuildsAndChill/mynextbook/internal/db/migrate"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
	"github.com/BuildsAndChill/mynextbook/internal/pkg/config"
)

// Stores bundles the repositories backed by one database.
type Stores struct {
	Sessions domain.SessionRepository
	Events   domain.EventRepository
	// Cache is nil unless REDIS_ADDR is set.
	Cache *redisrepo.CachedSessionRepository

	db          *sql.DB
	redisClient *redis.Client
}

// Open connects to the store selected by STORAGE_DRIVER, applying migrations
// when enabled, and puts the Redis session cache in front when configured.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.TrackerMetrics) (*Stores, error) {
	st := &Stores{}

	switch cfg.StorageDriver {
	case "postgres":
		if cfg.AutoMigrate {
			if err := migrate.Run(cfg.PostgresURL, "up"); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("database migrations applied")
		}
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		st.db = db
		st.Sessions = postgres.NewSessionRepository(db, logger)
		st.Events = postgres.NewEventRepository(db, logger)

	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st.db = db
		st.Sessions = sqlite.NewSessionRepository(db, logger)
		st.Events = sqlite.NewEventRepository(db, logger)

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	logger.Info("storage opened", "driver", cfg.StorageDriver)

	if cfg.RedisAddr != "" {
		opts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		st.redisClient = redis.NewClient(opts)
		st.Cache = redisrepo.NewCachedSessionRepository(st.Sessions, st.redisClient, cfg.SessionCacheTTL, logger, m)
		st.Sessions = st.Cache
	}
	return st, nil
}

func (s *Stores) Close() error {
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
