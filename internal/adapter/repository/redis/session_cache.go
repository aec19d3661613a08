package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/BuildsAndChill/mynextbook/internal/adapter/metrics"
	"github.com/BuildsAndChill/mynextbook/internal/domain"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "tracking:session:"

// CachedSessionRepository is a read-through Redis cache in front of the
// durable session store. Redis is never the source of truth: while it is
// unreachable every call goes straight to the inner repository.
type CachedSessionRepository struct {
	inner       domain.SessionRepository
	client      *redis.Client
	ttl         time.Duration
	logger      *slog.Logger
	metrics     *metrics.TrackerMetrics
	isAvailable atomic.Bool
}

// NewCachedSessionRepository wraps inner with a Redis cache. An initial ping
// decides whether the cache starts enabled.
func NewCachedSessionRepository(inner domain.SessionRepository, client *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.TrackerMetrics) *CachedSessionRepository {
	r := &CachedSessionRepository{
		inner:   inner,
		client:  client,
		ttl:     ttl,
		logger:  logger.With("component", "session_cache"),
		metrics: m,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Error("Redis unavailable on startup, session cache disabled", "error", err)
	} else {
		r.isAvailable.Store(true)
	}
	return r
}

// Available reports whether the cache is currently in use.
func (r *CachedSessionRepository) Available() bool {
	return r.isAvailable.Load()
}

// StartHealthCheck pings Redis on every tick and toggles the cache. It blocks
// until ctx is cancelled.
func (r *CachedSessionRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			if err := r.client.Ping(ctx).Err(); err != nil {
				if r.isAvailable.CompareAndSwap(true, false) {
					r.logger.Error("Redis connection lost, bypassing session cache", "error", err)
				}
				continue
			}
			if r.isAvailable.CompareAndSwap(false, true) {
				// Entries written before the outage may be stale.
				r.logger.Info("Redis connection recovered, session cache enabled")
			}
		}
	}
}

func (r *CachedSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	if r.isAvailable.Load() {
		if s, ok := r.get(ctx, id); ok {
			r.metrics.CacheHit()
			return s, nil
		}
		r.metrics.CacheMiss()
	}

	s, err := r.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.set(ctx, s)
	return s, nil
}

func (r *CachedSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	if err := r.inner.Create(ctx, s); err != nil {
		return err
	}
	r.set(ctx, s)
	return nil
}

func (r *CachedSessionRepository) UpdateLastActivity(ctx context.Context, id string, at time.Time) error {
	if err := r.inner.UpdateLastActivity(ctx, id, at); err != nil {
		return err
	}
	r.evict(ctx, id)
	return nil
}

func (r *CachedSessionRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.inner.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	r.evict(ctx, ids...)
	return ids, nil
}

func (r *CachedSessionRepository) get(ctx context.Context, id string) (*domain.Session, bool) {
	payload, err := r.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.handleError("GET", err)
		}
		return nil, false
	}

	var s domain.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		r.logger.Warn("Dropping undecodable cache entry", "session_id", id, "error", err)
		r.evict(ctx, id)
		return nil, false
	}
	return &s, true
}

func (r *CachedSessionRepository) set(ctx context.Context, s *domain.Session) {
	if !r.isAvailable.Load() {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		r.logger.Error("Failed to marshal session for cache", "session_id", s.ID, "error", err)
		return
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+s.ID, payload, r.ttl).Err(); err != nil {
		r.handleError("SET", err)
	}
}

func (r *CachedSessionRepository) evict(ctx context.Context, ids ...string) {
	if len(ids) == 0 || !r.isAvailable.Load() {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKeyPrefix + id
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.handleError("DEL", err)
	}
}

func (r *CachedSessionRepository) handleError(op string, err error) {
	if isNetworkError(err) {
		if r.isAvailable.CompareAndSwap(true, false) {
			r.logger.Error("Redis connection lost, bypassing session cache", "op", op, "error", err)
		}
		return
	}
	r.logger.Warn("Session cache operation failed", "op", op, "error", fmt.Errorf("redis %s: %w", op, err))
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
