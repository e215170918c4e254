package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"clinicbook/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverCacheRepository serves from primary (redis) and switches to the
// fallback (memory) when primary errors, probing primary again after
// recoveryInterval.
type FailoverCacheRepository struct {
	primary   Cache
	fallback  Cache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	// pending holds dates whose primary invalidation failed.
	pending map[string]struct{}
}

func NewFailoverCacheRepository(primary, fallback Cache, logger *zerolog.Logger) *FailoverCacheRepository {
	return &FailoverCacheRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
}

// usePrimary reports whether the next call should go to primary.
func (r *FailoverCacheRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > recoveryInterval {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverCacheRepository) observe(err error) {
	if err == nil {
		if r.isDown.Swap(false) {
			r.logger.Info().Msg("Primary cache repository recovered")
		}
		return
	}
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary cache repository failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// replayInvalidations reapplies invalidations the primary missed while it was
// unreachable. Primary reads are served only after it succeeds.
func (r *FailoverCacheRepository) replayInvalidations(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}

	if err := r.primary.InvalidateOccupancy(ctx, keys...); err != nil {
		return err
	}
	r.mu.Lock()
	for _, k := range keys {
		delete(r.pending, k)
	}
	r.mu.Unlock()
	r.logger.Info().Int("dates", len(keys)).Msg("Replayed occupancy invalidations on primary cache")
	return nil
}

func (r *FailoverCacheRepository) GetOccupancy(ctx context.Context, dateKey string) ([]models.Occupancy, bool, error) {
	if r.usePrimary() && r.replay(ctx) {
		occ, ok, err := r.primary.GetOccupancy(ctx, dateKey)
		r.observe(err)
		if err == nil {
			return occ, ok, nil
		}
	}
	return r.fallback.GetOccupancy(ctx, dateKey)
}

func (r *FailoverCacheRepository) OccupancyGeneration(ctx context.Context, dateKey string) (int64, error) {
	if r.usePrimary() && r.replay(ctx) {
		gen, err := r.primary.OccupancyGeneration(ctx, dateKey)
		r.observe(err)
		if err == nil {
			return gen, nil
		}
	}
	return r.fallback.OccupancyGeneration(ctx, dateKey)
}

func (r *FailoverCacheRepository) SetOccupancy(ctx context.Context, dateKey string, generation int64, occ []models.Occupancy, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.SetOccupancy(ctx, dateKey, generation, occ, ttl)
		r.observe(err)
		if err == nil {
			return nil
		}
	}
	return r.fallback.SetOccupancy(ctx, dateKey, generation, occ, ttl)
}

// InvalidateOccupancy always clears both tiers, the primary included while it
// is marked down, so that neither serves a stale day after a switch-over.
func (r *FailoverCacheRepository) InvalidateOccupancy(ctx context.Context, dateKeys ...string) error {
	fallbackErr := r.fallback.InvalidateOccupancy(ctx, dateKeys...)
	err := r.primary.InvalidateOccupancy(ctx, dateKeys...)
	r.observe(err)
	if err != nil {
		r.mu.Lock()
		for _, k := range dateKeys {
			r.pending[k] = struct{}{}
		}
		r.mu.Unlock()
	}
	return fallbackErr
}

// replay reports whether primary is clear to serve reads.
func (r *FailoverCacheRepository) replay(ctx context.Context) bool {
	err := r.replayInvalidations(ctx)
	if err != nil {
		r.observe(err)
	}
	return err == nil
}

func (r *FailoverCacheRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		r.observe(err)
		if err == nil {
			return allowed, nil
		}
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
