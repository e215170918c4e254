package repository

import (
	"context"
	"time"

	"clinicbook/internal/models"
)

// Cache holds derived, disposable state: per-date occupancy and hold quotas.
// Losing it never affects booking correctness.
type Cache interface {
	GetOccupancy(ctx context.Context, dateKey string) ([]models.Occupancy, bool, error)
	// OccupancyGeneration returns the date's invalidation counter. A cache fill
	// reads it before loading the store.
	OccupancyGeneration(ctx context.Context, dateKey string) (int64, error)
	// SetOccupancy stores occ only while the date's generation still equals
	// generation; a fill that raced an invalidation is dropped.
	SetOccupancy(ctx context.Context, dateKey string, generation int64, occ []models.Occupancy, ttl time.Duration) error
	// InvalidateOccupancy drops the cached dates and bumps their generation.
	InvalidateOccupancy(ctx context.Context, dateKeys ...string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

var (
	_ Cache = (*RedisCacheRepository)(nil)
	_ Cache = (*MemoryCacheRepository)(nil)
	_ Cache = (*FailoverCacheRepository)(nil)
)
