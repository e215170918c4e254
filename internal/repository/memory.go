package repository

import (
	"context"
	"sync"
	"time"

	"clinicbook/internal/models"
)

type MemoryCacheRepository struct {
	mu          sync.Mutex
	occupancy   map[string]occupancyEntry
	generations map[string]int64
	rateLimits  map[string]*rateLimitEntry
	nextSweep   time.Time
	now         func() time.Time
}

type occupancyEntry struct {
	occ       []models.Occupancy
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func NewMemoryCacheRepository() *MemoryCacheRepository {
	return &MemoryCacheRepository{
		occupancy:   make(map[string]occupancyEntry),
		generations: make(map[string]int64),
		rateLimits:  make(map[string]*rateLimitEntry),
		now:         time.Now,
	}
}

func (r *MemoryCacheRepository) GetOccupancy(ctx context.Context, dateKey string) ([]models.Occupancy, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.occupancy[dateKey]
	if !ok {
		return nil, false, nil
	}
	if !r.now().Before(entry.expiresAt) {
		delete(r.occupancy, dateKey)
		return nil, false, nil
	}
	return append([]models.Occupancy(nil), entry.occ...), true, nil
}

func (r *MemoryCacheRepository) OccupancyGeneration(ctx context.Context, dateKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[dateKey], nil
}

func (r *MemoryCacheRepository) SetOccupancy(ctx context.Context, dateKey string, generation int64, occ []models.Occupancy, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.generations[dateKey] != generation {
		return nil
	}
	r.occupancy[dateKey] = occupancyEntry{
		occ:       append([]models.Occupancy(nil), occ...),
		expiresAt: r.now().Add(ttl),
	}
	return nil
}

func (r *MemoryCacheRepository) InvalidateOccupancy(ctx context.Context, dateKeys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range dateKeys {
		delete(r.occupancy, k)
		r.generations[k]++
	}
	return nil
}

func (r *MemoryCacheRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !now.Before(r.nextSweep) {
		r.sweepRateLimits(now)
		r.nextSweep = now.Add(window)
	}

	entry, ok := r.rateLimits[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}

// sweepRateLimits drops closed windows. Callers hold mu.
func (r *MemoryCacheRepository) sweepRateLimits(now time.Time) {
	for k, e := range r.rateLimits {
		if !now.Before(e.expiresAt) {
			delete(r.rateLimits, k)
		}
	}
}
