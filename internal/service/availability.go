package service

import (
	"context"
	"fmt"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/database"
	"clinicbook/internal/domain"
	"clinicbook/internal/models"
)

type AvailabilityResult struct {
	Date     string        `json:"date"`
	Timezone string        `json:"timezone"`
	Slots    []models.Slot `json:"slots"`
}

// GetAvailability lists the day's slot grid. A slot is available when nothing
// occupies it, it starts in the future and the same-day cutoff has not passed.
func (s *BookingService) GetAvailability(ctx context.Context, dateKey string) (*AvailabilityResult, error) {
	date, err := clock.ParseDateKey(dateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	now := s.clock.Now().UTC()
	if s.policy.MaxAdvanceDays > 0 && date.String() > clock.DateOf(now, s.policy.Location).AddDays(s.policy.MaxAdvanceDays).String() {
		return nil, fmt.Errorf("%w: %s is more than %d days ahead", domain.ErrInvalidInput, date, s.policy.MaxAdvanceDays)
	}

	res := &AvailabilityResult{Date: date.String(), Timezone: s.policy.ZoneName, Slots: []models.Slot{}}
	grid := s.policy.Grid(date)
	if len(grid) == 0 {
		return res, nil
	}

	occ, err := s.occupancy(ctx, date, now)
	if err != nil {
		return nil, err
	}
	taken := make(map[int64]bool, len(occ))
	for _, o := range occ {
		if o.ActiveAt(now) {
			taken[o.StartAt.UnixMilli()] = true
		}
	}

	cutoff := clock.IsSameDayCutoffReached(now, date.String(), s.policy.Location, s.policy.Cutoff.Hour, s.policy.Cutoff.Minute)
	for _, t := range grid {
		res.Slots = append(res.Slots, models.Slot{
			Start:     t.StartAt,
			End:       t.EndAt,
			Time:      t.Time.String(),
			Available: !cutoff && t.StartAt.After(now) && !taken[t.StartAt.UnixMilli()],
		})
	}
	return res, nil
}

// occupancy returns the day's occupancy, from the cache when possible. A miss
// sweeps expired holds before reading the store. The fill is tagged with the
// generation read before the store, so a commit that invalidates the date in
// between keeps the snapshot out of the cache.
func (s *BookingService) occupancy(ctx context.Context, date clock.LocalDate, now time.Time) ([]models.Occupancy, error) {
	key := date.String()
	var generation int64
	fill := false
	if s.cache != nil {
		occ, ok, err := s.cache.GetOccupancy(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("date", key).Msg("read occupancy cache")
		} else if ok {
			return occ, nil
		}
		if generation, err = s.cache.OccupancyGeneration(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("date", key).Msg("read occupancy generation")
		} else {
			fill = true
		}
	}

	if err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		return s.sweeper.Sweep(ctx, tx, now)
	}); err != nil {
		return nil, err
	}
	from, to := s.policy.DayBounds(date)
	occ, err := s.db.ListOccupancy(ctx, from, to, now)
	if err != nil {
		return nil, err
	}

	if fill {
		if err := s.cache.SetOccupancy(ctx, key, generation, occ, s.cacheTTL); err != nil {
			s.logger.Warn().Err(err).Str("date", key).Msg("write occupancy cache")
		}
	}
	return occ, nil
}
