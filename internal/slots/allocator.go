package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicbook/internal/domain"
	"clinicbook/internal/metrics"
	"clinicbook/internal/models"

	"github.com/rs/zerolog"
)

// HoldExpirer transitions overdue holds to EXPIRED.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context, now time.Time) (int64, error)
}

// SlotStore is the transactional view the allocator needs.
type SlotStore interface {
	SlotOccupied(ctx context.Context, startAt time.Time, excludeID string, now time.Time) (bool, error)
	InsertBooking(ctx context.Context, b *models.Booking) error
	UpdateBooking(ctx context.Context, b *models.Booking) error
}

// Sweeper expires stale holds lazily at the start of slot-affecting operations.
type Sweeper struct {
	logger *zerolog.Logger
}

func NewSweeper(logger *zerolog.Logger) *Sweeper {
	return &Sweeper{logger: logger}
}

// Sweep expires every HELD booking with expires_at <= now in one statement.
func (s *Sweeper) Sweep(ctx context.Context, store HoldExpirer, now time.Time) error {
	n, err := store.ExpireHolds(ctx, now)
	if err != nil {
		return fmt.Errorf("sweep expired holds: %w", err)
	}
	if n > 0 {
		metrics.AddHoldsExpired(n)
		if s.logger != nil {
			s.logger.Debug().Int64("expired", n).Msg("expired stale holds")
		}
	}
	return nil
}

// Allocator decides whether a slot is free and claims it. The advisory read
// gives a clean error on the common path; the store's uniqueness constraint
// settles races.
type Allocator struct{}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// IsSlotFree reports whether no booking other than excludeID occupies startAt.
func (a *Allocator) IsSlotFree(ctx context.Context, store SlotStore, startAt time.Time, excludeID string, now time.Time) (bool, error) {
	occupied, err := store.SlotOccupied(ctx, startAt, excludeID, now)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return !occupied, nil
}

// ClaimSlot inserts b as a new active booking on its start instant.
func (a *Allocator) ClaimSlot(ctx context.Context, store SlotStore, b *models.Booking, now time.Time) error {
	free, err := a.IsSlotFree(ctx, store, b.StartAt, "", now)
	if err != nil {
		return err
	}
	if !free {
		metrics.IncSlotConflict()
		return fmt.Errorf("%w: %s", domain.ErrSlotTaken, b.StartAt.Format(time.RFC3339))
	}
	if err := store.InsertBooking(ctx, b); err != nil {
		if errors.Is(err, domain.ErrSlotTaken) {
			metrics.IncSlotConflict()
		}
		return err
	}
	return nil
}

// MoveSlot re-points an existing booking to newStart, re-checking the
// destination against every other booking.
func (a *Allocator) MoveSlot(ctx context.Context, store SlotStore, b *models.Booking, newStart, newEnd, now time.Time) error {
	free, err := a.IsSlotFree(ctx, store, newStart, b.ID, now)
	if err != nil {
		return err
	}
	if !free {
		metrics.IncSlotConflict()
		return fmt.Errorf("%w: %s", domain.ErrSlotTaken, newStart.Format(time.RFC3339))
	}
	b.StartAt = newStart
	b.EndAt = newEnd
	if err := store.UpdateBooking(ctx, b); err != nil {
		if errors.Is(err, domain.ErrSlotTaken) {
			metrics.IncSlotConflict()
		}
		return err
	}
	return nil
}
