package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/database"
	"clinicbook/internal/domain"
	"clinicbook/internal/events"
	"clinicbook/internal/export"
	"clinicbook/internal/metrics"
	"clinicbook/internal/models"
)

// maxListDays bounds admin listings and exports.
const maxListDays = 366

// AdminCancel cancels a HELD or CONFIRMED booking without a token.
func (s *BookingService) AdminCancel(ctx context.Context, bookingID, reason string) (*models.BookingView, error) {
	now := s.clock.Now().UTC()
	reason = strings.TrimSpace(reason)
	var b *models.Booking

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		var err error
		b, err = tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != models.StatusHeld && b.Status != models.StatusConfirmed {
			return fmt.Errorf("%w: booking is %s", domain.ErrBookingTerminal, b.Status)
		}
		markCancelled(b, now, reason)
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		payload := events.NewPayload(b, s.policy.Location, events.ActorAdmin)
		payload.Reason = reason
		return s.appendEvent(ctx, tx, events.AdminCancelled, b, payload, now)
	})
	if err != nil {
		return nil, err
	}

	view := s.view(b)
	s.afterCommit(ctx, true, view.Date)
	metrics.IncTransition("admin_cancel")
	s.logger.Info().Str("booking_id", b.ID).Str("reason", reason).Msg("booking cancelled by admin")
	return &view, nil
}

type AdminRescheduleResult struct {
	Previous models.BookingView `json:"previous"`
	Booking  models.BookingView `json:"booking"`
}

// AdminReschedule moves a HELD or CONFIRMED booking in place. The same-day
// cutoff does not apply; the destination must still be free.
func (s *BookingService) AdminReschedule(ctx context.Context, bookingID, dateKey, hhmm string) (*AdminRescheduleResult, error) {
	target, err := s.policy.Resolve(dateKey, hhmm)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if err := s.policy.CheckBookable(now, target, false); err != nil {
		return nil, err
	}

	res := &AdminRescheduleResult{}
	var b *models.Booking

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		var err error
		b, err = tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != models.StatusHeld && b.Status != models.StatusConfirmed {
			return fmt.Errorf("%w: booking is %s", domain.ErrBookingTerminal, b.Status)
		}
		prev := *b
		res.Previous = s.view(&prev)

		b.UpdatedAt = now
		if err := s.allocator.MoveSlot(ctx, tx, b, target.StartAt, target.EndAt, now); err != nil {
			return err
		}
		if b.Status == models.StatusConfirmed {
			if err := tx.ExtendBookingTokens(ctx, b.ID, s.policy.ManageTokenExpiry(b.EndAt)); err != nil {
				return err
			}
		}

		payload := events.NewPayload(b, s.policy.Location, events.ActorAdmin)
		payload.PreviousStartAt = &prev.StartAt
		payload.PreviousEndAt = &prev.EndAt
		return s.appendEvent(ctx, tx, events.AdminRescheduled, b, payload, now)
	})
	if err != nil {
		return nil, err
	}

	res.Booking = s.view(b)
	s.afterCommit(ctx, true, res.Previous.Date, res.Booking.Date)
	metrics.IncTransition("admin_reschedule")
	s.logger.Info().Str("booking_id", b.ID).Str("from", res.Previous.Date+" "+res.Previous.Time).
		Str("to", res.Booking.Date+" "+res.Booking.Time).Msg("booking moved by admin")
	return res, nil
}

type BookingDetails struct {
	Booking *models.Booking       `json:"booking"`
	View    models.BookingView    `json:"view"`
	Events  []models.BookingEvent `json:"events"`
}

// GetBooking returns the full booking with its event log.
func (s *BookingService) GetBooking(ctx context.Context, bookingID string) (*BookingDetails, error) {
	b, err := s.db.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	evs, err := s.db.EventsForBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []models.BookingEvent{}
	}
	return &BookingDetails{Booking: b, View: s.view(b), Events: evs}, nil
}

// ListBookings returns every booking whose local start date lies in
// [fromKey, toKey].
func (s *BookingService) ListBookings(ctx context.Context, fromKey, toKey string) ([]*models.Booking, error) {
	from, to, err := s.dateRange(fromKey, toKey)
	if err != nil {
		return nil, err
	}
	bookings, err := s.db.ListBookings(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	return bookings, nil
}

// ExportBookings writes the bookings of [fromKey, toKey] as an XLSX workbook.
func (s *BookingService) ExportBookings(ctx context.Context, w io.Writer, fromKey, toKey string) error {
	bookings, err := s.ListBookings(ctx, fromKey, toKey)
	if err != nil {
		return err
	}
	return export.WriteBookingsXLSX(w, bookings, s.policy.Location, fromKey, toKey)
}

func (s *BookingService) dateRange(fromKey, toKey string) (fromAt, toAt time.Time, err error) {
	from, err := clock.ParseDateKey(fromKey)
	if err != nil {
		return fromAt, toAt, fmt.Errorf("%w: from: %v", domain.ErrInvalidInput, err)
	}
	to, err := clock.ParseDateKey(toKey)
	if err != nil {
		return fromAt, toAt, fmt.Errorf("%w: to: %v", domain.ErrInvalidInput, err)
	}
	if to.String() < from.String() {
		return fromAt, toAt, fmt.Errorf("%w: range end %s is before start %s", domain.ErrInvalidInput, to, from)
	}
	if from.AddDays(maxListDays).String() < to.String() {
		return fromAt, toAt, fmt.Errorf("%w: range exceeds %d days", domain.ErrInvalidInput, maxListDays)
	}
	fromAt, _ = s.policy.DayBounds(from)
	_, toAt = s.policy.DayBounds(to)
	return fromAt, toAt, nil
}
