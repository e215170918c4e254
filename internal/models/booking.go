package models

import (
	"time"

	"clinicbook/internal/clock"
)

// Booking is the aggregate root of the reservation engine. All instants are UTC.
type Booking struct {
	ID                string     `json:"id"`
	UID               string     `json:"uid,omitempty"`
	StartAt           time.Time  `json:"start_at"`
	EndAt             time.Time  `json:"end_at"`
	Timezone          string     `json:"timezone"`
	Status            Status     `json:"status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Locale            string     `json:"locale"`
	Contact           *Contact   `json:"contact,omitempty"`
	ROI               *ROI       `json:"roi,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	RescheduledToID   string     `json:"rescheduled_to_id,omitempty"`
	RescheduledFromID string     `json:"rescheduled_from_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int64      `json:"version"`
}

// OccupiesAt reports whether the booking blocks its slot at instant now.
func (b *Booking) OccupiesAt(now time.Time) bool {
	switch b.Status {
	case StatusConfirmed:
		return true
	case StatusHeld:
		return b.ExpiresAt != nil && b.ExpiresAt.After(now)
	default:
		return false
	}
}

// BookingView is the representation handed to collaborators. It carries
// enough to build calendar invites and emails without another read.
type BookingView struct {
	ID                string     `json:"id"`
	UID               string     `json:"uid,omitempty"`
	Status            Status     `json:"status"`
	StartAt           time.Time  `json:"start_at"`
	EndAt             time.Time  `json:"end_at"`
	Date              string     `json:"date"`
	Time              string     `json:"time"`
	Timezone          string     `json:"timezone"`
	DurationMinutes   int        `json:"duration_minutes"`
	Locale            string     `json:"locale,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	RescheduledToID   string     `json:"rescheduled_to_id,omitempty"`
	RescheduledFromID string     `json:"rescheduled_from_id,omitempty"`
	Contact           *Contact   `json:"contact,omitempty"`
}

// NewBookingView renders b with local date and time in loc.
func NewBookingView(b *Booking, loc *time.Location) BookingView {
	return BookingView{
		ID:                b.ID,
		UID:               b.UID,
		Status:            b.Status,
		StartAt:           b.StartAt,
		EndAt:             b.EndAt,
		Date:              clock.InstantToZonedDateKey(b.StartAt, loc),
		Time:              clock.InstantToZonedTimeParts(b.StartAt, loc).String(),
		Timezone:          b.Timezone,
		DurationMinutes:   int(b.EndAt.Sub(b.StartAt) / time.Minute),
		Locale:            b.Locale,
		ExpiresAt:         b.ExpiresAt,
		ConfirmedAt:       b.ConfirmedAt,
		CancelledAt:       b.CancelledAt,
		RescheduledToID:   b.RescheduledToID,
		RescheduledFromID: b.RescheduledFromID,
		Contact:           b.Contact,
	}
}

// Slot is one cell of a day's availability grid.
type Slot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Time      string    `json:"time"`
	Available bool      `json:"available"`
}

// Occupancy is the minimal fact needed to decide whether a slot is blocked:
// the start instant and, for holds, the instant the claim lapses.
type Occupancy struct {
	StartAt time.Time  `json:"start_at"`
	Until   *time.Time `json:"until,omitempty"`
}

// ActiveAt reports whether the occupancy still blocks its slot at now.
func (o Occupancy) ActiveAt(now time.Time) bool {
	return o.Until == nil || o.Until.After(now)
}
