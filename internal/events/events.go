package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinicbook/internal/models"

	"github.com/rs/zerolog"
)

const (
	BookingConfirmed   = "BOOKING_CONFIRMED"
	BookingCancelled   = "BOOKING_CANCELLED"
	BookingRescheduled = "BOOKING_RESCHEDULED"
	AdminCancelled     = "ADMIN_CANCELLED"
	AdminRescheduled   = "ADMIN_RESCHEDULED"
)

const (
	ActorCustomer = "customer"
	ActorAdmin    = "admin"
)

// Payload is the snapshot recorded with every booking event. It carries enough
// for a notifier to build an email or calendar invite without another read.
type Payload struct {
	BookingID       string          `json:"booking_id"`
	UID             string          `json:"uid,omitempty"`
	Status          models.Status   `json:"status"`
	StartAt         time.Time       `json:"start_at"`
	EndAt           time.Time       `json:"end_at"`
	Date            string          `json:"date"`
	Time            string          `json:"time"`
	Timezone        string          `json:"timezone"`
	Locale          string          `json:"locale,omitempty"`
	Contact         *models.Contact `json:"contact,omitempty"`
	ROI             *models.ROI     `json:"roi,omitempty"`
	Actor           string          `json:"actor"`
	Reason          string          `json:"reason,omitempty"`
	FromBookingID   string          `json:"from_booking_id,omitempty"`
	ToBookingID     string          `json:"to_booking_id,omitempty"`
	PreviousStartAt *time.Time      `json:"previous_start_at,omitempty"`
	PreviousEndAt   *time.Time      `json:"previous_end_at,omitempty"`
}

// NewPayload snapshots b with its local date and time in loc.
func NewPayload(b *models.Booking, loc *time.Location, actor string) Payload {
	view := models.NewBookingView(b, loc)
	var roi *models.ROI
	if !b.ROI.Empty() {
		roi = b.ROI
	}
	return Payload{
		BookingID: b.ID,
		UID:       b.UID,
		Status:    b.Status,
		StartAt:   b.StartAt,
		EndAt:     b.EndAt,
		Date:      view.Date,
		Time:      view.Time,
		Timezone:  b.Timezone,
		Locale:    b.Locale,
		Contact:   b.Contact,
		ROI:       roi,
		Actor:     actor,
	}
}

// NewEvent encodes payload into an event row for bookingID.
func NewEvent(eventType, bookingID string, payload Payload, at time.Time) (*models.BookingEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &models.BookingEvent{
		BookingID: bookingID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: at.UTC(),
	}, nil
}

// DecodePayload reverses NewEvent.
func DecodePayload(e *models.BookingEvent) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event *models.BookingEvent) error

// HandlerLedger remembers which named handlers already took an event, so a
// redelivery after a partial failure skips them.
type HandlerLedger interface {
	HandledBy(ctx context.Context, eventID int64) (map[string]bool, error)
	MarkHandled(ctx context.Context, eventID int64, handler string, at time.Time) error
}

type subscription struct {
	name    string
	handler EventHandler
}

// EventBus provides in-process pub/sub for committed booking events.
type EventBus struct {
	subscribers map[string][]subscription
	all         []subscription
	ledger      HandlerLedger
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// UseLedger enables once-per-event delivery for named subscribers.
func (b *EventBus) UseLedger(l HandlerLedger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger = l
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{handler: handler})
}

// SubscribeAll registers a handler for every event type. It runs again on
// every redelivery.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscription{handler: handler})
}

// SubscribeAllOnce registers a handler for every event type that, with a
// ledger in place, runs at most once successfully per event.
func (b *EventBus) SubscribeAllOnce(name string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscription{name: name, handler: handler})
}

// Deliver runs every matching handler synchronously. All handlers run even if
// one fails; their errors are joined.
func (b *EventBus) Deliver(ctx context.Context, event *models.BookingEvent) error {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.all)+len(b.subscribers[event.Type]))
	subs = append(subs, b.all...)
	subs = append(subs, b.subscribers[event.Type]...)
	ledger := b.ledger
	b.mu.RUnlock()

	var done map[string]bool
	if ledger != nil {
		var err error
		if done, err = ledger.HandledBy(ctx, event.ID); err != nil {
			return fmt.Errorf("load handled set for event %d: %w", event.ID, err)
		}
	}

	var errs []error
	for _, sub := range subs {
		if sub.name != "" && done[sub.name] {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			errs = append(errs, err)
			continue
		}
		if sub.name != "" && ledger != nil {
			if err := ledger.MarkHandled(ctx, event.ID, sub.name, time.Now()); err != nil {
				errs = append(errs, fmt.Errorf("mark %s handled event %d: %w", sub.name, event.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// LogHandler records every delivered event in the structured log.
func LogHandler(logger *zerolog.Logger) EventHandler {
	return func(_ context.Context, event *models.BookingEvent) error {
		logger.Info().
			Int64("event_id", event.ID).
			Str("booking_id", event.BookingID).
			Str("type", event.Type).
			Time("created_at", event.CreatedAt).
			Msg("booking event")
		return nil
	}
}
