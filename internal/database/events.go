package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicbook/internal/models"
)

// AppendEvent records e and queues it for delivery in the same transaction.
func (t *Tx) AppendEvent(ctx context.Context, e *models.BookingEvent) error {
	res, err := t.tx.ExecContext(ctx, `
        INSERT INTO booking_events (booking_id, type, payload, created_at)
        VALUES (?, ?, ?, ?)`,
		e.BookingID, e.Type, string(e.Payload), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id

	_, err = t.tx.ExecContext(ctx, `
        INSERT INTO event_deliveries (event_id, status, retry_count, created_at)
        VALUES (?, ?, 0, ?)`,
		id, models.DeliveryPending, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to queue event delivery: %w", err)
	}
	return nil
}

// EventsForBooking returns the event log of one booking in append order.
func (db *DB) EventsForBooking(ctx context.Context, bookingID string) ([]models.BookingEvent, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, booking_id, type, payload, created_at
        FROM booking_events WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.BookingEvent
	for rows.Next() {
		var e models.BookingEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.BookingID, &e.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingDelivery is an event whose delivery is due.
type PendingDelivery struct {
	Event    models.BookingEvent
	Delivery models.EventDelivery
}

// GetPendingDeliveries returns up to limit deliveries that are pending or due
// for retry at now, oldest first.
func (db *DB) GetPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]PendingDelivery, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT e.id, e.booking_id, e.type, e.payload, e.created_at,
               d.status, d.retry_count, d.last_error, d.next_retry_at, d.processed_at
        FROM event_deliveries d
        JOIN booking_events e ON e.id = d.event_id
        WHERE d.status IN ('pending', 'retry') AND (d.next_retry_at IS NULL OR d.next_retry_at <= ?)
        ORDER BY e.id ASC LIMIT ?`,
		toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []PendingDelivery
	for rows.Next() {
		var (
			p                    PendingDelivery
			payload              string
			createdAt            int64
			lastError            sql.NullString
			nextRetry, processed sql.NullInt64
		)
		err := rows.Scan(
			&p.Event.ID, &p.Event.BookingID, &p.Event.Type, &payload, &createdAt,
			&p.Delivery.Status, &p.Delivery.RetryCount, &lastError, &nextRetry, &processed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		p.Event.Payload = []byte(payload)
		p.Event.CreatedAt = fromMillis(createdAt)
		p.Delivery.EventID = p.Event.ID
		if lastError.Valid {
			p.Delivery.LastError = &lastError.String
		}
		p.Delivery.NextRetryAt = timePtr(nextRetry)
		p.Delivery.ProcessedAt = timePtr(processed)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) MarkDeliveryCompleted(ctx context.Context, eventID int64, at time.Time) error {
	_, err := db.ExecContext(ctx, `
        UPDATE event_deliveries SET status = ?, processed_at = ?, last_error = NULL, next_retry_at = NULL
        WHERE event_id = ?`,
		models.DeliveryCompleted, toMillis(at), eventID)
	if err != nil {
		return fmt.Errorf("failed to complete delivery: %w", err)
	}
	return nil
}

func (db *DB) MarkDeliveryRetry(ctx context.Context, eventID int64, retryCount int, lastErr string, nextRetryAt time.Time) error {
	_, err := db.ExecContext(ctx, `
        UPDATE event_deliveries SET status = ?, retry_count = ?, last_error = ?, next_retry_at = ?
        WHERE event_id = ?`,
		models.DeliveryRetry, retryCount, lastErr, toMillis(nextRetryAt), eventID)
	if err != nil {
		return fmt.Errorf("failed to schedule delivery retry: %w", err)
	}
	return nil
}

func (db *DB) MarkDeliveryFailed(ctx context.Context, eventID int64, retryCount int, lastErr string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
        UPDATE event_deliveries SET status = ?, retry_count = ?, last_error = ?, processed_at = ?, next_retry_at = NULL
        WHERE event_id = ?`,
		models.DeliveryFailed, retryCount, lastErr, toMillis(at), eventID)
	if err != nil {
		return fmt.Errorf("failed to fail delivery: %w", err)
	}
	return nil
}

// GetDelivery returns the delivery state of one event.
func (db *DB) GetDelivery(ctx context.Context, eventID int64) (*models.EventDelivery, error) {
	var (
		d                    models.EventDelivery
		lastError            sql.NullString
		nextRetry, processed sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
        SELECT event_id, status, retry_count, last_error, next_retry_at, processed_at
        FROM event_deliveries WHERE event_id = ?`, eventID).
		Scan(&d.EventID, &d.Status, &d.RetryCount, &lastError, &nextRetry, &processed)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	d.NextRetryAt = timePtr(nextRetry)
	d.ProcessedAt = timePtr(processed)
	return &d, nil
}

// HandledBy returns the names of the handlers that already took the event.
func (db *DB) HandledBy(ctx context.Context, eventID int64) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT handler FROM event_handler_deliveries WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list handled deliveries: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var handler string
		if err := rows.Scan(&handler); err != nil {
			return nil, fmt.Errorf("failed to scan handled delivery: %w", err)
		}
		done[handler] = true
	}
	return done, rows.Err()
}

// MarkHandled records that handler took the event. Repeats are ignored.
func (db *DB) MarkHandled(ctx context.Context, eventID int64, handler string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
        INSERT OR IGNORE INTO event_handler_deliveries (event_id, handler, delivered_at)
        VALUES (?, ?, ?)`,
		eventID, handler, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to mark handled delivery: %w", err)
	}
	return nil
}
