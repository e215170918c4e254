package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinicbook/internal/domain"
	"clinicbook/internal/models"
)

const bookingColumns = `id, uid, start_at, end_at, timezone, status, expires_at, locale, contact, roi,
    confirmed_at, cancelled_at, cancel_reason, rescheduled_to_id, rescheduled_from_id,
    created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                            models.Booking
		uid, contact, roi, reason    sql.NullString
		toID, fromID                 sql.NullString
		startAt, endAt, createdAt    int64
		updatedAt                    int64
		expiresAt, confirmed, cancel sql.NullInt64
		status                       string
	)
	err := row.Scan(
		&b.ID, &uid, &startAt, &endAt, &b.Timezone, &status, &expiresAt, &b.Locale, &contact, &roi,
		&confirmed, &cancel, &reason, &toID, &fromID,
		&createdAt, &updatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}

	b.UID = uid.String
	b.StartAt = fromMillis(startAt)
	b.EndAt = fromMillis(endAt)
	b.Status = models.Status(status)
	b.ExpiresAt = timePtr(expiresAt)
	b.ConfirmedAt = timePtr(confirmed)
	b.CancelledAt = timePtr(cancel)
	b.CancelReason = reason.String
	b.RescheduledToID = toID.String
	b.RescheduledFromID = fromID.String
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)

	if contact.Valid {
		b.Contact = &models.Contact{}
		if err := json.Unmarshal([]byte(contact.String), b.Contact); err != nil {
			return nil, fmt.Errorf("failed to decode contact of booking %s: %w", b.ID, err)
		}
	}
	if roi.Valid {
		b.ROI = &models.ROI{}
		if err := json.Unmarshal([]byte(roi.String), b.ROI); err != nil {
			return nil, fmt.Errorf("failed to decode roi of booking %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func encodeJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func bookingJSON(b *models.Booking) (contact, roi sql.NullString, err error) {
	contact, err = encodeJSON(b.Contact, b.Contact == nil)
	if err != nil {
		return contact, roi, fmt.Errorf("failed to encode contact: %w", err)
	}
	roi, err = encodeJSON(b.ROI, b.ROI.Empty())
	if err != nil {
		return contact, roi, fmt.Errorf("failed to encode roi: %w", err)
	}
	return contact, roi, nil
}

func getBooking(ctx context.Context, q querier, id string) (*models.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: booking %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// ExpireHolds moves every HELD booking with expires_at <= now to EXPIRED.
func (t *Tx) ExpireHolds(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE bookings
        SET status = 'EXPIRED', expires_at = NULL, updated_at = ?, version = version + 1
        WHERE status = 'HELD' AND expires_at <= ?`,
		toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire holds: %w", err)
	}
	return res.RowsAffected()
}

// SlotOccupied reports whether a booking other than excludeID blocks startAt.
// Holds past their expiry do not count even before a sweep.
func (t *Tx) SlotOccupied(ctx context.Context, startAt time.Time, excludeID string, now time.Time) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM bookings
        WHERE start_at = ? AND id <> ?
        AND (status = 'CONFIRMED' OR (status = 'HELD' AND expires_at > ?))`,
		toMillis(startAt), excludeID, toMillis(now)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check slot: %w", err)
	}
	return n > 0, nil
}

func (t *Tx) InsertBooking(ctx context.Context, b *models.Booking) error {
	contact, roi, err := bookingJSON(b)
	if err != nil {
		return err
	}
	if b.Version == 0 {
		b.Version = 1
	}
	_, err = t.tx.ExecContext(ctx, `
        INSERT INTO bookings (`+bookingColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, nullString(b.UID), toMillis(b.StartAt), toMillis(b.EndAt), b.Timezone, string(b.Status),
		nullMillis(b.ExpiresAt), b.Locale, contact, roi,
		nullMillis(b.ConfirmedAt), nullMillis(b.CancelledAt), nullString(b.CancelReason),
		nullString(b.RescheduledToID), nullString(b.RescheduledFromID),
		toMillis(b.CreatedAt), toMillis(b.UpdatedAt), b.Version,
	)
	if err != nil {
		if translated := translateConstraint(err); translated != err {
			return translated
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// UpdateBooking writes every mutable column of b, guarded by its version.
// On success b.Version is advanced.
func (t *Tx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	contact, roi, err := bookingJSON(b)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
        UPDATE bookings SET
            uid = ?, start_at = ?, end_at = ?, status = ?, expires_at = ?, locale = ?,
            contact = ?, roi = ?, confirmed_at = ?, cancelled_at = ?, cancel_reason = ?,
            rescheduled_to_id = ?, rescheduled_from_id = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?`,
		nullString(b.UID), toMillis(b.StartAt), toMillis(b.EndAt), string(b.Status), nullMillis(b.ExpiresAt), b.Locale,
		contact, roi, nullMillis(b.ConfirmedAt), nullMillis(b.CancelledAt), nullString(b.CancelReason),
		nullString(b.RescheduledToID), nullString(b.RescheduledFromID), toMillis(b.UpdatedAt),
		b.ID, b.Version,
	)
	if err != nil {
		if translated := translateConstraint(err); translated != err {
			return translated
		}
		return fmt.Errorf("failed to update booking: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	b.Version++
	return nil
}

func (t *Tx) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return getBooking(ctx, t.tx, id)
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return getBooking(ctx, db, id)
}

// ListBookings returns bookings starting in [from, to), ordered by start.
func (db *DB) ListBookings(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT `+bookingColumns+` FROM bookings
        WHERE start_at >= ? AND start_at < ?
        ORDER BY start_at, created_at`,
		toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// ListOccupancy returns the bookings blocking slots that start in [from, to)
// as of now. Holds carry their expiry so callers can re-evaluate them later.
func (db *DB) ListOccupancy(ctx context.Context, from, to, now time.Time) ([]models.Occupancy, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT start_at, expires_at FROM bookings
        WHERE start_at >= ? AND start_at < ?
        AND (status = 'CONFIRMED' OR (status = 'HELD' AND expires_at > ?))
        ORDER BY start_at`,
		toMillis(from), toMillis(to), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list occupancy: %w", err)
	}
	defer rows.Close()

	occ := []models.Occupancy{}
	for rows.Next() {
		var start int64
		var until sql.NullInt64
		if err := rows.Scan(&start, &until); err != nil {
			return nil, fmt.Errorf("failed to scan occupancy: %w", err)
		}
		occ = append(occ, models.Occupancy{StartAt: fromMillis(start), Until: timePtr(until)})
	}
	return occ, rows.Err()
}
