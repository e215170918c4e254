package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicbook/internal/domain"
	"clinicbook/internal/models"
)

func (t *Tx) InsertToken(ctx context.Context, tok *models.BookingToken) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO booking_tokens (id, booking_id, kind, token_hash, expires_at, used_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.BookingID, string(tok.Kind), tok.TokenHash, toMillis(tok.ExpiresAt),
		nullMillis(tok.UsedAt), toMillis(tok.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// TokenByHash returns the stored token for a hash, or domain.ErrNotFound.
func (t *Tx) TokenByHash(ctx context.Context, hash string) (*models.BookingToken, error) {
	var (
		tok                  models.BookingToken
		kind                 string
		expiresAt, createdAt int64
		usedAt               sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx, `
        SELECT id, booking_id, kind, token_hash, expires_at, used_at, created_at
        FROM booking_tokens WHERE token_hash = ?`, hash).
		Scan(&tok.ID, &tok.BookingID, &kind, &tok.TokenHash, &expiresAt, &usedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	tok.Kind = models.TokenKind(kind)
	tok.ExpiresAt = fromMillis(expiresAt)
	tok.UsedAt = timePtr(usedAt)
	tok.CreatedAt = fromMillis(createdAt)
	return &tok, nil
}

// MarkTokenUsed stamps used_at. It reports false when the token was already
// used.
func (t *Tx) MarkTokenUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE booking_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark token used: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (t *Tx) ExtendToken(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE booking_tokens SET expires_at = ? WHERE id = ?`, toMillis(expiresAt), id)
	if err != nil {
		return fmt.Errorf("failed to extend token: %w", err)
	}
	return nil
}

// ExtendBookingTokens pushes every unused token of a booking out to at least
// expiresAt. Tokens that already live longer are left alone.
func (t *Tx) ExtendBookingTokens(ctx context.Context, bookingID string, expiresAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
        UPDATE booking_tokens SET expires_at = ?
        WHERE booking_id = ? AND used_at IS NULL AND expires_at < ?`,
		toMillis(expiresAt), bookingID, toMillis(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to extend booking tokens: %w", err)
	}
	return nil
}

// TokensForBooking lists the stored tokens of a booking, oldest first.
func (db *DB) TokensForBooking(ctx context.Context, bookingID string) ([]models.BookingToken, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, booking_id, kind, token_hash, expires_at, used_at, created_at
        FROM booking_tokens WHERE booking_id = ? ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []models.BookingToken
	for rows.Next() {
		var (
			tok                  models.BookingToken
			kind                 string
			expiresAt, createdAt int64
			usedAt               sql.NullInt64
		)
		if err := rows.Scan(&tok.ID, &tok.BookingID, &kind, &tok.TokenHash, &expiresAt, &usedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tok.Kind = models.TokenKind(kind)
		tok.ExpiresAt = fromMillis(expiresAt)
		tok.UsedAt = timePtr(usedAt)
		tok.CreatedAt = fromMillis(createdAt)
		out = append(out, tok)
	}
	return out, rows.Err()
}
