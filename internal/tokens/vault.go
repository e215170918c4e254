// Package tokens issues and validates possession tokens. Only the SHA-256 of a
// secret is stored; the secret exists in the response that minted it.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"clinicbook/internal/domain"
	"clinicbook/internal/metrics"
	"clinicbook/internal/models"

	"github.com/google/uuid"
)

// secretBytes is the entropy of a token secret.
const secretBytes = 32

// Store is the transactional token persistence the vault works against.
type Store interface {
	InsertToken(ctx context.Context, tok *models.BookingToken) error
	TokenByHash(ctx context.Context, hash string) (*models.BookingToken, error)
	MarkTokenUsed(ctx context.Context, id string, at time.Time) (bool, error)
	ExtendToken(ctx context.Context, id string, expiresAt time.Time) error
}

type Vault struct {
	random io.Reader
}

func NewVault() *Vault {
	return &Vault{random: rand.Reader}
}

// Hash returns the stored form of a secret.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Issue mints a token of kind for bookingID valid until expiresAt.
func (v *Vault) Issue(ctx context.Context, s Store, kind models.TokenKind, bookingID string, now, expiresAt time.Time) (models.IssuedToken, error) {
	if !kind.Valid() {
		return models.IssuedToken{}, fmt.Errorf("unknown token kind %q", kind)
	}

	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(v.random, buf); err != nil {
		return models.IssuedToken{}, fmt.Errorf("generate token secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	tok := &models.BookingToken{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		Kind:      kind,
		TokenHash: Hash(secret),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
	}
	if err := s.InsertToken(ctx, tok); err != nil {
		return models.IssuedToken{}, err
	}
	return models.IssuedToken{Kind: kind, Secret: secret, ExpiresAt: tok.ExpiresAt}, nil
}

// IssueFor mints a token valid for ttl from now.
func (v *Vault) IssueFor(ctx context.Context, s Store, kind models.TokenKind, bookingID string, now time.Time, ttl time.Duration) (models.IssuedToken, error) {
	return v.Issue(ctx, s, kind, bookingID, now, now.Add(ttl))
}

// Resolve finds the token for secret and checks it may authorize a mutation.
// A non-empty kind must match exactly; any mismatch is indistinguishable from
// an unknown token. Used single-use tokens fail with TOKEN_USED before expiry
// is considered.
func (v *Vault) Resolve(ctx context.Context, s Store, kind models.TokenKind, secret string, now time.Time) (*models.BookingToken, error) {
	tok, err := v.find(ctx, s, secret)
	if err != nil {
		return nil, err
	}
	if kind != "" && tok.Kind != kind {
		metrics.IncTokenRejection("kind")
		return nil, domain.ErrTokenInvalid
	}
	if tok.Kind.SingleUse() && tok.UsedAt != nil {
		metrics.IncTokenRejection("used")
		return nil, domain.ErrTokenUsed
	}
	if !tok.ExpiresAt.After(now) {
		metrics.IncTokenRejection("expired")
		return nil, domain.ErrTokenExpired
	}
	return tok, nil
}

// Lookup resolves a token of any kind for read access. Used tokens still
// identify their booking.
func (v *Vault) Lookup(ctx context.Context, s Store, secret string, now time.Time) (*models.BookingToken, error) {
	tok, err := v.find(ctx, s, secret)
	if err != nil {
		return nil, err
	}
	if !tok.ExpiresAt.After(now) {
		metrics.IncTokenRejection("expired")
		return nil, domain.ErrTokenExpired
	}
	return tok, nil
}

// ConsumeSingleUse marks tok used. A token already consumed by a concurrent
// request fails with TOKEN_USED.
func (v *Vault) ConsumeSingleUse(ctx context.Context, s Store, tok *models.BookingToken, now time.Time) error {
	ok, err := s.MarkTokenUsed(ctx, tok.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		metrics.IncTokenRejection("used")
		return domain.ErrTokenUsed
	}
	used := now.UTC()
	tok.UsedAt = &used
	return nil
}

// Extend moves the expiry of tok to expiresAt. It never shortens a token.
func (v *Vault) Extend(ctx context.Context, s Store, tok *models.BookingToken, expiresAt time.Time) error {
	if !expiresAt.After(tok.ExpiresAt) {
		return nil
	}
	if err := s.ExtendToken(ctx, tok.ID, expiresAt.UTC()); err != nil {
		return err
	}
	tok.ExpiresAt = expiresAt.UTC()
	return nil
}

func (v *Vault) find(ctx context.Context, s Store, secret string) (*models.BookingToken, error) {
	if secret == "" {
		metrics.IncTokenRejection("unknown")
		return nil, domain.ErrTokenInvalid
	}
	tok, err := s.TokenByHash(ctx, Hash(secret))
	if errors.Is(err, domain.ErrNotFound) {
		metrics.IncTokenRejection("unknown")
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}
