package models

import "time"

// BookingToken is a stored capability. Only the hash of the secret is kept.
type BookingToken struct {
	ID        string     `json:"id"`
	BookingID string     `json:"booking_id"`
	Kind      TokenKind  `json:"kind"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IssuedToken is a freshly minted secret. It exists only in the response that
// created it.
type IssuedToken struct {
	Kind      TokenKind `json:"kind"`
	Secret    string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
