package models

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusHeld        Status = "HELD"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCancelled   Status = "CANCELLED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusExpired     Status = "EXPIRED"
)

// Terminal reports whether no customer mutation may follow this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusRescheduled:
		return true
	default:
		return false
	}
}

// TokenKind scopes what a possession token may authorize.
type TokenKind string

const (
	TokenSession    TokenKind = "SESSION"
	TokenCancel     TokenKind = "CANCEL"
	TokenReschedule TokenKind = "RESCHEDULE"
)

// SingleUse reports whether consuming the token invalidates it.
func (k TokenKind) SingleUse() bool {
	return k == TokenCancel || k == TokenReschedule
}

// Valid reports whether k is a known kind.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenSession, TokenCancel, TokenReschedule:
		return true
	default:
		return false
	}
}

const (
	// UIDPrefix starts every human-facing booking code.
	UIDPrefix = "APT-"

	// DefaultLocale is used when a request does not carry one.
	DefaultLocale = "en"
)
