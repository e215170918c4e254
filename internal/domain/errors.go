package domain

import "errors"

// Error codes exposed to collaborators. Every failure that crosses the booking
// engine boundary maps to exactly one of these.
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeSameDayCutoff   = "SAME_DAY_CUTOFF"
	CodeSlotTaken       = "SLOT_TAKEN"
	CodeTokenInvalid    = "TOKEN_INVALID"
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeTokenUsed       = "TOKEN_USED"
	CodeBookingNotHeld  = "BOOKING_NOT_HELD"
	CodeBookingTerminal = "BOOKING_TERMINAL"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrSameDayCutoff   = errors.New("same-day booking cutoff reached")
	ErrSlotTaken       = errors.New("slot is already taken")
	ErrTokenInvalid    = errors.New("token is invalid")
	ErrTokenExpired    = errors.New("token has expired")
	ErrTokenUsed       = errors.New("token has already been used")
	ErrBookingNotHeld  = errors.New("booking is not held")
	ErrBookingTerminal = errors.New("booking is in a terminal state")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("too many requests")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, CodeInvalidInput},
	{ErrSameDayCutoff, CodeSameDayCutoff},
	{ErrSlotTaken, CodeSlotTaken},
	{ErrTokenInvalid, CodeTokenInvalid},
	{ErrTokenExpired, CodeTokenExpired},
	{ErrTokenUsed, CodeTokenUsed},
	{ErrBookingNotHeld, CodeBookingNotHeld},
	{ErrBookingTerminal, CodeBookingTerminal},
	{ErrNotFound, CodeNotFound},
	{ErrRateLimited, CodeRateLimited},
}

// CodeOf returns the taxonomy code for err, or INTERNAL when err is not one of
// the known sentinels.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
