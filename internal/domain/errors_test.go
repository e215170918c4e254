package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrSlotTaken, CodeSlotTaken},
		{fmt.Errorf("%w: time 09:10 is not aligned", ErrInvalidInput), CodeInvalidInput},
		{fmt.Errorf("confirm: %w", ErrTokenExpired), CodeTokenExpired},
		{ErrTokenUsed, CodeTokenUsed},
		{ErrBookingTerminal, CodeBookingTerminal},
		{errors.New("disk I/O error"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err))
	}
}

func TestTokenErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrTokenUsed, ErrTokenExpired))
	assert.False(t, errors.Is(ErrTokenExpired, ErrTokenInvalid))
	assert.NotEqual(t, CodeOf(ErrTokenUsed), CodeOf(ErrTokenExpired))
}
