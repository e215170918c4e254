package models

import (
	"errors"
	"testing"
	"time"

	"clinicbook/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateContact(t *testing.T) {
	t.Run("NormalizesAndAccepts", func(t *testing.T) {
		c := &Contact{Name: "  Dr. Ana Ruiz ", Email: " Ana@Clinic.EXAMPLE ", Clinic: " Smile Dental "}
		require.NoError(t, ValidateContact(c, nil))
		assert.Equal(t, "Dr. Ana Ruiz", c.Name)
		assert.Equal(t, "ana@clinic.example", c.Email)
		assert.Equal(t, "Smile Dental", c.Clinic)
	})

	t.Run("MissingContact", func(t *testing.T) {
		err := ValidateContact(nil, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("BadEmail", func(t *testing.T) {
		err := ValidateContact(&Contact{Name: "Ana", Email: "not-an-email"}, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.Contains(t, err.Error(), "email")
	})

	t.Run("MissingName", func(t *testing.T) {
		err := ValidateContact(&Contact{Email: "ana@clinic.example"}, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("ROIRange", func(t *testing.T) {
		rate := 140.0
		err := ValidateContact(&Contact{Name: "Ana", Email: "ana@clinic.example"}, &ROI{NoShowRatePercent: &rate})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.Contains(t, err.Error(), "roi")
	})

	t.Run("ROICurrency", func(t *testing.T) {
		roi := &ROI{Currency: "eur"}
		require.NoError(t, ValidateContact(&Contact{Name: "Ana", Email: "ana@clinic.example"}, roi))
		assert.Equal(t, "EUR", roi.Currency)
	})
}

func TestROIEmpty(t *testing.T) {
	var nilROI *ROI
	assert.True(t, nilROI.Empty())
	assert.True(t, (&ROI{}).Empty())
	n := 10
	assert.False(t, (&ROI{MonthlyAppointments: &n}).Empty())
}

func TestStatusAndKinds(t *testing.T) {
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusRescheduled.Terminal())
	assert.False(t, StatusHeld.Terminal())
	assert.False(t, StatusConfirmed.Terminal())

	assert.True(t, TokenReschedule.SingleUse())
	assert.True(t, TokenCancel.SingleUse())
	assert.False(t, TokenSession.SingleUse())
	assert.False(t, TokenKind("ADMIN").Valid())
}

func TestOccupiesAt(t *testing.T) {
	now := time.Date(2026, 2, 4, 8, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	assert.True(t, (&Booking{Status: StatusConfirmed}).OccupiesAt(now))
	assert.True(t, (&Booking{Status: StatusHeld, ExpiresAt: &future}).OccupiesAt(now))
	assert.False(t, (&Booking{Status: StatusHeld, ExpiresAt: &past}).OccupiesAt(now))
	assert.False(t, (&Booking{Status: StatusHeld, ExpiresAt: &now}).OccupiesAt(now))
	assert.False(t, (&Booking{Status: StatusCancelled}).OccupiesAt(now))

	assert.True(t, Occupancy{}.ActiveAt(now))
	assert.False(t, Occupancy{Until: &past}.ActiveAt(now))
}

func TestNewBookingView(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	start := time.Date(2026, 2, 4, 8, 30, 0, 0, time.UTC)
	b := &Booking{ID: "b1", StartAt: start, EndAt: start.Add(30 * time.Minute), Timezone: "Europe/Berlin", Status: StatusHeld}
	v := NewBookingView(b, loc)

	assert.Equal(t, "2026-02-04", v.Date)
	assert.Equal(t, "09:30", v.Time)
	assert.Equal(t, 30, v.DurationMinutes)
}
