package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"clinicbook/internal/domain"

	"github.com/go-playground/validator/v10"
)

// Contact is the snapshot captured at confirmation.
type Contact struct {
	Name    string `json:"name" validate:"required,max=120"`
	Email   string `json:"email" validate:"required,email,max=254"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=40"`
	Clinic  string `json:"clinic,omitempty" validate:"omitempty,max=160"`
	Message string `json:"message,omitempty" validate:"omitempty,max=2000"`
}

// ROI carries the optional practice figures a prospect entered in the
// calculator before booking.
type ROI struct {
	MonthlyAppointments *int     `json:"monthly_appointments,omitempty" validate:"omitempty,gte=0,lte=1000000"`
	AverageVisitValue   *float64 `json:"average_visit_value,omitempty" validate:"omitempty,gte=0"`
	NoShowRatePercent   *float64 `json:"no_show_rate_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	Currency            string   `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize trims whitespace and canonicalizes the email address.
func (c *Contact) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)
	c.Clinic = strings.TrimSpace(c.Clinic)
	c.Message = strings.TrimSpace(c.Message)
}

// Normalize upper-cases the currency code.
func (r *ROI) Normalize() {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
}

// Empty reports whether no ROI figure was supplied.
func (r *ROI) Empty() bool {
	return r == nil || (r.MonthlyAppointments == nil && r.AverageVisitValue == nil &&
		r.NoShowRatePercent == nil && r.Currency == "")
}

// ValidateContact normalizes and validates the contact and optional ROI data.
// Failures are reported as INVALID_INPUT.
func ValidateContact(c *Contact, roi *ROI) error {
	if c == nil {
		return fmt.Errorf("%w: contact is required", domain.ErrInvalidInput)
	}
	c.Normalize()
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("%w: contact: %s", domain.ErrInvalidInput, formatValidationError(err))
	}
	if roi != nil {
		roi.Normalize()
		if err := validatorInstance().Struct(roi); err != nil {
			return fmt.Errorf("%w: roi: %s", domain.ErrInvalidInput, formatValidationError(err))
		}
	}
	return nil
}

func formatValidationError(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(e.Field()), e.Tag()))
	}
	return strings.Join(msgs, ", ")
}
