package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/config"
	"clinicbook/internal/database"
	"clinicbook/internal/domain"
	"clinicbook/internal/events"
	"clinicbook/internal/metrics"
	"clinicbook/internal/models"
	"clinicbook/internal/repository"
	"clinicbook/internal/slots"
	"clinicbook/internal/tokens"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxUIDAttempts bounds the retries after a human-facing code collision.
const maxUIDAttempts = 5

// Options carries the optional collaborators of BookingService.
type Options struct {
	Clock     clock.Clock
	Cache     repository.Cache
	HoldQuota config.QuotaConfig
	CacheTTL  time.Duration
	// OnCommit runs after every commit that appended events.
	OnCommit func()
}

// BookingService is the booking state machine. Every mutating operation runs
// in one store transaction spanning the sweep, the availability check, the
// state write, token issuance and the event append.
type BookingService struct {
	db        *database.DB
	policy    slots.Policy
	clock     clock.Clock
	vault     *tokens.Vault
	sweeper   *slots.Sweeper
	allocator *slots.Allocator
	cache     repository.Cache
	quota     config.QuotaConfig
	cacheTTL  time.Duration
	onCommit  func()
	logger    *zerolog.Logger
}

func NewBookingService(db *database.DB, policy slots.Policy, opts Options, logger *zerolog.Logger) *BookingService {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "booking").Logger()
	return &BookingService{
		db:        db,
		policy:    policy,
		clock:     opts.Clock,
		vault:     tokens.NewVault(),
		sweeper:   slots.NewSweeper(&l),
		allocator: slots.NewAllocator(),
		cache:     opts.Cache,
		quota:     opts.HoldQuota,
		cacheTTL:  opts.CacheTTL,
		onCommit:  opts.OnCommit,
		logger:    &l,
	}
}

// Policy returns the configuration the service was built with.
func (s *BookingService) Policy() slots.Policy {
	return s.policy
}

// HoldRequest asks for a slot. ClientKey identifies the caller for the hold
// quota and may be empty.
type HoldRequest struct {
	Date      string
	Time      string
	Timezone  string
	Locale    string
	ClientKey string
}

type HoldResult struct {
	Booking      models.BookingView `json:"booking"`
	SessionToken models.IssuedToken `json:"session_token"`
}

// CreateHold claims a free slot as a HELD booking and issues its SESSION token.
func (s *BookingService) CreateHold(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	if err := s.policy.CheckZone(req.Timezone); err != nil {
		return nil, err
	}
	target, err := s.policy.Resolve(req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	locale, err := normalizeLocale(req.Locale)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if err := s.policy.CheckBookable(now, target, true); err != nil {
		return nil, err
	}
	if err := s.checkHoldQuota(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	expires := now.Add(s.policy.HoldTTL)
	b := &models.Booking{
		ID:        uuid.NewString(),
		StartAt:   target.StartAt,
		EndAt:     target.EndAt,
		Timezone:  s.policy.ZoneName,
		Status:    models.StatusHeld,
		ExpiresAt: &expires,
		Locale:    locale,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var session models.IssuedToken
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		if err := s.allocator.ClaimSlot(ctx, tx, b, now); err != nil {
			return err
		}
		session, err = s.vault.IssueFor(ctx, tx, models.TokenSession, b.ID, now, s.policy.SessionTokenTTL)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, false, target.DateKey())
	metrics.IncTransition("hold")
	s.logger.Info().Str("booking_id", b.ID).Str("date", target.DateKey()).Str("time", target.Time.String()).Msg("slot held")

	return &HoldResult{Booking: s.view(b), SessionToken: session}, nil
}

type ConfirmRequest struct {
	SessionToken string
	Locale       string
	Contact      *models.Contact
	ROI          *models.ROI
}

type ConfirmResult struct {
	Booking          models.BookingView `json:"booking"`
	CancelToken      models.IssuedToken `json:"cancel_token"`
	RescheduleToken  models.IssuedToken `json:"reschedule_token"`
	AlreadyConfirmed bool               `json:"already_confirmed"`
}

// Confirm turns a HELD booking into CONFIRMED. Repeating it with the same
// session token on a CONFIRMED booking succeeds without rewriting the booking
// or emitting another event.
func (s *BookingService) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	now := s.clock.Now().UTC()
	res := &ConfirmResult{}
	var b *models.Booking

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		tok, err := s.vault.Resolve(ctx, tx, models.TokenSession, req.SessionToken, now)
		if err != nil {
			return err
		}
		b, err = tx.GetBooking(ctx, tok.BookingID)
		if err != nil {
			return err
		}

		manageUntil := s.policy.ManageTokenExpiry(b.EndAt)
		switch b.Status {
		case models.StatusConfirmed:
			res.AlreadyConfirmed = true
		case models.StatusHeld:
			if err := models.ValidateContact(req.Contact, req.ROI); err != nil {
				return err
			}
			locale := b.Locale
			if req.Locale != "" {
				if locale, err = normalizeLocale(req.Locale); err != nil {
					return err
				}
			}
			b.Status = models.StatusConfirmed
			b.ConfirmedAt = &now
			b.ExpiresAt = nil
			b.Locale = locale
			b.Contact = req.Contact
			if !req.ROI.Empty() {
				b.ROI = req.ROI
			}
			b.UpdatedAt = now
			if err := s.assignUIDAndUpdate(ctx, tx, b); err != nil {
				return err
			}
			if err := s.appendEvent(ctx, tx, events.BookingConfirmed, b, events.NewPayload(b, s.policy.Location, events.ActorCustomer), now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: booking is %s", domain.ErrBookingNotHeld, b.Status)
		}

		if err := s.vault.Extend(ctx, tx, tok, manageUntil); err != nil {
			return err
		}
		if res.CancelToken, err = s.vault.Issue(ctx, tx, models.TokenCancel, b.ID, now, manageUntil); err != nil {
			return err
		}
		res.RescheduleToken, err = s.vault.Issue(ctx, tx, models.TokenReschedule, b.ID, now, manageUntil)
		return err
	})
	if err != nil {
		return nil, err
	}

	res.Booking = s.view(b)
	if res.AlreadyConfirmed {
		s.logger.Debug().Str("booking_id", b.ID).Msg("confirm repeated")
		return res, nil
	}
	s.afterCommit(ctx, true, res.Booking.Date)
	metrics.IncTransition("confirm")
	s.logger.Info().Str("booking_id", b.ID).Str("uid", b.UID).Msg("booking confirmed")
	return res, nil
}

type CancelResult struct {
	Booking models.BookingView `json:"booking"`
}

// Cancel cancels a CONFIRMED booking with its single-use CANCEL token.
func (s *BookingService) Cancel(ctx context.Context, cancelToken string) (*CancelResult, error) {
	now := s.clock.Now().UTC()
	var b *models.Booking

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		tok, err := s.vault.Resolve(ctx, tx, models.TokenCancel, cancelToken, now)
		if err != nil {
			return err
		}
		b, err = tx.GetBooking(ctx, tok.BookingID)
		if err != nil {
			return err
		}
		if b.Status.Terminal() {
			return fmt.Errorf("%w: booking is %s", domain.ErrBookingTerminal, b.Status)
		}
		if err := s.vault.ConsumeSingleUse(ctx, tx, tok, now); err != nil {
			return err
		}
		markCancelled(b, now, "")
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, events.BookingCancelled, b, events.NewPayload(b, s.policy.Location, events.ActorCustomer), now)
	})
	if err != nil {
		return nil, err
	}

	view := s.view(b)
	s.afterCommit(ctx, true, view.Date)
	metrics.IncTransition("cancel")
	s.logger.Info().Str("booking_id", b.ID).Msg("booking cancelled")
	return &CancelResult{Booking: view}, nil
}

type RescheduleRequest struct {
	Token    string
	Date     string
	Time     string
	Timezone string
	Locale   string
}

type RescheduleResult struct {
	Previous        models.BookingView `json:"previous"`
	Booking         models.BookingView `json:"booking"`
	SessionToken    models.IssuedToken `json:"session_token"`
	CancelToken     models.IssuedToken `json:"cancel_token"`
	RescheduleToken models.IssuedToken `json:"reschedule_token"`
}

// Reschedule moves a CONFIRMED booking to another slot. The source becomes
// RESCHEDULED and a new CONFIRMED booking carries the contact snapshot over.
func (s *BookingService) Reschedule(ctx context.Context, req RescheduleRequest) (*RescheduleResult, error) {
	if err := s.policy.CheckZone(req.Timezone); err != nil {
		return nil, err
	}
	target, err := s.policy.Resolve(req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if err := s.policy.CheckBookable(now, target, true); err != nil {
		return nil, err
	}

	res := &RescheduleResult{}
	var src, dst *models.Booking

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		tok, err := s.vault.Resolve(ctx, tx, models.TokenReschedule, req.Token, now)
		if err != nil {
			return err
		}
		src, err = tx.GetBooking(ctx, tok.BookingID)
		if err != nil {
			return err
		}
		if src.Status != models.StatusConfirmed {
			return fmt.Errorf("%w: booking is %s", domain.ErrBookingTerminal, src.Status)
		}
		locale := src.Locale
		if req.Locale != "" {
			if locale, err = normalizeLocale(req.Locale); err != nil {
				return err
			}
		}
		if err := s.vault.ConsumeSingleUse(ctx, tx, tok, now); err != nil {
			return err
		}

		// The source releases its slot first so that the same slot can be
		// chosen again.
		dst = &models.Booking{
			ID:                uuid.NewString(),
			StartAt:           target.StartAt,
			EndAt:             target.EndAt,
			Timezone:          s.policy.ZoneName,
			Status:            models.StatusConfirmed,
			Locale:            locale,
			Contact:           src.Contact,
			ROI:               src.ROI,
			ConfirmedAt:       &now,
			RescheduledFromID: src.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		src.Status = models.StatusRescheduled
		src.RescheduledToID = dst.ID
		src.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, src); err != nil {
			return err
		}
		if err := s.claimWithUID(ctx, tx, dst, now); err != nil {
			return err
		}

		manageUntil := s.policy.ManageTokenExpiry(dst.EndAt)
		if res.SessionToken, err = s.vault.Issue(ctx, tx, models.TokenSession, dst.ID, now, manageUntil); err != nil {
			return err
		}
		if res.CancelToken, err = s.vault.Issue(ctx, tx, models.TokenCancel, dst.ID, now, manageUntil); err != nil {
			return err
		}
		if res.RescheduleToken, err = s.vault.Issue(ctx, tx, models.TokenReschedule, dst.ID, now, manageUntil); err != nil {
			return err
		}

		payload := events.NewPayload(dst, s.policy.Location, events.ActorCustomer)
		payload.FromBookingID = src.ID
		payload.ToBookingID = dst.ID
		payload.PreviousStartAt = &src.StartAt
		payload.PreviousEndAt = &src.EndAt
		return s.appendEvent(ctx, tx, events.BookingRescheduled, src, payload, now)
	})
	if err != nil {
		return nil, err
	}

	res.Previous = s.view(src)
	res.Booking = s.view(dst)
	s.afterCommit(ctx, true, res.Previous.Date, res.Booking.Date)
	metrics.IncTransition("reschedule")
	s.logger.Info().Str("from_booking_id", src.ID).Str("to_booking_id", dst.ID).Msg("booking rescheduled")
	return res, nil
}

type LookupResult struct {
	Booking   models.BookingView `json:"booking"`
	TokenKind models.TokenKind   `json:"token_kind"`
}

// LookupByToken identifies a booking from any of its tokens. Used single-use
// tokens still identify their booking.
func (s *BookingService) LookupByToken(ctx context.Context, token string) (*LookupResult, error) {
	now := s.clock.Now().UTC()
	res := &LookupResult{}

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := s.sweeper.Sweep(ctx, tx, now); err != nil {
			return err
		}
		tok, err := s.vault.Lookup(ctx, tx, token, now)
		if err != nil {
			return err
		}
		b, err := tx.GetBooking(ctx, tok.BookingID)
		if err != nil {
			return err
		}
		res.Booking = s.view(b)
		res.TokenKind = tok.Kind
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// assignUIDAndUpdate writes b, drawing a new human-facing code on collision.
// A failed statement leaves the transaction usable.
func (s *BookingService) assignUIDAndUpdate(ctx context.Context, tx *database.Tx, b *models.Booking) error {
	keep := b.UID != ""
	for attempt := 0; attempt < maxUIDAttempts; attempt++ {
		if !keep {
			uid, err := newUID()
			if err != nil {
				return err
			}
			b.UID = uid
		}
		err := tx.UpdateBooking(ctx, b)
		if !errors.Is(err, database.ErrUIDTaken) || keep {
			return err
		}
	}
	return fmt.Errorf("could not assign a unique booking code after %d attempts", maxUIDAttempts)
}

func (s *BookingService) claimWithUID(ctx context.Context, tx *database.Tx, b *models.Booking, now time.Time) error {
	for attempt := 0; attempt < maxUIDAttempts; attempt++ {
		uid, err := newUID()
		if err != nil {
			return err
		}
		b.UID = uid
		err = s.allocator.ClaimSlot(ctx, tx, b, now)
		if !errors.Is(err, database.ErrUIDTaken) {
			return err
		}
	}
	return fmt.Errorf("could not assign a unique booking code after %d attempts", maxUIDAttempts)
}

func (s *BookingService) appendEvent(ctx context.Context, tx *database.Tx, eventType string, owner *models.Booking, payload events.Payload, now time.Time) error {
	e, err := events.NewEvent(eventType, owner.ID, payload, now)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, e)
}

// afterCommit drops cached occupancy for the touched dates and wakes the
// outbox when events were written.
func (s *BookingService) afterCommit(ctx context.Context, emitted bool, dateKeys ...string) {
	if s.cache != nil {
		if err := s.cache.InvalidateOccupancy(ctx, dateKeys...); err != nil {
			s.logger.Warn().Err(err).Strs("dates", dateKeys).Msg("invalidate occupancy cache")
		}
	}
	if emitted && s.onCommit != nil {
		s.onCommit()
	}
}

func (s *BookingService) checkHoldQuota(ctx context.Context, clientKey string) error {
	if s.cache == nil || clientKey == "" || s.quota.Limit <= 0 {
		return nil
	}
	allowed, err := s.cache.CheckRateLimit(ctx, "hold:"+clientKey, s.quota.Limit, s.quota.Window)
	if err != nil {
		s.logger.Warn().Err(err).Msg("hold quota check failed, allowing request")
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: hold quota of %d per %s exceeded", domain.ErrRateLimited, s.quota.Limit, s.quota.Window)
	}
	return nil
}

func (s *BookingService) view(b *models.Booking) models.BookingView {
	return models.NewBookingView(b, s.policy.Location)
}

func markCancelled(b *models.Booking, now time.Time, reason string) {
	b.Status = models.StatusCancelled
	b.ExpiresAt = nil
	b.CancelledAt = &now
	b.CancelReason = reason
	b.UpdatedAt = now
}

var uidEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newUID returns a short human-facing booking code such as APT-K3M9QZ2TXA.
func newUID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate booking code: %w", err)
	}
	return models.UIDPrefix + uidEncoding.EncodeToString(buf)[:10], nil
}

func normalizeLocale(locale string) (string, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return models.DefaultLocale, nil
	}
	if len(locale) > 16 {
		return "", fmt.Errorf("%w: locale %q is too long", domain.ErrInvalidInput, locale)
	}
	for _, r := range locale {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_') {
			return "", fmt.Errorf("%w: locale %q is malformed", domain.ErrInvalidInput, locale)
		}
	}
	return strings.ReplaceAll(locale, "_", "-"), nil
}
