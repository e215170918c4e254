package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/config"
	"clinicbook/internal/database"
	"clinicbook/internal/domain"
	"clinicbook/internal/models"
	"clinicbook/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// Sunday 2026-02-01, 11:00 in Berlin.
var baseNow = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

type testAPI struct {
	handler http.Handler
	clock   *clock.Manual
	db      *database.DB
}

func newTestAPI(t *testing.T, mutate func(*config.APIConfig)) *testAPI {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	booking := config.DefaultBooking()
	booking.DayEnd = "21:00"
	booking.ClosedWeekdays = []string{"sunday"}
	policy, err := booking.Policy()
	require.NoError(t, err)

	clk := clock.NewManual(baseNow)
	svc := service.NewBookingService(db, policy, service.Options{Clock: clk}, &logger)

	cfg := config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys: []config.APIClientKey{
				{Key: "admin-key", Name: "office", Permissions: []string{permAdminBookings, permAdminExport}},
				{Key: "desk-key", Name: "front desk", Permissions: []string{permAdminBookings}},
			},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewHTTPServer(cfg, svc, db, &logger)
	return &testAPI{handler: srv.Handler(), clock: clk, db: db}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decode[errorBody](t, rec).Code)
}

func (a *testAPI) hold(t *testing.T, date, hhmm string) service.HoldResult {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/bookings/hold",
		map[string]string{"date": date, "time": hhmm, "timezone": "Europe/Berlin", "locale": "de"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[service.HoldResult](t, rec)
}

func (a *testAPI) confirm(t *testing.T, session string) service.ConfirmResult {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/bookings/confirm", map[string]any{
		"session_token": session,
		"contact":       map[string]string{"name": "Ana Weber", "email": "ana@clinic.example"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[service.ConfirmResult](t, rec)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := api.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	logger := zerolog.Nop()
	down := NewHTTPServer(config.APIConfig{}, nil, failingPinger{}, &logger)
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("disk gone") }

func TestCustomerFlow(t *testing.T) {
	api := newTestAPI(t, nil)

	held := api.hold(t, "2026-02-04", "09:30")
	assert.Equal(t, models.StatusHeld, held.Booking.Status)
	assert.Equal(t, models.TokenSession, held.SessionToken.Kind)
	require.NotEmpty(t, held.SessionToken.Secret)

	confirmed := api.confirm(t, held.SessionToken.Secret)
	assert.Equal(t, models.StatusConfirmed, confirmed.Booking.Status)
	assert.NotEmpty(t, confirmed.Booking.UID)
	assert.False(t, confirmed.AlreadyConfirmed)

	rec := api.do(t, http.MethodPost, "/api/v1/bookings/lookup", map[string]string{"token": confirmed.CancelToken.Secret}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lookup := decode[service.LookupResult](t, rec)
	assert.Equal(t, held.Booking.ID, lookup.Booking.ID)
	assert.Equal(t, models.TokenCancel, lookup.TokenKind)

	rec = api.do(t, http.MethodGet, "/api/v1/availability?date=2026-02-04", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[service.AvailabilityResult](t, rec)
	assert.Equal(t, "Europe/Berlin", avail.Timezone)
	for _, s := range avail.Slots {
		if s.Time == "09:30" {
			assert.False(t, s.Available)
		}
		if s.Time == "10:00" {
			assert.True(t, s.Available)
		}
	}

	rec = api.do(t, http.MethodPost, "/api/v1/bookings/reschedule", map[string]string{
		"token": confirmed.RescheduleToken.Secret, "date": "2026-02-04", "time": "10:00", "timezone": "Europe/Berlin",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[service.RescheduleResult](t, rec)
	assert.Equal(t, models.StatusRescheduled, moved.Previous.Status)
	assert.Equal(t, "10:00", moved.Booking.Time)
	assert.Equal(t, held.Booking.ID, moved.Booking.RescheduledFromID)

	rec = api.do(t, http.MethodPost, "/api/v1/bookings/cancel", map[string]string{"token": moved.CancelToken.Secret}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[service.CancelResult](t, rec)
	assert.Equal(t, models.StatusCancelled, cancelled.Booking.Status)

	rec = api.do(t, http.MethodPost, "/api/v1/bookings/cancel", map[string]string{"token": moved.CancelToken.Secret}, "")
	assertError(t, rec, http.StatusGone, domain.CodeTokenUsed)
}

func TestCustomerErrors(t *testing.T) {
	api := newTestAPI(t, nil)
	held := api.hold(t, "2026-02-04", "09:30")

	t.Run("SlotTaken", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/hold",
			map[string]string{"date": "2026-02-04", "time": "09:30", "timezone": "Europe/Berlin"}, "")
		assertError(t, rec, http.StatusConflict, domain.CodeSlotTaken)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/hold",
			map[string]string{"date": "2026-02-04", "time": "09:45", "timezone": "Europe/Berlin"}, "")
		assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
	})

	t.Run("WrongTimezone", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/hold",
			map[string]string{"date": "2026-02-04", "time": "10:00", "timezone": "America/New_York"}, "")
		assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/hold", "{", "")
		assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
	})

	t.Run("UnknownField", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/cancel", `{"token":"x","extra":1}`, "")
		assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
	})

	t.Run("MissingDate", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/v1/availability", nil, "")
		assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
	})

	t.Run("TokenInvalid", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/cancel", map[string]string{"token": "bogus"}, "")
		assertError(t, rec, http.StatusNotFound, domain.CodeTokenInvalid)
	})

	t.Run("WrongKindIsInvalid", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/cancel", map[string]string{"token": held.SessionToken.Secret}, "")
		assertError(t, rec, http.StatusNotFound, domain.CodeTokenInvalid)
	})

	t.Run("InvalidContact", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/bookings/confirm", map[string]any{
			"session_token": held.SessionToken.Secret,
			"contact":       map[string]string{"name": "Ana", "email": "not-an-email"},
		}, "")
		assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/v1/bookings/hold", nil, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestSessionExpiry(t *testing.T) {
	api := newTestAPI(t, nil)
	held := api.hold(t, "2026-02-04", "09:30")

	api.clock.Advance(31 * time.Minute)
	rec := api.do(t, http.MethodPost, "/api/v1/bookings/confirm", map[string]any{
		"session_token": held.SessionToken.Secret,
		"contact":       map[string]string{"name": "Ana Weber", "email": "ana@clinic.example"},
	}, "")
	assertError(t, rec, http.StatusGone, domain.CodeTokenExpired)
}

func TestSameDayCutoff(t *testing.T) {
	api := newTestAPI(t, nil)
	api.clock.Set(time.Date(2026, 2, 4, 18, 30, 0, 0, time.UTC))

	rec := api.do(t, http.MethodPost, "/api/v1/bookings/hold",
		map[string]string{"date": "2026-02-04", "time": "20:00", "timezone": "Europe/Berlin"}, "")
	assertError(t, rec, http.StatusUnprocessableEntity, domain.CodeSameDayCutoff)
}

func TestAdminAuth(t *testing.T) {
	api := newTestAPI(t, nil)
	const list = "/api/v1/admin/bookings?from=2026-02-01&to=2026-02-28"
	const export = "/api/v1/admin/bookings/export?from=2026-02-01&to=2026-02-28"

	assertError(t, api.do(t, http.MethodGet, list, nil, ""), http.StatusUnauthorized, codeUnauthorized)
	assertError(t, api.do(t, http.MethodGet, list, nil, "wrong"), http.StatusUnauthorized, codeUnauthorized)
	assertError(t, api.do(t, http.MethodGet, export, nil, "desk-key"), http.StatusForbidden, codeForbidden)

	rec := api.do(t, http.MethodGet, list, nil, "desk-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	open := newTestAPI(t, func(cfg *config.APIConfig) { cfg.Auth.Enabled = false })
	rec = open.do(t, http.MethodGet, list, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminOperations(t *testing.T) {
	api := newTestAPI(t, nil)
	held := api.hold(t, "2026-02-04", "09:30")
	confirmed := api.confirm(t, held.SessionToken.Secret)
	id := confirmed.Booking.ID

	rec := api.do(t, http.MethodGet, "/api/v1/admin/bookings/"+id, nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	details := decode[service.BookingDetails](t, rec)
	assert.Equal(t, id, details.Booking.ID)
	require.Len(t, details.Events, 1)
	assert.Equal(t, "BOOKING_CONFIRMED", details.Events[0].Type)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/bookings/"+id+"/reschedule",
		map[string]string{"date": "2026-02-05", "time": "11:00"}, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[service.AdminRescheduleResult](t, rec)
	assert.Equal(t, id, moved.Booking.ID)
	assert.Equal(t, "2026-02-05", moved.Booking.Date)
	assert.Equal(t, "11:00", moved.Booking.Time)
	assert.Equal(t, "09:30", moved.Previous.Time)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/bookings?from=2026-02-05&to=2026-02-05", nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Bookings []models.Booking `json:"bookings"`
	}](t, rec)
	require.Len(t, listed.Bookings, 1)
	assert.Equal(t, id, listed.Bookings[0].ID)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/bookings/"+id+"/cancel", map[string]string{"reason": "doctor ill"}, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[struct {
		Booking models.BookingView `json:"booking"`
	}](t, rec)
	assert.Equal(t, models.StatusCancelled, cancelled.Booking.Status)

	rec = api.do(t, http.MethodPost, "/api/v1/admin/bookings/"+id+"/cancel", map[string]string{}, "admin-key")
	assertError(t, rec, http.StatusConflict, domain.CodeBookingTerminal)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/bookings/missing", nil, "admin-key")
	assertError(t, rec, http.StatusNotFound, domain.CodeNotFound)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/bookings?from=2026-02-10&to=2026-02-01", nil, "admin-key")
	assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
}

func TestAdminExport(t *testing.T) {
	api := newTestAPI(t, nil)
	held := api.hold(t, "2026-02-04", "09:30")
	api.confirm(t, held.SessionToken.Secret)

	rec := api.do(t, http.MethodGet, "/api/v1/admin/bookings/export?from=2026-02-01&to=2026-02-28", nil, "admin-key")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, xlsxMIME, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "bookings_2026-02-01_2026-02-28.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Bookings")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/bookings/export?from=bad&to=2026-02-28", nil, "admin-key")
	assertError(t, rec, http.StatusBadRequest, domain.CodeInvalidInput)
}

func TestHTTPRateLimit(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.APIConfig) {
		cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	})

	rec := api.do(t, http.MethodGet, "/api/v1/availability?date=2026-02-04", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/availability?date=2026-02-04", nil, "")
	assertError(t, rec, http.StatusTooManyRequests, domain.CodeRateLimited)

	rec = api.do(t, http.MethodGet, "/api/v1/admin/bookings?from=2026-02-01&to=2026-02-02", nil, "admin-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPRateLimitUnknownKeysShareAddressBucket(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.APIConfig) {
		cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	})

	limited := 0
	for i := 0; i < 20; i++ {
		rec := api.do(t, http.MethodGet, "/api/v1/availability?date=2026-02-04", nil, fmt.Sprintf("random-%d", i))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 19, limited)

	// A configured key still gets its own bucket.
	rec := api.do(t, http.MethodGet, "/api/v1/availability?date=2026-02-04", nil, "desk-key")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPClientKey(t *testing.T) {
	auth := NewHTTPAuth(config.APIConfig{Auth: config.APIAuthConfig{
		APIKeys: []config.APIClientKey{{Key: "desk-key"}},
	}})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/availability", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	assert.Equal(t, "ip:203.0.113.7", auth.clientKey(r))

	r.Header.Set("x-api-key", "forged")
	assert.Equal(t, "ip:203.0.113.7", auth.clientKey(r))

	r.Header.Set("x-api-key", "desk-key")
	assert.Equal(t, "key:desk-key", auth.clientKey(r))
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		domain.CodeInvalidInput:    http.StatusBadRequest,
		domain.CodeSameDayCutoff:   http.StatusUnprocessableEntity,
		domain.CodeSlotTaken:       http.StatusConflict,
		domain.CodeBookingNotHeld:  http.StatusConflict,
		domain.CodeBookingTerminal: http.StatusConflict,
		domain.CodeTokenInvalid:    http.StatusNotFound,
		domain.CodeNotFound:        http.StatusNotFound,
		domain.CodeTokenExpired:    http.StatusGone,
		domain.CodeTokenUsed:       http.StatusGone,
		domain.CodeRateLimited:     http.StatusTooManyRequests,
		domain.CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusForCode(code), code)
	}
}
