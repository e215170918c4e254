package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"clinicbook/internal/config"
	"clinicbook/internal/domain"
	"clinicbook/internal/metrics"
	"clinicbook/internal/models"
	"clinicbook/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BookingService is the booking engine surface the HTTP binding needs.
type BookingService interface {
	GetAvailability(ctx context.Context, dateKey string) (*service.AvailabilityResult, error)
	CreateHold(ctx context.Context, req service.HoldRequest) (*service.HoldResult, error)
	Confirm(ctx context.Context, req service.ConfirmRequest) (*service.ConfirmResult, error)
	Cancel(ctx context.Context, cancelToken string) (*service.CancelResult, error)
	Reschedule(ctx context.Context, req service.RescheduleRequest) (*service.RescheduleResult, error)
	LookupByToken(ctx context.Context, token string) (*service.LookupResult, error)

	AdminCancel(ctx context.Context, bookingID, reason string) (*models.BookingView, error)
	AdminReschedule(ctx context.Context, bookingID, dateKey, hhmm string) (*service.AdminRescheduleResult, error)
	GetBooking(ctx context.Context, bookingID string) (*service.BookingDetails, error)
	ListBookings(ctx context.Context, fromKey, toKey string) ([]*models.Booking, error)
	ExportBookings(ctx context.Context, w io.Writer, fromKey, toKey string) error
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

const adminPrefix = "/api/v1/admin/"

// HTTPServer exposes the booking engine as a JSON API.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    BookingService
	db     Pinger
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc BookingService, db Pinger, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, svc: svc, db: db, log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	mux.HandleFunc("GET /api/v1/availability", srv.handleAvailability)
	mux.HandleFunc("POST /api/v1/bookings/hold", srv.handleHold)
	mux.HandleFunc("POST /api/v1/bookings/confirm", srv.handleConfirm)
	mux.HandleFunc("POST /api/v1/bookings/cancel", srv.handleCancel)
	mux.HandleFunc("POST /api/v1/bookings/reschedule", srv.handleReschedule)
	mux.HandleFunc("POST /api/v1/bookings/lookup", srv.handleLookup)

	mux.HandleFunc("GET /api/v1/admin/bookings", srv.handleAdminList)
	mux.HandleFunc("GET /api/v1/admin/bookings/export", srv.handleAdminExport)
	mux.HandleFunc("GET /api/v1/admin/bookings/{id}", srv.handleAdminGet)
	mux.HandleFunc("POST /api/v1/admin/bookings/{id}/cancel", srv.handleAdminCancel)
	mux.HandleFunc("POST /api/v1/admin/bookings/{id}/reschedule", srv.handleAdminReschedule)

	handler := loggingMiddleware(srv.log, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HTTPAuth provides API-key auth for the staff routes and per-client rate
// limiting for every API route.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg.Auth.APIKeys), limiter: newRateLimiter(&cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled && strings.HasPrefix(r.URL.Path, adminPrefix) {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				code := codeUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
					code = codeForbidden
				}
				writeError(w, statusCode, code, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, domain.CodeRateLimited, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

const (
	codeUnauthorized = "UNAUTHORIZED"
	codeForbidden    = "FORBIDDEN"
)

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerName()))
	if apiKey == "" {
		return errors.New("missing api key header")
	}

	client, ok := a.keys.lookup(apiKey)
	if !ok {
		return errors.New("invalid api key")
	}

	return checkPermissions(client, requiredPermissionHTTP(r))
}

func (a *HTTPAuth) headerName() string {
	if h := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey); h != "" {
		return h
	}
	return apiKeyHeaderDefault
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	if path == adminPrefix+"bookings/export" {
		return permAdminExport
	}
	if strings.HasPrefix(path, adminPrefix) {
		return permAdminBookings
	}
	return ""
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	if !a.limiter.getLimiter(a.clientKey(r)).Allow() {
		return errors.New("rate limit exceeded")
	}
	return nil
}

// clientKey buckets configured API keys by key and everyone else by address.
// Unknown keys never get a bucket of their own.
func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerName())); apiKey != "" {
		if client, ok := a.keys.lookup(apiKey); ok {
			return "key:" + client.Key
		}
	}
	return "ip:" + remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return clientKeyUnknown
}

const requestIDHeader = "X-Request-ID"

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		event := logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", remoteIP(r)).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
