package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"clinicbook/internal/domain"
	"clinicbook/internal/models"
	"clinicbook/internal/service"
)

const (
	maxBodyBytes = 64 << 10
	xlsxMIME     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type holdRequest struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Locale   string `json:"locale"`
}

type confirmRequest struct {
	SessionToken string          `json:"session_token"`
	Locale       string          `json:"locale"`
	Contact      *models.Contact `json:"contact"`
	ROI          *models.ROI     `json:"roi"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type rescheduleRequest struct {
	Token    string `json:"token"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Locale   string `json:"locale"`
}

type adminCancelRequest struct {
	Reason string `json:"reason"`
}

type adminRescheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "date is required")
		return
	}
	res, err := s.svc.GetAvailability(r.Context(), date)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleHold(w http.ResponseWriter, r *http.Request) {
	var body holdRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.CreateHold(r.Context(), service.HoldRequest{
		Date:      body.Date,
		Time:      body.Time,
		Timezone:  body.Timezone,
		Locale:    body.Locale,
		ClientKey: "ip:" + remoteIP(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.Confirm(r.Context(), service.ConfirmRequest{
		SessionToken: body.SessionToken,
		Locale:       body.Locale,
		Contact:      body.Contact,
		ROI:          body.ROI,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.Cancel(r.Context(), body.Token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var body rescheduleRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.Reschedule(r.Context(), service.RescheduleRequest{
		Token:    body.Token,
		Date:     body.Date,
		Time:     body.Time,
		Timezone: body.Timezone,
		Locale:   body.Locale,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLookup takes the token in the body so that it never lands in access
// logs.
func (s *HTTPServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.LookupByToken(r.Context(), body.Token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAdminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bookings, err := s.svc.ListBookings(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")

	var buf bytes.Buffer
	if err := s.svc.ExportBookings(r.Context(), &buf, from, to); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="bookings_%s_%s.xlsx"`, from, to))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *HTTPServer) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	var body adminCancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.AdminCancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": res})
}

func (s *HTTPServer) handleAdminReschedule(w http.ResponseWriter, r *http.Request) {
	var body adminRescheduleRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.svc.AdminReschedule(r.Context(), r.PathValue("id"), body.Date, body.Time)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody reads a JSON object into dst. An empty body decodes to the zero
// value so that the engine reports the missing fields itself.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "invalid JSON body")
		return false
	}
	return true
}

// statusForCode maps the engine error taxonomy onto HTTP.
func statusForCode(code string) int {
	switch code {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeSameDayCutoff:
		return http.StatusUnprocessableEntity
	case domain.CodeSlotTaken, domain.CodeBookingNotHeld, domain.CodeBookingTerminal:
		return http.StatusConflict
	case domain.CodeTokenInvalid, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeTokenExpired, domain.CodeTokenUsed:
		return http.StatusGone
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message, "code": code})
}
