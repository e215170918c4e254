package google

import (
	"context"
	"fmt"
	"os"
	"time"

	"clinicbook/internal/events"
	"clinicbook/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// AuditSink mirrors every booking event as a row of a Google spreadsheet so
// the clinic staff can follow bookings without database access.
type AuditSink struct {
	service       *sheets.Service
	spreadsheetID string
	sheet         string
	loc           *time.Location
}

// NewAuditSink authenticates with a service account credentials file.
func NewAuditSink(ctx context.Context, credentialsFile, spreadsheetID, sheet string, loc *time.Location) (*AuditSink, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return NewAuditSinkWithService(srv, spreadsheetID, sheet, loc), nil
}

// NewAuditSinkWithService wraps an existing Sheets client.
func NewAuditSinkWithService(srv *sheets.Service, spreadsheetID, sheet string, loc *time.Location) *AuditSink {
	if sheet == "" {
		sheet = "Events"
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AuditSink{service: srv, spreadsheetID: spreadsheetID, sheet: sheet, loc: loc}
}

// TestConnection reads the header cell of the audit sheet.
func (s *AuditSink) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheet+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// Header is the column layout of the audit sheet.
var Header = []interface{}{"Event ID", "Recorded At", "Type", "Booking ID", "UID", "Date", "Time", "Status", "Actor", "Name", "Email", "Reason"}

// EventRow renders one event as a sheet row.
func EventRow(e *models.BookingEvent, loc *time.Location) ([]interface{}, error) {
	p, err := events.DecodePayload(e)
	if err != nil {
		return nil, err
	}
	var name, email string
	if p.Contact != nil {
		name, email = p.Contact.Name, p.Contact.Email
	}
	return []interface{}{
		e.ID,
		e.CreatedAt.In(loc).Format("2006-01-02 15:04:05"),
		e.Type,
		e.BookingID,
		p.UID,
		p.Date,
		p.Time,
		string(p.Status),
		p.Actor,
		name,
		email,
		p.Reason,
	}, nil
}

// AppendEvent adds one row for e.
func (s *AuditSink) AppendEvent(ctx context.Context, e *models.BookingEvent) error {
	row, err := EventRow(e, s.loc)
	if err != nil {
		return err
	}

	valueRange := &sheets.ValueRange{Values: [][]interface{}{row}}
	_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheet+"!A:A", valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append audit row for event %d: %w", e.ID, err)
	}
	return nil
}

// EnsureHeader writes the header row.
func (s *AuditSink) EnsureHeader(ctx context.Context) error {
	valueRange := &sheets.ValueRange{Values: [][]interface{}{Header}}
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheet+"!A1", valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("write audit header: %w", err)
	}
	return nil
}

// Handler adapts the sink to an events.EventHandler.
func (s *AuditSink) Handler() events.EventHandler {
	return s.AppendEvent
}
