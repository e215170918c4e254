package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clinicbook/internal/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrUIDTaken reports a collision on the human-facing booking code. Callers
// generate a new code and retry.
var ErrUIDTaken = errors.New("booking uid already in use")

// ErrVersionConflict reports that a booking row changed under an update.
var ErrVersionConflict = errors.New("booking was modified concurrently")

const defaultBusyTimeoutMS = 5000

type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

// Options tunes the sqlite connection.
type Options struct {
	BusyTimeoutMS int
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	return Open(path, Options{}, logger)
}

func Open(path string, opts Options, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busy := opts.BusyTimeoutMS
	if busy <= 0 {
		busy = defaultBusyTimeoutMS
	}
	// Immediate transactions take the write lock at BEGIN so that the
	// check-then-write sequence inside WithTx is serialized across connections.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", path, busy)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("path", path).Msg("database initialized")

	return &DB{DB: sqlDB, path: path, logger: &l}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            uid TEXT UNIQUE,
            start_at INTEGER NOT NULL,
            end_at INTEGER NOT NULL,
            timezone TEXT NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('HELD','CONFIRMED','CANCELLED','RESCHEDULED','EXPIRED')),
            expires_at INTEGER,
            locale TEXT NOT NULL DEFAULT 'en',
            contact TEXT CHECK (contact IS NULL OR json_valid(contact)),
            roi TEXT CHECK (roi IS NULL OR json_valid(roi)),
            confirmed_at INTEGER,
            cancelled_at INTEGER,
            cancel_reason TEXT,
            rescheduled_to_id TEXT REFERENCES bookings(id) DEFERRABLE INITIALLY DEFERRED,
            rescheduled_from_id TEXT REFERENCES bookings(id) DEFERRABLE INITIALLY DEFERRED,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            CHECK (end_at > start_at),
            CHECK ((status = 'HELD') = (expires_at IS NOT NULL))
        )`,
		// At most one active booking per start instant. This index is the
		// arbiter when concurrent requests race for a slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_bookings_active_start
            ON bookings(start_at) WHERE status IN ('HELD','CONFIRMED')`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_start_at ON bookings(start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_expires ON bookings(status, expires_at)`,

		`CREATE TABLE IF NOT EXISTS booking_tokens (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL REFERENCES bookings(id),
            kind TEXT NOT NULL CHECK (kind IN ('SESSION','CANCEL','RESCHEDULE')),
            token_hash TEXT NOT NULL UNIQUE,
            expires_at INTEGER NOT NULL,
            used_at INTEGER,
            created_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_booking_tokens_booking ON booking_tokens(booking_id)`,

		`CREATE TABLE IF NOT EXISTS booking_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id TEXT NOT NULL REFERENCES bookings(id),
            type TEXT NOT NULL,
            payload TEXT NOT NULL CHECK (json_valid(payload)),
            created_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_booking_events_booking ON booking_events(booking_id)`,
		`CREATE TRIGGER IF NOT EXISTS booking_events_no_update
            BEFORE UPDATE ON booking_events
            BEGIN SELECT RAISE(ABORT, 'booking_events is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS booking_events_no_delete
            BEFORE DELETE ON booking_events
            BEGIN SELECT RAISE(ABORT, 'booking_events is append-only'); END`,

		`CREATE TABLE IF NOT EXISTS event_deliveries (
            event_id INTEGER PRIMARY KEY REFERENCES booking_events(id),
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            next_retry_at INTEGER,
            processed_at INTEGER,
            created_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_event_deliveries_status ON event_deliveries(status, next_retry_at)`,

		`CREATE TABLE IF NOT EXISTS event_handler_deliveries (
            event_id INTEGER NOT NULL REFERENCES booking_events(id),
            handler TEXT NOT NULL,
            delivered_at INTEGER NOT NULL,
            PRIMARY KEY (event_id, handler)
        )`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Tx is one store transaction. Every mutating booking operation runs inside
// exactly one Tx.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// translateConstraint maps driver uniqueness violations onto domain errors so
// that no sqlite error type escapes the package.
func translateConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return err
	}
	msg := sqliteErr.Error()
	switch {
	case strings.Contains(msg, "bookings.start_at"):
		return domain.ErrSlotTaken
	case strings.Contains(msg, "bookings.uid"):
		return ErrUIDTaken
	default:
		return err
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
