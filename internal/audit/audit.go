// Package audit keeps an append-only log of operator actions: logins,
// lab lifecycle operations, and denials. Recording is best-effort and
// never blocks the operation being recorded.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event is one recorded operator action.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Action        string    `json:"action"`
	Lab           string    `json:"lab,omitempty"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
}

// Store persists events. Append-only: no update or delete exists.
type Store interface {
	Append(ctx context.Context, event Event) error
	// Recent returns events newest first. Limit defaults to 100.
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
	Driver() string
}

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the audit backend.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"`
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// Recorder writes events without letting persistence failures surface
// into the recorded operation. A nil store disables recording.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder over store. store may be nil.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends the event, stamping the time if unset. Failures are
// logged and dropped.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil || r.store == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if err := r.store.Append(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns the newest events, or nil when recording is disabled.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Event, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.Recent(ctx, limit)
}

// Enabled reports whether events are being persisted.
func (r *Recorder) Enabled() bool { return r != nil && r.store != nil }
