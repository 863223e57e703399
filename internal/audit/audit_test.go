package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "audit.db")}, discardLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, Actor: "admin", Action: "login", Outcome: OutcomeSuccess, ClientIP: "10.0.0.1"},
		{Timestamp: base.Add(time.Minute), Actor: "admin", Action: "create", Lab: "alpha", Outcome: OutcomeSuccess, Detail: "port 2200"},
		{Timestamp: base.Add(2 * time.Minute), Actor: "", Action: "login", Outcome: OutcomeDenied, ClientIP: "10.0.0.9"},
	}
	for _, e := range events {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() = %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].Action != "login" || got[0].Outcome != OutcomeDenied {
		t.Errorf("got[0] = %+v, want the denied login", got[0])
	}
	if got[1].Lab != "alpha" || got[1].Detail != "port 2200" {
		t.Errorf("got[1] = %+v, want the create event", got[1])
	}
	if got[2].Actor != "admin" || got[2].ClientIP != "10.0.0.1" {
		t.Errorf("got[2] = %+v, want the first login", got[2])
	}
}

func TestRecentLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := Event{Timestamp: base.Add(time.Duration(i) * time.Second), Action: "start", Lab: "a", Outcome: OutcomeSuccess}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent(2) = %d events, want 2", len(got))
	}

	got, err = store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Recent(0) = %d events, want all 5 under the default limit", len(got))
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(SQLiteConfig{}, discardLogger()); err == nil {
		t.Fatal("OpenSQLite() error = nil, want path error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, discardLogger()); err == nil {
		t.Fatal("Open() error = nil, want unknown driver error")
	}
}

func TestOpenDefaultsToSQLite(t *testing.T) {
	cfg := Config{SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "audit.db")}}
	store, err := Open(cfg, discardLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()
	if store.Driver() != DriverSQLite {
		t.Errorf("Driver() = %q, want sqlite", store.Driver())
	}
}

type failingStore struct{ err error }

func (f *failingStore) Append(context.Context, Event) error          { return f.err }
func (f *failingStore) Recent(context.Context, int) ([]Event, error) { return nil, f.err }
func (f *failingStore) Close() error                                 { return nil }
func (f *failingStore) Driver() string                               { return "failing" }

func TestRecorderSwallowsAppendFailures(t *testing.T) {
	r := NewRecorder(&failingStore{err: errors.New("disk full")}, discardLogger())
	// Must not panic or surface the error.
	r.Record(context.Background(), Event{Action: "stop", Lab: "a", Outcome: OutcomeFailure})
}

func TestRecorderStampsTimestamp(t *testing.T) {
	store := openTestStore(t)
	r := NewRecorder(store, discardLogger())
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Record(context.Background(), Event{Action: "remove", Lab: "a", Outcome: OutcomeSuccess})

	got, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent() = %d events, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, fixed)
	}
}

func TestRecorderDisabled(t *testing.T) {
	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), Event{Action: "login"})
	if nilRecorder.Enabled() {
		t.Error("nil recorder reports enabled")
	}

	r := NewRecorder(nil, discardLogger())
	r.Record(context.Background(), Event{Action: "login"})
	if r.Enabled() {
		t.Error("recorder without store reports enabled")
	}
	events, err := r.Recent(context.Background(), 5)
	if err != nil || events != nil {
		t.Errorf("Recent() = %v, %v, want nil, nil", events, err)
	}
}
