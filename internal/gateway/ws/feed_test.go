package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/isolab/internal/sandbox"
	"github.com/jkaninda/isolab/internal/session"
)

type fakeLister struct {
	mu   sync.Mutex
	labs []sandbox.Lab
	err  error
}

func (f *fakeLister) List(_ context.Context) ([]sandbox.Lab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labs, f.err
}

func testFeed(t *testing.T, labs Lister) *Feed {
	t.Helper()
	sessions, err := session.NewManager(make([]byte, 32), time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFeed(labs, sessions, 10*time.Millisecond, logger)
}

func TestSnapshotRendersEmptyTableAsArray(t *testing.T) {
	f := testFeed(t, &fakeLister{})

	frame, err := f.snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if string(frame) != "[]" {
		t.Errorf("empty snapshot = %q, want %q", frame, "[]")
	}
}

func TestSnapshotSurfacesListError(t *testing.T) {
	f := testFeed(t, &fakeLister{err: errors.New("engine down")})

	if _, err := f.snapshot(context.Background()); err == nil {
		t.Error("snapshot swallowed the list error")
	}
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	f := testFeed(t, &fakeLister{})

	a := f.subscribe()
	b := f.subscribe()
	defer f.unsubscribe(a)
	defer f.unsubscribe(b)

	f.broadcast([]byte(`[]`))

	for name, ch := range map[string]chan []byte{"a": a, "b": b} {
		select {
		case frame := <-ch:
			if string(frame) != "[]" {
				t.Errorf("subscriber %s got %q", name, frame)
			}
		default:
			t.Errorf("subscriber %s got no frame", name)
		}
	}
}

func TestBroadcastSkipsFullSubscriber(t *testing.T) {
	f := testFeed(t, &fakeLister{})

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	// One more frame than the buffer holds. broadcast must not block.
	for i := 0; i < cap(ch)+1; i++ {
		f.broadcast([]byte(`[]`))
	}
	if got := len(ch); got != cap(ch) {
		t.Errorf("buffered frames = %d, want %d", got, cap(ch))
	}
}

func TestNotifyCoalesces(t *testing.T) {
	f := testFeed(t, &fakeLister{})

	f.Notify()
	f.Notify()
	f.Notify()

	<-f.wake
	select {
	case <-f.wake:
		t.Error("multiple wake signals queued, want coalesced")
	default:
	}
}

func TestHandlerRejectsAnonymous(t *testing.T) {
	f := testFeed(t, &fakeLister{})
	srv := httptest.NewServer(f.Handler())
	defer srv.Close()

	t.Run("no cookie", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("garbage cookie", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "not-a-token"})
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
		}
	})
}

func TestRunSkipsSnapshotWithoutSubscribers(t *testing.T) {
	lister := &fakeLister{}
	calls := 0
	counting := listerFunc(func(ctx context.Context) ([]sandbox.Lab, error) {
		calls++
		return lister.List(ctx)
	})
	f := testFeed(t, counting)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// A few ticks with nobody connected must not touch the engine.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if calls != 0 {
		t.Errorf("List called %d times with no subscribers, want 0", calls)
	}
}

type listerFunc func(ctx context.Context) ([]sandbox.Lab, error)

func (fn listerFunc) List(ctx context.Context) ([]sandbox.Lab, error) { return fn(ctx) }
