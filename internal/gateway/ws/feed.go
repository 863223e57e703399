// Package ws streams lab-table snapshots to dashboard browsers over
// WebSocket. Browsers subscribe after loading the page and receive one
// JSON frame per poll tick, plus an immediate frame after every
// mutation, instead of polling the API.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/isolab/internal/sandbox"
	"github.com/jkaninda/isolab/internal/session"
)

// Subprotocol identifies the lab-feed wire format.
const Subprotocol = "isolab-labs-v1"

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 2 * time.Second

// Lister produces the current lab table. Satisfied by sandbox.Manager.
type Lister interface {
	List(ctx context.Context) ([]sandbox.Lab, error)
}

// Feed broadcasts lab snapshots to connected dashboards.
type Feed struct {
	labs     Lister
	sessions *session.Manager
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	wake chan struct{}
}

// NewFeed creates a Feed polling at the given interval (DefaultInterval
// when non-positive). Connections are gated by the same session cookie
// as the dashboard.
func NewFeed(labs Lister, sessions *session.Manager, interval time.Duration, logger *slog.Logger) *Feed {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Feed{
		labs:     labs,
		sessions: sessions,
		logger:   logger,
		interval: interval,
		subs:     make(map[chan []byte]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Notify schedules an immediate snapshot push. Safe from any goroutine;
// pushes already pending coalesce into one.
func (f *Feed) Notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run produces snapshot frames until ctx is cancelled. Nothing is read
// from the container engine while no dashboard is connected.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("lab feed started", slog.String("interval", f.interval.String()))
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("lab feed stopped")
			return
		case <-ticker.C:
		case <-f.wake:
		}

		if f.subscriberCount() == 0 {
			continue
		}
		frame, err := f.snapshot(ctx)
		if err != nil {
			f.logger.Warn("lab snapshot failed", slog.String("error", err.Error()))
			continue
		}
		f.broadcast(frame)
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(f.handleUpgrade)
}

func (f *Feed) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Same session gate as the dashboard; the cookie rides along on the
	// upgrade request.
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess, err := f.sessions.Verify(cookie.Value)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		f.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	f.handleConnection(r.Context(), conn, sess.User)
}

func (f *Feed) handleConnection(ctx context.Context, conn *websocket.Conn, user string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := f.subscribe()
	defer func() {
		f.unsubscribe(ch)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	f.logger.Debug("dashboard subscribed", slog.String("user", user))

	// The feed never expects inbound frames, but close frames only get
	// processed while a read is in flight. The read loop therefore runs
	// for the lifetime of the connection and ends it on any error.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					f.logger.Debug("dashboard disconnected", slog.String("user", user))
				}
				return
			}
		}
	}()

	// Immediate snapshot so the table renders before the first tick.
	if frame, err := f.snapshot(ctx); err == nil {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ch:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

func (f *Feed) subscribe() chan []byte {
	ch := make(chan []byte, 4)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan []byte) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

func (f *Feed) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// broadcast fans a frame out to every subscriber. A subscriber with a
// full buffer skips the frame; the next tick delivers a fresh one.
func (f *Feed) broadcast(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// snapshot renders the current lab table as one JSON frame. An empty
// table renders as [] rather than null so browsers can iterate it.
func (f *Feed) snapshot(ctx context.Context) ([]byte, error) {
	labs, err := f.labs.List(ctx)
	if err != nil {
		return nil, err
	}
	if labs == nil {
		labs = []sandbox.Lab{}
	}
	return json.Marshal(labs)
}
