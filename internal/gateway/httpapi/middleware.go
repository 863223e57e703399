package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/jkaninda/isolab/internal/audit"
	"github.com/jkaninda/isolab/internal/session"
	"github.com/jkaninda/okapi"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// correlationMiddleware tags every request with a correlation ID: inbound
// X-Correlation-ID is honored, otherwise a fresh one is generated. The ID
// travels in the request context and is echoed on the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = newCorrelationID()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// correlationID returns the request's correlation ID, or "" outside the
// middleware.
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// authenticate gates the /api group behind the session cookie, and checks
// the CSRF token on every non-GET request. The browser sends the token in
// the X-CSRF-Token header; form posts may carry it as csrf_token instead.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		sess := g.sessionFrom(r)
		if sess == nil {
			return c.JSON(http.StatusUnauthorized, okapi.M{"error": "authentication required"})
		}
		if r.Method != http.MethodGet {
			if !g.sessions.CSRFOk(sess, csrfToken(r)) {
				g.logger.Warn("csrf token mismatch",
					slog.String("user", sess.User),
					slog.String("path", r.URL.Path),
					slog.String("client_ip", clientIP(r)),
				)
				return c.JSON(http.StatusForbidden, okapi.M{"error": "CSRF token mismatch"})
			}
		}
		c.Set("user", sess.User)
		return next(c)
	}
}

// sessionFrom resolves the request's session cookie, nil if absent or
// invalid.
func (g *Gateway) sessionFrom(r *http.Request) *session.Session {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return nil
	}
	sess, err := g.sessions.Verify(cookie.Value)
	if err != nil {
		return nil
	}
	return sess
}

// csrfToken extracts the presented CSRF token: X-CSRF-Token header first,
// csrf_token form field as fallback. JSON bodies are left untouched since
// form parsing only consumes urlencoded and multipart payloads.
func csrfToken(r *http.Request) string {
	if token := r.Header.Get("X-CSRF-Token"); token != "" {
		return token
	}
	return r.PostFormValue("csrf_token")
}

// throttleCreate bounds lab creation per client. It runs ahead of the
// router so the rejection can carry a Retry-After header; everything
// else passes straight through.
func (g *Gateway) throttleCreate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/lab/create" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		ok, retryAfter := g.limiter.Allow("create:"+ip, g.config.CreateLimit, g.config.CreateWindow)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		seconds := int(retryAfter.Seconds())
		g.logger.Warn("create rate limited",
			slog.String("client_ip", ip),
			slog.Int("retry_after_s", seconds),
		)
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.WithLabelValues("create").Inc()
		}
		if g.recorder.Enabled() {
			g.recorder.Record(r.Context(), audit.Event{
				CorrelationID: correlationID(r.Context()),
				Action:        "create",
				Outcome:       audit.OutcomeDenied,
				Detail:        "rate limited",
				ClientIP:      ip,
			})
		}

		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       fmt.Sprintf("Too many create requests. Try again in %ds.", seconds),
			"retry_after": seconds,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP identifies the caller for rate limiting and the audit trail:
// the first X-Forwarded-For entry when present (isolab usually sits behind
// a reverse proxy), the connection's remote host otherwise.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
