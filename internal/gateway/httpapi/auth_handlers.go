package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/isolab/internal/audit"
	"github.com/jkaninda/isolab/internal/session"
)

// handleLoginPage renders the login form. Clients that already hold a
// valid session go straight to the dashboard.
func (g *Gateway) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if g.sessionFrom(r) != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	g.renderLogin(w, http.StatusOK, "")
}

// handleLogin verifies the submitted credential and issues the session
// cookie. Attempts are rate limited per client before the credential is
// even looked at, so a brute-force loop burns its budget on 429s.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		g.renderLogin(w, http.StatusBadRequest, "Invalid form submission")
		return
	}

	ip := clientIP(r)
	ok, retryAfter := g.limiter.Allow("login:"+ip, g.config.LoginLimit, g.config.LoginWindow)
	if !ok {
		seconds := int(retryAfter.Seconds())
		g.logger.Warn("login rate limited",
			slog.String("client_ip", ip),
			slog.Int("retry_after_s", seconds),
		)
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.WithLabelValues("login").Inc()
		}
		g.recordAuth(r, "", "login", audit.OutcomeDenied, "rate limited")
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		g.renderLogin(w, http.StatusTooManyRequests, fmt.Sprintf("Too many attempts. Try again in %ds.", seconds))
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	if !g.creds.Verify(username, password) {
		g.logger.Warn("login failed",
			slog.String("user", username),
			slog.String("client_ip", ip),
		)
		if g.config.Metrics != nil {
			g.config.Metrics.LoginAttemptsTotal.WithLabelValues("failure").Inc()
		}
		if g.config.Anomaly != nil {
			g.config.Anomaly.RecordLoginFailure(ip)
		}
		g.recordAuth(r, username, "login", audit.OutcomeFailure, "")
		g.renderLogin(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, _, err := g.sessions.Issue(username)
	if err != nil {
		g.logger.Error("issuing session failed", slog.String("error", err.Error()))
		g.renderLogin(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	g.logger.Info("login",
		slog.String("user", username),
		slog.String("client_ip", ip),
	)
	if g.config.Metrics != nil {
		g.config.Metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	}
	g.recordAuth(r, username, "login", audit.OutcomeSuccess, "")

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout clears the session cookie. The signed token simply stops
// being presented; there is no server-side session state to revoke.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := g.sessionFrom(r); sess != nil {
		g.recordAuth(r, sess.User, "logout", audit.OutcomeSuccess, "")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// recordAuth appends an audit event for a browser-route request.
func (g *Gateway) recordAuth(r *http.Request, user, action, outcome, detail string) {
	if !g.recorder.Enabled() {
		return
	}
	g.recorder.Record(r.Context(), audit.Event{
		CorrelationID: correlationID(r.Context()),
		Actor:         user,
		Action:        action,
		Outcome:       outcome,
		Detail:        detail,
		ClientIP:      clientIP(r),
	})
}
