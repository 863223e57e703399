// Package session issues and verifies the signed browser session for
// the dashboard operator.
//
// A session token is base64url(JSON payload) + "." + base64url(HMAC).
// The payload carries the username, a per-session CSRF token, and the
// issue time; the HMAC-SHA256 signature is keyed by a secret derived
// from the stored credential, so rotating the credential invalidates
// every outstanding session. Tokens are opaque to the browser and
// carried in an HttpOnly cookie.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CookieName is the session cookie used by the dashboard.
const CookieName = "isolab_session"

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 12 * time.Hour

var (
	// ErrInvalid is returned for tokens that fail structural or
	// signature checks. Tampering is indistinguishable from garbage.
	ErrInvalid = errors.New("invalid session token")
	// ErrExpired is returned for well-signed tokens past their TTL.
	ErrExpired = errors.New("session expired")
)

// Session is a verified session payload.
type Session struct {
	User     string `json:"user"`
	CSRF     string `json:"csrf"`
	IssuedAt int64  `json:"iat"`
}

// Manager signs and verifies session tokens.
type Manager struct {
	key []byte
	ttl time.Duration

	now func() time.Time // swapped in tests
}

// NewManager creates a Manager with the given signing key and TTL.
// A non-positive TTL falls back to DefaultTTL.
func NewManager(key []byte, ttl time.Duration) (*Manager, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("session key too short: %d bytes, want at least 32", len(key))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{key: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue creates a signed token for the user with a fresh CSRF token.
func (m *Manager) Issue(user string) (token, csrf string, err error) {
	sess := Session{
		User:     user,
		CSRF:     uuid.NewString(),
		IssuedAt: m.now().Unix(),
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", "", fmt.Errorf("encoding session: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + m.sign(payload), sess.CSRF, nil
}

// Verify checks the token signature and TTL and returns the payload.
// Every malformed or tampered token yields ErrInvalid; only a correctly
// signed but stale token yields ErrExpired.
func (m *Manager) Verify(token string) (*Session, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalid
	}
	if !hmac.Equal([]byte(m.sign(payload)), []byte(sig)) {
		return nil, ErrInvalid
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, ErrInvalid
	}
	if sess.User == "" || sess.CSRF == "" {
		return nil, ErrInvalid
	}

	issued := time.Unix(sess.IssuedAt, 0)
	now := m.now()
	if issued.After(now) || now.Sub(issued) > m.ttl {
		return nil, ErrExpired
	}
	return &sess, nil
}

// CSRFOk reports whether the presented token matches the session's CSRF
// token. The comparison runs in constant time.
func (m *Manager) CSRFOk(sess *Session, presented string) bool {
	if sess == nil || sess.CSRF == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sess.CSRF), []byte(presented)) == 1
}

func (m *Manager) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
