package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// SessionCookieName is the name of the login session cookie.
const SessionCookieName = "rental_session"

// SessionManager stores the caller identity in an encrypted cookie after a
// browser login.
type SessionManager struct {
	*sealer
	duration time.Duration
}

// Session is the data stored in the session cookie.
type Session struct {
	Identity    domain.Identity `json:"identity"`
	TokenExpiry time.Time       `json:"token_expiry,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewSessionManager creates a new session manager with the given encryption key.
// The key must be exactly 32 bytes for AES-256.
func NewSessionManager(key []byte, duration time.Duration, secure bool) (*SessionManager, error) {
	s, err := newSealer(key, "session", secure)
	if err != nil {
		return nil, err
	}
	return &SessionManager{sealer: s, duration: duration}, nil
}

// Create writes the session cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, session *Session) error {
	now := time.Now()
	session.CreatedAt = now
	session.ExpiresAt = now.Add(sm.duration)

	value, err := sm.seal(session)
	if err != nil {
		return err
	}
	http.SetCookie(w, sm.cookie(SessionCookieName, value, int(sm.duration.Seconds())))
	return nil
}

// Get returns the unexpired session carried by the request.
func (sm *SessionManager) Get(r *http.Request) (*Session, error) {
	var session Session
	if err := sm.open(r, SessionCookieName, &session); err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("session expired")
	}
	return &session, nil
}

// Clear clears the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie(SessionCookieName, "", -1))
}

// ConstantTimeCompare performs a constant-time comparison of two strings.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
