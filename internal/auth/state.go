package auth

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// StateCookieName is the name of the login state cookie.
	StateCookieName = "rental_oidc_state"
	// StateCookieMaxAge is how long a login attempt may take, in seconds.
	StateCookieMaxAge = 5 * 60
)

// StateStore keeps the OIDC state and nonce of a pending login.
type StateStore struct {
	*sealer
}

// StateData holds the state and nonce for an OIDC request.
type StateData struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	ReturnTo  string    `json:"return_to,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewStateStore creates a new state store with encryption.
func NewStateStore(key []byte, secure bool) (*StateStore, error) {
	s, err := newSealer(key, "state store", secure)
	if err != nil {
		return nil, err
	}
	return &StateStore{sealer: s}, nil
}

// Generate creates a new state/nonce pair and stores it in a cookie.
func (ss *StateStore) Generate(w http.ResponseWriter, returnTo string) (*StateData, error) {
	state, err := GenerateSecureString(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	nonce, err := GenerateSecureString(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	data := &StateData{
		State:     state,
		Nonce:     nonce,
		ReturnTo:  returnTo,
		ExpiresAt: time.Now().Add(StateCookieMaxAge * time.Second),
	}
	value, err := ss.seal(data)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, ss.cookie(StateCookieName, value, StateCookieMaxAge))
	return data, nil
}

// Validate checks the callback state against the cookie.
func (ss *StateStore) Validate(r *http.Request, state string) (*StateData, error) {
	var data StateData
	if err := ss.open(r, StateCookieName, &data); err != nil {
		return nil, err
	}
	if time.Now().After(data.ExpiresAt) {
		return nil, fmt.Errorf("state expired")
	}
	if !ConstantTimeCompare(data.State, state) {
		return nil, fmt.Errorf("state mismatch")
	}
	return &data, nil
}

// Clear clears the state cookie.
func (ss *StateStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, ss.cookie(StateCookieName, "", -1))
}
