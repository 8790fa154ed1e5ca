package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bcnelson/instance-rental/internal/auth"
	"github.com/bcnelson/instance-rental/internal/domain"
)

// LoginProvider runs the authorization code flow.
type LoginProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, nonce string) (*auth.ExchangeResult, error)
}

// LoginHandler handles browser logins and stores the identity in a session
// cookie accepted by the API.
type LoginHandler struct {
	provider   LoginProvider
	states     *auth.StateStore
	sessions   *auth.SessionManager
	claims     auth.ClaimNames
	adminGroup string
	landing    string
	logger     *slog.Logger
}

// NewLoginHandler creates a new LoginHandler. landing is where a completed
// login redirects when the login request named no return path.
func NewLoginHandler(provider LoginProvider, states *auth.StateStore, sessions *auth.SessionManager,
	claims auth.ClaimNames, adminGroup, landing string, logger *slog.Logger) *LoginHandler {
	if landing == "" {
		landing = "/"
	}
	return &LoginHandler{
		provider:   provider,
		states:     states,
		sessions:   sessions,
		claims:     claims,
		adminGroup: adminGroup,
		landing:    landing,
		logger:     logger,
	}
}

// localPath accepts only same-origin absolute paths.
func localPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, `\`) {
		return ""
	}
	return p
}

// Login redirects to the identity provider.
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	stateData, err := h.states.Generate(w, localPath(r.URL.Query().Get("return_to")))
	if err != nil {
		h.logger.Error("failed to generate OIDC state", "error", err)
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "failed to initiate login", nil)
		return
	}
	http.Redirect(w, r, h.provider.AuthCodeURL(stateData.State, stateData.Nonce), http.StatusSeeOther)
}

// Callback completes the login and creates the session.
func (h *LoginHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = errParam
		}
		h.logger.Info("OIDC provider returned error", "error", errParam, "description", desc)
		respondError(w, http.StatusUnauthorized, domain.KindAuthentication.Code(), desc, nil)
		return
	}

	code := q.Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "no authorization code received", nil)
		return
	}

	stateData, err := h.states.Validate(r, q.Get("state"))
	if err != nil {
		h.logger.Info("OIDC state validation failed", "error", err)
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid state parameter", nil)
		return
	}
	h.states.Clear(w)

	result, err := h.provider.Exchange(r.Context(), code, stateData.Nonce)
	if err != nil {
		h.logger.Warn("OIDC token exchange failed", "error", err)
		respondError(w, http.StatusUnauthorized, domain.KindAuthentication.Code(), "failed to complete authentication", nil)
		return
	}

	id, err := auth.IdentityFromClaims(result.Claims, h.claims, h.adminGroup)
	if err != nil {
		h.logger.Info("OIDC claims rejected", "error", err)
		handleError(w, r, h.logger, err)
		return
	}

	if err := h.sessions.Create(w, &auth.Session{Identity: *id, TokenExpiry: result.Expiry}); err != nil {
		h.logger.Error("failed to create session", "error", err)
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "failed to create session", nil)
		return
	}

	h.logger.Info("login completed", "email", id.Email, "superuser", id.IsSuperuser)
	target := stateData.ReturnTo
	if target == "" {
		target = h.landing
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Logout clears the session.
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}
