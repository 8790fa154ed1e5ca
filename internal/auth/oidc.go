package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// OIDCProvider wraps the OIDC provider and OAuth2 config.
type OIDCProvider struct {
	provider       *oidc.Provider
	oauth2Config   *oauth2.Config
	verifier       *oidc.IDTokenVerifier
	allowedDomains []string
}

// NewOIDCProvider creates a new OIDC provider with discovery.
func NewOIDCProvider(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string, scopes, allowedDomains []string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	return &OIDCProvider{
		provider:       provider,
		oauth2Config:   oauth2Config,
		verifier:       verifier,
		allowedDomains: allowedDomains,
	}, nil
}

// AuthCodeURL generates an authorization URL with state and nonce.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(
		state,
		oidc.Nonce(nonce),
	)
}

// Verify checks a raw ID token and returns its claims.
func (p *OIDCProvider) Verify(ctx context.Context, rawIDToken string) (map[string]any, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := p.ValidateEmail(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ExchangeResult contains the result of an authorization code exchange.
type ExchangeResult struct {
	Claims      map[string]any
	RawIDToken  string
	AccessToken string
	Expiry      time.Time
}

// Exchange exchanges an authorization code for tokens and validates the ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, nonce string) (*ExchangeResult, error) {
	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	if idToken.Nonce != nonce {
		return nil, fmt.Errorf("nonce mismatch")
	}

	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := p.ValidateEmail(claims); err != nil {
		return nil, err
	}

	return &ExchangeResult{
		Claims:      claims,
		RawIDToken:  rawIDToken,
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
	}, nil
}

// ValidateEmail enforces the allowed email domains, if any are configured.
func (p *OIDCProvider) ValidateEmail(claims map[string]any) error {
	return checkDomain(stringClaim(claims, "email"), p.allowedDomains)
}

func checkDomain(email string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return fmt.Errorf("invalid email format")
	}
	d := strings.ToLower(parts[1])
	for _, allowed := range allowedDomains {
		if strings.ToLower(allowed) == d {
			return nil
		}
	}
	return fmt.Errorf("email domain %s is not allowed", d)
}

// TokenVerifier checks a raw bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (map[string]any, error)
}

// OIDCExtractor authenticates a request with a bearer ID token, falling back
// to the login session cookie when one is configured.
type OIDCExtractor struct {
	verifier   TokenVerifier
	sessions   *SessionManager
	claims     ClaimNames
	adminGroup string
}

// NewOIDCExtractor creates an extractor. sessions may be nil.
func NewOIDCExtractor(verifier TokenVerifier, sessions *SessionManager, claims ClaimNames, adminGroup string) *OIDCExtractor {
	return &OIDCExtractor{
		verifier:   verifier,
		sessions:   sessions,
		claims:     claims,
		adminGroup: adminGroup,
	}
}

// Identity implements Extractor.
func (e *OIDCExtractor) Identity(r *http.Request) (*domain.Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if e.sessions != nil {
			if session, err := e.sessions.Get(r); err == nil {
				id := session.Identity
				return &id, nil
			}
		}
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, "missing authorization header")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, "invalid authorization header format")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, "empty bearer token")
	}

	claims, err := e.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, domain.Wrap(domain.KindAuthentication, err, "invalid bearer token")
	}
	return IdentityFromClaims(claims, e.claims, e.adminGroup)
}

// GenerateSecureString generates a cryptographically secure random string.
func GenerateSecureString(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
