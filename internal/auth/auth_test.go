package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/auth"
	"github.com/bcnelson/instance-rental/internal/domain"
)

func TestParseGroups(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []string
	}{
		{"nil", nil, nil},
		{"json array", []any{"private", "admins"}, []string{"private", "admins"}},
		{"string slice", []string{"private"}, []string{"private"}},
		{"bracket string", "[private admins]", []string{"private", "admins"}},
		{"json string", `["private","admins"]`, []string{"private", "admins"}},
		{"comma joined", "private, admins", []string{"private", "admins"}},
		{"duplicates", "[private private]", []string{"private"}},
		{"single", "private", []string{"private"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.ParseGroups(tt.value)
			if err != nil {
				t.Fatalf("Failed to parse groups: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseGroupsRejectsNonStrings(t *testing.T) {
	if _, err := auth.ParseGroups([]any{"a", 1.0}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, err := auth.ParseGroups(42); err == nil {
		t.Error("Expected error for numeric claim")
	}
}

func TestIdentityFromClaims(t *testing.T) {
	claims := map[string]any{
		"email":  "alice@example.com",
		"name":   "alice",
		"groups": "[private admins]",
	}

	id, err := auth.IdentityFromClaims(claims, auth.ClaimNames{}, "admins")
	if err != nil {
		t.Fatalf("Failed to build identity: %v", err)
	}
	if id.Email != "alice@example.com" || id.Username != "alice" {
		t.Errorf("Unexpected identity %+v", id)
	}
	if !id.IsSuperuser {
		t.Error("Expected admin group member to be superuser")
	}

	id, err = auth.IdentityFromClaims(claims, auth.ClaimNames{}, "other")
	if err != nil {
		t.Fatalf("Failed to build identity: %v", err)
	}
	if id.IsSuperuser {
		t.Error("Expected non-member not to be superuser")
	}
}

func TestIdentityFromClaimsMissing(t *testing.T) {
	base := map[string]any{
		"email":  "alice@example.com",
		"name":   "alice",
		"groups": []any{"private"},
	}

	for _, missing := range []string{"email", "name", "groups"} {
		t.Run(missing, func(t *testing.T) {
			claims := map[string]any{}
			for k, v := range base {
				if k != missing {
					claims[k] = v
				}
			}
			_, err := auth.IdentityFromClaims(claims, auth.DefaultClaimNames(), "")
			if !domain.IsKind(err, domain.KindAuthentication) {
				t.Errorf("Expected authentication error, got %v", err)
			}
		})
	}
}

func TestHeaderExtractor(t *testing.T) {
	ex := auth.NewHeaderExtractor(auth.DefaultClaimNames(), "admins")

	req := httptest.NewRequest("GET", "/api/v1/instance", nil)
	req.Header.Set(auth.RequestContextHeader, `{"authorizer":{"jwt":{"claims":{"email":"bob@example.com","name":"bob","groups":"[private]"}}}}`)

	id, err := ex.Identity(req)
	if err != nil {
		t.Fatalf("Failed to extract identity: %v", err)
	}
	if id.Email != "bob@example.com" {
		t.Errorf("Expected bob@example.com, got %s", id.Email)
	}
	if !slices.Equal(id.Groups, []string{"private"}) {
		t.Errorf("Expected [private], got %v", id.Groups)
	}

	req = httptest.NewRequest("GET", "/api/v1/instance", nil)
	if _, err := ex.Identity(req); !domain.IsKind(err, domain.KindAuthentication) {
		t.Errorf("Expected authentication error, got %v", err)
	}

	req.Header.Set(auth.RequestContextHeader, "not-json")
	if _, err := ex.Identity(req); !domain.IsKind(err, domain.KindAuthentication) {
		t.Errorf("Expected authentication error for bad header, got %v", err)
	}
}

type fakeVerifier struct {
	tokens map[string]map[string]any
}

func (f *fakeVerifier) Verify(_ context.Context, raw string) (map[string]any, error) {
	claims, ok := f.tokens[raw]
	if !ok {
		return nil, errors.New("bad token")
	}
	return claims, nil
}

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestOIDCExtractorBearer(t *testing.T) {
	verifier := &fakeVerifier{tokens: map[string]map[string]any{
		"good": {"email": "alice@example.com", "name": "alice", "groups": []any{"private"}},
	}}
	ex := auth.NewOIDCExtractor(verifier, nil, auth.DefaultClaimNames(), "admins")

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	id, err := ex.Identity(req)
	if err != nil {
		t.Fatalf("Failed to extract identity: %v", err)
	}
	if id.Username != "alice" {
		t.Errorf("Expected alice, got %s", id.Username)
	}

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer bad"} {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if _, err := ex.Identity(req); !domain.IsKind(err, domain.KindAuthentication) {
			t.Errorf("Expected authentication error for %q, got %v", header, err)
		}
	}
}

func TestOIDCExtractorSession(t *testing.T) {
	sessions, err := auth.NewSessionManager(testKey(), time.Hour, false)
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}
	ex := auth.NewOIDCExtractor(&fakeVerifier{}, sessions, auth.DefaultClaimNames(), "")

	rr := httptest.NewRecorder()
	want := domain.Identity{Email: "carol@example.com", Username: "carol", Groups: []string{"private"}}
	if err := sessions.Create(rr, &auth.Session{Identity: want}); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	for _, c := range rr.Result().Cookies() {
		req.AddCookie(c)
	}
	id, err := ex.Identity(req)
	if err != nil {
		t.Fatalf("Failed to extract identity from session: %v", err)
	}
	if id.Email != want.Email || !slices.Equal(id.Groups, want.Groups) {
		t.Errorf("Expected %+v, got %+v", want, id)
	}
}

func TestSessionManagerKeyLength(t *testing.T) {
	if _, err := auth.NewSessionManager([]byte("short"), time.Hour, false); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestSessionTamperedCookie(t *testing.T) {
	sessions, err := auth.NewSessionManager(testKey(), time.Hour, false)
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "dGFtcGVyZWQ"})
	if _, err := sessions.Get(req); err == nil {
		t.Error("Expected error for tampered cookie")
	}
}

func TestStateStore(t *testing.T) {
	states, err := auth.NewStateStore(testKey(), false)
	if err != nil {
		t.Fatalf("Failed to create state store: %v", err)
	}

	rr := httptest.NewRecorder()
	data, err := states.Generate(rr, "/api/v1/param")
	if err != nil {
		t.Fatalf("Failed to generate state: %v", err)
	}

	req := httptest.NewRequest("GET", "/auth/callback", nil)
	for _, c := range rr.Result().Cookies() {
		req.AddCookie(c)
	}

	got, err := states.Validate(req, data.State)
	if err != nil {
		t.Fatalf("Failed to validate state: %v", err)
	}
	if got.Nonce != data.Nonce || got.ReturnTo != "/api/v1/param" {
		t.Errorf("Expected %+v, got %+v", data, got)
	}

	if _, err := states.Validate(req, "other"); err == nil {
		t.Error("Expected state mismatch error")
	}
}
