package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// Extractor resolves the caller of a request.
type Extractor interface {
	Identity(r *http.Request) (*domain.Identity, error)
}

// ClaimNames maps identity fields to token claim names.
type ClaimNames struct {
	Email    string
	Username string
	Groups   string
}

// DefaultClaimNames returns the claim names issued by the default identity provider.
func DefaultClaimNames() ClaimNames {
	return ClaimNames{Email: "email", Username: "name", Groups: "groups"}
}

func (n ClaimNames) withDefaults() ClaimNames {
	d := DefaultClaimNames()
	if n.Email == "" {
		n.Email = d.Email
	}
	if n.Username == "" {
		n.Username = d.Username
	}
	if n.Groups == "" {
		n.Groups = d.Groups
	}
	return n
}

// IdentityFromClaims builds the caller identity from decoded token claims.
// Membership in adminGroup grants superuser.
func IdentityFromClaims(claims map[string]any, names ClaimNames, adminGroup string) (*domain.Identity, error) {
	names = names.withDefaults()

	email := stringClaim(claims, names.Email)
	if email == "" {
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, fmt.Sprintf("The token is missing the '%s' claim value.", names.Email))
	}
	username := stringClaim(claims, names.Username)
	if username == "" {
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, fmt.Sprintf("The token is missing the '%s' claim value.", names.Username))
	}
	groups, err := ParseGroups(claims[names.Groups])
	if err != nil {
		return nil, domain.Wrap(domain.KindAuthentication, err, fmt.Sprintf("The token has an invalid '%s' claim value.", names.Groups))
	}
	if len(groups) == 0 {
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, fmt.Sprintf("The token is missing the '%s' claim value.", names.Groups))
	}

	return &domain.Identity{
		Email:       email,
		Username:    username,
		Groups:      groups,
		IsSuperuser: adminGroup != "" && slices.Contains(groups, adminGroup),
	}, nil
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

// ParseGroups normalizes a groups claim. It accepts a JSON array, a string
// holding a JSON array, a bracketed space-separated list such as "[a b]",
// and a comma-joined string. A nil value yields no groups.
func ParseGroups(v any) ([]string, error) {
	var raw []string
	switch g := v.(type) {
	case nil:
		return nil, nil
	case []string:
		raw = g
	case []any:
		for _, item := range g {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: group %v is not a string", domain.ErrInvalidInput, item)
			}
			raw = append(raw, s)
		}
	case string:
		raw = splitGroups(strings.TrimSpace(g))
	default:
		return nil, fmt.Errorf("%w: unsupported groups claim type %T", domain.ErrInvalidInput, v)
	}

	var out []string
	for _, s := range raw {
		s = strings.Trim(strings.TrimSpace(s), `"`)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var arr []string
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return arr
		}
		return strings.FieldsFunc(s[1:len(s)-1], func(r rune) bool {
			return r == ' ' || r == ','
		})
	}
	return strings.Split(s, ",")
}

// RequestContextHeader carries the gateway authorizer context.
const RequestContextHeader = "X-Amzn-Request-Context"

// HeaderExtractor reads claims that a trusted API gateway has already
// verified and forwarded in the request context header.
type HeaderExtractor struct {
	Header     string
	Claims     ClaimNames
	AdminGroup string
}

// NewHeaderExtractor creates an extractor for gateway-verified claims.
func NewHeaderExtractor(claims ClaimNames, adminGroup string) *HeaderExtractor {
	return &HeaderExtractor{
		Header:     RequestContextHeader,
		Claims:     claims,
		AdminGroup: adminGroup,
	}
}

type gatewayContext struct {
	Authorizer struct {
		JWT struct {
			Claims map[string]any `json:"claims"`
		} `json:"jwt"`
	} `json:"authorizer"`
}

// Identity implements Extractor.
func (e *HeaderExtractor) Identity(r *http.Request) (*domain.Identity, error) {
	header := e.Header
	if header == "" {
		header = RequestContextHeader
	}
	value := r.Header.Get(header)
	if value == "" {
		return nil, domain.Wrap(domain.KindAuthentication, domain.ErrNoIdentity, "missing request context header")
	}

	var gw gatewayContext
	if err := json.Unmarshal([]byte(value), &gw); err != nil {
		return nil, domain.Wrap(domain.KindAuthentication, err, "invalid request context header")
	}
	return IdentityFromClaims(gw.Authorizer.JWT.Claims, e.Claims, e.AdminGroup)
}
