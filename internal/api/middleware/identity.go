package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/bcnelson/instance-rental/internal/auth"
	"github.com/bcnelson/instance-rental/internal/domain"
)

type contextKey string

const (
	identityContextKey contextKey = "identity"
	auditContextKey    contextKey = "audit"
)

// Identity resolves the caller with extractor and stores it in the request
// context. Requests without a valid identity are rejected with 401.
func Identity(extractor auth.Extractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := extractor.Identity(r)
			if err != nil {
				message := domain.ErrNoIdentity.Message
				var de *domain.Error
				if errors.As(err, &de) {
					message = de.Message
				}
				writeError(w, http.StatusUnauthorized, domain.KindAuthentication.Code(), message)
				return
			}

			if entry, ok := r.Context().Value(auditContextKey).(*auditEntry); ok {
				entry.caller = id.Email
			}
			ctx := context.WithValue(r.Context(), identityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity returns the caller stored by Identity, or nil.
func GetIdentity(ctx context.Context) *domain.Identity {
	id, _ := ctx.Value(identityContextKey).(*domain.Identity)
	return id
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func contextWithAudit(ctx context.Context, entry *auditEntry) context.Context {
	return context.WithValue(ctx, auditContextKey, entry)
}
