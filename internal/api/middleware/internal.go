package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// InternalKeyHeader carries the shared key of the internal workflow API.
const InternalKeyHeader = "X-Internal-Key"

// InternalKey admits requests presenting the shared key, either in
// InternalKeyHeader or as a bearer token. An empty key rejects everything.
func InternalKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(InternalKeyHeader)
			if presented == "" {
				presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if key == "" || presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "invalid internal key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
