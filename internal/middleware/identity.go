package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/vidgen/backend/internal/auth"
	"github.com/vidgen/backend/internal/logging"
)

// TokenVerifier turns an Authorization header into a caller identity.
type TokenVerifier interface {
	VerifyHeader(header string) (auth.Identity, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// verified identity on the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := verifier.VerifyHeader(r.Header.Get("Authorization"))
			if err != nil {
				logging.FromContext(r.Context()).Warn("request rejected", "reason", "authentication", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="vidgen"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			ctx := auth.WithIdentity(r.Context(), id)
			ctx = logging.With(ctx, "user_id", id.UserID)
			if rw, ok := w.(*responseWriter); ok {
				rw.ctx = ctx
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop or the connection address.
func ClientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
