package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/auth"
)

// Authenticator resolves a bearer credential to an identity. Satisfied
// by *auth.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, attempt auth.Attempt) (*auth.Result, error)
}

// RequireIdentity authenticates the bearer credential on every request
// and stores the resolved identity in the request context. Requests
// without a valid credential never reach the wrapped handler; the
// rejection carries its stable kind (unauthorized or rate_limited).
func RequireIdentity(authenticator Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := bearerToken(r)
			if credential == "" {
				writeAuthError(w, http.StatusUnauthorized, apperrors.KindUnauthorized, "missing bearer credential")
				return
			}

			result, err := authenticator.Authenticate(r.Context(), auth.Attempt{
				Credential: credential,
				SourceIP:   clientIP(r),
				UserAgent:  r.UserAgent(),
			})
			if err != nil {
				kind := apperrors.KindOf(err)
				status := http.StatusUnauthorized
				if kind == apperrors.KindRateLimited {
					status = http.StatusTooManyRequests
				}
				writeAuthError(w, status, kind, "authentication failed")
				return
			}

			logger.Debug("Request authenticated",
				zap.String("agent_id", result.Identity.AgentID),
				zap.String("role", string(result.Identity.Role)),
				zap.String("path", r.URL.Path))

			next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), result.Identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAuthError(w http.ResponseWriter, status int, kind apperrors.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": message,
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// First hop is the original client.
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
