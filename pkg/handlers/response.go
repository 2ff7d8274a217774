package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// StatusForKind maps a governance rejection kind to its HTTP status.
// RateLimited and Backpressure are retryable and say so via 429/503.
func StatusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindBackpressure:
		return http.StatusServiceUnavailable
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindAuditDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GovernanceError writes the typed rejection for err. Only the stable
// kind crosses the boundary; causes stay in the server logs.
func GovernanceError(w http.ResponseWriter, err error) error {
	kind := apperrors.KindOf(err)
	return ErrorResponse(w, StatusForKind(kind), string(kind), messageForKind(kind))
}

func messageForKind(kind apperrors.Kind) string {
	switch kind {
	case apperrors.KindUnauthorized:
		return "invalid or expired credential"
	case apperrors.KindRateLimited:
		return "rate limit exceeded; retry after the current minute"
	case apperrors.KindBackpressure:
		return "connection pool saturated; retry later"
	case apperrors.KindForbidden:
		return "operation denied by row policy"
	case apperrors.KindAuditDegraded:
		return "audit trail unavailable; writes suspended"
	default:
		return "internal error"
	}
}
