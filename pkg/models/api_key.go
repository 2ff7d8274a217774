package models

import (
	"time"

	"github.com/google/uuid"
)

// SecretPrefix is the fixed prefix of every issued API key secret.
// The authenticator uses it only to dispatch on credential kind; the
// opaque remainder is never parsed.
const SecretPrefix = "sk_ai_"

// APIKey is a long-lived agent credential. Only the SHA-256 hash of the
// secret is ever stored; the raw secret is returned exactly once at
// creation and is not recoverable afterwards.
type APIKey struct {
	ID              uuid.UUID  `json:"id"`
	KeyHash         string     `json:"-"` // hex SHA-256 of the raw secret, unique
	KeyPrefix       string     `json:"key_prefix"` // first chars of the secret, for identification only
	AgentName       string     `json:"agent_name"`
	AgentType       string     `json:"agent_type"` // e.g. 'assistant', 'pipeline', 'human'
	GrantedRole     Role       `json:"granted_role"`
	Permissions     []string   `json:"permissions"`
	RateLimitPerMin int        `json:"rate_limit_per_minute"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// Usable reports whether the key may authenticate a new session at the
// given instant. Revoked and expired keys are permanently unusable.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}
