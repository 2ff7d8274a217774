// Package auth resolves inbound credentials - agent API keys and
// federated identity claims - to an agent identity and role, and records
// every attempt in the audit trail.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ekaya-inc/dbgate/pkg/models"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// IdentityKey is the context key for storing the resolved agent identity.
	IdentityKey contextKey = "agentIdentity"
)

// Claims represents the federated JWT claims accepted by the gate.
// It embeds RegisteredClaims for standard JWT fields (sub, iss, exp, etc.)
// and adds the role claim resolved by the identity provider. The role is
// only ever taken from the validated token, never from the request body.
type Claims struct {
	jwt.RegisteredClaims
	Role        string `json:"role,omitempty"` // Capability tier granted by the IdP
	DisplayName string `json:"name,omitempty"` // Human-readable caller name
}

// Identity converts validated claims to an agent identity. Returns an
// error when the subject is missing or the role claim is not one of the
// known tiers.
func (c *Claims) Identity() (models.AgentIdentity, error) {
	if c.Subject == "" {
		return models.AgentIdentity{}, fmt.Errorf("missing subject in federated claims")
	}

	role := models.Role(c.Role)
	if !models.IsValidRole(role) {
		return models.AgentIdentity{}, fmt.Errorf("unknown role %q in federated claims", c.Role)
	}

	return models.AgentIdentity{
		AgentID:     c.Subject,
		Role:        role,
		DisplayName: c.DisplayName,
	}, nil
}

// GetIdentity retrieves the resolved agent identity from the context.
// Returns false if the request was not admitted.
func GetIdentity(ctx context.Context) (models.AgentIdentity, bool) {
	identity, ok := ctx.Value(IdentityKey).(models.AgentIdentity)
	return identity, ok
}

// SetIdentity stores the resolved agent identity in the context.
func SetIdentity(ctx context.Context, identity models.AgentIdentity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// RequireAdmin extracts the identity from context and verifies it holds
// the service_admin role.
func RequireAdmin(ctx context.Context) (models.AgentIdentity, error) {
	identity, ok := GetIdentity(ctx)
	if !ok {
		return models.AgentIdentity{}, fmt.Errorf("no identity in context")
	}
	if !identity.IsAdmin() {
		return models.AgentIdentity{}, fmt.Errorf("role %q lacks administrative access", identity.Role)
	}
	return identity, nil
}
