package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/audit"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/vault"
)

// Attempt carries the presented credential plus request provenance for
// the audit trail.
type Attempt struct {
	Credential string
	SourceIP   string
	UserAgent  string
}

// Result is a successful authentication. KeyHash is set only for API key
// auth and keys the rate limiter; the raw credential is never retained.
type Result struct {
	Identity        models.AgentIdentity
	Method          string
	KeyID           uuid.UUID
	KeyHash         string
	Permissions     []string
	RateLimitPerMin int
}

// Authenticator resolves credentials to agent identities. Every attempt,
// successful or not, is recorded synchronously in the audit trail before
// the outcome is returned.
type Authenticator struct {
	vault            vault.Vault
	tokens           TokenValidator
	limiter          RateLimiter
	sink             audit.Sink
	security         *audit.SecurityAuditor
	logger           *zap.Logger
	defaultRateLimit int
}

// NewAuthenticator wires the credential vault, federated token validator,
// rate limiter and audit sink into one authenticator. defaultRateLimit
// applies to federated identities, which carry no per-key budget.
func NewAuthenticator(v vault.Vault, tokens TokenValidator, limiter RateLimiter, sink audit.Sink, security *audit.SecurityAuditor, logger *zap.Logger, defaultRateLimit int) *Authenticator {
	return &Authenticator{
		vault:            v,
		tokens:           tokens,
		limiter:          limiter,
		sink:             sink,
		security:         security,
		logger:           logger,
		defaultRateLimit: defaultRateLimit,
	}
}

// Authenticate resolves the attempt to an identity or rejects it. The
// credential is validated first; only valid credentials consume rate
// limit budget. Rejections are uniform Unauthorized errors except for
// rate limiting, which is reported distinctly so callers can back off.
func (a *Authenticator) Authenticate(ctx context.Context, attempt Attempt) (*Result, error) {
	method := detectMethod(attempt.Credential)

	switch method {
	case models.AuthMethodAPIKey:
		return a.authenticateAPIKey(ctx, attempt)
	case models.AuthMethodFederatedClaim:
		return a.authenticateFederated(ctx, attempt)
	default:
		// Direct database credentials are never accepted at this surface.
		if err := a.recordAttempt(ctx, "", models.AuthMethodDBCredentials, false, attempt, map[string]any{
			"reason": "db_credentials_not_accepted",
		}); err != nil {
			return nil, err
		}
		a.security.LogAuthFailure("", attempt.SourceIP, "db_credentials_not_accepted")
		return nil, apperrors.New(apperrors.KindUnauthorized, fmt.Errorf("credential type not accepted"))
	}
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, attempt Attempt) (*Result, error) {
	validation, err := a.vault.Validate(ctx, attempt.Credential)
	if err != nil {
		return nil, fmt.Errorf("credential validation failed: %w", err)
	}

	// Identify the attempt by key prefix only; never log or store the
	// full secret or its hash alongside a failure.
	identifier := keyIdentifier(attempt.Credential)

	if !validation.Valid {
		if err := a.recordAttempt(ctx, identifier, models.AuthMethodAPIKey, false, attempt, map[string]any{
			"reason": "invalid_credential",
		}); err != nil {
			return nil, err
		}
		a.security.LogAuthFailure(identifier, attempt.SourceIP, "invalid_credential")
		return nil, apperrors.New(apperrors.KindUnauthorized, fmt.Errorf("invalid credential"))
	}

	allowed, err := a.limiter.Allow(ctx, validation.KeyHash, validation.RateLimitPerMin)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		if err := a.recordAttempt(ctx, validation.AgentName, models.AuthMethodAPIKey, false, attempt, map[string]any{
			"reason":           "rate_limited",
			"limit_per_minute": validation.RateLimitPerMin,
		}); err != nil {
			return nil, err
		}
		a.security.LogRateLimitExceeded(validation.AgentName, attempt.SourceIP, validation.RateLimitPerMin)
		return nil, apperrors.New(apperrors.KindRateLimited, fmt.Errorf("rate limit of %d per minute exceeded", validation.RateLimitPerMin))
	}

	if err := a.recordAttempt(ctx, validation.AgentName, models.AuthMethodAPIKey, true, attempt, map[string]any{
		"key_id": validation.KeyID.String(),
		"role":   string(validation.Role),
	}); err != nil {
		return nil, err
	}

	a.logger.Debug("API key authenticated",
		zap.String("agent_name", validation.AgentName),
		zap.String("role", string(validation.Role)))

	return &Result{
		Identity: models.AgentIdentity{
			AgentID:     validation.AgentName,
			Role:        validation.Role,
			DisplayName: validation.AgentName,
		},
		Method:          models.AuthMethodAPIKey,
		KeyID:           validation.KeyID,
		KeyHash:         validation.KeyHash,
		Permissions:     validation.Permissions,
		RateLimitPerMin: validation.RateLimitPerMin,
	}, nil
}

func (a *Authenticator) authenticateFederated(ctx context.Context, attempt Attempt) (*Result, error) {
	claims, err := a.tokens.ValidateToken(attempt.Credential)
	if err != nil {
		if recordErr := a.recordAttempt(ctx, "", models.AuthMethodFederatedClaim, false, attempt, map[string]any{
			"reason": "invalid_token",
		}); recordErr != nil {
			return nil, recordErr
		}
		a.security.LogAuthFailure("", attempt.SourceIP, "invalid_token")
		return nil, apperrors.New(apperrors.KindUnauthorized, fmt.Errorf("invalid credential"))
	}

	identity, err := claims.Identity()
	if err != nil {
		if recordErr := a.recordAttempt(ctx, claims.Subject, models.AuthMethodFederatedClaim, false, attempt, map[string]any{
			"reason": "invalid_claims",
		}); recordErr != nil {
			return nil, recordErr
		}
		a.security.LogAuthFailure(claims.Subject, attempt.SourceIP, "invalid_claims")
		return nil, apperrors.New(apperrors.KindUnauthorized, fmt.Errorf("invalid credential"))
	}

	// Federated identities share the default budget, keyed by subject.
	allowed, err := a.limiter.Allow(ctx, "federated:"+identity.AgentID, a.defaultRateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		if err := a.recordAttempt(ctx, identity.AgentID, models.AuthMethodFederatedClaim, false, attempt, map[string]any{
			"reason":           "rate_limited",
			"limit_per_minute": a.defaultRateLimit,
		}); err != nil {
			return nil, err
		}
		a.security.LogRateLimitExceeded(identity.AgentID, attempt.SourceIP, a.defaultRateLimit)
		return nil, apperrors.New(apperrors.KindRateLimited, fmt.Errorf("rate limit of %d per minute exceeded", a.defaultRateLimit))
	}

	if err := a.recordAttempt(ctx, identity.AgentID, models.AuthMethodFederatedClaim, true, attempt, map[string]any{
		"issuer": claims.Issuer,
		"role":   string(identity.Role),
	}); err != nil {
		return nil, err
	}

	a.logger.Debug("Federated claim authenticated",
		zap.String("agent_id", identity.AgentID),
		zap.String("role", string(identity.Role)))

	return &Result{
		Identity:        identity,
		Method:          models.AuthMethodFederatedClaim,
		RateLimitPerMin: a.defaultRateLimit,
	}, nil
}

// recordAttempt writes the auth audit row synchronously. A sink failure
// fails the authentication: an attempt that cannot be audited is not
// allowed to complete in either direction.
func (a *Authenticator) recordAttempt(ctx context.Context, identifier, method string, success bool, attempt Attempt, metadata map[string]any) error {
	entry := &models.AuthAuditEntry{
		ID:              uuid.New(),
		AgentIdentifier: identifier,
		Method:          method,
		Success:         success,
		SourceIP:        attempt.SourceIP,
		UserAgent:       attempt.UserAgent,
		Metadata:        metadata,
		CreatedAt:       time.Now().UTC(),
	}

	if err := a.sink.RecordAuth(ctx, entry); err != nil {
		a.logger.Error("Auth audit write failed; rejecting attempt", zap.Error(err))
		return apperrors.New(apperrors.KindAuditDegraded, fmt.Errorf("audit trail unavailable: %w", err))
	}
	return nil
}

// detectMethod classifies the credential by shape: vault secrets carry
// the sk_ai_ prefix, federated claims are three-part JWTs, anything else
// is treated as raw database credentials.
func detectMethod(credential string) string {
	switch {
	case strings.HasPrefix(credential, models.SecretPrefix):
		return models.AuthMethodAPIKey
	case strings.Count(credential, ".") == 2:
		return models.AuthMethodFederatedClaim
	default:
		return models.AuthMethodDBCredentials
	}
}

// keyIdentifier returns the identifying prefix of a presented secret for
// audit rows on failed attempts.
func keyIdentifier(credential string) string {
	if len(credential) <= 12 {
		return credential
	}
	return credential[:12]
}
