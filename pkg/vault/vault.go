// Package vault implements the credential vault: creation, validation
// and revocation of long-lived agent API keys. Only the SHA-256 hash of
// a secret is ever persisted; the raw secret is returned exactly once at
// creation time and is not recoverable afterwards.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/repositories"
)

// keyPrefixLen is how many characters of the raw secret are retained for
// identification in listings. Enough to tell keys apart, useless for
// authentication.
const keyPrefixLen = 12

// Validation is the result of presenting a secret. Unknown, revoked and
// expired keys all produce the identical zero-Valid result: the shape
// never distinguishes why a credential was rejected.
type Validation struct {
	Valid           bool
	KeyID           uuid.UUID
	AgentName       string
	Role            models.Role
	Permissions     []string
	RateLimitPerMin int
	KeyHash         string
}

// Invalid is the uniform rejection returned for every unusable secret.
var Invalid = Validation{}

// Vault manages API key credentials.
type Vault interface {
	// StoreKey creates a new key and returns the raw secret exactly once.
	StoreKey(ctx context.Context, agentName, agentType string, role models.Role, permissions []string, rateLimit int, expiresAt *time.Time) (string, *models.APIKey, error)

	// Validate resolves a presented secret. The returned Validation has
	// Valid=false for unknown, revoked and expired keys alike.
	Validate(ctx context.Context, rawSecret string) (Validation, error)

	// Revoke deactivates a key. Revoked keys are permanently unusable
	// for new sessions but remain on record for the audit trail.
	Revoke(ctx context.Context, keyID uuid.UUID) error

	// List returns all keys for the administrative surface. Hashes are
	// stripped before return.
	List(ctx context.Context) ([]*models.APIKey, error)
}

type vault struct {
	db     *database.DB
	repo   repositories.APIKeyRepository
	logger *zap.Logger
}

// New creates a Vault over the given pool. If db is nil the vault
// expects an agent scope already present in the context (test setups).
func New(db *database.DB, repo repositories.APIKeyRepository, logger *zap.Logger) Vault {
	return &vault{db: db, repo: repo, logger: logger}
}

var _ Vault = (*vault)(nil)

// HashSecret computes the storage hash of a raw secret. Lookup by this
// hash keeps validation constant-time with respect to key content: no
// stored-plaintext comparison ever happens.
func HashSecret(rawSecret string) string {
	sum := sha256.Sum256([]byte(rawSecret))
	return hex.EncodeToString(sum[:])
}

func (v *vault) StoreKey(ctx context.Context, agentName, agentType string, role models.Role, permissions []string, rateLimit int, expiresAt *time.Time) (string, *models.APIKey, error) {
	if !models.IsValidRole(role) {
		return "", nil, fmt.Errorf("cannot store key for role %q: invalid role", role)
	}
	if rateLimit <= 0 {
		return "", nil, fmt.Errorf("rate limit must be positive, got %d", rateLimit)
	}

	// 24 random bytes = 48 hex chars of opaque secret after the prefix.
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	rawSecret := models.SecretPrefix + hex.EncodeToString(secretBytes)

	key := &models.APIKey{
		ID:              uuid.New(),
		KeyHash:         HashSecret(rawSecret),
		KeyPrefix:       rawSecret[:keyPrefixLen],
		AgentName:       agentName,
		AgentType:       agentType,
		GrantedRole:     role,
		Permissions:     permissions,
		RateLimitPerMin: rateLimit,
		IsActive:        true,
		ExpiresAt:       expiresAt,
	}

	scopedCtx, cleanup, err := v.gateScope(ctx)
	if err != nil {
		return "", nil, err
	}
	defer cleanup()

	if err := v.repo.Create(scopedCtx, key); err != nil {
		return "", nil, fmt.Errorf("failed to store api key: %w", err)
	}

	v.logger.Info("API key created",
		zap.String("key_id", key.ID.String()),
		zap.String("agent_name", agentName),
		zap.String("granted_role", string(role)),
	)

	return rawSecret, key, nil
}

func (v *vault) Validate(ctx context.Context, rawSecret string) (Validation, error) {
	scopedCtx, cleanup, err := v.gateScope(ctx)
	if err != nil {
		return Invalid, err
	}
	defer cleanup()

	key, err := v.repo.GetByHash(scopedCtx, HashSecret(rawSecret))
	if err != nil {
		// Unknown hash collapses to the same invalid result as revoked
		// and expired keys: no information leak about why.
		return Invalid, nil
	}

	// The hash lookup already proves knowledge of the secret; the
	// comparison below guards against a truncated-hash lookup path ever
	// being introduced, and keeps the final accept constant-time.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(HashSecret(rawSecret))) != 1 {
		return Invalid, nil
	}

	if !key.Usable(time.Now().UTC()) {
		return Invalid, nil
	}

	if err := v.repo.TouchLastUsed(scopedCtx, key.ID); err != nil {
		// last_used_at is advisory; a failed touch must not reject an
		// otherwise valid credential.
		v.logger.Warn("Failed to update key last_used_at",
			zap.String("key_id", key.ID.String()),
			zap.Error(err))
	}

	return Validation{
		Valid:           true,
		KeyID:           key.ID,
		AgentName:       key.AgentName,
		Role:            key.GrantedRole,
		Permissions:     key.Permissions,
		RateLimitPerMin: key.RateLimitPerMin,
		KeyHash:         key.KeyHash,
	}, nil
}

func (v *vault) Revoke(ctx context.Context, keyID uuid.UUID) error {
	scopedCtx, cleanup, err := v.gateScope(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := v.repo.Revoke(scopedCtx, keyID); err != nil {
		return err
	}

	v.logger.Info("API key revoked", zap.String("key_id", keyID.String()))
	return nil
}

func (v *vault) List(ctx context.Context) ([]*models.APIKey, error) {
	scopedCtx, cleanup, err := v.gateScope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	keys, err := v.repo.List(scopedCtx)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		key.KeyHash = ""
	}
	return keys, nil
}

// gateScope ensures the context carries a connection scope for the
// repository. When the vault owns a pool it acquires an unscoped
// connection; otherwise the caller-provided scope is used as-is.
func (v *vault) gateScope(ctx context.Context) (context.Context, func(), error) {
	if v.db == nil {
		return ctx, func() {}, nil
	}
	scope, err := v.db.WithoutAgent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire vault connection: %w", err)
	}
	return database.SetAgentScope(ctx, scope), scope.Close, nil
}
