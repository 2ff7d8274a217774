package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/dbgate/pkg/apperrors"
	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// APIKeyRepository provides data access for the credential vault.
// All methods read the agent scope from context: the governance layer
// passes an unscoped connection, the admin surface passes the admitted
// service_admin session so RLS applies.
type APIKeyRepository interface {
	// Create inserts a new API key record. Only the hash is stored.
	Create(ctx context.Context, key *models.APIKey) error

	// GetByHash returns the key with the given hash, or apperrors.ErrNotFound.
	GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error)

	// TouchLastUsed updates last_used_at after a successful validation.
	TouchLastUsed(ctx context.Context, id uuid.UUID) error

	// Revoke flips is_active to false. The row is never deleted while
	// audit entries reference it.
	Revoke(ctx context.Context, id uuid.UUID) error

	// List returns all keys, newest first. Hashes are loaded but callers
	// must never expose them.
	List(ctx context.Context) ([]*models.APIKey, error)
}

type apiKeyRepository struct{}

// NewAPIKeyRepository creates a new APIKeyRepository.
func NewAPIKeyRepository() APIKeyRepository {
	return &apiKeyRepository{}
}

var _ APIKeyRepository = (*apiKeyRepository)(nil)

const apiKeyColumns = `id, key_hash, key_prefix, agent_name, agent_type, granted_role,
		permissions, rate_limit_per_minute, is_active, created_at, expires_at, last_used_at`

func (r *apiKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return fmt.Errorf("no agent scope in context")
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now().UTC()

	permissionsJSON, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO gate_api_keys (
			id, key_hash, key_prefix, agent_name, agent_type, granted_role,
			permissions, rate_limit_per_minute, is_active, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = scope.Conn.Exec(ctx, query,
		key.ID,
		key.KeyHash,
		key.KeyPrefix,
		key.AgentName,
		key.AgentType,
		string(key.GrantedRole),
		permissionsJSON,
		key.RateLimitPerMin,
		key.IsActive,
		key.CreatedAt,
		key.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

func (r *apiKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no agent scope in context")
	}

	query := `SELECT ` + apiKeyColumns + ` FROM gate_api_keys WHERE key_hash = $1`

	key, err := scanAPIKey(scope.Conn.QueryRow(ctx, query, keyHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key by hash: %w", err)
	}

	return key, nil
}

func (r *apiKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return fmt.Errorf("no agent scope in context")
	}

	_, err := scope.Conn.Exec(ctx,
		`UPDATE gate_api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}

func (r *apiKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return fmt.Errorf("no agent scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE gate_api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *apiKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no agent scope in context")
	}

	query := `SELECT ` + apiKeyColumns + ` FROM gate_api_keys ORDER BY created_at DESC`

	rows, err := scope.Conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api keys: %w", err)
	}

	return keys, nil
}

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var key models.APIKey
	var role string
	var permissionsJSON []byte

	err := row.Scan(
		&key.ID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.AgentName,
		&key.AgentType,
		&role,
		&permissionsJSON,
		&key.RateLimitPerMin,
		&key.IsActive,
		&key.CreatedAt,
		&key.ExpiresAt,
		&key.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}

	key.GrantedRole = models.Role(role)
	if len(permissionsJSON) > 0 {
		if err := json.Unmarshal(permissionsJSON, &key.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}

	return &key, nil
}
