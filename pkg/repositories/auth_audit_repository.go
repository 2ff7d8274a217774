package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// AuthAuditRepository provides data access for the authentication audit
// trail. Inserts are the only mutation; pruning by age is the single
// deletion path and is reserved for the retention job.
type AuthAuditRepository interface {
	// Insert appends one authentication attempt record.
	Insert(ctx context.Context, entry *models.AuthAuditEntry) error

	// List returns entries matching the filters, newest first.
	List(ctx context.Context, filters models.AuthAuditFilters) ([]*models.AuthAuditEntry, error)

	// PruneOlderThan removes entries older than the cutoff. Returns the
	// number of rows removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type authAuditRepository struct{}

// NewAuthAuditRepository creates a new AuthAuditRepository.
func NewAuthAuditRepository() AuthAuditRepository {
	return &authAuditRepository{}
}

var _ AuthAuditRepository = (*authAuditRepository)(nil)

func (r *authAuditRepository) Insert(ctx context.Context, entry *models.AuthAuditEntry) error {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return fmt.Errorf("no agent scope in context")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	metadataJSON, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO gate_auth_audit (
			id, agent_identifier, method, success, source_ip, user_agent, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = scope.Conn.Exec(ctx, query,
		entry.ID,
		entry.AgentIdentifier,
		entry.Method,
		entry.Success,
		entry.SourceIP,
		entry.UserAgent,
		metadataJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auth audit entry: %w", err)
	}

	return nil
}

func (r *authAuditRepository) List(ctx context.Context, filters models.AuthAuditFilters) ([]*models.AuthAuditEntry, error) {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no agent scope in context")
	}

	query := `
		SELECT id, agent_identifier, method, success, source_ip, user_agent, metadata, created_at
		FROM gate_auth_audit
		WHERE ($1 = '' OR agent_identifier = $1)
		  AND (NOT $2 OR success = FALSE)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4`

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := scope.Conn.Query(ctx, query,
		filters.AgentIdentifier, filters.OnlyFailures, filters.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query auth audit: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuthAuditEntry
	for rows.Next() {
		entry, err := scanAuthAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auth audit entries: %w", err)
	}

	return entries, nil
}

func (r *authAuditRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no agent scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM gate_auth_audit WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune auth audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuthAuditEntry(row pgx.Row) (*models.AuthAuditEntry, error) {
	var entry models.AuthAuditEntry
	var metadataJSON []byte

	err := row.Scan(
		&entry.ID,
		&entry.AgentIdentifier,
		&entry.Method,
		&entry.Success,
		&entry.SourceIP,
		&entry.UserAgent,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan auth audit entry: %w", err)
	}

	if err := unmarshalMetadata(metadataJSON, &entry.Metadata); err != nil {
		return nil, err
	}

	return &entry, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte, dest *map[string]any) error {
	if len(data) == 0 || string(data) == "null" || string(data) == "{}" {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}
