package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// QueryAuditRepository provides data access for the query audit trail.
type QueryAuditRepository interface {
	// Insert appends one executed-statement record.
	Insert(ctx context.Context, entry *models.QueryAuditEntry) error

	// List returns entries matching the filters, newest first.
	List(ctx context.Context, filters models.QueryAuditFilters) ([]*models.QueryAuditEntry, error)

	// PruneOlderThan removes entries older than the cutoff. Returns the
	// number of rows removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type queryAuditRepository struct{}

// NewQueryAuditRepository creates a new QueryAuditRepository.
func NewQueryAuditRepository() QueryAuditRepository {
	return &queryAuditRepository{}
}

var _ QueryAuditRepository = (*queryAuditRepository)(nil)

func (r *queryAuditRepository) Insert(ctx context.Context, entry *models.QueryAuditEntry) error {
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
		INSERT INTO gate_query_audit (
			id, agent_id, agent_role, operation, query_fingerprint,
			execution_time_ms, rows_affected, source_ip, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = scope.Conn.Exec(ctx, query,
		entry.ID,
		entry.AgentID,
		string(entry.AgentRole),
		entry.Operation,
		entry.QueryFingerprint,
		entry.ExecutionTimeMs,
		entry.RowsAffected,
		entry.SourceIP,
		metadataJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query audit entry: %w", err)
	}

	return nil
}

func (r *queryAuditRepository) List(ctx context.Context, filters models.QueryAuditFilters) ([]*models.QueryAuditEntry, error) {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no agent scope in context")
	}

	query := `
		SELECT id, agent_id, agent_role, operation, query_fingerprint,
			execution_time_ms, rows_affected, source_ip, metadata, created_at
		FROM gate_query_audit
		WHERE ($1 = '' OR agent_id = $1)
		  AND ($2 = '' OR operation = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4`

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := scope.Conn.Query(ctx, query,
		filters.AgentID, filters.Operation, filters.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*models.QueryAuditEntry
	for rows.Next() {
		entry, err := scanQueryAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query audit entries: %w", err)
	}

	return entries, nil
}

func (r *queryAuditRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	scope, ok := database.GetAgentScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no agent scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM gate_query_audit WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune query audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanQueryAuditEntry(row pgx.Row) (*models.QueryAuditEntry, error) {
	var entry models.QueryAuditEntry
	var role string
	var metadataJSON []byte

	err := row.Scan(
		&entry.ID,
		&entry.AgentID,
		&role,
		&entry.Operation,
		&entry.QueryFingerprint,
		&entry.ExecutionTimeMs,
		&entry.RowsAffected,
		&entry.SourceIP,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan query audit entry: %w", err)
	}

	entry.AgentRole = models.Role(role)
	if err := unmarshalMetadata(metadataJSON, &entry.Metadata); err != nil {
		return nil, err
	}

	return &entry, nil
}
