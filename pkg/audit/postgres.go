package audit

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
	"github.com/ekaya-inc/dbgate/pkg/repositories"
)

// PostgresSink writes audit entries to the durable append-only tables.
// It acquires its own unscoped connections: the audit trail must not be
// filtered by the row policies it backs.
type PostgresSink struct {
	db        *database.DB
	authRepo  repositories.AuthAuditRepository
	queryRepo repositories.QueryAuditRepository
}

// NewPostgresSink creates a durable audit sink over the given pool.
func NewPostgresSink(db *database.DB) *PostgresSink {
	return &PostgresSink{
		db:        db,
		authRepo:  repositories.NewAuthAuditRepository(),
		queryRepo: repositories.NewQueryAuditRepository(),
	}
}

var _ Sink = (*PostgresSink)(nil)

func (s *PostgresSink) RecordAuth(ctx context.Context, entry *models.AuthAuditEntry) error {
	scope, err := s.db.WithoutAgent(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire audit connection: %w", err)
	}
	defer scope.Close()

	return s.authRepo.Insert(database.SetAgentScope(ctx, scope), entry)
}

func (s *PostgresSink) RecordQuery(ctx context.Context, entry *models.QueryAuditEntry) error {
	scope, err := s.db.WithoutAgent(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire audit connection: %w", err)
	}
	defer scope.Close()

	return s.queryRepo.Insert(database.SetAgentScope(ctx, scope), entry)
}

func (s *PostgresSink) Healthy(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("audit store unreachable: %w", err)
	}
	return nil
}
