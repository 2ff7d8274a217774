package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/repositories"
)

// DefaultRetentionDays is the default retention period for audit entries.
const DefaultRetentionDays = 90

// RetentionService prunes audit entries by age. Pruning is the only
// sanctioned delete path against the append-only audit relations.
type RetentionService interface {
	// Prune removes entries older than the retention period and returns
	// the total number of rows deleted.
	Prune(ctx context.Context, retentionDays int) (int64, error)

	// RunScheduler starts a background goroutine that prunes on the
	// given interval. It runs immediately on startup, then repeats.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration, retentionDays int)
}

type retentionService struct {
	db        *database.DB
	authRepo  repositories.AuthAuditRepository
	queryRepo repositories.QueryAuditRepository
	logger    *zap.Logger
}

// NewRetentionService creates a RetentionService over the audit
// repositories.
func NewRetentionService(db *database.DB, authRepo repositories.AuthAuditRepository, queryRepo repositories.QueryAuditRepository, logger *zap.Logger) RetentionService {
	return &retentionService{
		db:        db,
		authRepo:  authRepo,
		queryRepo: queryRepo,
		logger:    logger.Named("audit-retention"),
	}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var totalDeleted int64

	scope, err := s.db.WithoutAgent(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire retention scope: %w", err)
	}
	defer scope.Close()

	scopedCtx := database.SetAgentScope(ctx, scope)

	authDeleted, err := s.authRepo.PruneOlderThan(scopedCtx, cutoff)
	if err != nil {
		return totalDeleted, fmt.Errorf("failed to prune auth audit entries: %w", err)
	}
	totalDeleted += authDeleted

	queryDeleted, err := s.queryRepo.PruneOlderThan(scopedCtx, cutoff)
	if err != nil {
		return totalDeleted, fmt.Errorf("failed to prune query audit entries: %w", err)
	}
	totalDeleted += queryDeleted

	if totalDeleted > 0 {
		s.logger.Info("Pruned audit entries",
			zap.Int64("auth_entries", authDeleted),
			zap.Int64("query_entries", queryDeleted),
			zap.Time("cutoff", cutoff))
	}
	return totalDeleted, nil
}

func (s *retentionService) RunScheduler(ctx context.Context, interval time.Duration, retentionDays int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := s.Prune(ctx, retentionDays); err != nil {
				s.logger.Error("Audit retention run failed", zap.Error(err))
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}
