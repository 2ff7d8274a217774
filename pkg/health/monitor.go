// Package health observes live connection and session state against
// configured limits. The monitor only detects and reports; it never
// terminates sessions, so it is side-effect-free and safe to poll.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/dbgate/pkg/database"
	"github.com/ekaya-inc/dbgate/pkg/models"
)

// Thresholds configures what counts as a breach.
type Thresholds struct {
	// UsageThresholdPercent is the pool usage above which HighUsage is
	// raised. Default 80.
	UsageThresholdPercent float64

	// IdleInTxGrace is how long a session may sit idle mid-transaction
	// before it is considered leaked.
	IdleInTxGrace time.Duration

	// LongQueryThreshold is how long an active query may run before it
	// is reported.
	LongQueryThreshold time.Duration
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UsageThresholdPercent: 80,
		IdleInTxGrace:         time.Minute,
		LongQueryThreshold:    30 * time.Second,
	}
}

// Monitor reports connection health. Implementations must be read-only
// with respect to session state.
type Monitor interface {
	// Snapshot returns the current live-session counts. Recomputed per
	// call, never cached.
	Snapshot(ctx context.Context) (*models.ConnectionHealthSnapshot, error)

	// CheckLimits evaluates the snapshot plus stale-session probes
	// against the configured thresholds.
	CheckLimits(ctx context.Context) (*models.LimitsReport, error)
}

type monitor struct {
	db         *database.DB
	thresholds Thresholds
	logger     *zap.Logger
}

// NewMonitor creates a Monitor over the live session catalog.
func NewMonitor(db *database.DB, thresholds Thresholds, logger *zap.Logger) Monitor {
	return &monitor{db: db, thresholds: thresholds, logger: logger}
}

var _ Monitor = (*monitor)(nil)

const snapshotQuery = `
	SELECT
		count(*),
		count(*) FILTER (WHERE state = 'active'),
		count(*) FILTER (WHERE state = 'idle'),
		count(*) FILTER (WHERE state = 'idle in transaction')
	FROM pg_stat_activity
	WHERE datname = current_database()`

func (m *monitor) Snapshot(ctx context.Context) (*models.ConnectionHealthSnapshot, error) {
	var total, active, idle, idleInTx int
	err := m.db.Pool.QueryRow(ctx, snapshotQuery).Scan(&total, &active, &idle, &idleInTx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session catalog: %w", err)
	}

	var maxConns int
	err = m.db.Pool.QueryRow(ctx,
		"SELECT setting::int FROM pg_settings WHERE name = 'max_connections'").Scan(&maxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to read max_connections: %w", err)
	}

	usage := ComputeUsagePercent(total, maxConns)
	return &models.ConnectionHealthSnapshot{
		TotalConnections:  total,
		MaxConnections:    maxConns,
		Active:            active,
		Idle:              idle,
		IdleInTransaction: idleInTx,
		UsagePercent:      usage,
		WithinLimits:      usage < m.thresholds.UsageThresholdPercent,
	}, nil
}

func (m *monitor) CheckLimits(ctx context.Context) (*models.LimitsReport, error) {
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var staleIdleInTx int
	err = m.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM pg_stat_activity
		WHERE datname = current_database()
		  AND state = 'idle in transaction'
		  AND state_change < now() - make_interval(secs => $1)`,
		m.thresholds.IdleInTxGrace.Seconds()).Scan(&staleIdleInTx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe idle-in-transaction sessions: %w", err)
	}

	var longRunning int
	err = m.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM pg_stat_activity
		WHERE datname = current_database()
		  AND state = 'active'
		  AND pid <> pg_backend_pid()
		  AND query_start < now() - make_interval(secs => $1)`,
		m.thresholds.LongQueryThreshold.Seconds()).Scan(&longRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to probe long-running queries: %w", err)
	}

	report := Evaluate(snapshot, staleIdleInTx, longRunning, m.thresholds)
	if !report.WithinLimits {
		m.logger.Warn("Connection health breach detected",
			zap.Float64("usage_percent", report.UsagePercent),
			zap.Any("breaches", report.Breaches))
	}
	return &report, nil
}

// ComputeUsagePercent returns total/max as a percentage. A zero max
// yields zero rather than dividing by it.
func ComputeUsagePercent(total, maxConns int) float64 {
	if maxConns <= 0 {
		return 0
	}
	return float64(total) / float64(maxConns) * 100
}

// Evaluate applies the thresholds to observed counts. Pure, so breach
// classification is testable without a live session catalog.
func Evaluate(snapshot *models.ConnectionHealthSnapshot, staleIdleInTx, longRunning int, thresholds Thresholds) models.LimitsReport {
	var breaches []models.BreachKind

	if snapshot.UsagePercent >= thresholds.UsageThresholdPercent {
		breaches = append(breaches, models.BreachHighUsage)
	}
	if staleIdleInTx > 0 {
		breaches = append(breaches, models.BreachIdleInTransaction)
	}
	if longRunning > 0 {
		breaches = append(breaches, models.BreachLongRunningQuery)
	}

	return models.LimitsReport{
		WithinLimits: len(breaches) == 0,
		UsagePercent: snapshot.UsagePercent,
		Breaches:     breaches,
	}
}
