// Package audit provides the append-only audit trail behind a pluggable
// sink interface: a durable Postgres sink for production and an
// in-memory sink for tests. Audit correctness is treated as more
// important than write availability - the admission coordinator blocks
// governed writes when the sink is unhealthy.
package audit

import (
	"context"

	"github.com/ekaya-inc/dbgate/pkg/models"
)

// Sink receives audit entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	// RecordAuth appends one authentication attempt. Called
	// synchronously on the auth path: the entry must be durable before
	// the authenticator returns.
	RecordAuth(ctx context.Context, entry *models.AuthAuditEntry) error

	// RecordQuery appends one executed-statement record.
	RecordQuery(ctx context.Context, entry *models.QueryAuditEntry) error

	// Healthy reports whether the sink can currently accept writes.
	// Used to clear a session's Degraded state.
	Healthy(ctx context.Context) error
}
