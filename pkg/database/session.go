package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/dbgate/pkg/models"
)

// AgentScope wraps a connection bound to an admitted agent identity.
// The connection has app.current_agent_id and app.current_agent_role set
// for RLS policy evaluation; every statement executed through it is
// filtered by the row policies reading those two variables.
type AgentScope struct {
	Conn     *pgxpool.Conn
	Identity models.AgentIdentity
}

// Close resets the agent context and releases the connection to the pool.
// This MUST be called to prevent agent context from leaking to the next
// session that acquires the same connection.
func (s *AgentScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_agent_id")
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_agent_role")
	s.Conn.Release()
	s.Conn = nil
}

// WithAgent acquires a connection and binds it to the given identity
// before any caller-issued statement can run. The returned AgentScope
// MUST be closed with defer scope.Close().
func (db *DB) WithAgent(ctx context.Context, identity models.AgentIdentity) (*AgentScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_agent_id', $1, false)", identity.AgentID)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to set agent id: %w", err)
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_agent_role', $1, false)", string(identity.Role))
	if err != nil {
		_, _ = conn.Exec(context.Background(), "RESET app.current_agent_id")
		conn.Release()
		return nil, fmt.Errorf("failed to set agent role: %w", err)
	}

	return &AgentScope{Conn: conn, Identity: identity}, nil
}

// WithoutAgent acquires a connection without agent context. Used by the
// governance layer itself (credential lookup, audit writes) which must
// not be filtered by the policies it enforces. The returned AgentScope
// MUST be closed with defer scope.Close().
func (db *DB) WithoutAgent(ctx context.Context) (*AgentScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &AgentScope{Conn: conn}, nil
}
