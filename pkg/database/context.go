package database

import (
	"context"
)

type contextKey string

const (
	// AgentScopeKey is the context key for storing the agent-scoped database connection.
	AgentScopeKey contextKey = "agentScope"
)

// GetAgentScope retrieves the agent-scoped database connection from context.
// Returns nil and false if not present.
func GetAgentScope(ctx context.Context) (*AgentScope, bool) {
	scope, ok := ctx.Value(AgentScopeKey).(*AgentScope)
	return scope, ok
}

// SetAgentScope stores the agent-scoped database connection in context.
func SetAgentScope(ctx context.Context, scope *AgentScope) context.Context {
	return context.WithValue(ctx, AgentScopeKey, scope)
}
