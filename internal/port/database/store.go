// Package database defines the persistence port for the spine registry.
package database

import (
	"context"

	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
)

// Snapshot is the full persisted state loaded at startup.
type Snapshot struct {
	Agents        []agent.Agent
	Tasks         []task.Task
	Subscriptions []subscription.Subscription
}

// Store is the port interface for durable registry state.
//
// The in-memory registry is the source of truth within a process; the store is
// a write-behind durability layer. Upserts are keyed by the stable agent_key
// for agents and by generated IDs for tasks and subscriptions.
type Store interface {
	// LoadAll returns the complete persisted state. Called once at startup.
	LoadAll(ctx context.Context) (*Snapshot, error)

	// UpsertAgent inserts or updates an agent record keyed by agent_key.
	UpsertAgent(ctx context.Context, a *agent.Agent) error

	// UpsertTask inserts or updates a task record keyed by id.
	UpsertTask(ctx context.Context, t *task.Task) error

	// InsertSubscription persists a new subscription record.
	InsertSubscription(ctx context.Context, s *subscription.Subscription) error
}
