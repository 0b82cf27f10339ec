// Package memory implements the database port with process-local maps.
// It backs tests and the memory-only fallback mode.
package memory

import (
	"context"
	"sync"

	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
	"github.com/dreamnet/spine/internal/port/database"
)

// Store implements database.Store in memory.
type Store struct {
	mu            sync.RWMutex
	agents        map[string]agent.Agent
	tasks         map[string]task.Task
	subscriptions map[string]subscription.Subscription
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		agents:        make(map[string]agent.Agent),
		tasks:         make(map[string]task.Task),
		subscriptions: make(map[string]subscription.Subscription),
	}
}

// LoadAll returns a copy of everything saved so far.
func (s *Store) LoadAll(_ context.Context) (*database.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &database.Snapshot{}
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, a)
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, sub := range s.subscriptions {
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	return snap, nil
}

// UpsertAgent stores a copy of the agent keyed by agent_key.
func (s *Store) UpsertAgent(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentKey] = *a
	return nil
}

// UpsertTask stores a copy of the task keyed by id.
func (s *Store) UpsertTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *t
	return nil
}

// InsertSubscription stores a copy of the subscription keyed by id.
func (s *Store) InsertSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = *sub
	return nil
}

// AgentCount returns the number of persisted agents. Used by tests.
func (s *Store) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// TaskCount returns the number of persisted tasks. Used by tests.
func (s *Store) TaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
