package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
	"github.com/dreamnet/spine/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LoadAll bulk-loads agents, tasks, and subscriptions, one query per table
// on separate pool connections.
func (s *Store) LoadAll(ctx context.Context) (*database.Snapshot, error) {
	snap := &database.Snapshot{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agents, err := s.loadAgents(ctx)
		snap.Agents = agents
		return err
	})
	g.Go(func() error {
		tasks, err := s.loadTasks(ctx)
		snap.Tasks = tasks
		return err
	})
	g.Go(func() error {
		subs, err := s.loadSubscriptions(ctx)
		snap.Subscriptions = subs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) loadAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_key, name, status, capabilities, COALESCE(current_task, ''), task_queue, health, metadata, registered_at, last_active_at
		 FROM spine_agents`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) loadTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(user_id, ''), agent_key, type, input, status, result, COALESCE(error, ''), created_at, started_at, completed_at
		 FROM spine_tasks`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) loadSubscriptions(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, agent_key, status, started_at, expires_at, price
		 FROM spine_subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertAgent inserts or updates an agent keyed by the stable agent_key.
func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	capsJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	healthJSON, err := json.Marshal(a.Health)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO spine_agents (id, agent_key, name, status, capabilities, current_task, task_queue, health, metadata, registered_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
		 ON CONFLICT (agent_key) DO UPDATE SET
		   name = EXCLUDED.name,
		   status = EXCLUDED.status,
		   capabilities = EXCLUDED.capabilities,
		   current_task = EXCLUDED.current_task,
		   task_queue = EXCLUDED.task_queue,
		   health = EXCLUDED.health,
		   metadata = EXCLUDED.metadata,
		   last_active_at = EXCLUDED.last_active_at`,
		a.ID, a.AgentKey, a.Name, string(a.Status), capsJSON, a.CurrentTask, a.TaskQueue, healthJSON, metaJSON, a.RegisteredAt, a.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.AgentKey, err)
	}
	return nil
}

// UpsertTask inserts or updates a task keyed by id.
func (s *Store) UpsertTask(ctx context.Context, t *task.Task) error {
	input := t.Input
	if input == nil {
		input = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO spine_tasks (id, user_id, agent_key, type, input, status, result, error, created_at, started_at, completed_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   result = EXCLUDED.result,
		   error = EXCLUDED.error,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at`,
		t.ID, t.UserID, t.AgentKey, t.Type, input, string(t.Status), t.Result, t.Error, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// InsertSubscription persists a new subscription record.
func (s *Store) InsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	priceJSON, err := json.Marshal(sub.Price)
	if err != nil {
		return fmt.Errorf("marshal price: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO spine_subscriptions (id, user_id, agent_key, status, started_at, expires_at, price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.AgentKey, string(sub.Status), sub.StartedAt, sub.ExpiresAt, priceJSON)
	if err != nil {
		return fmt.Errorf("insert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// --- Scanners ---

type scannable interface {
	Scan(dest ...any) error
}

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	var capsJSON, healthJSON, metaJSON []byte
	err := row.Scan(&a.ID, &a.AgentKey, &a.Name, &a.Status, &capsJSON, &a.CurrentTask,
		&a.TaskQueue, &healthJSON, &metaJSON, &a.RegisteredAt, &a.LastActiveAt)
	if err != nil {
		return a, fmt.Errorf("scan agent: %w", err)
	}
	if err := json.Unmarshal(capsJSON, &a.Capabilities); err != nil {
		return a, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal(healthJSON, &a.Health); err != nil {
		return a, fmt.Errorf("unmarshal health: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
		return a, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return a, nil
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var input, result []byte
	err := row.Scan(&t.ID, &t.UserID, &t.AgentKey, &t.Type, &input, &t.Status,
		&result, &t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.Input = input
	if result != nil {
		t.Result = result
	}
	return t, nil
}

func scanSubscription(row scannable) (subscription.Subscription, error) {
	var sub subscription.Subscription
	var priceJSON []byte
	err := row.Scan(&sub.ID, &sub.UserID, &sub.AgentKey, &sub.Status,
		&sub.StartedAt, &sub.ExpiresAt, &priceJSON)
	if err != nil {
		return sub, fmt.Errorf("scan subscription: %w", err)
	}
	if err := json.Unmarshal(priceJSON, &sub.Price); err != nil {
		return sub, fmt.Errorf("unmarshal price: %w", err)
	}
	return sub, nil
}
