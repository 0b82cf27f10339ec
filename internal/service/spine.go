// Package service implements the spine registry: agent lifecycle, task
// queueing, access checks, subscriptions, and write-behind persistence.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamnet/spine/internal/adapter/ws"
	"github.com/dreamnet/spine/internal/config"
	"github.com/dreamnet/spine/internal/domain"
	"github.com/dreamnet/spine/internal/domain/access"
	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
	"github.com/dreamnet/spine/internal/port/broadcast"
	"github.com/dreamnet/spine/internal/port/cache"
	"github.com/dreamnet/spine/internal/port/database"
	"github.com/dreamnet/spine/internal/port/events"

	otelmetrics "github.com/dreamnet/spine/internal/adapter/otel"
)

const statsCacheKey = "spine:stats"

// agentCounters tracks per-process task outcomes used to derive health metrics.
type agentCounters struct {
	completed int
	failed    int
	totalMs   float64
}

// PersistenceStatus reports the durability mode, state counts, and journal
// statistics.
type PersistenceStatus struct {
	UsingDatabase bool            `json:"using_database"`
	Initialized   bool            `json:"initialized"`
	LoadError     string          `json:"load_error,omitempty"`
	Agents        int             `json:"agents"`
	Tasks         int             `json:"tasks"`
	Subscriptions int             `json:"subscriptions"`
	Journal       JournalCounters `json:"journal"`
}

// AgentTaskStats summarizes one agent's task history and subscriber count.
type AgentTaskStats struct {
	AgentKey            string  `json:"agent_key"`
	TotalTasks          int     `json:"total_tasks"`
	CompletedTasks      int     `json:"completed_tasks"`
	FailedTasks         int     `json:"failed_tasks"`
	QueuedTasks         int     `json:"queued_tasks"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
}

// Stats is an aggregate snapshot of the registry, served from cache.
type Stats struct {
	TotalAgents    int            `json:"total_agents"`
	AgentsByStatus map[string]int `json:"agents_by_status"`
	QueuedTasks    int            `json:"queued_tasks"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	Subscriptions  int            `json:"subscriptions"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Spine is the in-memory agent registry. All reads and writes go through the
// mutex-guarded maps; the store is a write-behind durability layer fed by the
// journal and is never consulted after startup.
type Spine struct {
	cfg   config.Spine
	store database.Store
	log   *slog.Logger

	hub     broadcast.Broadcaster
	pub     events.Publisher
	cache   cache.Cache
	metrics *otelmetrics.Metrics
	rules   access.Ruleset
	now     func() time.Time

	statsTTL time.Duration

	mu       sync.RWMutex
	agents   map[string]*agent.Agent                  // by agent_key
	tasks    map[string]*task.Task                    // by id
	subs     map[string]*subscription.Subscription    // by id
	counters map[string]*agentCounters                // by agent_key

	journal     *Journal
	memoryOnly  bool
	initialized bool
	loadError   string
}

// Option configures optional Spine dependencies.
type Option func(*Spine)

// WithHub wires a broadcaster for real-time status events.
func WithHub(h broadcast.Broadcaster) Option {
	return func(s *Spine) { s.hub = h }
}

// WithPublisher wires a best-effort lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Spine) { s.pub = p }
}

// WithCache wires the stats cache.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Spine) {
		s.cache = c
		s.statsTTL = ttl
	}
}

// WithMetrics wires metric instruments.
func WithMetrics(m *otelmetrics.Metrics) Option {
	return func(s *Spine) { s.metrics = m }
}

// WithRuleset overrides the default unlock rule table.
func WithRuleset(rs access.Ruleset) Option {
	return func(s *Spine) { s.rules = rs }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Spine) { s.now = now }
}

// NewSpine creates a Spine registry. A nil store runs memory-only from the
// start; otherwise persistence is decided by LoadAll during Start.
func NewSpine(cfg config.Spine, store database.Store, log *slog.Logger, opts ...Option) *Spine {
	s := &Spine{
		cfg:      cfg,
		store:    store,
		log:      log,
		rules:    access.DefaultRuleset(),
		now:      time.Now,
		statsTTL: 10 * time.Second,
		agents:   make(map[string]*agent.Agent),
		tasks:    make(map[string]*task.Task),
		subs:     make(map[string]*subscription.Subscription),
		counters: make(map[string]*agentCounters),
	}
	for _, opt := range opts {
		opt(s)
	}
	if store == nil {
		s.memoryOnly = true
	}
	return s
}

// Start loads persisted state, seeds the core roster, and launches the
// journal worker and health loop. A load failure is not fatal: the registry
// falls back to memory-only mode for the remainder of the process.
func (s *Spine) Start(ctx context.Context) error {
	if s.store != nil {
		snap, err := s.store.LoadAll(ctx)
		if err != nil {
			s.log.Error("state load failed, falling back to memory-only", "error", err)
			s.mu.Lock()
			s.memoryOnly = true
			s.loadError = err.Error()
			s.mu.Unlock()
		} else {
			s.restore(snap)
			s.journal = NewJournal(s.store, s.cfg.JournalBuffer, s.log)
			s.journal.Start(ctx)
		}
	}

	s.seed()

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	go s.healthLoop(ctx)
	return nil
}

// restore loads a snapshot into the in-memory maps.
func (s *Spine) restore(snap *database.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range snap.Agents {
		a := snap.Agents[i]
		s.agents[a.AgentKey] = &a
	}
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		s.tasks[t.ID] = &t
	}
	for i := range snap.Subscriptions {
		sub := snap.Subscriptions[i]
		s.subs[sub.ID] = &sub
	}
	s.log.Info("state restored",
		"agents", len(snap.Agents),
		"tasks", len(snap.Tasks),
		"subscriptions", len(snap.Subscriptions))
}

// seed registers the core roster. Agents already present are left untouched.
func (s *Spine) seed() {
	now := s.now()
	s.mu.Lock()
	var created []*agent.Agent
	for _, seed := range agent.CoreSeeds() {
		if _, ok := s.agents[seed.Key]; ok {
			continue
		}
		a := &agent.Agent{
			ID:           uuid.NewString(),
			AgentKey:     seed.Key,
			Name:         seed.Name,
			Status:       agent.StatusIdle,
			Capabilities: seed.Capabilities,
			TaskQueue:    []string{},
			Health:       agent.Health{UptimePct: 100, SuccessRate: 100},
			Metadata:     seed.Metadata,
			RegisteredAt: now,
			LastActiveAt: now,
		}
		s.agents[seed.Key] = a
		created = append(created, a)
	}
	s.mu.Unlock()

	for _, a := range created {
		s.persistAgent(a)
	}
	if len(created) > 0 {
		s.log.Info("core roster seeded", "count", len(created))
	}
}

// RegisterAgent adds a new agent to the registry. The agent key must be
// unique; re-registering an existing key returns ErrConflict.
func (s *Spine) RegisterAgent(ctx context.Context, key, name string, caps []agent.Capability, meta agent.Metadata) (*agent.Agent, error) {
	if key == "" || name == "" {
		return nil, fmt.Errorf("%w: agent key and name are required", domain.ErrValidation)
	}
	now := s.now()

	s.mu.Lock()
	if _, ok := s.agents[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %q: %w", key, domain.ErrConflict)
	}
	a := &agent.Agent{
		ID:           uuid.NewString(),
		AgentKey:     key,
		Name:         name,
		Status:       agent.StatusIdle,
		Capabilities: caps,
		TaskQueue:    []string{},
		Health:       agent.Health{UptimePct: 100, SuccessRate: 100},
		Metadata:     meta,
		RegisteredAt: now,
		LastActiveAt: now,
	}
	s.agents[key] = a
	out := copyAgent(a)
	s.mu.Unlock()

	s.persistAgent(out)
	s.publish(ctx, events.SubjectAgentRegistered, out)
	s.broadcastAgent(ctx, key, agent.StatusIdle)
	s.invalidateStats(ctx)

	s.log.Info("agent registered", "agent", key, "capabilities", caps)
	return out, nil
}

// GetAgent returns the agent with the given key.
func (s *Spine) GetAgent(key string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[key]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", key, domain.ErrNotFound)
	}
	return copyAgent(a), nil
}

// GetAllAgents returns every registered agent.
func (s *Spine) GetAllAgents() []agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *copyAgent(a))
	}
	return out
}

// GetAvailableAgents returns agents that can take work and, when capability is
// non-empty, advertise it.
func (s *Spine) GetAvailableAgents(capability agent.Capability) []agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []agent.Agent{}
	for _, a := range s.agents {
		if !a.Available() {
			continue
		}
		if capability != "" && !a.HasCapability(capability) {
			continue
		}
		out = append(out, *copyAgent(a))
	}
	return out
}

// SubmitTask creates a pending task and appends it to the target agent's
// queue. An idle agent flips to active; all other statuses are untouched.
func (s *Spine) SubmitTask(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if req.AgentKey == "" || req.Type == "" {
		return nil, fmt.Errorf("%w: agent_key and type are required", domain.ErrValidation)
	}
	now := s.now()

	s.mu.Lock()
	a, ok := s.agents[req.AgentKey]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %q: %w", req.AgentKey, domain.ErrNotFound)
	}

	t := &task.Task{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		AgentKey:  req.AgentKey,
		Type:      req.Type,
		Input:     req.Input,
		Status:    task.StatusPending,
		CreatedAt: now,
	}
	s.tasks[t.ID] = t
	a.TaskQueue = append(a.TaskQueue, t.ID)
	a.LastActiveAt = now

	var statusChanged bool
	if a.Status == agent.StatusIdle {
		a.Status = agent.StatusActive
		statusChanged = true
	}
	agentCopy := copyAgent(a)
	taskCopy := *t
	s.mu.Unlock()

	s.persistTask(&taskCopy)
	s.persistAgent(agentCopy)
	s.publish(ctx, events.SubjectTaskSubmitted, taskCopy)
	s.broadcastTask(ctx, &taskCopy)
	if statusChanged {
		s.broadcastAgent(ctx, agentCopy.AgentKey, agentCopy.Status)
	}
	s.invalidateStats(ctx)
	if s.metrics != nil {
		s.metrics.TasksSubmitted.Add(ctx, 1)
	}

	s.log.Info("task submitted", "task", t.ID, "agent", req.AgentKey, "type", req.Type)
	return &taskCopy, nil
}

// GetTask returns the task with the given ID.
func (s *Spine) GetTask(id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// GetUserTasks returns all tasks submitted by the given user, newest first.
func (s *Spine) GetUserTasks(userID string) []task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []task.Task{}
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sortTasksNewestFirst(out)
	return out
}

// GetAgentTasks returns all tasks targeting the given agent, newest first.
func (s *Spine) GetAgentTasks(agentKey string) []task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []task.Task{}
	for _, t := range s.tasks {
		if t.AgentKey == agentKey {
			out = append(out, *t)
		}
	}
	sortTasksNewestFirst(out)
	return out
}

// CompleteTask marks a task completed with the given result, removes it from
// the agent's queue, and updates the agent's health metrics.
func (s *Spine) CompleteTask(ctx context.Context, id string, result json.RawMessage) (*task.Task, error) {
	return s.finishTask(ctx, id, task.StatusCompleted, result, "")
}

// FailTask marks a task failed with the given message, removes it from the
// agent's queue, and updates the agent's health metrics.
func (s *Spine) FailTask(ctx context.Context, id string, errMsg string) (*task.Task, error) {
	return s.finishTask(ctx, id, task.StatusFailed, nil, errMsg)
}

func (s *Spine) finishTask(ctx context.Context, id string, status task.Status, result json.RawMessage, errMsg string) (*task.Task, error) {
	now := s.now()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %q: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %q already %s: %w", id, t.Status, domain.ErrConflict)
	}

	t.Status = status
	t.Result = result
	t.Error = errMsg
	if t.StartedAt == nil {
		started := t.CreatedAt
		t.StartedAt = &started
	}
	t.CompletedAt = &now

	a := s.agents[t.AgentKey]
	var agentCopy *agent.Agent
	if a != nil {
		a.TaskQueue = removeID(a.TaskQueue, id)
		if a.CurrentTask == id {
			a.CurrentTask = ""
		}
		a.LastActiveAt = now
		if len(a.TaskQueue) == 0 && a.Status == agent.StatusActive {
			a.Status = agent.StatusIdle
		}
		s.updateHealth(a, status, now.Sub(*t.StartedAt))
		agentCopy = copyAgent(a)
	}
	taskCopy := *t
	s.mu.Unlock()

	s.persistTask(&taskCopy)
	if agentCopy != nil {
		s.persistAgent(agentCopy)
		s.broadcastAgent(ctx, agentCopy.AgentKey, agentCopy.Status)
	}
	s.publish(ctx, events.SubjectTaskCompleted, taskCopy)
	s.broadcastTask(ctx, &taskCopy)
	s.invalidateStats(ctx)
	if s.metrics != nil {
		if status == task.StatusCompleted {
			s.metrics.TasksCompleted.Add(ctx, 1)
		} else {
			s.metrics.TasksFailed.Add(ctx, 1)
		}
	}
	return &taskCopy, nil
}

// updateHealth folds one task outcome into the agent's rolling metrics.
// Caller holds the write lock.
func (s *Spine) updateHealth(a *agent.Agent, status task.Status, elapsed time.Duration) {
	c := s.counters[a.AgentKey]
	if c == nil {
		c = &agentCounters{}
		s.counters[a.AgentKey] = c
	}
	if status == task.StatusCompleted {
		c.completed++
	} else {
		c.failed++
		a.Health.ErrorCount++
	}
	c.totalMs += float64(elapsed.Milliseconds())

	total := c.completed + c.failed
	a.Health.SuccessRate = float64(c.completed) / float64(total) * 100
	a.Health.AvgResponseMs = c.totalMs / float64(total)
}

// CheckAgentAccess evaluates the unlock rule for the agent and, when the
// agent requires a subscription, the user's active subscription. Denials are
// decisions, never errors; an unknown agent is itself a denial.
func (s *Spine) CheckAgentAccess(ctx context.Context, agentKey, userID string, p access.Profile) access.Decision {
	s.mu.RLock()
	a, ok := s.agents[agentKey]
	if !ok {
		s.mu.RUnlock()
		s.countDenied(ctx)
		return access.Deny("Agent not found")
	}
	subRequired := a.Metadata.SubscriptionRequired
	s.mu.RUnlock()

	if ok, reason := s.rules.Check(agentKey, p); !ok {
		s.countDenied(ctx)
		return access.Deny(reason)
	}

	if subRequired && s.GetUserSubscription(userID, agentKey) == nil {
		s.countDenied(ctx)
		return access.Deny("Premium subscription required")
	}

	return access.Grant()
}

func (s *Spine) countDenied(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.AccessDenied.Add(ctx, 1)
	}
}

// CreateSubscription grants a user time-boxed access to a premium agent.
// Monthly price comes from the agent's metadata; yearly billing is ten
// months' worth for a full year of access.
func (s *Spine) CreateSubscription(ctx context.Context, userID, agentKey string, period subscription.Period) (*subscription.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if !period.Valid() {
		return nil, fmt.Errorf("%w: unknown billing period %q", domain.ErrValidation, period)
	}
	now := s.now()

	s.mu.Lock()
	a, ok := s.agents[agentKey]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %q: %w", agentKey, domain.ErrNotFound)
	}
	if a.Metadata.Price == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %q is not subscribable", domain.ErrValidation, agentKey)
	}

	sub := &subscription.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentKey:  agentKey,
		Status:    subscription.StatusActive,
		StartedAt: now,
		ExpiresAt: period.ExpiryFrom(now),
		Price: subscription.Price{
			Amount:   a.Metadata.Price.Amount * period.PriceMultiplier(),
			Currency: a.Metadata.Price.Currency,
		},
	}
	s.subs[sub.ID] = sub
	out := *sub
	s.mu.Unlock()

	s.persistSubscription(&out)
	s.publish(ctx, events.SubjectSubscriptionCreated, out)
	s.invalidateStats(ctx)

	s.log.Info("subscription created",
		"user", userID, "agent", agentKey, "period", period, "expires_at", out.ExpiresAt)
	return &out, nil
}

// GetUserSubscription returns the user's currently-valid subscription for the
// agent, or nil. When several are valid the earliest-started one wins.
func (s *Spine) GetUserSubscription(userID, agentKey string) *subscription.Subscription {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *subscription.Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID || sub.AgentKey != agentKey {
			continue
		}
		if !sub.ActiveAt(now) {
			continue
		}
		if best == nil || sub.StartedAt.Before(best.StartedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// AgentStats returns an aggregate registry snapshot, served from cache when
// wired. Staleness is bounded by the cache TTL.
func (s *Spine) AgentStats(ctx context.Context) (*Stats, error) {
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, statsCacheKey); err == nil && ok {
			var st Stats
			if err := json.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
		}
	}

	st := s.computeStats()

	if s.cache != nil {
		if data, err := json.Marshal(st); err == nil {
			_ = s.cache.Set(ctx, statsCacheKey, data, s.statsTTL)
		}
	}
	return st, nil
}

func (s *Spine) computeStats() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{
		TotalAgents:    len(s.agents),
		AgentsByStatus: make(map[string]int),
		TotalTasks:     len(s.tasks),
		Subscriptions:  len(s.subs),
		GeneratedAt:    s.now(),
	}
	for _, a := range s.agents {
		st.AgentsByStatus[string(a.Status)]++
		st.QueuedTasks += len(a.TaskQueue)
	}
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusCompleted:
			st.CompletedTasks++
		case task.StatusFailed:
			st.FailedTasks++
		}
	}
	return st
}

// PersistenceStatus reports whether the registry is durably backed, current
// state counts, and the journal's write counters.
func (s *Spine) PersistenceStatus() PersistenceStatus {
	s.mu.RLock()
	st := PersistenceStatus{
		UsingDatabase: !s.memoryOnly,
		Initialized:   s.initialized,
		LoadError:     s.loadError,
		Agents:        len(s.agents),
		Tasks:         len(s.tasks),
		Subscriptions: len(s.subs),
	}
	s.mu.RUnlock()

	if s.journal != nil {
		st.Journal = s.journal.Counters()
	}
	return st
}

// AgentTaskStats summarizes one agent's task history, served from cache when
// wired.
func (s *Spine) AgentTaskStats(ctx context.Context, agentKey string) (*AgentTaskStats, error) {
	cacheKey := statsCacheKey + ":" + agentKey
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
			var st AgentTaskStats
			if err := json.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
		}
	}

	now := s.now()
	s.mu.RLock()
	a, ok := s.agents[agentKey]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("agent %q: %w", agentKey, domain.ErrNotFound)
	}
	st := &AgentTaskStats{
		AgentKey:      agentKey,
		QueuedTasks:   len(a.TaskQueue),
		AvgResponseMs: a.Health.AvgResponseMs,
	}
	for _, t := range s.tasks {
		if t.AgentKey != agentKey {
			continue
		}
		st.TotalTasks++
		switch t.Status {
		case task.StatusCompleted:
			st.CompletedTasks++
		case task.StatusFailed:
			st.FailedTasks++
		}
	}
	for _, sub := range s.subs {
		if sub.AgentKey == agentKey && sub.ActiveAt(now) {
			st.ActiveSubscriptions++
		}
	}
	s.mu.RUnlock()

	if s.cache != nil {
		if data, err := json.Marshal(st); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, s.statsTTL)
		}
	}
	return st, nil
}

// Drain blocks until the journal worker has flushed and exited. Call after
// cancelling the context passed to Start.
func (s *Spine) Drain() {
	if s.journal != nil {
		s.journal.Wait()
	}
}

// healthLoop runs the periodic health sweep until ctx is cancelled.
func (s *Spine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.healthSweep(ctx, s.now())
		case <-ctx.Done():
			return
		}
	}
}

// healthSweep refreshes activity for agents that are working and marks the
// rest offline after prolonged inactivity. Offline agents stay offline until
// explicitly revived; the sweep never resurrects.
func (s *Spine) healthSweep(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.OfflineAfter)

	s.mu.Lock()
	var refreshed, wentOffline []*agent.Agent
	for _, a := range s.agents {
		switch {
		case a.Status == agent.StatusActive || a.Status == agent.StatusBusy:
			a.LastActiveAt = now
			refreshed = append(refreshed, copyAgent(a))
		case a.Status == agent.StatusOffline:
			// stays down until a heartbeat
		case a.LastActiveAt.Before(cutoff):
			a.Status = agent.StatusOffline
			wentOffline = append(wentOffline, copyAgent(a))
		}
	}
	s.mu.Unlock()

	for _, a := range refreshed {
		s.persistAgent(a)
	}

	for _, a := range wentOffline {
		s.persistAgent(a)
		s.broadcastAgent(ctx, a.AgentKey, agent.StatusOffline)
		s.log.Warn("agent offline after inactivity", "agent", a.AgentKey, "last_active", a.LastActiveAt)
		if s.metrics != nil {
			s.metrics.AgentsOffline.Add(ctx, 1)
		}
	}
	if len(wentOffline) > 0 {
		s.invalidateStats(ctx)
	}
}

// MarkAgentActive revives an agent and refreshes its activity timestamp.
// Used by external runners reporting a heartbeat.
func (s *Spine) MarkAgentActive(ctx context.Context, agentKey string) error {
	now := s.now()

	s.mu.Lock()
	a, ok := s.agents[agentKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %q: %w", agentKey, domain.ErrNotFound)
	}
	a.LastActiveAt = now
	if a.Status == agent.StatusOffline || a.Status == agent.StatusError {
		if len(a.TaskQueue) > 0 {
			a.Status = agent.StatusActive
		} else {
			a.Status = agent.StatusIdle
		}
	}
	cp := copyAgent(a)
	s.mu.Unlock()

	s.persistAgent(cp)
	s.broadcastAgent(ctx, agentKey, cp.Status)
	return nil
}

func (s *Spine) persistAgent(a *agent.Agent) {
	if s.journal != nil {
		s.journal.RecordAgent(a)
	}
}

func (s *Spine) persistTask(t *task.Task) {
	if s.journal != nil {
		s.journal.RecordTask(t)
	}
}

func (s *Spine) persistSubscription(sub *subscription.Subscription) {
	if s.journal != nil {
		s.journal.RecordSubscription(sub)
	}
}

func (s *Spine) publish(ctx context.Context, subject string, payload any) {
	if s.pub == nil || !s.pub.IsConnected() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.pub.Publish(ctx, subject, data); err != nil {
		s.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}

func (s *Spine) broadcastAgent(ctx context.Context, key string, status agent.Status) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{
		AgentKey: key,
		Status:   string(status),
	})
}

func (s *Spine) broadcastTask(ctx context.Context, t *task.Task) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:   t.ID,
		AgentKey: t.AgentKey,
		Status:   string(t.Status),
		UserID:   t.UserID,
	})
}

func (s *Spine) invalidateStats(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, statsCacheKey)
	}
}

func copyAgent(a *agent.Agent) *agent.Agent {
	cp := *a
	cp.TaskQueue = append([]string(nil), a.TaskQueue...)
	cp.Capabilities = append([]agent.Capability(nil), a.Capabilities...)
	return &cp
}

func removeID(queue []string, id string) []string {
	out := queue[:0]
	for _, q := range queue {
		if q != id {
			out = append(out, q)
		}
	}
	return out
}

func sortTasksNewestFirst(tasks []task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
