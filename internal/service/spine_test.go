package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dreamnet/spine/internal/adapter/memory"
	"github.com/dreamnet/spine/internal/config"
	"github.com/dreamnet/spine/internal/domain"
	"github.com/dreamnet/spine/internal/domain/access"
	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
	"github.com/dreamnet/spine/internal/port/database"
)

// fakeClock is a mutable time source for deterministic tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() config.Spine {
	return config.Spine{
		HealthInterval: time.Minute,
		OfflineAfter:   5 * time.Minute,
		JournalBuffer:  64,
	}
}

func newTestSpine(t *testing.T, store database.Store) (*Spine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := NewSpine(testConfig(), store, testLogger(), WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, clock
}

func TestStartSeedsCoreRoster(t *testing.T) {
	s, _ := newTestSpine(t, nil)

	agents := s.GetAllAgents()
	if len(agents) != 6 {
		t.Fatalf("agents = %d, want 6", len(agents))
	}
	for _, a := range agents {
		if a.Status != agent.StatusIdle {
			t.Errorf("agent %s status = %s, want idle", a.AgentKey, a.Status)
		}
	}

	cradle, err := s.GetAgent("cradle")
	if err != nil {
		t.Fatalf("GetAgent(cradle): %v", err)
	}
	if cradle.Metadata.Tier != agent.TierPremium {
		t.Errorf("cradle tier = %s, want Premium", cradle.Metadata.Tier)
	}
	if cradle.Metadata.Price == nil || cradle.Metadata.Price.Amount != 50 {
		t.Errorf("cradle price = %+v, want 50 DREAM", cradle.Metadata.Price)
	}
}

func TestSeedingIsIdempotent(t *testing.T) {
	store := memory.NewStore()

	clock := newFakeClock()
	s1 := NewSpine(testConfig(), store, testLogger(), WithClock(clock.Now))
	ctx1, cancel1 := context.WithCancel(context.Background())
	if err := s1.Start(ctx1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := s1.RegisterAgent(ctx1, "builder", "Builder", []agent.Capability{agent.CapabilityCode}, agent.Metadata{Tier: agent.TierStandard}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	cancel1()
	s1.journal.Wait()

	// A second registry over the same store must not duplicate the roster.
	s2 := NewSpine(testConfig(), store, testLogger(), WithClock(clock.Now))
	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)
	if err := s2.Start(ctx2); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := len(s2.GetAllAgents()); got != 7 {
		t.Fatalf("agents after restart = %d, want 7", got)
	}
}

func TestSubmitTaskQueuesPendingAndActivatesIdleAgent(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()

	tk, err := s.SubmitTask(ctx, task.SubmitRequest{
		AgentKey: "root",
		Type:     "lint",
		Input:    json.RawMessage(`{"path":"src/"}`),
		UserID:   "u1",
	})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if tk.Status != task.StatusPending {
		t.Errorf("task status = %s, want pending", tk.Status)
	}
	if tk.ID == "" {
		t.Error("task ID not assigned")
	}

	a, err := s.GetAgent("root")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != agent.StatusActive {
		t.Errorf("agent status = %s, want active", a.Status)
	}
	if len(a.TaskQueue) != 1 || a.TaskQueue[0] != tk.ID {
		t.Errorf("task queue = %v, want [%s]", a.TaskQueue, tk.ID)
	}

	// Further submissions stack up pending; the agent stays active.
	for i := 0; i < 2; i++ {
		if _, err := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"}); err != nil {
			t.Fatalf("SubmitTask #%d: %v", i+2, err)
		}
	}
	a, _ = s.GetAgent("root")
	if len(a.TaskQueue) != 3 {
		t.Errorf("queue len = %d, want 3", len(a.TaskQueue))
	}
	if a.Status != agent.StatusActive {
		t.Errorf("agent status = %s, want active", a.Status)
	}
}

func TestSubmitTaskLeavesBusyAgentAlone(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()

	s.mu.Lock()
	s.agents["root"].Status = agent.StatusBusy
	s.mu.Unlock()

	if _, err := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	a, _ := s.GetAgent("root")
	if a.Status != agent.StatusBusy {
		t.Errorf("agent status = %s, want busy", a.Status)
	}
}

func TestSubmitTaskUnknownAgent(t *testing.T) {
	s, _ := newTestSpine(t, nil)

	_, err := s.SubmitTask(context.Background(), task.SubmitRequest{AgentKey: "ghost", Type: "lint"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterAgentConflict(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()

	_, err := s.RegisterAgent(ctx, "lucid", "Duplicate", nil, agent.Metadata{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	_, err = s.RegisterAgent(ctx, "", "No Key", nil, agent.Metadata{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCheckAgentAccessUnlockRules(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()

	// Ungated agents are always allowed.
	d := s.CheckAgentAccess(ctx, "lucid", "u1", access.Profile{})
	if !d.HasAccess {
		t.Errorf("lucid denied: %s", d.Reason)
	}

	// Unknown agents are a denial, not an error.
	d = s.CheckAgentAccess(ctx, "ghost", "u1", access.Profile{})
	if d.HasAccess || d.Reason != "Agent not found" {
		t.Errorf("ghost decision = %+v", d)
	}

	// root requires trust > 60.
	d = s.CheckAgentAccess(ctx, "root", "u1", access.Profile{TrustScore: 50})
	if d.HasAccess {
		t.Error("root granted at trust 50")
	}
	if d.Reason != "Trust Score > 60 required" {
		t.Errorf("reason = %q", d.Reason)
	}
	d = s.CheckAgentAccess(ctx, "root", "u1", access.Profile{TrustScore: 61})
	if !d.HasAccess {
		t.Errorf("root denied at trust 61: %s", d.Reason)
	}

	// wing unlocks on staking or completed dreams.
	d = s.CheckAgentAccess(ctx, "wing", "u1", access.Profile{CompletedDreams: 10})
	if d.HasAccess {
		t.Error("wing granted without subscription")
	}
	if d.Reason != "Premium subscription required" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestCheckAgentAccessSubscriptionGate(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()
	profile := access.Profile{TrustScore: 85}

	d := s.CheckAgentAccess(ctx, "cradle", "u1", profile)
	if d.HasAccess {
		t.Fatal("cradle granted before subscribing")
	}

	if _, err := s.CreateSubscription(ctx, "u1", "cradle", subscription.PeriodMonthly); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	d = s.CheckAgentAccess(ctx, "cradle", "u1", profile)
	if !d.HasAccess {
		t.Fatalf("cradle denied after subscribing: %s", d.Reason)
	}

	// Another user's subscription does not transfer.
	d = s.CheckAgentAccess(ctx, "cradle", "u2", profile)
	if d.HasAccess {
		t.Error("subscription leaked to another user")
	}
}

func TestCreateSubscriptionPricingAndExpiry(t *testing.T) {
	s, clock := newTestSpine(t, nil)
	ctx := context.Background()
	start := clock.Now()

	monthly, err := s.CreateSubscription(ctx, "u1", "cradle", subscription.PeriodMonthly)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if monthly.Price.Amount != 50 || monthly.Price.Currency != "DREAM" {
		t.Errorf("monthly price = %+v, want 50 DREAM", monthly.Price)
	}
	if want := start.AddDate(0, 1, 0); !monthly.ExpiresAt.Equal(want) {
		t.Errorf("monthly expiry = %v, want %v", monthly.ExpiresAt, want)
	}

	yearly, err := s.CreateSubscription(ctx, "u2", "wolf-pack", subscription.PeriodYearly)
	if err != nil {
		t.Fatalf("yearly: %v", err)
	}
	if yearly.Price.Amount != 1000 {
		t.Errorf("yearly wolf-pack price = %v, want 1000", yearly.Price.Amount)
	}
	if want := start.AddDate(1, 0, 0); !yearly.ExpiresAt.Equal(want) {
		t.Errorf("yearly expiry = %v, want %v", yearly.ExpiresAt, want)
	}

	// Standard agents carry no price and cannot be subscribed.
	if _, err := s.CreateSubscription(ctx, "u1", "lucid", subscription.PeriodMonthly); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("lucid subscription err = %v, want ErrValidation", err)
	}
}

func TestGetUserSubscriptionExpiresLazily(t *testing.T) {
	s, clock := newTestSpine(t, nil)
	ctx := context.Background()

	if _, err := s.CreateSubscription(ctx, "u1", "cradle", subscription.PeriodMonthly); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if s.GetUserSubscription("u1", "cradle") == nil {
		t.Fatal("fresh subscription not found")
	}

	clock.Advance(31 * 24 * time.Hour)
	if sub := s.GetUserSubscription("u1", "cradle"); sub != nil {
		t.Fatalf("expired subscription still returned: %+v", sub)
	}
}

func TestHealthSweepMarksInactiveAgentsOffline(t *testing.T) {
	s, clock := newTestSpine(t, nil)
	ctx := context.Background()

	clock.Advance(6 * time.Minute)
	s.healthSweep(ctx, clock.Now())

	for _, a := range s.GetAllAgents() {
		if a.Status != agent.StatusOffline {
			t.Errorf("agent %s status = %s, want offline", a.AgentKey, a.Status)
		}
	}

	// The sweep never revives; only an explicit heartbeat does.
	s.healthSweep(ctx, clock.Now())
	a, _ := s.GetAgent("root")
	if a.Status != agent.StatusOffline {
		t.Fatalf("sweep resurrected root to %s", a.Status)
	}

	if err := s.MarkAgentActive(ctx, "root"); err != nil {
		t.Fatalf("MarkAgentActive: %v", err)
	}
	a, _ = s.GetAgent("root")
	if a.Status != agent.StatusIdle {
		t.Errorf("root status after heartbeat = %s, want idle", a.Status)
	}
}

func TestHealthSweepSparesRecentlyActiveAgents(t *testing.T) {
	s, clock := newTestSpine(t, nil)
	ctx := context.Background()

	clock.Advance(4 * time.Minute)
	if _, err := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"}); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	clock.Advance(2 * time.Minute)
	s.healthSweep(ctx, clock.Now())

	a, _ := s.GetAgent("root")
	if a.Status != agent.StatusActive {
		t.Errorf("root status = %s, want active", a.Status)
	}
	lucid, _ := s.GetAgent("lucid")
	if lucid.Status != agent.StatusOffline {
		t.Errorf("lucid status = %s, want offline", lucid.Status)
	}
}

func TestLoadFailureFallsBackToMemoryOnly(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	clock := newFakeClock()
	s := NewSpine(testConfig(), store, testLogger(), WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start must not fail on load error, got %v", err)
	}

	ps := s.PersistenceStatus()
	if ps.UsingDatabase {
		t.Fatal("using_database = true after load failure")
	}
	if ps.LoadError == "" {
		t.Error("load error not reported")
	}

	// The registry still runs: seeded roster, working submissions.
	if got := len(s.GetAllAgents()); got != 6 {
		t.Fatalf("agents = %d, want 6", got)
	}
	if _, err := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"}); err != nil {
		t.Fatalf("SubmitTask in memory-only mode: %v", err)
	}
	if c := s.PersistenceStatus().Journal; c.Enqueued != 0 {
		t.Errorf("journal enqueued = %d in memory-only mode, want 0", c.Enqueued)
	}
}

func TestCompleteTaskUpdatesAgentHealth(t *testing.T) {
	s, clock := newTestSpine(t, nil)
	ctx := context.Background()

	t1, err := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	clock.Advance(2 * time.Second)

	done, err := s.CompleteTask(ctx, t1.ID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	a, _ := s.GetAgent("root")
	if a.Status != agent.StatusIdle {
		t.Errorf("agent status = %s, want idle after empty queue", a.Status)
	}
	if len(a.TaskQueue) != 0 {
		t.Errorf("queue = %v, want empty", a.TaskQueue)
	}
	if a.Health.SuccessRate != 100 {
		t.Errorf("success rate = %v, want 100", a.Health.SuccessRate)
	}

	t2, _ := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "deploy"})
	if _, err := s.FailTask(ctx, t2.ID, "boom"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	a, _ = s.GetAgent("root")
	if a.Health.SuccessRate != 50 {
		t.Errorf("success rate = %v, want 50", a.Health.SuccessRate)
	}
	if a.Health.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", a.Health.ErrorCount)
	}

	// Terminal tasks cannot be finished twice.
	if _, err := s.CompleteTask(ctx, t2.ID, nil); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("double finish err = %v, want ErrConflict", err)
	}
}

func TestGetUserTasksNewestFirst(t *testing.T) {
	s, clock := newTestSpine(t, nil)
	ctx := context.Background()

	first, _ := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "a", UserID: "u1"})
	clock.Advance(time.Second)
	second, _ := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "lucid", Type: "b", UserID: "u1"})
	s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "c", UserID: "u2"})

	got := s.GetUserTasks("u1")
	if len(got) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got))
	}
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("order = [%s %s], want newest first", got[0].Type, got[1].Type)
	}
}

func TestAgentStats(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()

	t1, _ := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"})
	s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "root", Type: "lint"})
	s.CompleteTask(ctx, t1.ID, nil)

	st, err := s.AgentStats(ctx)
	if err != nil {
		t.Fatalf("AgentStats: %v", err)
	}
	if st.TotalAgents != 6 {
		t.Errorf("total agents = %d, want 6", st.TotalAgents)
	}
	if st.TotalTasks != 2 {
		t.Errorf("total tasks = %d, want 2", st.TotalTasks)
	}
	if st.CompletedTasks != 1 {
		t.Errorf("completed = %d, want 1", st.CompletedTasks)
	}
	if st.QueuedTasks != 1 {
		t.Errorf("queued = %d, want 1", st.QueuedTasks)
	}
	if st.AgentsByStatus["active"] != 1 {
		t.Errorf("active agents = %d, want 1", st.AgentsByStatus["active"])
	}
}

func TestAgentTaskStats(t *testing.T) {
	s, _ := newTestSpine(t, nil)
	ctx := context.Background()

	t1, _ := s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "cradle", Type: "lint"})
	s.SubmitTask(ctx, task.SubmitRequest{AgentKey: "cradle", Type: "lint"})
	s.CompleteTask(ctx, t1.ID, nil)
	s.CreateSubscription(ctx, "u1", "cradle", subscription.PeriodMonthly)

	st, err := s.AgentTaskStats(ctx, "cradle")
	if err != nil {
		t.Fatalf("AgentTaskStats: %v", err)
	}
	if st.TotalTasks != 2 || st.CompletedTasks != 1 || st.QueuedTasks != 1 {
		t.Errorf("stats = %+v, want total 2, completed 1, queued 1", st)
	}
	if st.ActiveSubscriptions != 1 {
		t.Errorf("active subscriptions = %d, want 1", st.ActiveSubscriptions)
	}

	if _, err := s.AgentTaskStats(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetAvailableAgentsFiltersByCapability(t *testing.T) {
	s, _ := newTestSpine(t, nil)

	code := s.GetAvailableAgents(agent.CapabilityCode)
	keys := map[string]bool{}
	for _, a := range code {
		keys[a.AgentKey] = true
	}
	for _, want := range []string{"lucid", "canvas", "root", "cradle"} {
		if !keys[want] {
			t.Errorf("missing %s in code-capable agents: %v", want, keys)
		}
	}
	if keys["wing"] {
		t.Error("wing listed as code-capable")
	}

	s.mu.Lock()
	s.agents["root"].Status = agent.StatusOffline
	s.mu.Unlock()
	code = s.GetAvailableAgents(agent.CapabilityCode)
	for _, a := range code {
		if a.AgentKey == "root" {
			t.Error("offline agent listed as available")
		}
	}
}
