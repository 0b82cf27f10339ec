package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dreamnet/spine/internal/domain/access"
	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
	"github.com/dreamnet/spine/internal/service"
)

// Handlers bundles all HTTP handlers with their dependencies.
type Handlers struct {
	spine *service.Spine
}

// NewHandlers creates the handler set.
func NewHandlers(spine *service.Spine) *Handlers {
	return &Handlers{spine: spine}
}

// --- Agents ---

// ListAgents returns registered agents. Supports ?capability= and
// ?available=true filters.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	capability := agent.Capability(r.URL.Query().Get("capability"))

	if r.URL.Query().Get("available") == "true" || capability != "" {
		writeJSON(w, http.StatusOK, h.spine.GetAvailableAgents(capability))
		return
	}
	writeJSON(w, http.StatusOK, h.spine.GetAllAgents())
}

type registerAgentRequest struct {
	AgentKey     string             `json:"agent_key"`
	Name         string             `json:"name"`
	Capabilities []agent.Capability `json:"capabilities"`
	Metadata     agent.Metadata     `json:"metadata"`
}

// RegisterAgent adds a new agent to the registry.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerAgentRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.AgentKey, "agent_key") || !requireField(w, req.Name, "name") {
		return
	}

	a, err := h.spine.RegisterAgent(r.Context(), req.AgentKey, req.Name, req.Capabilities, req.Metadata)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type agentWithStats struct {
	Agent *agent.Agent            `json:"agent"`
	Stats *service.AgentTaskStats `json:"stats"`
}

// GetAgent returns one agent by key together with its task stats.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")
	a, err := h.spine.GetAgent(key)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	st, err := h.spine.AgentTaskStats(r.Context(), key)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agentWithStats{Agent: a, Stats: st})
}

// CheckAccess evaluates unlock rules and subscription state for a user.
// Profile values come from query parameters; the user from the X-User-ID
// header or ?userId.
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")
	q := r.URL.Query()

	profile := access.Profile{
		TrustScore:      queryInt(q.Get("trustScore")),
		CompletedDreams: queryInt(q.Get("completedDreams")),
		StakedTokens:    queryInt(q.Get("stakedTokens")),
		TokenBoost:      q.Get("tokenBoost") == "true",
	}

	writeJSON(w, http.StatusOK, h.spine.CheckAgentAccess(r.Context(), key, userID(r), profile))
}

// userID resolves the caller's user ID from the X-User-ID header or ?userId.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("userId")
}

func queryInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Heartbeat refreshes an agent's activity timestamp, reviving it if offline.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")
	if err := h.spine.MarkAgentActive(r.Context(), key); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	a, err := h.spine.GetAgent(key)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Tasks ---

// SubmitTask queues a new task for an agent.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.AgentKey, "agent_key") || !requireField(w, req.Type, "type") {
		return
	}

	t, err := h.spine.SubmitTask(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask returns one task by ID.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.spine.GetTask(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks returns tasks filtered by ?userId= or ?agent=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	if userID := r.URL.Query().Get("userId"); userID != "" {
		writeJSON(w, http.StatusOK, h.spine.GetUserTasks(userID))
		return
	}
	if agentKey := r.URL.Query().Get("agent"); agentKey != "" {
		writeJSON(w, http.StatusOK, h.spine.GetAgentTasks(agentKey))
		return
	}
	writeError(w, http.StatusBadRequest, "userId or agent query parameter is required")
}

type completeTaskRequest struct {
	Result json.RawMessage `json:"result"`
}

// CompleteTask marks a task completed with its result.
func (h *Handlers) CompleteTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[completeTaskRequest](w, r)
	if !ok {
		return
	}
	t, err := h.spine.CompleteTask(r.Context(), urlParam(r, "id"), req.Result)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type failTaskRequest struct {
	Error string `json:"error"`
}

// FailTask marks a task failed with an error message.
func (h *Handlers) FailTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[failTaskRequest](w, r)
	if !ok {
		return
	}
	t, err := h.spine.FailTask(r.Context(), urlParam(r, "id"), req.Error)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Subscriptions ---

type createSubscriptionRequest struct {
	UserID   string              `json:"user_id"`
	AgentKey string              `json:"agent_key"`
	Period   subscription.Period `json:"period"`
}

// CreateSubscription purchases premium agent access for a user. The user
// comes from the body or, failing that, the X-User-ID header.
func (h *Handlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSubscriptionRequest](w, r)
	if !ok {
		return
	}
	if req.UserID == "" {
		req.UserID = userID(r)
	}
	if !requireField(w, req.UserID, "user_id") || !requireField(w, req.AgentKey, "agent_key") {
		return
	}
	if req.Period == "" {
		req.Period = subscription.PeriodMonthly
	}

	sub, err := h.spine.CreateSubscription(r.Context(), req.UserID, req.AgentKey, req.Period)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// GetSubscription returns the user's valid subscription for an agent, if any.
func (h *Handlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	agentKey := urlParam(r, "agentKey")
	uid := userID(r)
	if !requireField(w, uid, "userId") {
		return
	}

	sub := h.spine.GetUserSubscription(uid, agentKey)
	if sub == nil {
		writeError(w, http.StatusNotFound, "no active subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- Registry status ---

// GetStats returns the aggregate registry snapshot.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.spine.AgentStats(r.Context())
	if err != nil {
		writeDomainError(w, err, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetStatus reports persistence mode and journal counters.
func (h *Handlers) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.spine.PersistenceStatus())
}
