// Package agent defines the Agent domain entity tracked by the spine registry.
package agent

import "time"

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Capability is a tag used to filter available agents for a task type.
type Capability string

const (
	CapabilityCode          Capability = "code"
	CapabilityDesign        Capability = "design"
	CapabilityAnalysis      Capability = "analysis"
	CapabilityCommunication Capability = "communication"
	CapabilityFunding       Capability = "funding"
	CapabilityDeployment    Capability = "deployment"
)

// Tier classifies an agent's cost and access level.
type Tier string

const (
	TierStandard  Tier = "Standard"
	TierPremium   Tier = "Premium"
	TierNightmare Tier = "Nightmare"
)

// Health holds rolling quality metrics for an agent, updated on task completion.
type Health struct {
	UptimePct     float64 `json:"uptime_pct"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	ErrorCount    int     `json:"error_count"`
}

// Price describes the subscription cost of a premium agent.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Period   string  `json:"period,omitempty"`
}

// Metadata holds the tier, unlock description, and pricing of an agent.
type Metadata struct {
	Tier                 Tier   `json:"tier"`
	Unlock               string `json:"unlock,omitempty"`
	SubscriptionRequired bool   `json:"subscription_required,omitempty"`
	Price                *Price `json:"price,omitempty"`
}

// Agent represents a named, capability-tagged worker tracked by the registry.
// AgentKey is the stable identifier across restarts; ID is a surrogate UUID.
type Agent struct {
	ID           string       `json:"id"`
	AgentKey     string       `json:"agent_key"`
	Name         string       `json:"name"`
	Status       Status       `json:"status"`
	Capabilities []Capability `json:"capabilities"`
	CurrentTask  string       `json:"current_task,omitempty"`
	TaskQueue    []string     `json:"task_queue"`
	Health       Health       `json:"health"`
	Metadata     Metadata     `json:"metadata"`
	RegisteredAt time.Time    `json:"registered_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
}

// HasCapability reports whether the agent advertises the given capability.
func (a *Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Available reports whether the agent can accept work (not offline, not errored).
func (a *Agent) Available() bool {
	return a.Status != StatusOffline && a.Status != StatusError
}
