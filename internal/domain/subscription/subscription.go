// Package subscription defines time-boxed access grants to premium agents.
package subscription

import "time"

// Status represents the current state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Period is the billing cycle of a subscription.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

// Valid reports whether p is a known billing period.
func (p Period) Valid() bool {
	return p == PeriodMonthly || p == PeriodYearly
}

// ExpiryFrom returns the expiry timestamp for a subscription starting at start.
func (p Period) ExpiryFrom(start time.Time) time.Time {
	if p == PeriodYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// PriceMultiplier scales the agent's monthly price for the billing period.
// Yearly billing is ten months' worth.
func (p Period) PriceMultiplier() float64 {
	if p == PeriodYearly {
		return 10
	}
	return 1
}

// Price is the amount charged for the subscription term.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Subscription grants a user time-boxed access to a premium agent.
// Expiry is evaluated lazily at access-check time; there is no renewal sweep.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentKey  string    `json:"agent_key"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Price     Price     `json:"price"`
}

// ActiveAt reports whether the subscription grants access at the given instant.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status == StatusActive && s.ExpiresAt.After(now)
}
