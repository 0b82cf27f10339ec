// Package events defines the event publishing port (interface).
package events

import "context"

// Publisher is the port interface for emitting registry lifecycle events.
// Publishing is best-effort: the registry never fails an operation because an
// event could not be delivered.
type Publisher interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close shuts down the publisher connection.
	Close() error

	// IsConnected reports whether the publisher is currently connected.
	IsConnected() bool
}

// Subject constants for spine lifecycle events.
const (
	SubjectTaskSubmitted       = "spine.tasks.submitted"
	SubjectTaskCompleted       = "spine.tasks.completed"
	SubjectAgentRegistered     = "spine.agents.registered"
	SubjectAgentStatus         = "spine.agents.status"
	SubjectSubscriptionCreated = "spine.subscriptions.created"
)
