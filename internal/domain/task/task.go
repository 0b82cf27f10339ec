// Package task defines the Task domain entity.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final. Terminal tasks never re-queue.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task represents a unit of work submitted to one agent.
type Task struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id,omitempty"`
	AgentKey    string          `json:"agent_key"`
	Type        string          `json:"type"`
	Input       json.RawMessage `json:"input"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	AgentKey string          `json:"agent_key"`
	Type     string          `json:"type"`
	Input    json.RawMessage `json:"input"`
	UserID   string          `json:"user_id,omitempty"`
}
