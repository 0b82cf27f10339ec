package ws

// Event type constants for WebSocket messages.
const (
	EventAgentStatus = "agent_status"
	EventTaskStatus  = "task_status"
)

// AgentStatusEvent notifies clients of an agent status change.
type AgentStatusEvent struct {
	AgentKey string `json:"agent_key"`
	Status   string `json:"status"`
}

// TaskStatusEvent notifies clients of a task lifecycle change.
type TaskStatusEvent struct {
	TaskID   string `json:"task_id"`
	AgentKey string `json:"agent_key"`
	Status   string `json:"status"`
	UserID   string `json:"user_id,omitempty"`
}
