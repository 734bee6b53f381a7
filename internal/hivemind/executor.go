package hivemind

import "context"

// Assignment is what an executor receives for a task bound to an agent.
type Assignment struct {
	TaskID               string   `json:"task_id"`
	AgentID              string   `json:"agent_id"`
	Type                 string   `json:"type"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Input                string   `json:"input,omitempty"`
}

// Executor runs assigned tasks. Execute is called in its own goroutine for
// every assignment; ctx is cancelled when the task is cancelled or the
// HiveMind shuts down.
type Executor interface {
	Execute(ctx context.Context, a Assignment) Result
}

type ExecutorFunc func(ctx context.Context, a Assignment) Result

func (f ExecutorFunc) Execute(ctx context.Context, a Assignment) Result {
	return f(ctx, a)
}
