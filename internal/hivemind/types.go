package hivemind

import (
	"slices"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Result struct {
	Success bool     `json:"success"`
	Output  string   `json:"output,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// TaskSpec is a task submission. ID is optional.
type TaskSpec struct {
	ID                   string   `json:"id,omitempty"`
	Type                 string   `json:"type"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Priority             int      `json:"priority"`
	Dependencies         []string `json:"dependencies,omitempty"`
	Input                string   `json:"input,omitempty"`
}

type Task struct {
	ID                   string     `json:"id"`
	Type                 string     `json:"type"`
	Description          string     `json:"description,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	Priority             int        `json:"priority"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	Status               TaskStatus `json:"status"`
	AssignedAgent        string     `json:"assigned_agent,omitempty"`
	Input                string     `json:"input,omitempty"`
	Result               *Result    `json:"result,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            time.Time  `json:"started_at,omitzero"`
	EndedAt              time.Time  `json:"ended_at,omitzero"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	CancelRequested      bool       `json:"cancel_requested,omitempty"`
}

func (t *Task) clone() Task {
	c := *t
	c.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.Result != nil {
		r := *t.Result
		r.Errors = slices.Clone(t.Result.Errors)
		c.Result = &r
	}
	return c
}

// Submission is returned by ExecuteTask.
type Submission struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	AgentID string     `json:"agent_id,omitempty"`
}

type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
	Pipeline   Strategy = "pipeline"
)

type Workflow struct {
	ID                string     `json:"id,omitempty"`
	Strategy          Strategy   `json:"strategy"`
	Tasks             []TaskSpec `json:"tasks"`
	ContinueOnFailure bool       `json:"continue_on_failure,omitempty"`
}

// Outcome statuses reported per workflow task.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

type TaskOutcome struct {
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type WorkflowResult struct {
	WorkflowID  string        `json:"workflow_id"`
	Strategy    Strategy      `json:"strategy"`
	Success     bool          `json:"success"`
	Results     []TaskOutcome `json:"results"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

type Stats struct {
	ActiveAgents        int           `json:"active_agents"`
	TotalTasks          int           `json:"total_tasks"`
	PendingTasks        int           `json:"pending_tasks"`
	QueuedTasks         int           `json:"queued_tasks"`
	AssignedTasks       int           `json:"assigned_tasks"`
	CompletedTasks      int           `json:"completed_tasks"`
	FailedTasks         int           `json:"failed_tasks"`
	SuccessRate         float64       `json:"success_rate"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
	MemoryUsage         uint64        `json:"memory_usage"`
}
