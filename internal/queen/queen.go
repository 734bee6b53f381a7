// Package queen matches tasks to agents. A task goes to the eligible agent
// with the most spare capacity, or waits in a priority queue until one
// frees up.
package queen

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
)

// TaskRef is the part of a task the scheduler needs.
type TaskRef struct {
	ID                   string    `json:"id"`
	Priority             int       `json:"priority"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	EnqueuedAt           time.Time `json:"enqueued_at"`
}

type AssignmentStatus string

const (
	Assigned AssignmentStatus = "assigned"
	Queued   AssignmentStatus = "queued"
)

type Assignment struct {
	TaskID  string           `json:"task_id"`
	AgentID string           `json:"agent_id,omitempty"`
	Status  AssignmentStatus `json:"status"`
}

type queuedRef struct {
	ref TaskRef
	seq uint64
}

type Queen struct {
	mu       sync.Mutex
	registry *agent.Registry
	queue    []queuedRef
	seq      uint64
	now      func() time.Time
}

func New(registry *agent.Registry) *Queen {
	return &Queen{registry: registry, now: time.Now}
}

func (q *Queen) Registry() *agent.Registry {
	return q.registry
}

func (q *Queen) RegisterAgent(cfg agent.Config) (agent.Agent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.registry.Register(cfg)
}

func (q *Queen) UnregisterAgent(id string) (agent.Agent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.registry.Unregister(id)
}

// RegisteredAgents returns agents in registration order.
func (q *Queen) RegisteredAgents() []agent.Agent {
	return q.registry.List()
}

// AssignTask assigns ref to the best agent, or queues it when none is
// eligible.
func (q *Queen) AssignTask(ref TaskRef) (Assignment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	agents := q.registry.List()
	if i := pick(agents, ref.RequiredCapabilities); i >= 0 {
		id := agents[i].ID
		if err := q.registry.AssignTask(id, ref.ID); err != nil {
			slog.Error("assign to selected agent failed", "task", ref.ID, "agent", id, "error", err)
			return Assignment{}, err
		}
		return Assignment{TaskID: ref.ID, AgentID: id, Status: Assigned}, nil
	}

	q.enqueue(ref)
	return Assignment{TaskID: ref.ID, Status: Queued}, nil
}

// CompleteTask releases the agent's slot and assigns whatever queued work
// now fits. completed is false for failed and cancelled tasks.
func (q *Queen) CompleteTask(taskID, agentID string, completed bool) ([]Assignment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.registry.ReleaseTask(agentID, taskID, completed); err != nil {
		return nil, err
	}
	return q.reprocess(), nil
}

// Release frees the agent's slot and leaves the queue untouched.
func (q *Queen) Release(taskID, agentID string, completed bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.registry.ReleaseTask(agentID, taskID, completed)
}

// Reprocess walks the queue once, head to tail, assigning every task that
// has an eligible agent.
func (q *Queen) Reprocess() []Assignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reprocess()
}

func (q *Queen) reprocess() []Assignment {
	if len(q.queue) == 0 {
		return nil
	}

	agents := q.registry.List()
	var out []Assignment
	remaining := q.queue[:0]
	for _, item := range q.queue {
		i := pick(agents, item.ref.RequiredCapabilities)
		if i < 0 {
			remaining = append(remaining, item)
			continue
		}
		id := agents[i].ID
		if err := q.registry.AssignTask(id, item.ref.ID); err != nil {
			slog.Error("assign queued task failed", "task", item.ref.ID, "agent", id, "error", err)
			remaining = append(remaining, item)
			continue
		}
		occupy(&agents[i], item.ref.ID)
		out = append(out, Assignment{TaskID: item.ref.ID, AgentID: id, Status: Assigned})
	}
	clear(q.queue[len(remaining):])
	q.queue = remaining
	return out
}

// Cancel removes a queued task. It reports whether the task was queued.
func (q *Queen) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.queue, func(item queuedRef) bool { return item.ref.ID == taskID })
	if i < 0 {
		return false
	}
	q.queue = slices.Delete(q.queue, i, i+1)
	return true
}

func (q *Queen) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Queued returns the queue in dispatch order.
func (q *Queen) Queued() []TaskRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TaskRef, len(q.queue))
	for i, item := range q.queue {
		out[i] = item.ref
		out[i].RequiredCapabilities = slices.Clone(item.ref.RequiredCapabilities)
	}
	return out
}

// enqueue inserts after every entry of equal or higher priority, which keeps
// FIFO order within a priority. Caller holds q.mu.
func (q *Queen) enqueue(ref TaskRef) {
	if ref.EnqueuedAt.IsZero() {
		ref.EnqueuedAt = q.now().UTC()
	}
	ref.RequiredCapabilities = slices.Clone(ref.RequiredCapabilities)
	q.seq++
	item := queuedRef{ref: ref, seq: q.seq}

	i := sort.Search(len(q.queue), func(i int) bool {
		return before(item, q.queue[i])
	})
	q.queue = slices.Insert(q.queue, i, item)
}

func before(a, b queuedRef) bool {
	if a.ref.Priority != b.ref.Priority {
		return a.ref.Priority > b.ref.Priority
	}
	// seq follows enqueue order and is immune to wall clock steps.
	return a.seq < b.seq
}

// pick returns the index of the eligible agent with the most spare capacity.
// Ties go to the higher agent priority, then to the earlier registration.
// It returns -1 when no agent is eligible.
func pick(agents []agent.Agent, required []string) int {
	best := -1
	for i := range agents {
		a := &agents[i]
		if !a.Available() || a.SpareCapacity() <= 0 || !a.HasCapabilities(required) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := &agents[best]
		if a.SpareCapacity() > b.SpareCapacity() ||
			(a.SpareCapacity() == b.SpareCapacity() && a.Priority > b.Priority) {
			best = i
		}
	}
	return best
}

// occupy mirrors a registry assignment on a local snapshot.
func occupy(a *agent.Agent, taskID string) {
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
		a.Status = agent.StatusBusy
	} else {
		a.Status = agent.StatusActive
	}
}
