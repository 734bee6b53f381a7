package agent

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/events"
)

// Registry owns agent records. All methods are safe for concurrent use;
// reads return copies. Events are published after the lock is released.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
	pub    events.Publisher
	now    func() time.Time
}

// NewRegistry creates a registry publishing lifecycle events to pub, which
// may be nil.
func NewRegistry(pub events.Publisher) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		pub:    pub,
		now:    time.Now,
	}
}

func validate(cfg Config) error {
	switch {
	case cfg.Name == "":
		return errs.Invalid("name", "must not be empty")
	case cfg.Type == "":
		return errs.Invalid("type", "must not be empty")
	case cfg.MaxConcurrentTasks < 1:
		return errs.Invalid("max_concurrent_tasks", "must be at least 1")
	case cfg.Priority < 0:
		return errs.Invalid("priority", "must not be negative")
	}
	return nil
}

func (r *Registry) Register(cfg Config) (Agent, error) {
	if err := validate(cfg); err != nil {
		return Agent{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	a := &Agent{
		ID:                 cfg.ID,
		Name:               cfg.Name,
		Type:               cfg.Type,
		SwarmID:            cfg.SwarmID,
		Capabilities:       normalizeCapabilities(cfg.Capabilities),
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		CurrentTasks:       []string{},
		Status:             StatusIdle,
		Priority:           cfg.Priority,
		Metadata:           maps.Clone(cfg.Metadata),
	}

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		return Agent{}, errs.Invalid("id", "agent "+a.ID+" already registered")
	}
	a.RegisteredAt = r.now().UTC()
	r.agents[a.ID] = a
	r.order = append(r.order, a.ID)
	snap := a.clone()
	r.mu.Unlock()

	slog.Info("agent registered", "agent", snap.ID, "name", snap.Name, "type", snap.Type, "capacity", snap.MaxConcurrentTasks)
	r.publish(events.AgentRegistered, map[string]any{
		"agentId":      snap.ID,
		"name":         snap.Name,
		"type":         snap.Type,
		"capabilities": snap.Capabilities,
	})
	return snap, nil
}

// Unregister removes the agent and returns its final snapshot with status
// offline. In-flight task ids stay in the snapshot; the tasks themselves are
// not touched. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) (Agent, bool) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return Agent{}, false
	}
	delete(r.agents, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	from := a.Status
	a.Status = StatusOffline
	snap := a.clone()
	r.mu.Unlock()

	slog.Info("agent unregistered", "agent", id, "in_flight", len(snap.CurrentTasks))
	r.publish(events.AgentUnregistered, map[string]any{"agentId": id, "from": string(from)})
	r.publishStatus(id, from, StatusOffline)
	return snap, true
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// List returns all registered agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// AssignTask records taskID on the agent.
func (r *Registry) AssignTask(agentID, taskID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errs.NotFound("agent", agentID)
	}
	if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, errs.ErrCapacityExceeded)
	}
	a.CurrentTasks = append(a.CurrentTasks, taskID)
	from, to := r.recompute(a)
	r.mu.Unlock()

	if from != to {
		r.publishStatus(agentID, from, to)
	}
	return nil
}

// CompleteTask removes taskID from the agent and counts it as completed.
func (r *Registry) CompleteTask(agentID, taskID string) error {
	return r.ReleaseTask(agentID, taskID, true)
}

// ReleaseTask frees the slot held by taskID. Only successful tasks count
// toward CompletedTasks.
func (r *Registry) ReleaseTask(agentID, taskID string, completed bool) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errs.NotFound("agent", agentID)
	}
	idx := slices.Index(a.CurrentTasks, taskID)
	if idx < 0 {
		r.mu.Unlock()
		return errs.NotFound("task", taskID)
	}
	a.CurrentTasks = slices.Delete(a.CurrentTasks, idx, idx+1)
	if completed {
		a.CompletedTasks++
	}
	from, to := r.recompute(a)
	r.mu.Unlock()

	if from != to {
		r.publishStatus(agentID, from, to)
	}
	return nil
}

func (r *Registry) AddCapability(agentID, capability string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return errs.NotFound("agent", agentID)
	}
	if capability == "" || slices.Contains(a.Capabilities, capability) {
		return nil
	}
	a.Capabilities = normalizeCapabilities(append(a.Capabilities, capability))
	return nil
}

func (r *Registry) RemoveCapability(agentID, capability string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return errs.NotFound("agent", agentID)
	}
	a.Capabilities = slices.DeleteFunc(a.Capabilities, func(c string) bool { return c == capability })
	return nil
}

// recompute sets the status implied by the task count. Caller holds r.mu.
func (r *Registry) recompute(a *Agent) (from, to Status) {
	from = a.Status
	a.Status = statusFor(len(a.CurrentTasks), a.MaxConcurrentTasks)
	return from, a.Status
}

func (r *Registry) publishStatus(id string, from, to Status) {
	r.publish(events.AgentStatusChanged, map[string]any{
		"agentId": id,
		"from":    string(from),
		"to":      string(to),
	})
}

func (r *Registry) publish(t events.Type, data map[string]any) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(events.New(t, data))
}
