// Package hivemind is the coordination façade: it owns task records,
// resolves dependencies, drives the scheduler and runs workflows.
//
// Every mutation runs under a single mutex. Work that leaves the process or
// may block (executor calls, persistence, event delivery) is collected while
// the lock is held and performed after it is released.
package hivemind

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/comms"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queen"
)

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

// Deps are the collaborators of a HiveMind. All fields are optional: a nil
// Events bus is created internally, a nil Store disables persistence and a
// nil Executor leaves assigned tasks for CompleteTask/FailTask callers.
type Deps struct {
	Store     memory.Store
	Events    *events.Bus
	Transport comms.Transport
	Executor  Executor
}

type HiveMind struct {
	mu    sync.Mutex
	state lifecycle
	cfg   config.HiveConfig

	tasks      map[string]*Task
	order      []string
	dependents map[string][]string
	waiters    map[string][]chan Task
	running    map[string]context.CancelFunc

	registry    *agent.Registry
	agentEvents *eventBuffer
	queen       *queen.Queen
	comms    *comms.Bus

	events     *events.Bus
	ownsEvents bool
	store      memory.Store
	executor   Executor
	persist    *persister

	baseCtx context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func New(cfg config.HiveConfig, deps Deps) *HiveMind {
	bus := deps.Events
	owns := false
	if bus == nil {
		bus = events.NewBus(cfg.EventBuffer)
		owns = true
	}
	agentEvents := &eventBuffer{}
	registry := agent.NewRegistry(agentEvents)

	return &HiveMind{
		cfg:        cfg,
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		waiters:    make(map[string][]chan Task),
		running:    make(map[string]context.CancelFunc),
		registry:    registry,
		agentEvents: agentEvents,
		queen:      queen.New(registry),
		comms:      comms.NewBus(deps.Transport, bus),
		events:     bus,
		ownsEvents: owns,
		store:      deps.Store,
		executor:   deps.Executor,
		now:        time.Now,
	}
}

// Events returns the bus lifecycle events are published on.
func (h *HiveMind) Events() *events.Bus {
	return h.events
}

func (h *HiveMind) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew {
		return errs.ErrAlreadyInitialized
	}

	if err := h.comms.Initialize(ctx); err != nil {
		return err
	}
	h.baseCtx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if h.store != nil {
		h.persist = startPersister(h)
	}
	h.state = stateRunning
	slog.Info("hivemind initialized", "cascade_failures", h.cfg.CascadeFailures)
	return nil
}

// Shutdown rejects further submissions and cancels running executors
// without waiting for them. Queued and pending tasks stay where they are;
// nothing is assigned once the hive is stopped. A final coordination snapshot is written when a
// store is configured.
func (h *HiveMind) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.state != stateRunning {
		h.mu.Unlock()
		return errs.ErrNotInitialized
	}
	h.state = stateStopped
	inFlight := len(h.running)
	h.cancel()
	h.mu.Unlock()

	h.comms.Shutdown()
	if h.persist != nil {
		h.persist.stop(ctx)
	}
	if h.ownsEvents {
		h.events.Close()
	}
	slog.Info("hivemind stopped", "in_flight", inFlight)
	return nil
}

func (h *HiveMind) checkRunning() error {
	switch h.state {
	case stateNew:
		return errs.ErrNotInitialized
	case stateStopped:
		return errs.ErrShuttingDown
	}
	return nil
}

// RegisterAgent adds an agent and gives it any queued work it can take.
func (h *HiveMind) RegisterAgent(cfg agent.Config) (agent.Agent, error) {
	h.mu.Lock()
	if err := h.checkRunning(); err != nil {
		h.mu.Unlock()
		return agent.Agent{}, err
	}
	a, err := h.queen.RegisterAgent(cfg)
	if err != nil {
		h.mu.Unlock()
		return agent.Agent{}, err
	}
	h.comms.RegisterAgent(a.ID)

	var fx effects
	h.flushAgentEventsLocked(&fx)
	h.applyAssignmentsLocked(h.queen.Reprocess(), &fx)
	h.unlock(&fx)

	h.apply(fx)
	return a, nil
}

// UnregisterAgent removes the agent and its mailbox. Tasks it holds keep
// their state; a later completion is still accepted.
func (h *HiveMind) UnregisterAgent(id string) bool {
	h.mu.Lock()
	_, ok := h.queen.UnregisterAgent(id)
	if ok {
		h.comms.UnregisterAgent(id)
	}
	var fx effects
	h.unlock(&fx)

	h.apply(fx)
	return ok
}

func (h *HiveMind) AddCapability(agentID, capability string) error {
	return h.changeCapabilities(func() error {
		return h.registry.AddCapability(agentID, capability)
	})
}

func (h *HiveMind) RemoveCapability(agentID, capability string) error {
	return h.changeCapabilities(func() error {
		return h.registry.RemoveCapability(agentID, capability)
	})
}

func (h *HiveMind) changeCapabilities(change func() error) error {
	h.mu.Lock()
	if err := change(); err != nil {
		h.mu.Unlock()
		return err
	}
	var fx effects
	if h.state == stateRunning {
		h.applyAssignmentsLocked(h.queen.Reprocess(), &fx)
	}
	h.unlock(&fx)

	h.apply(fx)
	return nil
}

func (h *HiveMind) GetAgent(id string) (agent.Agent, bool) {
	return h.registry.Get(id)
}

func (h *HiveMind) ListAgents() []agent.Agent {
	return h.registry.List()
}

// GetTask returns a snapshot of the task.
func (h *HiveMind) GetTask(id string) (Task, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[id]
	if !ok {
		return Task{}, errs.NotFound("task", id)
	}
	return t.clone(), nil
}

// ListTasks returns snapshots of all tasks in submission order.
func (h *HiveMind) ListTasks() []Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Task, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.tasks[id].clone())
	}
	return out
}

// Queued returns the scheduler queue in dispatch order.
func (h *HiveMind) Queued() []queen.TaskRef {
	return h.queen.Queued()
}

func (h *HiveMind) SendMessage(ctx context.Context, msg comms.Message) (bool, error) {
	return h.comms.SendMessage(ctx, msg)
}

func (h *HiveMind) Broadcast(ctx context.Context, msg comms.Message) bool {
	return h.comms.Broadcast(ctx, msg)
}

func (h *HiveMind) MessagesFor(agentID string) ([]comms.Message, error) {
	return h.comms.GetMessagesFor(agentID)
}

// WaitForTask blocks until the task is completed or failed, or ctx is done.
func (h *HiveMind) WaitForTask(ctx context.Context, id string) (Task, error) {
	h.mu.Lock()
	t, ok := h.tasks[id]
	if !ok {
		h.mu.Unlock()
		return Task{}, errs.NotFound("task", id)
	}
	if t.Status.Terminal() {
		snap := t.clone()
		h.mu.Unlock()
		return snap, nil
	}
	ch := make(chan Task, 1)
	h.waiters[id] = append(h.waiters[id], ch)
	h.mu.Unlock()

	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		h.mu.Lock()
		ws := h.waiters[id]
		for i, w := range ws {
			if w == ch {
				h.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
		return Task{}, ctx.Err()
	}
}
