package hivemind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/queen"
)

// ReasonCancelled is the failure reason recorded for cancelled tasks.
const ReasonCancelled = "cancelled"

// effects collects what a locked section decided to do once unlocked.
type effects struct {
	events   []events.Event
	dispatch []dispatch
}

type dispatch struct {
	ctx        context.Context
	assignment Assignment
}

func (fx *effects) emit(t events.Type, data map[string]any) {
	fx.events = append(fx.events, events.New(t, data))
}

// eventBuffer holds registry events raised inside a locked section so they
// can be published through the section's effects.
type eventBuffer struct {
	mu      sync.Mutex
	pending []events.Event
}

func (b *eventBuffer) Publish(ev events.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

func (b *eventBuffer) drain() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (h *HiveMind) flushAgentEventsLocked(fx *effects) {
	fx.events = append(fx.events, h.agentEvents.drain()...)
}

// unlock releases h.mu after moving buffered agent events into fx. Agent
// status changes are therefore published after the task events of the same
// section that caused them.
func (h *HiveMind) unlock(fx *effects) {
	h.flushAgentEventsLocked(fx)
	h.mu.Unlock()
}

// apply publishes collected events and starts executors. Caller must not
// hold h.mu.
func (h *HiveMind) apply(fx effects) {
	for _, ev := range fx.events {
		h.events.Publish(ev)
	}
	if h.executor == nil {
		return
	}
	for _, d := range fx.dispatch {
		go h.execute(d.ctx, d.assignment)
	}
}

func (h *HiveMind) execute(ctx context.Context, a Assignment) {
	res := h.executor.Execute(ctx, a)

	var err error
	if res.Success {
		err = h.completeWith(a.TaskID, res)
	} else {
		err = h.failWith(a.TaskID, failureReason(ctx, res), res.Errors)
	}
	if err != nil && !errors.Is(err, errs.ErrTaskTerminal) {
		slog.Warn("apply executor result failed", "task", a.TaskID, "agent", a.AgentID, "error", err)
	}
}

func failureReason(ctx context.Context, res Result) string {
	if len(res.Errors) > 0 {
		return strings.Join(res.Errors, "; ")
	}
	if ctx.Err() != nil {
		return ReasonCancelled
	}
	return "execution failed"
}

func validateSpec(spec TaskSpec) error {
	if spec.Type == "" {
		return errs.Invalid("type", "must not be empty")
	}
	seen := make(map[string]bool, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		switch {
		case dep == "":
			return errs.Invalid("dependencies", "must not contain empty ids")
		case spec.ID != "" && dep == spec.ID:
			return errs.Invalid("dependencies", "task cannot depend on itself")
		case seen[dep]:
			return errs.Invalid("dependencies", "duplicate dependency "+dep)
		}
		seen[dep] = true
	}
	return nil
}

// ExecuteTask submits a task. It is assigned right away when its
// dependencies are complete and an agent fits, queued when no agent fits,
// and left pending until its dependencies complete otherwise.
func (h *HiveMind) ExecuteTask(_ context.Context, spec TaskSpec) (Submission, error) {
	if err := validateSpec(spec); err != nil {
		return Submission{}, err
	}

	h.mu.Lock()
	if err := h.checkRunning(); err != nil {
		h.mu.Unlock()
		return Submission{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	} else if _, exists := h.tasks[spec.ID]; exists {
		h.mu.Unlock()
		return Submission{}, errs.Invalid("id", "task "+spec.ID+" already exists")
	}

	t := &Task{
		ID:                   spec.ID,
		Type:                 spec.Type,
		Description:          spec.Description,
		RequiredCapabilities: slices.Clone(spec.RequiredCapabilities),
		Priority:             spec.Priority,
		Dependencies:         slices.Clone(spec.Dependencies),
		Status:               TaskPending,
		Input:                spec.Input,
		CreatedAt:            h.now().UTC(),
	}
	h.tasks[t.ID] = t
	h.order = append(h.order, t.ID)

	var fx effects
	fx.emit(events.TaskSubmitted, map[string]any{
		"taskId":       t.ID,
		"type":         t.Type,
		"priority":     t.Priority,
		"dependencies": t.Dependencies,
	})

	err := h.checkDependenciesLocked(t)
	switch {
	case err == nil:
		h.scheduleLocked(t, &fx)
	case errors.Is(err, errs.ErrDependencyUnmet):
		for _, dep := range t.Dependencies {
			if d, ok := h.tasks[dep]; !ok || d.Status != TaskCompleted {
				h.dependents[dep] = append(h.dependents[dep], t.ID)
			}
		}
		fx.emit(events.TaskPending, map[string]any{"taskId": t.ID, "reason": err.Error()})
	default:
		h.failLocked(t, err.Error(), nil, &fx)
	}

	sub := Submission{TaskID: t.ID, Status: t.Status, AgentID: t.AssignedAgent}
	h.unlock(&fx)

	h.apply(fx)
	return sub, nil
}

// checkDependenciesLocked returns nil when every dependency completed, an
// error wrapping ErrDependencyUnmet when some are outstanding, or a plain
// error when a dependency failed and failures cascade.
func (h *HiveMind) checkDependenciesLocked(t *Task) error {
	var unmet []string
	for _, dep := range t.Dependencies {
		d, ok := h.tasks[dep]
		switch {
		case !ok:
			unmet = append(unmet, dep)
		case d.Status == TaskFailed && h.cfg.CascadeFailures:
			return fmt.Errorf("dependency %s failed", dep)
		case d.Status != TaskCompleted:
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return fmt.Errorf("waiting on %s: %w", strings.Join(unmet, ", "), errs.ErrDependencyUnmet)
	}
	return nil
}

// scheduleLocked hands a ready task to the scheduler.
func (h *HiveMind) scheduleLocked(t *Task, fx *effects) {
	a, err := h.queen.AssignTask(queen.TaskRef{
		ID:                   t.ID,
		Priority:             t.Priority,
		RequiredCapabilities: t.RequiredCapabilities,
	})
	if err != nil {
		slog.Error("scheduler assignment failed", "task", t.ID, "error", err)
		h.failLocked(t, err.Error(), nil, fx)
		return
	}
	switch a.Status {
	case queen.Assigned:
		h.assignLocked(t, a.AgentID, fx)
	case queen.Queued:
		t.Status = TaskQueued
		fx.emit(events.TaskQueued, map[string]any{"taskId": t.ID, "priority": t.Priority})
	}
}

func (h *HiveMind) assignLocked(t *Task, agentID string, fx *effects) {
	t.Status = TaskAssigned
	t.AssignedAgent = agentID
	t.StartedAt = h.now().UTC()

	ctx, cancel := context.WithCancel(h.baseCtx)
	h.running[t.ID] = cancel

	fx.emit(events.TaskAssigned, map[string]any{"taskId": t.ID, "agentId": agentID})
	fx.dispatch = append(fx.dispatch, dispatch{
		ctx: ctx,
		assignment: Assignment{
			TaskID:               t.ID,
			AgentID:              agentID,
			Type:                 t.Type,
			Description:          t.Description,
			RequiredCapabilities: slices.Clone(t.RequiredCapabilities),
			Input:                t.Input,
		},
	})
}

func (h *HiveMind) applyAssignmentsLocked(as []queen.Assignment, fx *effects) {
	for _, a := range as {
		if a.Status != queen.Assigned {
			continue
		}
		t, ok := h.tasks[a.TaskID]
		if !ok {
			slog.Error("scheduler assigned unknown task", "task", a.TaskID, "agent", a.AgentID)
			continue
		}
		h.assignLocked(t, a.AgentID, fx)
	}
}

// CompleteTask records a successful result for an assigned task.
func (h *HiveMind) CompleteTask(taskID, output string) error {
	return h.completeWith(taskID, Result{Success: true, Output: output})
}

func (h *HiveMind) completeWith(taskID string, res Result) error {
	h.mu.Lock()
	t, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return errs.NotFound("task", taskID)
	}
	if t.Status.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, errs.ErrTaskTerminal)
	}
	if t.Status != TaskAssigned {
		h.mu.Unlock()
		return errs.Invalid("status", "task "+taskID+" is "+string(t.Status)+", not assigned")
	}

	var fx effects
	res.Success = true
	h.finishLocked(t, TaskCompleted, &res, &fx)
	h.releaseLocked(t, true, &fx)
	h.promoteLocked(t.ID, &fx)
	h.unlock(&fx)

	h.apply(fx)
	return nil
}

// FailTask records a failure. Pending and queued tasks can be failed too.
func (h *HiveMind) FailTask(taskID, reason string) error {
	return h.failWith(taskID, reason, nil)
}

func (h *HiveMind) failWith(taskID, reason string, details []string) error {
	h.mu.Lock()
	t, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return errs.NotFound("task", taskID)
	}
	if t.Status.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, errs.ErrTaskTerminal)
	}

	var fx effects
	wasAssigned := t.Status == TaskAssigned
	if t.Status == TaskQueued {
		h.queen.Cancel(t.ID)
	}
	h.failLocked(t, reason, details, &fx)
	if wasAssigned {
		h.releaseLocked(t, false, &fx)
	}
	h.unlock(&fx)

	h.apply(fx)
	return nil
}

// CancelTask fails a pending or queued task immediately. For an assigned
// task it flags the cancellation and cancels the executor's context; the
// executor reports the final state.
func (h *HiveMind) CancelTask(taskID string) error {
	h.mu.Lock()
	t, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return errs.NotFound("task", taskID)
	}
	if t.Status.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, errs.ErrTaskTerminal)
	}

	var fx effects
	switch t.Status {
	case TaskPending, TaskQueued:
		if t.Status == TaskQueued {
			h.queen.Cancel(t.ID)
		}
		h.failLocked(t, ReasonCancelled, nil, &fx)
	case TaskAssigned:
		t.CancelRequested = true
		if cancel, ok := h.running[t.ID]; ok {
			cancel()
		}
		fx.emit(events.TaskCancelRequested, map[string]any{"taskId": t.ID, "agentId": t.AssignedAgent})
	}
	h.unlock(&fx)

	h.apply(fx)
	return nil
}

// failLocked marks t failed and, when enabled, cascades to its dependents.
func (h *HiveMind) failLocked(t *Task, reason string, details []string, fx *effects) {
	res := &Result{Success: false, Errors: details}
	if len(res.Errors) == 0 {
		res.Errors = []string{reason}
	}
	t.FailureReason = reason
	h.finishLocked(t, TaskFailed, res, fx)

	if h.cfg.CascadeFailures {
		h.cascadeLocked(t.ID, fx)
	}
}

func (h *HiveMind) cascadeLocked(failedID string, fx *effects) {
	waiting := h.dependents[failedID]
	delete(h.dependents, failedID)
	for _, id := range waiting {
		d, ok := h.tasks[id]
		if !ok || d.Status.Terminal() {
			continue
		}
		if d.Status == TaskQueued {
			h.queen.Cancel(d.ID)
		}
		// Recurses through failLocked for transitive dependents.
		h.failLocked(d, fmt.Sprintf("dependency %s failed", failedID), nil, fx)
	}
}

func (h *HiveMind) finishLocked(t *Task, status TaskStatus, res *Result, fx *effects) {
	t.Status = status
	t.Result = res
	t.EndedAt = h.now().UTC()
	if cancel, ok := h.running[t.ID]; ok {
		cancel()
		delete(h.running, t.ID)
	}

	snap := t.clone()
	for _, ch := range h.waiters[t.ID] {
		ch <- snap
	}
	delete(h.waiters, t.ID)

	data := map[string]any{"taskId": t.ID, "agentId": t.AssignedAgent}
	if d, ok := elapsed(t); ok {
		data["durationSeconds"] = d.Seconds()
	}
	if status == TaskCompleted {
		slog.Info("task completed", "task", t.ID, "agent", t.AssignedAgent)
		fx.emit(events.TaskCompleted, data)
		return
	}
	slog.Info("task failed", "task", t.ID, "agent", t.AssignedAgent, "reason", t.FailureReason)
	data["reason"] = t.FailureReason
	fx.emit(events.TaskFailed, data)
}

// releaseLocked frees the agent slot held by t and assigns queued work. If
// the agent was unregistered meanwhile, the queue is still re-processed.
// Once stopped, only the slot is freed.
func (h *HiveMind) releaseLocked(t *Task, completed bool, fx *effects) {
	if h.state == stateStopped {
		if err := h.queen.Release(t.ID, t.AssignedAgent, completed); err != nil && !errors.Is(err, errs.ErrNotFound) {
			slog.Error("release agent slot failed", "task", t.ID, "agent", t.AssignedAgent, "error", err)
		}
		return
	}
	as, err := h.queen.CompleteTask(t.ID, t.AssignedAgent, completed)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			slog.Error("release agent slot failed", "task", t.ID, "agent", t.AssignedAgent, "error", err)
		}
		as = h.queen.Reprocess()
	}
	h.applyAssignmentsLocked(as, fx)
}

// promoteLocked schedules pending dependents of a completed task whose
// dependencies are now all complete. Dependents stay pending once stopped.
func (h *HiveMind) promoteLocked(completedID string, fx *effects) {
	if h.state == stateStopped {
		return
	}
	waiting := h.dependents[completedID]
	delete(h.dependents, completedID)
	for _, id := range waiting {
		d, ok := h.tasks[id]
		if !ok || d.Status != TaskPending {
			continue
		}
		if h.checkDependenciesLocked(d) == nil {
			h.scheduleLocked(d, fx)
		}
	}
}
