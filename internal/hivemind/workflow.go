package hivemind

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/events"
	"golang.org/x/sync/errgroup"
)

// ExecuteCoordinatedWorkflow runs the workflow's tasks with its strategy and
// waits for all of them. Task failures are reported in the result; the
// returned error is only for invalid workflows, shutdown or ctx expiry.
func (h *HiveMind) ExecuteCoordinatedWorkflow(ctx context.Context, wf Workflow) (WorkflowResult, error) {
	switch wf.Strategy {
	case Sequential, Parallel, Pipeline:
	default:
		return WorkflowResult{}, errs.Invalid("strategy", "unknown strategy "+string(wf.Strategy))
	}
	if len(wf.Tasks) == 0 {
		return WorkflowResult{}, errs.Invalid("tasks", "must not be empty")
	}
	for _, spec := range wf.Tasks {
		if err := validateSpec(spec); err != nil {
			return WorkflowResult{}, err
		}
	}
	if err := checkWorkflowGraph(wf.Tasks, wf.Strategy != Parallel); err != nil {
		return WorkflowResult{}, err
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	start := h.now()
	h.events.Publish(events.New(events.WorkflowStarted, map[string]any{
		"workflowId": wf.ID,
		"strategy":   string(wf.Strategy),
		"tasks":      len(wf.Tasks),
	}))
	slog.Info("workflow started", "workflow", wf.ID, "strategy", wf.Strategy, "tasks", len(wf.Tasks))

	var results []TaskOutcome
	var err error
	switch wf.Strategy {
	case Sequential:
		results, err = h.runSequential(ctx, wf.Tasks, wf.ContinueOnFailure, false)
	case Pipeline:
		results, err = h.runSequential(ctx, wf.Tasks, false, true)
	case Parallel:
		results, err = h.runParallel(ctx, wf.Tasks)
	}

	res := WorkflowResult{
		WorkflowID:  wf.ID,
		Strategy:    wf.Strategy,
		Success:     err == nil && allCompleted(results),
		Results:     results,
		Duration:    h.now().Sub(start),
		CompletedAt: h.now().UTC(),
	}

	evType := events.WorkflowCompleted
	if !res.Success {
		evType = events.WorkflowFailed
	}
	h.events.Publish(events.New(evType, map[string]any{
		"workflowId": wf.ID,
		"strategy":   string(wf.Strategy),
		"success":    res.Success,
		"duration":   res.Duration.String(),
	}))
	slog.Info("workflow finished", "workflow", wf.ID, "success", res.Success, "duration", res.Duration)
	return res, err
}

// runSequential submits each task after the previous one is terminal. With
// pipe set, the previous output becomes the next input and the first
// failure stops the run.
func (h *HiveMind) runSequential(ctx context.Context, specs []TaskSpec, continueOnFailure, pipe bool) ([]TaskOutcome, error) {
	results := make([]TaskOutcome, len(specs))
	stopped := false
	var prevOutput string

	for i, spec := range specs {
		if stopped {
			results[i] = TaskOutcome{TaskID: spec.ID, Status: OutcomeSkipped}
			continue
		}
		if pipe && i > 0 {
			spec.Input = prevOutput
		}

		outcome, err := h.runOne(ctx, spec)
		results[i] = outcome
		if err != nil {
			for j := i + 1; j < len(specs); j++ {
				results[j] = TaskOutcome{TaskID: specs[j].ID, Status: OutcomeSkipped}
			}
			return results, err
		}
		if outcome.Status != OutcomeCompleted && (pipe || !continueOnFailure) {
			stopped = true
		}
		prevOutput = outcome.Output
	}
	return results, nil
}

func (h *HiveMind) runParallel(ctx context.Context, specs []TaskSpec) ([]TaskOutcome, error) {
	results := make([]TaskOutcome, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			outcome, err := h.runOne(gctx, spec)
			results[i] = outcome
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// runOne submits spec and waits for it. A rejected submission is reported
// as a failed outcome; shutdown and ctx errors are returned.
func (h *HiveMind) runOne(ctx context.Context, spec TaskSpec) (TaskOutcome, error) {
	sub, err := h.ExecuteTask(ctx, spec)
	if err != nil {
		outcome := TaskOutcome{TaskID: spec.ID, Status: OutcomeFailed, Error: err.Error()}
		if errors.Is(err, errs.ErrShuttingDown) || errors.Is(err, errs.ErrNotInitialized) {
			return outcome, err
		}
		return outcome, nil
	}

	t, err := h.WaitForTask(ctx, sub.TaskID)
	if err != nil {
		return TaskOutcome{TaskID: sub.TaskID, Status: OutcomeFailed, Error: err.Error()}, err
	}
	return outcomeOf(t), nil
}

func outcomeOf(t Task) TaskOutcome {
	o := TaskOutcome{TaskID: t.ID}
	if t.Result != nil {
		o.Output = t.Result.Output
	}
	if t.Status == TaskCompleted {
		o.Status = OutcomeCompleted
		return o
	}
	o.Status = OutcomeFailed
	o.Error = t.FailureReason
	return o
}

func allCompleted(results []TaskOutcome) bool {
	for _, r := range results {
		if r.Status != OutcomeCompleted {
			return false
		}
	}
	return true
}
