// Package recurring submits config-declared task templates on their
// schedules.
package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/schedule"
)

type Submitter interface {
	ExecuteTask(ctx context.Context, spec hivemind.TaskSpec) (hivemind.Submission, error)
}

type job struct {
	name     string
	raw      string
	schedule schedule.Schedule
	template config.TaskTemplate
	next     time.Time
	done     bool

	runs       int
	lastTaskID string
	lastError  string
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	NextRun    time.Time `json:"next_run,omitzero"`
	Done       bool      `json:"done"`
	Runs       int       `json:"runs"`
	LastTaskID string    `json:"last_task_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type Runner struct {
	hive     Submitter
	now      func() time.Time
	reloadCh chan struct{}

	mu           sync.Mutex
	jobs         []*job
	pollInterval time.Duration
}

func New(hive Submitter, cfg config.RecurringConfig) (*Runner, error) {
	r := &Runner{
		hive:     hive,
		now:      time.Now,
		reloadCh: make(chan struct{}, 1),
	}
	if err := r.Update(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Update replaces the job set. Jobs whose name and schedule are unchanged
// keep their next run and counters.
func (r *Runner) Update(cfg config.RecurringConfig) error {
	now := r.now()
	jobs := make([]*job, 0, len(cfg.Jobs))
	seen := make(map[string]bool, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if j.Name == "" {
			return fmt.Errorf("recurring job: name is required")
		}
		if seen[j.Name] {
			return fmt.Errorf("recurring job %s: duplicate name", j.Name)
		}
		seen[j.Name] = true
		if j.Task.Type == "" {
			return fmt.Errorf("recurring job %s: task type is required", j.Name)
		}
		s, err := schedule.Parse(j.Schedule)
		if err != nil {
			return fmt.Errorf("recurring job %s: %w", j.Name, err)
		}
		nj := &job{name: j.Name, raw: j.Schedule, schedule: s, template: j.Task}
		nj.next, nj.done = first(s, now)
		jobs = append(jobs, nj)
	}

	r.mu.Lock()
	for _, nj := range jobs {
		for _, old := range r.jobs {
			if old.name == nj.name && old.raw == nj.raw {
				nj.next, nj.done = old.next, old.done
				nj.runs, nj.lastTaskID, nj.lastError = old.runs, old.lastTaskID, old.lastError
			}
		}
	}
	r.jobs = jobs
	r.pollInterval = cfg.PollInterval
	r.mu.Unlock()

	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

func first(s schedule.Schedule, now time.Time) (time.Time, bool) {
	next, ok := s.Next(now)
	return next, !ok
}

func (r *Runner) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollInterval <= 0 {
		return 30 * time.Second
	}
	return r.pollInterval
}

func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	slog.Info("recurring runner started", "poll_interval", r.interval(), "jobs", len(r.Jobs()))

	for {
		select {
		case <-ctx.Done():
			slog.Info("recurring runner stopped")
			return
		case <-r.reloadCh:
			ticker.Reset(r.interval())
			slog.Info("recurring jobs reloaded", "jobs", len(r.Jobs()))
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll submits every due job once and returns how many were submitted.
func (r *Runner) Poll(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var due []*job
	for _, j := range r.jobs {
		if !j.done && !j.next.After(now) {
			due = append(due, j)
			next, ok := j.schedule.Next(now)
			j.next, j.done = next, !ok
		}
	}
	r.mu.Unlock()

	submitted := 0
	for _, j := range due {
		sub, err := r.hive.ExecuteTask(ctx, spec(j.template))

		r.mu.Lock()
		j.runs++
		if err != nil {
			j.lastError = err.Error()
		} else {
			j.lastTaskID, j.lastError = sub.TaskID, ""
		}
		r.mu.Unlock()

		if err != nil {
			slog.Error("recurring job submit failed", "job", j.name, "error", err)
			continue
		}
		submitted++
		slog.Info("recurring job submitted", "job", j.name, "task", sub.TaskID, "status", sub.Status)
	}
	return submitted
}

func spec(t config.TaskTemplate) hivemind.TaskSpec {
	return hivemind.TaskSpec{
		Type:                 t.Type,
		Description:          t.Description,
		RequiredCapabilities: slices.Clone(t.RequiredCapabilities),
		Priority:             t.Priority,
		Input:                t.Input,
	}
}

func (r *Runner) Jobs() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, JobStatus{
			Name:       j.name,
			Schedule:   j.schedule.String(),
			NextRun:    j.next,
			Done:       j.done,
			Runs:       j.runs,
			LastTaskID: j.lastTaskID,
			LastError:  j.lastError,
		})
	}
	return out
}
