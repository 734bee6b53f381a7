package hivemind

import (
	"runtime"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
)

// GetSystemStats summarizes agents and tasks. SuccessRate is completed over
// completed plus failed, and zero before any task finished.
func (h *HiveMind) GetSystemStats() Stats {
	var s Stats

	h.mu.Lock()
	var total time.Duration
	for _, t := range h.tasks {
		s.TotalTasks++
		switch t.Status {
		case TaskPending:
			s.PendingTasks++
		case TaskQueued:
			s.QueuedTasks++
		case TaskAssigned:
			s.AssignedTasks++
		case TaskCompleted:
			s.CompletedTasks++
			if d, ok := elapsed(t); ok {
				total += d
			}
		case TaskFailed:
			s.FailedTasks++
		}
	}
	h.mu.Unlock()

	for _, a := range h.registry.List() {
		if a.Status != agent.StatusOffline {
			s.ActiveAgents++
		}
	}
	if finished := s.CompletedTasks + s.FailedTasks; finished > 0 {
		s.SuccessRate = float64(s.CompletedTasks) / float64(finished)
	}
	if s.CompletedTasks > 0 {
		s.AverageTaskDuration = total / time.Duration(s.CompletedTasks)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.MemoryUsage = ms.HeapAlloc
	return s
}

func elapsed(t *Task) (time.Duration, bool) {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0, false
	}
	return t.EndedAt.Sub(t.StartedAt), true
}
