package queen

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mtzanidakis/hive/internal/agent"
)

func newTestQueen(t *testing.T, agents ...agent.Config) *Queen {
	t.Helper()
	q := New(agent.NewRegistry(nil))
	for _, cfg := range agents {
		if cfg.Type == "" {
			cfg.Type = "worker"
		}
		if cfg.Name == "" {
			cfg.Name = cfg.ID
		}
		if _, err := q.RegisterAgent(cfg); err != nil {
			t.Fatalf("register %s: %v", cfg.ID, err)
		}
	}
	return q
}

func mustAssign(t *testing.T, q *Queen, ref TaskRef) Assignment {
	t.Helper()
	a, err := q.AssignTask(ref)
	if err != nil {
		t.Fatalf("assign %s: %v", ref.ID, err)
	}
	return a
}

func TestLoadBalancing(t *testing.T) {
	q := newTestQueen(t,
		agent.Config{ID: "small", MaxConcurrentTasks: 1},
		agent.Config{ID: "large", MaxConcurrentTasks: 3},
	)

	counts := make(map[string]int)
	for i := range 4 {
		a := mustAssign(t, q, TaskRef{ID: fmt.Sprintf("t%d", i)})
		if a.Status != Assigned {
			t.Fatalf("t%d: expected assigned, got %s", i, a.Status)
		}
		counts[a.AgentID]++
	}

	if counts["small"] != 1 || counts["large"] != 3 {
		t.Errorf("expected small=1 large=3, got %v", counts)
	}
	if a := mustAssign(t, q, TaskRef{ID: "t4"}); a.Status != Queued {
		t.Errorf("expected fifth task queued, got %s", a.Status)
	}
}

func TestTieBreakByPriorityThenRegistration(t *testing.T) {
	q := newTestQueen(t,
		agent.Config{ID: "first", MaxConcurrentTasks: 2},
		agent.Config{ID: "second", MaxConcurrentTasks: 2},
		agent.Config{ID: "preferred", MaxConcurrentTasks: 2, Priority: 5},
	)
	if a := mustAssign(t, q, TaskRef{ID: "t1"}); a.AgentID != "preferred" {
		t.Errorf("expected preferred, got %s", a.AgentID)
	}
	if a := mustAssign(t, q, TaskRef{ID: "t2"}); a.AgentID != "first" {
		t.Errorf("expected first by registration order, got %s", a.AgentID)
	}
}

func TestCapabilityMatching(t *testing.T) {
	q := newTestQueen(t,
		agent.Config{ID: "coder", MaxConcurrentTasks: 5, Capabilities: []string{"go"}},
		agent.Config{ID: "reviewer", MaxConcurrentTasks: 1, Capabilities: []string{"go", "review"}},
	)

	if a := mustAssign(t, q, TaskRef{ID: "r1", RequiredCapabilities: []string{"review"}}); a.AgentID != "reviewer" {
		t.Errorf("expected reviewer, got %s", a.AgentID)
	}
	if a := mustAssign(t, q, TaskRef{ID: "r2", RequiredCapabilities: []string{"review"}}); a.Status != Queued {
		t.Errorf("expected queued while reviewer busy, got %+v", a)
	}
	if a := mustAssign(t, q, TaskRef{ID: "x", RequiredCapabilities: []string{"rust"}}); a.Status != Queued {
		t.Errorf("expected unmatched capability to queue, got %+v", a)
	}

	// A later task that fits the idle coder is not blocked by the queue head.
	if a := mustAssign(t, q, TaskRef{ID: "g1", RequiredCapabilities: []string{"go"}}); a.AgentID != "coder" {
		t.Errorf("expected coder, got %+v", a)
	}
}

func TestPriorityOrderingOnFreedCapacity(t *testing.T) {
	q := newTestQueen(t, agent.Config{ID: "a", MaxConcurrentTasks: 1})

	mustAssign(t, q, TaskRef{ID: "running"})
	mustAssign(t, q, TaskRef{ID: "low", Priority: 1})
	mustAssign(t, q, TaskRef{ID: "high", Priority: 5})
	mustAssign(t, q, TaskRef{ID: "mid", Priority: 3})
	mustAssign(t, q, TaskRef{ID: "high-later", Priority: 5})

	queued := q.Queued()
	want := []string{"high", "high-later", "mid", "low"}
	for i, w := range want {
		if queued[i].ID != w {
			t.Errorf("queue position %d: expected %s, got %s", i, w, queued[i].ID)
		}
	}

	assigned, err := q.CompleteTask("running", "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(assigned) != 1 || assigned[0].TaskID != "high" {
		t.Errorf("expected high assigned first, got %+v", assigned)
	}
	if q.QueueLength() != 3 {
		t.Errorf("expected 3 queued, got %d", q.QueueLength())
	}
}

func TestCompleteAssignsAcrossQueueInOnePass(t *testing.T) {
	q := newTestQueen(t, agent.Config{ID: "a", MaxConcurrentTasks: 3})
	for i := range 3 {
		mustAssign(t, q, TaskRef{ID: fmt.Sprintf("run%d", i)})
	}
	for i := range 3 {
		mustAssign(t, q, TaskRef{ID: fmt.Sprintf("wait%d", i)})
	}

	// Freeing a slot assigns exactly one task.
	got, err := q.CompleteTask("run0", "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TaskID != "wait0" {
		t.Errorf("expected wait0, got %+v", got)
	}

	// Adding capacity assigns the rest.
	if _, err := q.RegisterAgent(agent.Config{ID: "b", Name: "b", Type: "worker", MaxConcurrentTasks: 5}); err != nil {
		t.Fatal(err)
	}
	got = q.Reprocess()
	if len(got) != 2 {
		t.Fatalf("expected 2 assignments, got %+v", got)
	}
	for _, a := range got {
		if a.AgentID != "b" {
			t.Errorf("expected assignment to b, got %+v", a)
		}
	}
	if q.QueueLength() != 0 {
		t.Errorf("expected empty queue, got %d", q.QueueLength())
	}
}

func TestCancel(t *testing.T) {
	q := newTestQueen(t, agent.Config{ID: "a", MaxConcurrentTasks: 1})
	mustAssign(t, q, TaskRef{ID: "running"})
	mustAssign(t, q, TaskRef{ID: "queued"})

	if !q.Cancel("queued") {
		t.Error("expected queued task cancelled")
	}
	if q.Cancel("queued") {
		t.Error("expected second cancel to report false")
	}
	if q.Cancel("running") {
		t.Error("running tasks are not in the queue")
	}
	if q.QueueLength() != 0 {
		t.Errorf("expected empty queue, got %d", q.QueueLength())
	}
}

func TestUnregisteredAgentIsNotEligible(t *testing.T) {
	q := newTestQueen(t, agent.Config{ID: "a", MaxConcurrentTasks: 2})
	q.UnregisterAgent("a")
	if a := mustAssign(t, q, TaskRef{ID: "t"}); a.Status != Queued {
		t.Errorf("expected queued, got %+v", a)
	}
	if len(q.RegisteredAgents()) != 0 {
		t.Error("expected no registered agents")
	}
}

func TestConcurrentAssignmentsRespectCapacity(t *testing.T) {
	q := newTestQueen(t,
		agent.Config{ID: "a", MaxConcurrentTasks: 2},
		agent.Config{ID: "b", MaxConcurrentTasks: 3},
	)

	var wg sync.WaitGroup
	var mu sync.Mutex
	perTask := make(map[string]string)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			a, err := q.AssignTask(TaskRef{ID: id})
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			if a.Status == Assigned {
				mu.Lock()
				perTask[id] = a.AgentID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(perTask) != 5 {
		t.Errorf("expected 5 assigned, got %d", len(perTask))
	}
	if q.QueueLength() != 15 {
		t.Errorf("expected 15 queued, got %d", q.QueueLength())
	}
	for _, a := range q.RegisteredAgents() {
		if len(a.CurrentTasks) > a.MaxConcurrentTasks {
			t.Errorf("agent %s over capacity: %d", a.ID, len(a.CurrentTasks))
		}
	}
}

func TestReleaseLeavesQueue(t *testing.T) {
	q := newTestQueen(t, agent.Config{ID: "a", MaxConcurrentTasks: 1})
	mustAssign(t, q, TaskRef{ID: "running"})
	mustAssign(t, q, TaskRef{ID: "waiting"})

	if err := q.Release("running", "a", false); err != nil {
		t.Fatal(err)
	}
	if q.QueueLength() != 1 {
		t.Errorf("expected waiting to stay queued, got %d queued", q.QueueLength())
	}
	a, _ := q.Registry().Get("a")
	if len(a.CurrentTasks) != 0 || a.CompletedTasks != 0 {
		t.Errorf("expected free slot and no completions, got %+v", a)
	}
}
