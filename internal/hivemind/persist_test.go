package hivemind

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/memory"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	h := New(config.HiveConfig{
		CascadeFailures:  true,
		TaskHistoryTTL:   time.Hour,
		SnapshotInterval: time.Hour,
	}, Deps{Store: store})
	if err := h.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	mustRegister(t, h, "a", 2, "go")
	mustSubmit(t, h, TaskSpec{ID: "done"})
	mustSubmit(t, h, TaskSpec{ID: "open"})
	if err := h.CompleteTask("done", "result"); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		var task Task
		return memory.RetrieveJSON(ctx, store, TaskHistoryKey("done"), &task) == nil && task.Status == TaskCompleted
	})
	eventually(t, func() bool {
		var a agent.Agent
		return memory.RetrieveJSON(ctx, store, AgentStateKey("a"), &a) == nil && len(a.CurrentTasks) == 1
	})

	entries, _ := store.List(ctx, "task-history-")
	if len(entries) != 1 || entries[0].ExpiresAt.IsZero() {
		t.Errorf("expected one expiring history entry, got %+v", entries)
	}

	if _, err := LoadSnapshot(ctx, store); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected no snapshot before shutdown, got %v", err)
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	snap, err := LoadSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(snap.Agents) != 1 || len(snap.OpenTasks) != 1 || snap.OpenTasks[0].ID != "open" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Stats.CompletedTasks != 1 {
		t.Errorf("expected 1 completed in snapshot stats, got %d", snap.Stats.CompletedTasks)
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	h := New(config.HiveConfig{SnapshotInterval: 10 * time.Millisecond}, Deps{Store: store})
	if err := h.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	defer h.Shutdown(ctx)

	eventually(t, func() bool {
		_, err := LoadSnapshot(ctx, store)
		return err == nil
	})
}

func TestPersistUnregisteredAgentOffline(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	h := New(config.HiveConfig{}, Deps{Store: store})
	if err := h.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	defer h.Shutdown(ctx)

	mustRegister(t, h, "a", 1)
	eventually(t, func() bool {
		_, err := store.Retrieve(ctx, AgentStateKey("a"))
		return err == nil
	})
	h.UnregisterAgent("a")
	eventually(t, func() bool {
		var a agent.Agent
		return memory.RetrieveJSON(ctx, store, AgentStateKey("a"), &a) == nil && a.Status == agent.StatusOffline
	})
}
