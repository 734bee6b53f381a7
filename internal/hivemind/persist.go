package hivemind

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/mtzanidakis/hive/internal/queen"
)

const KeyCoordinationState = "coordination-state"

func AgentStateKey(id string) string  { return "agent-state-" + id }
func TaskHistoryKey(id string) string { return "task-history-" + id }

// Snapshot is the periodic coordination-state record.
type Snapshot struct {
	SavedAt   time.Time       `json:"saved_at"`
	Stats     Stats           `json:"stats"`
	Agents    []agent.Agent   `json:"agents"`
	Queue     []queen.TaskRef `json:"queue"`
	OpenTasks []Task          `json:"open_tasks"`
}

// Snapshot captures the current coordination state.
func (h *HiveMind) Snapshot() Snapshot {
	var open []Task
	for _, t := range h.ListTasks() {
		if !t.Status.Terminal() {
			open = append(open, t)
		}
	}
	return Snapshot{
		SavedAt:   h.now().UTC(),
		Stats:     h.GetSystemStats(),
		Agents:    h.registry.List(),
		Queue:     h.queen.Queued(),
		OpenTasks: open,
	}
}

// LoadSnapshot reads the last saved coordination state.
func LoadSnapshot(ctx context.Context, s memory.Store) (Snapshot, error) {
	var snap Snapshot
	err := memory.RetrieveJSON(ctx, s, KeyCoordinationState, &snap)
	return snap, err
}

const persistTimeout = 5 * time.Second

// persister mirrors agent state and finished tasks into the store from an
// event subscription, and writes the coordination snapshot on a ticker.
type persister struct {
	h           *HiveMind
	store       memory.Store
	ttl         time.Duration
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

func startPersister(h *HiveMind) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		h:      h,
		store:  h.store,
		ttl:    h.cfg.TaskHistoryTTL,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.unsubscribe = h.events.Subscribe("persister", p.handle,
		events.AgentRegistered,
		events.AgentUnregistered,
		events.AgentStatusChanged,
		events.TaskCompleted,
		events.TaskFailed,
	)
	go p.loop(ctx, h.cfg.SnapshotInterval)
	return p
}

func (p *persister) loop(ctx context.Context, interval time.Duration) {
	defer close(p.done)
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.saveSnapshot(ctx)
		}
	}
}

func (p *persister) stop(ctx context.Context) {
	p.unsubscribe()
	p.cancel()
	<-p.done
	p.saveSnapshot(ctx)
}

func (p *persister) saveSnapshot(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := memory.StoreJSON(ctx, p.store, KeyCoordinationState, p.h.Snapshot(), 0); err != nil {
		slog.Error("save coordination snapshot failed", "error", err)
	}
}

func (p *persister) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch ev.Type {
	case events.AgentRegistered, events.AgentStatusChanged:
		id, _ := ev.Data["agentId"].(string)
		a, ok := p.h.registry.Get(id)
		if !ok {
			return
		}
		p.save(ctx, AgentStateKey(id), a, 0)
	case events.AgentUnregistered:
		id, _ := ev.Data["agentId"].(string)
		var a agent.Agent
		if err := memory.RetrieveJSON(ctx, p.store, AgentStateKey(id), &a); err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				slog.Warn("load agent state failed", "agent", id, "error", err)
			}
			return
		}
		a.Status = agent.StatusOffline
		p.save(ctx, AgentStateKey(id), a, 0)
	case events.TaskCompleted, events.TaskFailed:
		id, _ := ev.Data["taskId"].(string)
		t, err := p.h.GetTask(id)
		if err != nil {
			return
		}
		p.save(ctx, TaskHistoryKey(id), t, p.ttl)
	}
}

func (p *persister) save(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := memory.StoreJSON(ctx, p.store, key, v, ttl); err != nil {
		slog.Warn("persist failed", "key", key, "error", err)
	}
}
