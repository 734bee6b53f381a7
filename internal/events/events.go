// Package events is the in-process publish/subscribe bus for coordination
// lifecycle events. Each subscriber owns a bounded buffer drained by its own
// goroutine, so delivery order per subscriber matches publish order and a slow
// subscriber never blocks a publisher: when its buffer is full the event is
// dropped for that subscriber and counted.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	AgentRegistered     Type = "agent.registered"
	AgentUnregistered   Type = "agent.unregistered"
	AgentStatusChanged  Type = "agent.status.changed"
	TaskSubmitted       Type = "task.submitted"
	TaskPending         Type = "task.pending"
	TaskQueued          Type = "task.queued"
	TaskAssigned        Type = "task.assigned"
	TaskCompleted       Type = "task.completed"
	TaskFailed          Type = "task.failed"
	TaskCancelRequested Type = "task.cancel_requested"
	WorkflowStarted     Type = "workflow.started"
	WorkflowCompleted   Type = "workflow.completed"
	WorkflowFailed      Type = "workflow.failed"
	MessageSent         Type = "message.sent"
)

type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is implemented by anything that accepts events. A nil Publisher
// is never called; components guard with a nil check.
type Publisher interface {
	Publish(Event)
}

type Handler func(Event)

const defaultBufferSize = 256

type subscriber struct {
	name  string
	types map[Type]bool
	ch    chan Event
}

func (s *subscriber) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

type Bus struct {
	mu         sync.RWMutex
	subs       map[int]*subscriber
	nextID     int
	bufferSize int
	closed     bool
	wg         sync.WaitGroup
	dropped    atomic.Int64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subs:       make(map[int]*subscriber),
		bufferSize: bufferSize,
	}
}

// Subscribe registers handler for the given event types (all types when none
// are given) and returns a function that removes the subscription.
func (b *Bus) Subscribe(name string, handler Handler, types ...Type) func() {
	sub := &subscriber{
		name: name,
		ch:   make(chan Event, b.bufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			handler(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			slog.Warn("event subscriber buffer full, dropping event", "subscriber", sub.name, "type", ev.Type)
		}
	}
}

// Dropped returns how many deliveries were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until every subscriber has handled
// what was already buffered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// New builds an event with the current UTC timestamp.
func New(t Type, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}
