package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	var got []int
	bus.Subscribe("test", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Data["n"].(int))
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(New(TaskSubmitted, map[string]any{"n": i}))
	}
	bus.Close()

	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("event %d out of order: got %d", i, n)
		}
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	bus := NewBus(16)

	received := make(chan Type, 4)
	bus.Subscribe("filtered", func(ev Event) { received <- ev.Type }, TaskCompleted)

	bus.Publish(New(TaskSubmitted, nil))
	bus.Publish(New(TaskCompleted, nil))
	bus.Close()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if typ := <-received; typ != TaskCompleted {
		t.Errorf("expected %s, got %s", TaskCompleted, typ)
	}
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1)

	release := make(chan struct{})
	bus.Subscribe("slow", func(ev Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(New(TaskQueued, nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()

	if bus.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	count := 0
	var mu sync.Mutex
	unsubscribe := bus.Subscribe("once", func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe()

	bus.Publish(New(TaskFailed, nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Publish(New(TaskFailed, nil))
	bus.Close()

	unsubscribe := bus.Subscribe("late", func(Event) { t.Error("unexpected delivery") })
	unsubscribe()
}
