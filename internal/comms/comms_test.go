package comms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/errs"
)

func newTestBus(t *testing.T, transport Transport) *Bus {
	t.Helper()
	b := NewBus(transport, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func TestLifecycle(t *testing.T) {
	b := NewBus(nil, nil)
	b.RegisterAgent("a")

	if _, err := b.SendMessage(context.Background(), Message{To: "a"}); !errors.Is(err, errs.ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if b.Broadcast(context.Background(), Message{}) {
		t.Error("expected broadcast to fail before initialize")
	}

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Initialize(context.Background()); !errors.Is(err, errs.ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	b.Shutdown()
	b.Shutdown()
}

func TestSendOrdersByTimestamp(t *testing.T) {
	b := newTestBus(t, nil)
	b.RegisterAgent("a")
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	sends := []Message{
		{To: "a", Content: "third", Timestamp: base.Add(2 * time.Second)},
		{To: "a", Content: "first", Timestamp: base},
		{To: "a", Content: "second-a", Timestamp: base.Add(time.Second)},
		{To: "a", Content: "second-b", Timestamp: base.Add(time.Second)},
	}
	for _, m := range sends {
		if ok, err := b.SendMessage(ctx, m); !ok || err != nil {
			t.Fatalf("send: %v, %v", ok, err)
		}
	}

	msgs, err := b.GetMessagesFor("a")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second-a", "second-b", "third"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("position %d: expected %s, got %s", i, w, msgs[i].Content)
		}
		if msgs[i].ID == "" {
			t.Errorf("position %d: expected generated id", i)
		}
	}

	// Reading does not drain.
	again, _ := b.GetMessagesFor("a")
	if len(again) != 4 {
		t.Errorf("expected 4 messages after second read, got %d", len(again))
	}

	drained, _ := b.Drain("a")
	if len(drained) != 4 {
		t.Errorf("expected 4 drained, got %d", len(drained))
	}
	empty, _ := b.GetMessagesFor("a")
	if len(empty) != 0 {
		t.Errorf("expected empty mailbox, got %d", len(empty))
	}
}

func TestSendUnknownRecipient(t *testing.T) {
	b := newTestBus(t, nil)
	if _, err := b.SendMessage(context.Background(), Message{To: "nobody"}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := b.GetMessagesFor("nobody"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	b := newTestBus(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		b.RegisterAgent(id)
	}

	ok, err := b.SendMessage(context.Background(), Message{From: "queen", To: BroadcastRecipient, Content: "hello"})
	if !ok || err != nil {
		t.Fatalf("broadcast via send: %v, %v", ok, err)
	}

	seen := make(map[string]bool)
	for _, id := range []string{"a", "b", "c"} {
		msgs, _ := b.GetMessagesFor(id)
		if len(msgs) != 1 || msgs[0].Content != "hello" {
			t.Fatalf("%s: unexpected mailbox %+v", id, msgs)
		}
		if seen[msgs[0].ID] {
			t.Errorf("duplicate copy id %s", msgs[0].ID)
		}
		seen[msgs[0].ID] = true
	}
}

func TestUnregisterDropsMailbox(t *testing.T) {
	b := newTestBus(t, nil)
	b.RegisterAgent("a")
	_, _ = b.SendMessage(context.Background(), Message{To: "a"})
	b.UnregisterAgent("a")
	if _, err := b.GetMessagesFor("a"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    map[string][]Message
	inbound chan Message
	failing bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]Message), inbound: make(chan Message, 4)}
}

func (f *fakeTransport) Send(_ context.Context, agentID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("link down")
	}
	f.sent[agentID] = append(f.sent[agentID], msg)
	return nil
}

func (f *fakeTransport) Receive(context.Context) (<-chan Message, error) {
	return f.inbound, nil
}

func TestTransportForwardAndReceive(t *testing.T) {
	tr := newFakeTransport()
	b := newTestBus(t, tr)
	b.RegisterAgent("a")
	b.RegisterAgent("b")

	_, _ = b.SendMessage(context.Background(), Message{From: "a", To: "b", Content: "ping"})
	tr.mu.Lock()
	if len(tr.sent["b"]) != 1 {
		t.Errorf("expected forwarded message, got %v", tr.sent)
	}
	tr.mu.Unlock()

	tr.inbound <- Message{From: "b", To: "a", Content: "pong"}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, _ := b.GetMessagesFor("a")
		if len(msgs) == 1 && msgs[0].Content == "pong" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("inbound message was not delivered")
}

func TestTransportFailureDoesNotFailLocalDelivery(t *testing.T) {
	tr := newFakeTransport()
	tr.failing = true
	b := newTestBus(t, tr)
	b.RegisterAgent("a")

	ok, err := b.SendMessage(context.Background(), Message{To: "a", Content: "x"})
	if !ok || err != nil {
		t.Fatalf("expected local delivery, got %v, %v", ok, err)
	}
	msgs, _ := b.GetMessagesFor("a")
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}
}

func TestConcurrentSends(t *testing.T) {
	b := newTestBus(t, nil)
	b.RegisterAgent("a")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.SendMessage(context.Background(), Message{To: "a"})
		}()
	}
	wg.Wait()

	msgs, _ := b.GetMessagesFor("a")
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("mailbox out of order at %d", i)
		}
	}
}
