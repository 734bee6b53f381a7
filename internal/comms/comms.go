// Package comms is the communication bus: one ordered mailbox per agent,
// broadcast delivery and an optional transport for remote agents.
package comms

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/events"
)

// BroadcastRecipient as a message's To delivers it to every mailbox.
const BroadcastRecipient = "all"

type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transport delivers messages to agents outside the process and yields
// messages those agents send.
type Transport interface {
	Send(ctx context.Context, agentID string, msg Message) error
	Receive(ctx context.Context) (<-chan Message, error)
}

type mailbox struct {
	mu   sync.Mutex
	msgs []Message
}

// insert keeps msgs ordered by timestamp; equal timestamps keep arrival order.
func (m *mailbox) insert(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.msgs), func(i int) bool {
		return m.msgs[i].Timestamp.After(msg.Timestamp)
	})
	m.msgs = slices.Insert(m.msgs, i, msg)
}

func (m *mailbox) snapshot(drain bool) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.msgs)
	if out == nil {
		out = []Message{}
	}
	if drain {
		m.msgs = nil
	}
	return out
}

type Bus struct {
	mu          sync.RWMutex
	mailboxes   map[string]*mailbox
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	transport Transport
	pub       events.Publisher
	now       func() time.Time
}

// NewBus creates a communication bus. transport and pub may be nil.
func NewBus(transport Transport, pub events.Publisher) *Bus {
	return &Bus{
		mailboxes: make(map[string]*mailbox),
		transport: transport,
		pub:       pub,
		now:       time.Now,
	}
}

// Initialize starts accepting messages and, with a transport, begins
// delivering inbound remote messages.
func (b *Bus) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return errs.ErrAlreadyInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	if b.transport != nil {
		inbound, err := b.transport.Receive(ctx)
		if err != nil {
			cancel()
			return err
		}
		b.wg.Add(1)
		go b.receive(ctx, inbound)
	}
	b.cancel = cancel
	b.initialized = true
	return nil
}

func (b *Bus) receive(ctx context.Context, inbound <-chan Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if _, err := b.SendMessage(ctx, msg); err != nil {
				slog.Warn("drop inbound message", "from", msg.From, "to", msg.To, "error", err)
			}
		}
	}
}

// Shutdown stops delivery. Mailbox contents are kept for inspection.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return
	}
	b.initialized = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
}

// RegisterAgent creates an empty mailbox. Re-registering keeps the
// existing one.
func (b *Bus) RegisterAgent(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[id]; !ok {
		b.mailboxes[id] = &mailbox{}
	}
}

func (b *Bus) UnregisterAgent(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mailboxes, id)
}

func (b *Bus) lookup(id string) (*mailbox, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return nil, false, errs.ErrNotInitialized
	}
	mb, ok := b.mailboxes[id]
	return mb, ok, nil
}

func (b *Bus) fill(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
}

// SendMessage delivers msg to its recipient's mailbox. A recipient of "all"
// broadcasts instead.
func (b *Bus) SendMessage(ctx context.Context, msg Message) (bool, error) {
	if msg.To == BroadcastRecipient {
		b.mu.RLock()
		ok := b.initialized
		b.mu.RUnlock()
		if !ok {
			return false, errs.ErrNotInitialized
		}
		return b.Broadcast(ctx, msg), nil
	}

	mb, ok, err := b.lookup(msg.To)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errs.NotFound("agent", msg.To)
	}

	b.fill(&msg)
	mb.insert(msg)
	b.forward(ctx, msg.To, msg)
	b.publishSent(msg)
	return true, nil
}

// Broadcast puts a copy of msg, each with its own id, into every mailbox.
// It returns false if the bus is not initialized.
func (b *Bus) Broadcast(ctx context.Context, msg Message) bool {
	b.mu.RLock()
	if !b.initialized {
		b.mu.RUnlock()
		return false
	}
	recipients := make(map[string]*mailbox, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		recipients[id] = mb
	}
	b.mu.RUnlock()

	msg.To = BroadcastRecipient
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
	for id, mb := range recipients {
		c := msg
		c.ID = uuid.New().String()
		mb.insert(c)
		b.forward(ctx, id, c)
	}
	b.publishSent(msg)
	return true
}

// GetMessagesFor returns the mailbox contents in timestamp order without
// removing them.
func (b *Bus) GetMessagesFor(id string) ([]Message, error) {
	mb, ok := b.mailbox(id)
	if !ok {
		return nil, errs.NotFound("agent", id)
	}
	return mb.snapshot(false), nil
}

// Drain returns and clears the mailbox.
func (b *Bus) Drain(id string) ([]Message, error) {
	mb, ok := b.mailbox(id)
	if !ok {
		return nil, errs.NotFound("agent", id)
	}
	return mb.snapshot(true), nil
}

// mailbox finds a mailbox regardless of lifecycle state.
func (b *Bus) mailbox(id string) (*mailbox, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.mailboxes[id]
	return mb, ok
}

func (b *Bus) forward(ctx context.Context, agentID string, msg Message) {
	if b.transport == nil {
		return
	}
	if err := b.transport.Send(ctx, agentID, msg); err != nil {
		slog.Warn("transport send failed", "agent", agentID, "message", msg.ID, "error", err)
	}
}

func (b *Bus) publishSent(msg Message) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(events.New(events.MessageSent, map[string]any{
		"messageId": msg.ID,
		"from":      msg.From,
		"to":        msg.To,
		"type":      msg.Type,
	}))
}
