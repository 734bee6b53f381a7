package comms

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// NATSTransport publishes mailbox deliveries to agent.<id>.mailbox and
// receives what remote agents publish on agent.<id>.outbox.
type NATSTransport struct {
	client *natsbus.Client
}

func NewNATSTransport(client *natsbus.Client) *NATSTransport {
	return &NATSTransport{client: client}
}

func (t *NATSTransport) Send(_ context.Context, agentID string, msg Message) error {
	return t.client.PublishJSON(natsbus.TopicAgentMailbox(agentID), msg)
}

// Receive subscribes to every outbox. The channel is closed when ctx is done.
func (t *NATSTransport) Receive(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, 64)
	var mu sync.Mutex
	closed := false

	sub, err := t.client.Subscribe(natsbus.TopicAllOutboxes, func(m *nats.Msg) {
		agentID, ok := natsbus.AgentFromSubject(m.Subject, "outbox")
		if !ok {
			return
		}
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("invalid outbox message", "agent", agentID, "error", err)
			return
		}
		if msg.From == "" {
			msg.From = agentID
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg:
		default:
			slog.Warn("outbox buffer full, dropping message", "agent", agentID)
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}
