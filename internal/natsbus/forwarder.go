package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/hive/internal/events"
)

// Forward publishes every event from bus as JSON on events.<type> until the
// returned stop function is called.
func Forward(bus *events.Bus, client *Client) (stop func()) {
	return bus.Subscribe("nats-forwarder", func(ev events.Event) {
		if err := client.PublishJSON(TopicEvent(string(ev.Type)), ev); err != nil {
			slog.Warn("forward event failed", "type", ev.Type, "error", err)
		}
	})
}
