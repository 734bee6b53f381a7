package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

func TopicAgentInput(agentID string) string {
	return fmt.Sprintf("agent.%s.input", agentID)
}

func TopicAgentOutput(agentID string) string {
	return fmt.Sprintf("agent.%s.output", agentID)
}

func TopicAgentControl(agentID string) string {
	return fmt.Sprintf("agent.%s.control", agentID)
}

func TopicAgentMailbox(agentID string) string {
	return fmt.Sprintf("agent.%s.mailbox", agentID)
}

func TopicAgentOutbox(agentID string) string {
	return fmt.Sprintf("agent.%s.outbox", agentID)
}

func TopicEvent(eventType string) string {
	return "events." + eventType
}

const (
	TopicIPC            = "host.ipc.hive"
	TopicEventsAll      = "events.>"
	TopicAllAgentOutput = "agent.*.output"
	TopicAllOutboxes    = "agent.*.outbox"
)

// AgentFromSubject extracts the agent id from a subject of the form
// agent.<id>.<suffix>.
func AgentFromSubject(subject, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, "agent.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "."+suffix)
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
