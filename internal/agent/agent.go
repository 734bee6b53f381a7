// Package agent holds the agent model and the registry that tracks agent
// capacity, capabilities and status.
package agent

import (
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Config describes an agent to register. An empty ID is replaced with a
// generated one.
type Config struct {
	ID                 string            `json:"id,omitempty"`
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	SwarmID            string            `json:"swarm_id,omitempty"`
	Capabilities       []string          `json:"capabilities,omitempty"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Priority           int               `json:"priority"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type Agent struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	SwarmID            string            `json:"swarm_id,omitempty"`
	Capabilities       []string          `json:"capabilities"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	CurrentTasks       []string          `json:"current_tasks"`
	Status             Status            `json:"status"`
	Priority           int               `json:"priority"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CompletedTasks     int               `json:"completed_tasks"`
	RegisteredAt       time.Time         `json:"registered_at"`
}

// HasCapabilities reports whether the agent has every capability in required.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(a.Capabilities, c) {
			return false
		}
	}
	return true
}

func (a *Agent) SpareCapacity() int {
	return a.MaxConcurrentTasks - len(a.CurrentTasks)
}

// Available reports whether the agent can take another task.
func (a *Agent) Available() bool {
	return a.Status == StatusIdle || a.Status == StatusActive
}

func (a *Agent) clone() Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.CurrentTasks = slices.Clone(a.CurrentTasks)
	if c.CurrentTasks == nil {
		c.CurrentTasks = []string{}
	}
	c.Metadata = maps.Clone(a.Metadata)
	return c
}

func statusFor(current, max int) Status {
	switch {
	case current == 0:
		return StatusIdle
	case current >= max:
		return StatusBusy
	default:
		return StatusActive
	}
}

// normalizeCapabilities returns a sorted set without empty entries.
func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}
