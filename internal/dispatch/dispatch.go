// Package dispatch runs assigned tasks on remote agents over NATS. The task
// is published to agent.<id>.input and the result is read from
// agent.<id>.output.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/nats-io/nats.go"
)

const (
	ReasonTimedOut  = "timed out"
	ReasonCancelled = hivemind.ReasonCancelled
)

// Request is the payload sent to an agent.
type Request struct {
	TaskID               string   `json:"task_id"`
	AgentID              string   `json:"agent_id"`
	Type                 string   `json:"type"`
	Description          string   `json:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Input                string   `json:"input,omitempty"`
}

// Response is what an agent publishes when it finishes a task.
type Response struct {
	TaskID  string   `json:"task_id"`
	Success bool     `json:"success"`
	Output  string   `json:"output,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type control struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type pendingTask struct {
	agentID string
	ch      chan Response
}

// Executor implements hivemind.Executor.
type Executor struct {
	client  *natsbus.Client
	timeout time.Duration
	sub     *nats.Subscription

	mu      sync.Mutex
	pending map[string]pendingTask
}

func New(client *natsbus.Client, timeout time.Duration) (*Executor, error) {
	e := &Executor{
		client:  client,
		timeout: timeout,
		pending: make(map[string]pendingTask),
	}
	sub, err := client.Subscribe(natsbus.TopicAllAgentOutput, e.handleOutput)
	if err != nil {
		return nil, fmt.Errorf("subscribe agent output: %w", err)
	}
	e.sub = sub
	return e, nil
}

func (e *Executor) handleOutput(msg *nats.Msg) {
	agentID, ok := natsbus.AgentFromSubject(msg.Subject, "output")
	if !ok {
		return
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		slog.Warn("invalid agent output", "agent", agentID, "error", err)
		return
	}

	e.mu.Lock()
	p, ok := e.pending[resp.TaskID]
	if ok && p.agentID == agentID {
		delete(e.pending, resp.TaskID)
	}
	e.mu.Unlock()

	if !ok {
		slog.Debug("output for unknown task", "agent", agentID, "task", resp.TaskID)
		return
	}
	if p.agentID != agentID {
		slog.Warn("output from unexpected agent", "task", resp.TaskID, "agent", agentID, "expected", p.agentID)
		return
	}
	p.ch <- resp
}

func (e *Executor) Execute(ctx context.Context, a hivemind.Assignment) hivemind.Result {
	ch := make(chan Response, 1)
	e.mu.Lock()
	e.pending[a.TaskID] = pendingTask{agentID: a.AgentID, ch: ch}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, a.TaskID)
		e.mu.Unlock()
	}()

	req := Request{
		TaskID:               a.TaskID,
		AgentID:              a.AgentID,
		Type:                 a.Type,
		Description:          a.Description,
		RequiredCapabilities: a.RequiredCapabilities,
		Input:                a.Input,
	}
	if err := e.client.PublishJSON(natsbus.TopicAgentInput(a.AgentID), req); err != nil {
		return failed(fmt.Sprintf("publish task: %v", err))
	}
	slog.Debug("task dispatched", "task", a.TaskID, "agent", a.AgentID)

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return hivemind.Result{Success: resp.Success, Output: resp.Output, Errors: resp.Errors}
	case <-ctx.Done():
		e.sendCancel(a)
		return failed(ReasonCancelled)
	case <-timer.C:
		e.sendCancel(a)
		slog.Warn("task timed out", "task", a.TaskID, "agent", a.AgentID, "timeout", e.timeout)
		return failed(ReasonTimedOut)
	}
}

func (e *Executor) sendCancel(a hivemind.Assignment) {
	err := e.client.PublishJSON(natsbus.TopicAgentControl(a.AgentID), control{Type: "cancel", TaskID: a.TaskID})
	if err != nil {
		slog.Warn("send cancel failed", "task", a.TaskID, "agent", a.AgentID, "error", err)
	}
}

func failed(reason string) hivemind.Result {
	return hivemind.Result{Success: false, Errors: []string{reason}}
}

func (e *Executor) Close() error {
	return e.sub.Unsubscribe()
}
