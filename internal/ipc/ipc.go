// Package ipc serves coordination commands over NATS request/reply on
// host.ipc.hive. hivectl is the client.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/comms"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Command types.
const (
	CmdSubmitTask   = "submit_task"
	CmdCompleteTask = "complete_task"
	CmdFailTask     = "fail_task"
	CmdCancelTask   = "cancel_task"
	CmdGetTask      = "get_task"
	CmdListAgents   = "list_agents"
	CmdStats        = "stats"
	CmdSendMessage  = "send_message"
)

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK         bool                 `json:"ok,omitempty"`
	Error      string               `json:"error,omitempty"`
	Code       string               `json:"code,omitempty"`
	Submission *hivemind.Submission `json:"submission,omitempty"`
	Task       *hivemind.Task       `json:"task,omitempty"`
	Agents     []agent.Agent        `json:"agents,omitempty"`
	Stats      *hivemind.Stats      `json:"stats,omitempty"`
	Delivered  bool                 `json:"delivered,omitempty"`
}

// Error codes let clients tell failures apart without parsing messages.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeTerminal    = "terminal"
	CodeUnavailable = "unavailable"
)

// TaskRequest is the payload of the task commands other than submit_task.
type TaskRequest struct {
	ID     string `json:"id"`
	Output string `json:"output,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Hive is the part of the orchestrator the server drives.
type Hive interface {
	ExecuteTask(ctx context.Context, spec hivemind.TaskSpec) (hivemind.Submission, error)
	CompleteTask(taskID, output string) error
	FailTask(taskID, reason string) error
	CancelTask(taskID string) error
	GetTask(id string) (hivemind.Task, error)
	ListAgents() []agent.Agent
	GetSystemStats() hivemind.Stats
	SendMessage(ctx context.Context, msg comms.Message) (bool, error)
}

type Server struct {
	hive   Hive
	client *natsbus.Client
	sub    *nats.Subscription
}

func NewServer(hive Hive, client *natsbus.Client) *Server {
	return &Server{hive: hive, client: client}
}

func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicIPC, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.sub = sub
	slog.Info("ipc listening", "topic", natsbus.TopicIPC)
	return nil
}

func (s *Server) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, Response{Error: "invalid command", Code: CodeValidation})
		return
	}
	slog.Debug("IPC command received", "type", cmd.Type)
	respond(msg, s.Dispatch(context.Background(), cmd))
}

// Dispatch runs one command and builds its response.
func (s *Server) Dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Type {
	case CmdSubmitTask:
		var spec hivemind.TaskSpec
		if err := decode(cmd.Payload, &spec); err != nil {
			return failure(err)
		}
		sub, err := s.hive.ExecuteTask(ctx, spec)
		if err != nil {
			return failure(err)
		}
		slog.Info("task submitted via IPC", "task", sub.TaskID, "status", sub.Status)
		return Response{OK: true, Submission: &sub}

	case CmdCompleteTask, CmdFailTask, CmdCancelTask, CmdGetTask:
		var req TaskRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return failure(err)
		}
		if req.ID == "" {
			return failure(errs.Invalid("id", "is required"))
		}
		return s.taskCommand(cmd.Type, req)

	case CmdListAgents:
		return Response{OK: true, Agents: s.hive.ListAgents()}

	case CmdStats:
		stats := s.hive.GetSystemStats()
		return Response{OK: true, Stats: &stats}

	case CmdSendMessage:
		var m comms.Message
		if err := decode(cmd.Payload, &m); err != nil {
			return failure(err)
		}
		delivered, err := s.hive.SendMessage(ctx, m)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Delivered: delivered}

	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		return Response{Error: "unknown command: " + cmd.Type, Code: CodeValidation}
	}
}

func (s *Server) taskCommand(typ string, req TaskRequest) Response {
	var err error
	switch typ {
	case CmdCompleteTask:
		err = s.hive.CompleteTask(req.ID, req.Output)
	case CmdFailTask:
		err = s.hive.FailTask(req.ID, req.Reason)
	case CmdCancelTask:
		err = s.hive.CancelTask(req.ID)
	}
	if err != nil {
		return failure(err)
	}
	t, err := s.hive.GetTask(req.ID)
	if err != nil {
		return failure(err)
	}
	return Response{OK: true, Task: &t}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errs.Invalid("payload", "is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errs.Invalid("payload", err.Error())
	}
	return nil
}

func failure(err error) Response {
	return Response{Error: err.Error(), Code: code(err)}
}

func code(err error) string {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return CodeValidation
	case errors.Is(err, errs.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, errs.ErrTaskTerminal):
		return CodeTerminal
	case errors.Is(err, errs.ErrNotInitialized), errors.Is(err, errs.ErrShuttingDown):
		return CodeUnavailable
	}
	return ""
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

// Request sends one command and decodes the reply.
func Request(ctx context.Context, client *natsbus.Client, typ string, payload any) (Response, error) {
	cmd := Command{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = raw
	}
	var resp Response
	if err := client.RequestJSON(ctx, natsbus.TopicIPC, cmd, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
