package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/hive/internal/comms"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/ipc"
	"github.com/mtzanidakis/hive/internal/natsbus"
)

const requestTimeout = 10 * time.Second

// sender performs one IPC round trip.
type sender func(typ string, payload any) (ipc.Response, error)

func natsSender(url string) sender {
	return func(typ string, payload any) (ipc.Response, error) {
		client, err := natsbus.NewClientFromURL(url, "hivectl")
		if err != nil {
			return ipc.Response{}, fmt.Errorf("connect to nats: %w", err)
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return ipc.Request(ctx, client, typ, payload)
	}
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

const usageText = `Usage:
  hivectl submit --type "..." [--id "..."] [--description "..."] [--capabilities a,b] [--priority N] [--depends t1,t2] [--input "..."]
  hivectl complete --id "..." [--output "..."]
  hivectl fail --id "..." [--reason "..."]
  hivectl cancel --id "..."
  hivectl get --id "..."
  hivectl agents
  hivectl stats
  hivectl send --to "..." --content "..." [--from "..."] [--type "..."]
`

// command maps a CLI invocation to an IPC command type and payload.
func command(name string, args map[string]string) (string, any, error) {
	switch name {
	case "submit":
		if args["type"] == "" {
			return "", nil, fmt.Errorf("--type is required")
		}
		spec := hivemind.TaskSpec{
			ID:                   args["id"],
			Type:                 args["type"],
			Description:          args["description"],
			RequiredCapabilities: splitList(args["capabilities"]),
			Dependencies:         splitList(args["depends"]),
			Input:                args["input"],
		}
		if p := args["priority"]; p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return "", nil, fmt.Errorf("--priority: %w", err)
			}
			spec.Priority = n
		}
		return ipc.CmdSubmitTask, spec, nil

	case "complete", "fail", "cancel", "get":
		if args["id"] == "" {
			return "", nil, fmt.Errorf("--id is required")
		}
		req := ipc.TaskRequest{ID: args["id"], Output: args["output"], Reason: args["reason"]}
		typ := map[string]string{
			"complete": ipc.CmdCompleteTask,
			"fail":     ipc.CmdFailTask,
			"cancel":   ipc.CmdCancelTask,
			"get":      ipc.CmdGetTask,
		}[name]
		return typ, req, nil

	case "agents":
		return ipc.CmdListAgents, nil, nil

	case "stats":
		return ipc.CmdStats, nil, nil

	case "send":
		if args["to"] == "" || args["content"] == "" {
			return "", nil, fmt.Errorf("--to and --content are required")
		}
		from := args["from"]
		if from == "" {
			from = "hivectl"
		}
		typ := args["type"]
		if typ == "" {
			typ = "note"
		}
		return ipc.CmdSendMessage, comms.Message{From: from, To: args["to"], Type: typ, Content: args["content"]}, nil
	}
	return "", nil, fmt.Errorf("unknown command: %s", name)
}

func run(args []string, out io.Writer, send sender) error {
	if len(args) < 1 {
		return fmt.Errorf("missing command\n%s", usageText)
	}
	typ, payload, err := command(args[0], parseArgs(args[1:]))
	if err != nil {
		return err
	}
	resp, err := send(typ, payload)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	printResponse(out, typ, resp)
	return nil
}

func printResponse(out io.Writer, typ string, resp ipc.Response) {
	switch typ {
	case ipc.CmdSubmitTask:
		s := resp.Submission
		if s.AgentID != "" {
			fmt.Fprintf(out, "Task %s %s to %s\n", s.TaskID, s.Status, s.AgentID)
		} else {
			fmt.Fprintf(out, "Task %s %s\n", s.TaskID, s.Status)
		}
	case ipc.CmdCompleteTask, ipc.CmdFailTask, ipc.CmdCancelTask, ipc.CmdGetTask:
		t := resp.Task
		fmt.Fprintf(out, "%s  %s  %s", t.ID, t.Status, t.Type)
		if t.AssignedAgent != "" {
			fmt.Fprintf(out, "  agent=%s", t.AssignedAgent)
		}
		if t.FailureReason != "" {
			fmt.Fprintf(out, "  reason=%q", t.FailureReason)
		}
		if t.Result != nil && t.Result.Output != "" {
			fmt.Fprintf(out, "  output=%q", t.Result.Output)
		}
		fmt.Fprintln(out)
	case ipc.CmdListAgents:
		if len(resp.Agents) == 0 {
			fmt.Fprintln(out, "No agents registered.")
			return
		}
		for _, a := range resp.Agents {
			fmt.Fprintf(out, "  %s  %s  %d/%d  [%s]\n", a.ID, a.Status, len(a.CurrentTasks), a.MaxConcurrentTasks, strings.Join(a.Capabilities, ","))
		}
	case ipc.CmdStats:
		s := resp.Stats
		fmt.Fprintf(out, "agents=%d tasks=%d pending=%d queued=%d assigned=%d completed=%d failed=%d success_rate=%.2f avg=%s\n",
			s.ActiveAgents, s.TotalTasks, s.PendingTasks, s.QueuedTasks, s.AssignedTasks,
			s.CompletedTasks, s.FailedTasks, s.SuccessRate, s.AverageTaskDuration)
	case ipc.CmdSendMessage:
		fmt.Fprintln(out, "Message delivered.")
	}
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}
	if err := run(os.Args[1:], os.Stdout, natsSender(natsURL)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
