package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/ipc"
	"github.com/mtzanidakis/hive/internal/natsbus"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{name: "empty", args: []string{}, want: map[string]string{}},
		{name: "multiple flags", args: []string{"--type", "build", "--priority", "3"}, want: map[string]string{"type": "build", "priority": "3"}},
		{name: "flag without value is ignored", args: []string{"--id"}, want: map[string]string{}},
		{name: "non-flag args ignored", args: []string{"positional", "--id", "t1"}, want: map[string]string{"id": "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestCommand(t *testing.T) {
	typ, payload, err := command("submit", map[string]string{"type": "build", "capabilities": "go, sql", "priority": "2", "depends": "a"})
	if err != nil {
		t.Fatal(err)
	}
	spec := payload.(hivemind.TaskSpec)
	if typ != ipc.CmdSubmitTask || spec.Priority != 2 || len(spec.RequiredCapabilities) != 2 || spec.RequiredCapabilities[1] != "sql" || spec.Dependencies[0] != "a" {
		t.Errorf("unexpected %s %+v", typ, spec)
	}

	for _, tc := range []struct {
		name string
		args map[string]string
	}{
		{"submit", map[string]string{}},
		{"submit", map[string]string{"type": "x", "priority": "high"}},
		{"complete", map[string]string{}},
		{"send", map[string]string{"to": "a"}},
		{"reboot", map[string]string{}},
	} {
		if _, _, err := command(tc.name, tc.args); err == nil {
			t.Errorf("%s %v: expected error", tc.name, tc.args)
		}
	}
}

func TestRunAgainstGateway(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Enabled: true, Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	h := hivemind.New(config.HiveConfig{}, hivemind.Deps{})
	if err := h.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Shutdown(context.Background())
	if _, err := h.RegisterAgent(agent.Config{ID: "a", Name: "a", Type: "x", Capabilities: []string{"go"}, MaxConcurrentTasks: 1}); err != nil {
		t.Fatal(err)
	}

	srv := ipc.NewServer(h, client)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	_ = client.Flush()

	send := natsSender(bus.ClientURL())
	steps := []struct {
		args []string
		want string
	}{
		{[]string{"submit", "--id", "t1", "--type", "build", "--capabilities", "go"}, "Task t1 assigned to a"},
		{[]string{"complete", "--id", "t1", "--output", "ok"}, `t1  completed  build  agent=a  output="ok"`},
		{[]string{"agents"}, "a  idle  0/1  [go]"},
		{[]string{"stats"}, "agents=1 tasks=1"},
		{[]string{"send", "--to", "a", "--content", "hello"}, "Message delivered."},
	}
	for _, s := range steps {
		var out bytes.Buffer
		if err := run(s.args, &out, send); err != nil {
			t.Fatalf("%v: %v", s.args, err)
		}
		if !strings.Contains(out.String(), s.want) {
			t.Errorf("%v: output %q does not contain %q", s.args, out.String(), s.want)
		}
	}

	if err := run([]string{"get", "--id", "missing"}, &bytes.Buffer{}, send); err == nil {
		t.Error("expected error for missing task")
	}
}
