package main

import (
	"bytes"
	"slices"
	"testing"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/config"
)

type fakeReloader struct {
	registered   []string
	unregistered []string
	added        []string
	removed      []string
}

func (f *fakeReloader) RegisterAgent(cfg agent.Config) (agent.Agent, error) {
	f.registered = append(f.registered, cfg.ID)
	return agent.Agent{ID: cfg.ID}, nil
}

func (f *fakeReloader) UnregisterAgent(id string) bool {
	f.unregistered = append(f.unregistered, id)
	return true
}

func (f *fakeReloader) AddCapability(agentID, c string) error {
	f.added = append(f.added, agentID+":"+c)
	return nil
}

func (f *fakeReloader) RemoveCapability(agentID, c string) error {
	f.removed = append(f.removed, agentID+":"+c)
	return nil
}

func TestAgentConfigs(t *testing.T) {
	cfgs := agentConfigs(map[string]config.AgentDefinition{
		"b": {Name: "B", Type: "review", Capabilities: []string{"review"}, MaxConcurrentTasks: 3},
		"a": {Name: "A", Type: "coder"},
	})
	if len(cfgs) != 2 || cfgs[0].ID != "a" || cfgs[1].ID != "b" {
		t.Fatalf("expected sorted ids, got %+v", cfgs)
	}
	if cfgs[0].MaxConcurrentTasks != 1 {
		t.Errorf("expected default capacity 1, got %d", cfgs[0].MaxConcurrentTasks)
	}
	if cfgs[1].MaxConcurrentTasks != 3 || cfgs[1].Capabilities[0] != "review" {
		t.Errorf("unexpected config %+v", cfgs[1])
	}
}

func TestApplyReload(t *testing.T) {
	old := &config.Config{Agents: map[string]config.AgentDefinition{
		"keep":  {Name: "Keep", Type: "x", Capabilities: []string{"go", "sql"}},
		"leave": {Name: "Leave", Type: "x"},
	}}
	new := &config.Config{Agents: map[string]config.AgentDefinition{
		"keep": {Name: "Keep", Type: "x", Capabilities: []string{"go", "rust"}},
		"join": {Name: "Join", Type: "x"},
	}}

	f := &fakeReloader{}
	applyReload(f, nil, old, new)

	if !slices.Equal(f.unregistered, []string{"leave"}) {
		t.Errorf("unregistered = %v", f.unregistered)
	}
	if !slices.Equal(f.registered, []string{"join"}) {
		t.Errorf("registered = %v", f.registered)
	}
	if !slices.Equal(f.added, []string{"keep:rust"}) || !slices.Equal(f.removed, []string{"keep:sql"}) {
		t.Errorf("capabilities added %v removed %v", f.added, f.removed)
	}
}

func TestApplyReloadNoChanges(t *testing.T) {
	cfg := &config.Config{Agents: map[string]config.AgentDefinition{"a": {Name: "A", Type: "x"}}}
	f := &fakeReloader{}
	applyReload(f, nil, cfg, cfg)
	if len(f.registered)+len(f.unregistered)+len(f.added)+len(f.removed) != 0 {
		t.Errorf("expected no calls, got %+v", f)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hive dev\n" {
		t.Errorf("unexpected output %q", out.String())
	}
}
