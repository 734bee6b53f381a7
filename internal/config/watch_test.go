package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	initial, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	go func() {
		_ = Watch(ctx, path, initial, func(old, new *Config) {
			select {
			case changed <- new:
			default:
			}
		})
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	updated := "store:\n  backend: memory\nagents:\n  a1:\n    name: Coder\n    max_concurrent_tasks: 1\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if _, ok := cfg.Agents["a1"]; !ok {
			t.Errorf("expected reloaded config with agent a1, got %+v", cfg.Agents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for config reload")
	}
}
