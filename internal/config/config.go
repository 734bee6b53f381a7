package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string                     `yaml:"log_level"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Hive      HiveConfig                 `yaml:"hive"`
	Dispatch  DispatchConfig             `yaml:"dispatch"`
	Web       WebConfig                  `yaml:"web"`
	IPC       IPCConfig                  `yaml:"ipc"`
	Recurring RecurringConfig            `yaml:"recurring"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // "sqlite" or "memory"
	Path          string        `yaml:"path"`
	CacheSize     int           `yaml:"cache_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type HiveConfig struct {
	CascadeFailures  bool          `yaml:"cascade_failures"`
	EventBuffer      int           `yaml:"event_buffer"`
	TaskHistoryTTL   time.Duration `yaml:"task_history_ttl"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type DispatchConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type IPCConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RecurringConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	Jobs         []RecurringJob `yaml:"jobs"`
}

// RecurringJob submits Task every time Schedule fires. Schedule accepts a
// plain cron expression or the JSON form understood by the schedule package.
type RecurringJob struct {
	Name     string       `yaml:"name"`
	Schedule string       `yaml:"schedule"`
	Task     TaskTemplate `yaml:"task"`
}

type TaskTemplate struct {
	Type                 string   `yaml:"type"`
	Description          string   `yaml:"description"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	Priority             int      `yaml:"priority"`
	Input                string   `yaml:"input"`
}

// AgentDefinition declares an agent registered at startup. The map key in
// Config.Agents is used as the agent ID.
type AgentDefinition struct {
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"`
	SwarmID            string            `yaml:"swarm_id"`
	Capabilities       []string          `yaml:"capabilities"`
	MaxConcurrentTasks int               `yaml:"max_concurrent_tasks"`
	Priority           int               `yaml:"priority"`
	Metadata           map[string]string `yaml:"metadata"`
}

func defaults() Config {
	return Config{
		LogLevel: "info",
		NATS: NATSConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    4222,
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          "data/hive.db",
			CacheSize:     1024,
			SweepInterval: time.Minute,
		},
		Hive: HiveConfig{
			CascadeFailures:  true,
			EventBuffer:      256,
			TaskHistoryTTL:   7 * 24 * time.Hour,
			SnapshotInterval: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Enabled: false,
			Timeout: 15 * time.Minute,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		IPC: IPCConfig{
			Enabled: true,
		},
		Recurring: RecurringConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

// Path returns the config file location.
func Path() string {
	if path := os.Getenv("HIVE_CONFIG"); path != "" {
		return path
	}
	return "config/hive.yaml"
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HIVE_NATS_HOST"); v != "" {
		cfg.NATS.Host = v
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if (c.Dispatch.Enabled || c.IPC.Enabled) && !c.NATS.Enabled {
		return fmt.Errorf("dispatch and ipc require nats.enabled")
	}
	for id, def := range c.Agents {
		if def.Name == "" {
			return fmt.Errorf("agent %s: name is required", id)
		}
	}
	return nil
}
