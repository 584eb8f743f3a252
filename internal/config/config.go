// Package config loads the settings of the coordinator and node binaries
// from an optional YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/sluice/internal/logging"
)

// Config is the full file layout. Each binary reads its own section and the
// shared log section.
type Config struct {
	Coordinator Coordinator    `yaml:"coordinator"`
	Node        Node           `yaml:"node"`
	Log         logging.Config `yaml:"log"`
}

// Coordinator configures the coordinator process.
type Coordinator struct {
	Listen            string        `yaml:"listen"`
	NodeTimeout       time.Duration `yaml:"node_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	HealthMaxFailures int           `yaml:"health_max_failures"`
}

// Node configures a node process.
type Node struct {
	ID string `yaml:"id"`
	// Listen is the local bind address, Addr the URL the coordinator dials.
	Listen           string        `yaml:"listen"`
	Addr             string        `yaml:"addr"`
	CoordinatorURL   string        `yaml:"coordinator_url"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	ChunkSize        int           `yaml:"chunk_size"`
	RegisterAttempts int           `yaml:"register_attempts"`
	RegisterInterval time.Duration `yaml:"register_interval"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Coordinator: Coordinator{
			Listen:            ":8080",
			NodeTimeout:       30 * time.Second,
			IdleTimeout:       10 * time.Minute,
			SweepInterval:     time.Minute,
			HealthInterval:    5 * time.Second,
			HealthMaxFailures: 3,
		},
		Node: Node{
			Listen:           ":8081",
			CoordinatorURL:   "http://127.0.0.1:8080",
			QueueCapacity:    100000,
			ChunkSize:        256,
			RegisterAttempts: 10,
			RegisterInterval: 400 * time.Millisecond,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads path (if not empty) over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Coordinator.Listen = getenv("SLUICE_COORDINATOR_LISTEN", c.Coordinator.Listen)
	c.Node.ID = getenv("NODE_ID", c.Node.ID)
	c.Node.Listen = getenv("NODE_LISTEN", c.Node.Listen)
	c.Node.Addr = getenv("NODE_ADDR", c.Node.Addr)
	c.Node.CoordinatorURL = getenv("COORDINATOR_ADDR", c.Node.CoordinatorURL)
	c.Log.Level = getenv("SLUICE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("SLUICE_LOG_FORMAT", c.Log.Format)
	if v := os.Getenv("SLUICE_NODE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SLUICE_NODE_TIMEOUT: %w", err)
		}
		c.Coordinator.NodeTimeout = d
	}
	return nil
}

// ValidateCoordinator reports every problem with the coordinator section.
func (c *Config) ValidateCoordinator() error {
	var errs error
	co := c.Coordinator
	if co.Listen == "" {
		errs = multierr.Append(errs, errors.New("coordinator.listen is required"))
	}
	if co.NodeTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("coordinator.node_timeout must be positive, got %v", co.NodeTimeout))
	}
	if co.IdleTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("coordinator.idle_timeout must be positive, got %v", co.IdleTimeout))
	}
	if co.SweepInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("coordinator.sweep_interval must be positive, got %v", co.SweepInterval))
	}
	if co.HealthInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("coordinator.health_interval must be positive, got %v", co.HealthInterval))
	}
	if co.HealthMaxFailures < 1 {
		errs = multierr.Append(errs, fmt.Errorf("coordinator.health_max_failures must be at least 1, got %d", co.HealthMaxFailures))
	}
	return errs
}

// ValidateNode reports every problem with the node section.
func (c *Config) ValidateNode() error {
	var errs error
	n := c.Node
	if n.ID == "" {
		errs = multierr.Append(errs, errors.New("node.id is required (NODE_ID)"))
	}
	if n.Listen == "" {
		errs = multierr.Append(errs, errors.New("node.listen is required"))
	}
	if n.CoordinatorURL == "" {
		errs = multierr.Append(errs, errors.New("node.coordinator_url is required (COORDINATOR_ADDR)"))
	}
	if n.QueueCapacity < 0 {
		errs = multierr.Append(errs, fmt.Errorf("node.queue_capacity must not be negative, got %d", n.QueueCapacity))
	}
	if n.ChunkSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("node.chunk_size must not be negative, got %d", n.ChunkSize))
	}
	if n.RegisterAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("node.register_attempts must be at least 1, got %d", n.RegisterAttempts))
	}
	return errs
}

// AdvertiseAddr is the address a node registers with. It falls back to
// the listen address on localhost.
func (n Node) AdvertiseAddr() string {
	if n.Addr != "" {
		return n.Addr
	}
	if len(n.Listen) > 0 && n.Listen[0] == ':' {
		return "http://127.0.0.1" + n.Listen
	}
	return "http://" + n.Listen
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
