// Package config handles configuration loading and validation for the datanode.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// StartupRollback is the startup option that turns a boot into a rollback boot.
const StartupRollback = "rollback"

// CoordinatorConfig holds the connection to the cluster coordinator.
type CoordinatorConfig struct {
	Server    string `yaml:"server"`     // Base URL, e.g. "https://coord.example.com:8443"
	AuthToken string `yaml:"auth_token"` // Bearer token for the coordinator API
}

// SignalConfig controls how upgrade signals are received.
type SignalConfig struct {
	PollInterval       string `yaml:"poll_interval"`       // Duration string, e.g. "3s"
	PropagationTimeout string `yaml:"propagation_timeout"` // Upper bound for a signal to take effect, e.g. "10s"
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"`            // Loki base URL, empty disables shipping
	Labels        map[string]string `yaml:"labels"`         // Extra stream labels
	FlushInterval string            `yaml:"flush_interval"` // Duration string, e.g. "5s"
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NodeConfig holds configuration for a datanode.
type NodeConfig struct {
	Name          string            `yaml:"name"`
	DataDir       string            `yaml:"data_dir"`       // Volume holding every pool's storage area
	BlockPools    []string          `yaml:"block_pools"`    // Pools to open even before they have data
	StartupOption string            `yaml:"startup_option"` // "rollback" for a rollback boot, empty otherwise
	LogLevel      string            `yaml:"log_level"`
	AuditLog      string            `yaml:"audit_log"`       // JSON audit trail of upgrade transitions, empty disables
	TrashWarnSize bytesize.Size     `yaml:"trash_warn_size"` // "status" flags pools whose trash exceeds this, 0 disables
	Coordinator   CoordinatorConfig `yaml:"coordinator"`
	Signal        SignalConfig      `yaml:"signal"`
	Metrics       MetricsConfig     `yaml:"metrics"`
	Loki          LokiConfig        `yaml:"loki"`
}

// LoadNodeConfig loads node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in unset fields.
func (c *NodeConfig) ApplyDefaults() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		}
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/datanode"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Signal.PollInterval == "" {
		c.Signal.PollInterval = "3s"
	}
	if c.Signal.PropagationTimeout == "" {
		c.Signal.PropagationTimeout = "10s"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.Loki.FlushInterval == "" {
		c.Loki.FlushInterval = "5s"
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	for _, p := range c.BlockPools {
		if err := block.PoolID(p).Validate(); err != nil {
			return fmt.Errorf("block_pools: %w", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.StartupOption)) {
	case "", StartupRollback:
	default:
		return fmt.Errorf("startup_option must be empty or %q", StartupRollback)
	}
	poll, err := time.ParseDuration(c.Signal.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid signal.poll_interval: %w", err)
	}
	if poll <= 0 {
		return fmt.Errorf("signal.poll_interval must be positive")
	}
	prop, err := time.ParseDuration(c.Signal.PropagationTimeout)
	if err != nil {
		return fmt.Errorf("invalid signal.propagation_timeout: %w", err)
	}
	if prop < poll {
		return fmt.Errorf("signal.propagation_timeout must be at least signal.poll_interval")
	}
	if c.Coordinator.Server != "" && c.Coordinator.AuthToken == "" {
		return fmt.Errorf("coordinator.auth_token is required when coordinator.server is set")
	}
	if c.TrashWarnSize < 0 {
		return fmt.Errorf("trash_warn_size must not be negative")
	}
	if c.Loki.URL != "" {
		if _, err := time.ParseDuration(c.Loki.FlushInterval); err != nil {
			return fmt.Errorf("invalid loki.flush_interval: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	return nil
}

// Pools returns the configured block pools.
func (c *NodeConfig) Pools() []block.PoolID {
	pools := make([]block.PoolID, 0, len(c.BlockPools))
	for _, p := range c.BlockPools {
		pools = append(pools, block.PoolID(p))
	}
	return pools
}

// IsRollback reports whether this boot carries the rollback directive.
// Casing of the option is not significant.
func (c *NodeConfig) IsRollback() bool {
	return strings.EqualFold(strings.TrimSpace(c.StartupOption), StartupRollback)
}

// PollInterval returns the parsed signal poll interval.
func (c *NodeConfig) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Signal.PollInterval)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// PropagationTimeout returns how long a coordinator command may take to reach
// this node before a waiting caller should give up.
func (c *NodeConfig) PropagationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Signal.PropagationTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// LokiFlushInterval returns the parsed Loki flush interval.
func (c *NodeConfig) LokiFlushInterval() time.Duration {
	d, err := time.ParseDuration(c.Loki.FlushInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
