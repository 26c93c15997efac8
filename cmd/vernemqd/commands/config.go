package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// PeerConfig names one cluster peer and its WebSocket endpoint.
type PeerConfig struct {
	// Name is the peer's cluster node name.
	Name string `yaml:"name"`

	// URL is the peer's cluster endpoint, e.g. "ws://host:44880/cluster".
	URL string `yaml:"url"`
}

// Config is the daemon configuration.
type Config struct {
	// Node is this node's cluster name. Required.
	Node string `yaml:"node"`

	// Listen is the cluster endpoint listen address, e.g. ":44880".
	// Ignored when the node runs standalone.
	Listen string `yaml:"listen,omitempty"`

	// DataDir is the directory for the BadgerDB replicas. Required.
	DataDir string `yaml:"data_dir"`

	// Peers lists the other cluster members. An empty list runs the node
	// standalone.
	Peers []PeerConfig `yaml:"peers,omitempty"`

	// PublishWorkers caps the concurrent publish workers (optional).
	PublishWorkers int `yaml:"publish_workers,omitempty"`

	// LogLevel is one of debug, info, warn, error. Default info.
	LogLevel string `yaml:"log_level,omitempty"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Node == "" {
		return errors.New("config: node is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if len(c.Peers) > 0 && c.Listen == "" {
		return errors.New("config: listen is required when peers are configured")
	}
	for _, p := range c.Peers {
		if p.Name == "" || p.URL == "" {
			return errors.New("config: every peer needs a name and a url")
		}
		if p.Name == c.Node {
			return fmt.Errorf("config: peer %q shadows this node", p.Name)
		}
	}
	return nil
}
