// Package config loads node configuration from a TOML file and fills
// in the defaults a single-node setup expects.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

var ErrNodeID = errors.New("plotsync: node id must be set and non-zero")

// Config holds all information parsed from a supplied config file.
type Config struct {
	Node      Node
	Replica   Replica
	Journal   Journal
	Metrics   Metrics
	Discovery Discovery
}

// Node identifies this replica and its local clock behavior.
type Node struct {
	ID uint32

	// ClockSkewSeconds shifts the adjusted-time epoch; useful for
	// drills where node clocks are deliberately off.
	ClockSkewSeconds int64

	// TimeMult speeds the adjusted clock up; 1.0 is wall time.
	TimeMult float64

	// Verbosity maps onto log levels: 0 errors, 1 warnings, 2 info,
	// 3 and above debug.
	Verbosity int
}

// Replica configures the replication endpoint and static peer set.
type Replica struct {
	ListenAddr string
	Peers      []string

	// IntervalSeconds is the broadcast period in adjusted seconds.
	IntervalSeconds int64
}

// Journal points at the on-disk plot journal; empty path means a
// purely in-memory node.
type Journal struct {
	Path string
}

// Metrics exposes Prometheus on the given address when non-empty.
type Metrics struct {
	ListenAddr string
}

// Discovery configures gossip-based peer discovery. Disabled unless a
// bind address is set.
type Discovery struct {
	BindAddr string
	BindPort int
	Seeds    []string
}

// Load parses the TOML file at path and applies defaults.
func Load(path string) (*Config, error) {
	conf := new(Config)

	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("couldn't read config file %q: %w", path, err)
	}

	conf.SetDefaults()

	if conf.Node.ID == 0 {
		return nil, ErrNodeID
	}
	return conf, nil
}

func (c *Config) SetDefaults() {
	if c.Node.TimeMult == 0 {
		c.Node.TimeMult = 1.0
	}
	if c.Replica.ListenAddr == "" {
		c.Replica.ListenAddr = "tcp://0.0.0.0:9812"
	}
	if c.Replica.IntervalSeconds == 0 {
		c.Replica.IntervalSeconds = 20
	}
	if c.Discovery.BindPort == 0 {
		c.Discovery.BindPort = 7946
	}
}
