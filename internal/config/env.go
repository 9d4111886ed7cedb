// Package config loads daemon configuration from environment variables and
// builds the process logger.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dreamware/hotslot/internal/cluster"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Node configures a storage node.
type Node struct {
	ID              string        `env:"NODE_ID,required,notEmpty"`
	Listen          string        `env:"NODE_LISTEN"                envDefault:":8081"`
	Addr            string        `env:"NODE_ADDR"                  envDefault:"http://127.0.0.1:8081"`
	Coordinator     string        `env:"COORDINATOR_ADDR"`
	Role            cluster.Role  `env:"NODE_ROLE"                  envDefault:"primary"`
	Slots           string        `env:"NODE_SLOTS"`
	Replicas        []string      `env:"REPLICA_ADDRS"              envSeparator:","`
	ClusterEnabled  bool          `env:"CLUSTER_ENABLED"            envDefault:"true"`
	SlotStats       bool          `env:"CLUSTER_SLOT_STATS_ENABLED" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"NODE_SHUTDOWN_TIMEOUT"      envDefault:"5s"`
	MigrateBatch    int           `env:"NODE_MIGRATE_BATCH"         envDefault:"100"`
	Log             Log
}

// LoadNode parses and validates node configuration.
func LoadNode() (Node, error) {
	var cfg Node
	if err := ParseEnv(&cfg); err != nil {
		return Node{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Node{}, err
	}
	return cfg, nil
}

// Validate checks values the env tags cannot express.
func (c Node) Validate() error {
	switch c.Role {
	case cluster.RolePrimary, cluster.RoleReplica:
	default:
		return fmt.Errorf("NODE_ROLE must be %q or %q, got %q", cluster.RolePrimary, cluster.RoleReplica, c.Role)
	}
	if c.Role == cluster.RoleReplica && len(c.Replicas) > 0 {
		return fmt.Errorf("REPLICA_ADDRS is only valid on a primary")
	}
	if c.MigrateBatch < 1 {
		return fmt.Errorf("NODE_MIGRATE_BATCH must be positive, got %d", c.MigrateBatch)
	}
	if _, err := c.SlotRanges(); err != nil {
		return fmt.Errorf("NODE_SLOTS: %w", err)
	}
	return nil
}

// Primary reports whether the node accepts writes.
func (c Node) Primary() bool {
	return c.Role == cluster.RolePrimary
}

// SlotRanges returns the statically configured slots. Nodes without
// NODE_SLOTS wait for the coordinator to assign slots.
func (c Node) SlotRanges() ([]cluster.SlotRange, error) {
	return cluster.ParseSlotRanges(c.Slots)
}

// Coordinator configures the coordinator.
type Coordinator struct {
	Addr           string        `env:"COORDINATOR_ADDR" envDefault:":8080"`
	HealthInterval time.Duration `env:"HEALTH_INTERVAL"  envDefault:"5s"`
	Log            Log
}

// LoadCoordinator parses coordinator configuration.
func LoadCoordinator() (Coordinator, error) {
	var cfg Coordinator
	if err := ParseEnv(&cfg); err != nil {
		return Coordinator{}, err
	}
	if cfg.HealthInterval <= 0 {
		return Coordinator{}, fmt.Errorf("HEALTH_INTERVAL must be positive, got %s", cfg.HealthInterval)
	}
	return cfg, nil
}
