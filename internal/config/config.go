// Package config handles configuration loading and validation for a
// meshkv node.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/bytesize"
)

// MaxNamespaces bounds the namespace list. Namespace indexes travel on
// the wire as small integers and must stay stable across restarts, so
// namespaces are addressed by their position in this list.
const MaxNamespaces = 32

// NodeEntry names one member of the static cluster roster.
type NodeEntry struct {
	ID     uint64 `yaml:"id"`     // unique, nonzero; lowest ID wins conflict tie-breaks
	Fabric string `yaml:"fabric"` // host:port other nodes dial
}

// NamespaceConfig holds per-namespace policy. Every node in a cluster
// must configure the same namespaces in the same order.
type NamespaceConfig struct {
	Name               string        `yaml:"name"`
	ReplicationFactor  int           `yaml:"replication_factor"`  // copies including the master (default: 2)
	CommitLevel        string        `yaml:"commit_level"`        // "all" or "master" (default: "all")
	ConflictResolution string        `yaml:"conflict_resolution"` // "last-update-time" or "generation"
	DurableDeletes     bool          `yaml:"durable_deletes"`     // deletes write tombstones
	DefaultTTL         string        `yaml:"default_ttl"`         // duration, "0s" = never expire
	MaxTTL             string        `yaml:"max_ttl"`             // duration, "0s" = unlimited
	MaxRecordSize      bytesize.Size `yaml:"max_record_size"`     // per-record payload cap (default: 1MB)
}

// TransactionConfig tunes the coordination protocols.
type TransactionConfig struct {
	RetransmitInterval string `yaml:"retransmit_interval"` // per-step resend period (default: "150ms")
	RetransmitBudget   int    `yaml:"retransmit_budget"`   // resends per destination per step (default: 5)
	RestartBudget      int    `yaml:"restart_budget"`      // whole-transaction restarts (default: 2)
	TotalTimeout       string `yaml:"total_timeout"`       // end-to-end transaction deadline (default: "1s")
}

// FabricConfig tunes the node-to-node message layer.
type FabricConfig struct {
	CompressThreshold bytesize.Size `yaml:"compress_threshold"` // compress frames above this size (default: 1KB)
	RateLimit         int           `yaml:"rate_limit"`         // inbound messages/sec (default: 50000)
	RateBurst         int           `yaml:"rate_burst"`         // inbound burst allowance (default: 10000)
	ReconnectMin      string        `yaml:"reconnect_min"`      // link redial backoff floor (default: "250ms")
	ReconnectMax      string        `yaml:"reconnect_max"`      // link redial backoff ceiling (default: "15s")
}

// NodeConfig holds configuration for a meshkv node.
type NodeConfig struct {
	NodeID       uint64            `yaml:"node_id"`
	Listen       string            `yaml:"listen"`        // client + admin HTTP address
	FabricListen string            `yaml:"fabric_listen"` // node-to-node websocket address
	Advertise    string            `yaml:"advertise"`     // fabric address peers dial; defaults to fabric_listen
	AuthToken    string            `yaml:"auth_token"`    // bearer token for client and admin requests
	Nodes        []NodeEntry       `yaml:"nodes"`
	Namespaces   []NamespaceConfig `yaml:"namespaces"`
	Transaction  TransactionConfig `yaml:"transaction"`
	Fabric       FabricConfig      `yaml:"fabric"`
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

// ApplyDefaults fills unset fields with their defaults.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.FabricListen == "" {
		c.FabricListen = ":3001"
	}
	if c.Advertise == "" {
		c.Advertise = c.FabricListen
	}

	if c.Transaction.RetransmitInterval == "" {
		c.Transaction.RetransmitInterval = "150ms"
	}
	if c.Transaction.RetransmitBudget == 0 {
		c.Transaction.RetransmitBudget = 5
	}
	if c.Transaction.RestartBudget == 0 {
		c.Transaction.RestartBudget = 2
	}
	if c.Transaction.TotalTimeout == "" {
		c.Transaction.TotalTimeout = "1s"
	}

	if c.Fabric.CompressThreshold == 0 {
		c.Fabric.CompressThreshold = bytesize.Size(bytesize.KB)
	}
	if c.Fabric.RateLimit == 0 {
		c.Fabric.RateLimit = 50000
	}
	if c.Fabric.RateBurst == 0 {
		c.Fabric.RateBurst = 10000
	}
	if c.Fabric.ReconnectMin == "" {
		c.Fabric.ReconnectMin = "250ms"
	}
	if c.Fabric.ReconnectMax == "" {
		c.Fabric.ReconnectMax = "15s"
	}

	for i := range c.Namespaces {
		ns := &c.Namespaces[i]
		if ns.ReplicationFactor == 0 {
			ns.ReplicationFactor = 2
		}
		if ns.CommitLevel == "" {
			ns.CommitLevel = "all"
		}
		if ns.ConflictResolution == "" {
			ns.ConflictResolution = "last-update-time"
		}
		if ns.DefaultTTL == "" {
			ns.DefaultTTL = "0s"
		}
		if ns.MaxTTL == "" {
			ns.MaxTTL = "0s"
		}
		if ns.MaxRecordSize == 0 {
			ns.MaxRecordSize = bytesize.Size(bytesize.MB)
		}
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node_id is required and must be nonzero")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one roster entry is required")
	}

	seen := make(map[uint64]bool, len(c.Nodes))
	self := false
	for i, n := range c.Nodes {
		if n.ID == 0 {
			return fmt.Errorf("nodes[%d]: id must be nonzero", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate id %d", i, n.ID)
		}
		seen[n.ID] = true
		if n.Fabric == "" {
			return fmt.Errorf("nodes[%d]: fabric address is required", i)
		}
		if n.ID == c.NodeID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("node_id %d is not in the nodes roster", c.NodeID)
	}

	if len(c.Namespaces) == 0 {
		return fmt.Errorf("at least one namespace is required")
	}
	if len(c.Namespaces) > MaxNamespaces {
		return fmt.Errorf("too many namespaces: %d > %d", len(c.Namespaces), MaxNamespaces)
	}
	names := make(map[string]bool, len(c.Namespaces))
	for i, ns := range c.Namespaces {
		if ns.Name == "" {
			return fmt.Errorf("namespaces[%d]: name is required", i)
		}
		if names[ns.Name] {
			return fmt.Errorf("namespaces[%d]: duplicate name %q", i, ns.Name)
		}
		names[ns.Name] = true
		if ns.ReplicationFactor < 1 || ns.ReplicationFactor > len(c.Nodes) {
			return fmt.Errorf("namespaces[%d]: replication_factor %d must be between 1 and the roster size %d",
				i, ns.ReplicationFactor, len(c.Nodes))
		}
		if ns.CommitLevel != "all" && ns.CommitLevel != "master" {
			return fmt.Errorf("namespaces[%d]: commit_level must be \"all\" or \"master\"", i)
		}
		if ns.ConflictResolution != "last-update-time" && ns.ConflictResolution != "generation" {
			return fmt.Errorf("namespaces[%d]: conflict_resolution must be \"last-update-time\" or \"generation\"", i)
		}
		for _, f := range []struct{ name, val string }{
			{"default_ttl", ns.DefaultTTL},
			{"max_ttl", ns.MaxTTL},
		} {
			if _, err := time.ParseDuration(f.val); err != nil {
				return fmt.Errorf("namespaces[%d]: invalid %s: %w", i, f.name, err)
			}
		}
	}

	for _, f := range []struct{ name, val string }{
		{"transaction.retransmit_interval", c.Transaction.RetransmitInterval},
		{"transaction.total_timeout", c.Transaction.TotalTimeout},
		{"fabric.reconnect_min", c.Fabric.ReconnectMin},
		{"fabric.reconnect_max", c.Fabric.ReconnectMax},
	} {
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be positive", f.name)
		}
	}
	if c.Transaction.RetransmitBudget < 0 {
		return fmt.Errorf("transaction.retransmit_budget must not be negative")
	}
	if c.Transaction.RestartBudget < 0 {
		return fmt.Errorf("transaction.restart_budget must not be negative")
	}

	return nil
}

// Namespace returns the namespace config and wire index for a name.
func (c *NodeConfig) Namespace(name string) (*NamespaceConfig, uint32, bool) {
	for i := range c.Namespaces {
		if c.Namespaces[i].Name == name {
			return &c.Namespaces[i], uint32(i), true
		}
	}
	return nil, 0, false
}

// NamespaceByIx returns the namespace config for a wire index.
func (c *NodeConfig) NamespaceByIx(ix uint32) (*NamespaceConfig, bool) {
	if int(ix) >= len(c.Namespaces) {
		return nil, false
	}
	return &c.Namespaces[ix], true
}

// RetransmitEvery returns the parsed per-step retransmit interval.
func (c TransactionConfig) RetransmitEvery() time.Duration {
	return parseDuration(c.RetransmitInterval, 150*time.Millisecond)
}

// Deadline returns the parsed end-to-end transaction timeout.
func (c TransactionConfig) Deadline() time.Duration {
	return parseDuration(c.TotalTimeout, time.Second)
}

// ReconnectBackoff returns the parsed link redial backoff bounds.
func (c FabricConfig) ReconnectBackoff() (min, max time.Duration) {
	return parseDuration(c.ReconnectMin, 250*time.Millisecond),
		parseDuration(c.ReconnectMax, 15*time.Second)
}

// TTL returns the parsed default and maximum TTLs.
func (ns NamespaceConfig) TTL() (def, max time.Duration) {
	return parseDuration(ns.DefaultTTL, 0), parseDuration(ns.MaxTTL, 0)
}

// Resolution returns the namespace's conflict-resolution policy.
func (ns NamespaceConfig) Resolution() record.ResolvePolicy {
	if ns.ConflictResolution == "generation" {
		return record.ResolveGeneration
	}
	return record.ResolveLastUpdateTime
}

// CommitAll reports whether the namespace defaults to waiting for all
// replica acks before responding.
func (ns NamespaceConfig) CommitAll() bool {
	return ns.CommitLevel != "master"
}

// parseDuration is for fields already checked by Validate; the fallback
// only matters for configs built in code.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
