// Package config loads the YAML cluster topology file quorumkv reads at
// startup (--config-path), grounded on cuemby-warren/cmd/warren/apply.go's
// read-file-then-yaml.Unmarshal idiom using gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Replica names one replica's network address within a shard group.
type Replica struct {
	Address string `yaml:"address"`
}

// Group is one shard group: a set of replicas that jointly hold one
// partition of the keyspace, per spec.md §2's sharded-and-replicated
// deployment model.
type Group struct {
	Replicas []Replica `yaml:"replicas"`
}

// Config is the full cluster topology plus per-replica tuning knobs. Most
// fields mirror a CLI flag of the same purpose; the config file is the
// source of truth for cluster-wide values (group membership), while
// per-process flags (--replica-idx, --group-idx) say which slot of this
// topology the current process occupies.
type Config struct {
	Protocol    string   `yaml:"protocol"`    // occ | 2pc | depgraph | branch
	Partitioner string   `yaml:"partitioner"` // hash | range
	NumShards   int      `yaml:"num_shards"`
	Groups      []Group  `yaml:"groups"`
	ClockSkew   uint64   `yaml:"clock_skew_us"`
	ClockError  uint64   `yaml:"clock_error_us"`
	DataDir     string   `yaml:"data_dir"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that would otherwise surface as a confusing
// nil-pointer or index-out-of-range panic deep inside a state machine.
func (c *Config) Validate() error {
	switch c.Protocol {
	case "occ", "2pc", "depgraph", "branch":
	default:
		return fmt.Errorf("config: unknown protocol %q", c.Protocol)
	}
	switch c.Partitioner {
	case "hash", "range":
	default:
		return fmt.Errorf("config: unknown partitioner %q", c.Partitioner)
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("config: at least one group is required")
	}
	for i, g := range c.Groups {
		if len(g.Replicas) == 0 {
			return fmt.Errorf("config: group %d has no replicas", i)
		}
	}
	return nil
}

// ReplicaAddress returns the address of replica replicaIdx within
// group groupIdx.
func (c *Config) ReplicaAddress(groupIdx, replicaIdx int) (string, error) {
	if groupIdx < 0 || groupIdx >= len(c.Groups) {
		return "", fmt.Errorf("config: group index %d out of range (have %d groups)", groupIdx, len(c.Groups))
	}
	group := c.Groups[groupIdx]
	if replicaIdx < 0 || replicaIdx >= len(group.Replicas) {
		return "", fmt.Errorf("config: replica index %d out of range in group %d (have %d replicas)", replicaIdx, groupIdx, len(group.Replicas))
	}
	return group.Replicas[replicaIdx].Address, nil
}

// PeerAddresses returns every replica address in groupIdx other than
// replicaIdx, the typical broadcast set for intra-group protocol
// messages.
func (c *Config) PeerAddresses(groupIdx, replicaIdx int) ([]string, error) {
	if groupIdx < 0 || groupIdx >= len(c.Groups) {
		return nil, fmt.Errorf("config: group index %d out of range (have %d groups)", groupIdx, len(c.Groups))
	}
	group := c.Groups[groupIdx]
	peers := make([]string, 0, len(group.Replicas)-1)
	for i, r := range group.Replicas {
		if i == replicaIdx {
			continue
		}
		peers = append(peers, r.Address)
	}
	return peers, nil
}
