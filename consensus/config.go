package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common errors for node configuration and lifecycle.
var (
	ErrInvalidConfig        = errors.New("invalid node configuration")
	ErrNotRunning           = errors.New("node is not running")
	ErrNotPrimary           = errors.New("node is not the current primary")
	ErrInvalidTransition    = errors.New("invalid view transition")
	ErrViewChangeInProgress = errors.New("view change in progress")
	ErrWindowExhausted      = errors.New("sequence watermark window exhausted")
	ErrInvalidOperation     = errors.New("operation is not valid JSON")
)

// PeerConfig identifies one cluster member.
type PeerConfig struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// Config is the construction-time configuration of a node. It is
// validated eagerly; a rejected config is the only fatal error class.
type Config struct {
	NodeID string       `json:"node_id"`
	Nodes  []PeerConfig `json:"nodes"`

	// MaxFaults is f; the cluster needs at least 3f+1 members.
	MaxFaults int `json:"max_faults"`

	// ViewChangeTimeout is the primary-silence timeout.
	ViewChangeTimeout time.Duration `json:"view_change_timeout"`

	// CheckpointInterval is the number of executed operations between
	// CHECKPOINT proposals.
	CheckpointInterval uint64 `json:"checkpoint_interval"`

	// WatermarkWindow bounds accepted sequence numbers above the last
	// stable checkpoint.
	WatermarkWindow uint64 `json:"watermark_window"`

	// QueueSize caps the pending client-request queue.
	QueueSize int `json:"queue_size"`

	// VerifyWorkers is the size of the signature verification pool.
	VerifyWorkers int `json:"verify_workers"`

	Debug bool `json:"debug"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// single-fault (n=4) cluster; Nodes must still be filled in.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:             nodeID,
		MaxFaults:          1,
		ViewChangeTimeout:  5000 * time.Millisecond,
		CheckpointInterval: 100,
		WatermarkWindow:    200,
		QueueSize:          1024,
		VerifyWorkers:      4,
	}
}

// applyDefaults fills zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.ViewChangeTimeout <= 0 {
		c.ViewChangeTimeout = 5000 * time.Millisecond
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 100
	}
	if c.WatermarkWindow == 0 {
		c.WatermarkWindow = 200
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.VerifyWorkers <= 0 {
		c.VerifyWorkers = 4
	}
}

// Validate checks the n = 3f+1 arithmetic and membership consistency.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: node ID is required", ErrInvalidConfig)
	}
	if c.MaxFaults < 0 {
		return fmt.Errorf("%w: max faults must be >= 0, got %d", ErrInvalidConfig, c.MaxFaults)
	}
	need := 3*c.MaxFaults + 1
	if len(c.Nodes) < need {
		return fmt.Errorf("%w: need at least %d nodes to tolerate f=%d faults, got %d",
			ErrInvalidConfig, need, c.MaxFaults, len(c.Nodes))
	}
	seen := make(map[string]bool, len(c.Nodes))
	self := false
	for _, p := range c.Nodes {
		if p.NodeID == "" {
			return fmt.Errorf("%w: peer with empty node ID", ErrInvalidConfig)
		}
		if seen[p.NodeID] {
			return fmt.Errorf("%w: duplicate node ID %q", ErrInvalidConfig, p.NodeID)
		}
		seen[p.NodeID] = true
		if p.NodeID == c.NodeID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("%w: node ID %q is not in the member list", ErrInvalidConfig, c.NodeID)
	}
	return nil
}

// QuorumSize returns 2f+1.
func (c *Config) QuorumSize() int {
	return 2*c.MaxFaults + 1
}

// SortedNodeIDs returns the member IDs in lexical order. Primary
// election indexes into this slice, so every node derives the same
// primary for a given view.
func (c *Config) SortedNodeIDs() []string {
	ids := make([]string, 0, len(c.Nodes))
	for _, p := range c.Nodes {
		ids = append(ids, p.NodeID)
	}
	sort.Strings(ids)
	return ids
}
