package consensus

import (
	"errors"
	"fmt"
	"testing"
)

func fourNodeConfig(self string) Config {
	cfg := DefaultConfig(self)
	for i := 0; i < 4; i++ {
		cfg.Nodes = append(cfg.Nodes, PeerConfig{
			NodeID: fmt.Sprintf("node-%d", i),
			Host:   "localhost",
			Port:   7000 + i,
		})
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := fourNodeConfig("node-0")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestConfigTooFewNodes(t *testing.T) {
	cfg := DefaultConfig("node-0")
	for i := 0; i < 3; i++ {
		cfg.Nodes = append(cfg.Nodes, PeerConfig{NodeID: fmt.Sprintf("node-%d", i)})
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for n=3 f=1, got %v", err)
	}
}

func TestConfigDuplicateNodeID(t *testing.T) {
	cfg := DefaultConfig("node-0")
	for i := 0; i < 4; i++ {
		cfg.Nodes = append(cfg.Nodes, PeerConfig{NodeID: "node-0"})
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for duplicate IDs, got %v", err)
	}
}

func TestConfigSelfNotInMembers(t *testing.T) {
	cfg := fourNodeConfig("node-9")
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig when self is absent, got %v", err)
	}
}

func TestConfigQuorumSize(t *testing.T) {
	for f := 0; f <= 3; f++ {
		cfg := Config{MaxFaults: f}
		want := 2*f + 1
		if got := cfg.QuorumSize(); got != want {
			t.Errorf("f=%d: expected quorum %d, got %d", f, want, got)
		}
	}
}

func TestConfigSortedNodeIDs(t *testing.T) {
	cfg := Config{Nodes: []PeerConfig{
		{NodeID: "charlie"},
		{NodeID: "alice"},
		{NodeID: "bob"},
	}}
	ids := cfg.SortedNodeIDs()
	want := []string{"alice", "bob", "charlie"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected ids[%d]=%s, got %s", i, want[i], ids[i])
		}
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{NodeID: "node-0"}
	cfg.applyDefaults()
	if cfg.ViewChangeTimeout <= 0 {
		t.Error("Expected default view-change timeout")
	}
	if cfg.CheckpointInterval == 0 {
		t.Error("Expected default checkpoint interval")
	}
	if cfg.WatermarkWindow == 0 {
		t.Error("Expected default watermark window")
	}
	if cfg.QueueSize <= 0 {
		t.Error("Expected default queue size")
	}
	if cfg.VerifyWorkers <= 0 {
		t.Error("Expected default verify workers")
	}
}
