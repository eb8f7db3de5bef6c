package consensus

import (
	"sync"
)

// DivergenceFunc is called when conflicting checkpoint digests at the
// same sequence each gather f+1 votes, which means more than f nodes are
// misbehaving. The event is surfaced, never resolved locally.
type DivergenceFunc func(sequence uint64, digestVotes map[string]int)

// CheckpointStats is a read-only snapshot of checkpoint progress.
type CheckpointStats struct {
	LastStableSequence uint64 `json:"last_stable_sequence"`
	LastStableDigest   string `json:"last_stable_digest"`
	PendingCheckpoints int    `json:"pending_checkpoints"`
}

// CheckpointManager collects per-sequence state-digest votes and marks a
// checkpoint stable once 2f+1 nodes report the same digest, raising the
// low watermark used for log truncation.
type CheckpointManager struct {
	mu sync.Mutex

	quorum    int
	maxFaults int

	// votes: sequence -> state digest -> voting node IDs
	votes map[uint64]map[string]map[string]struct{}

	lowWatermark uint64
	stableDigest string

	// flagged marks sequences whose divergence was already reported.
	flagged      map[uint64]bool
	onDivergence DivergenceFunc
}

// NewCheckpointManager creates a checkpoint manager for quorum 2f+1.
func NewCheckpointManager(maxFaults int, onDivergence DivergenceFunc) *CheckpointManager {
	return &CheckpointManager{
		quorum:       2*maxFaults + 1,
		maxFaults:    maxFaults,
		votes:        make(map[uint64]map[string]map[string]struct{}),
		flagged:      make(map[uint64]bool),
		onDivergence: onDivergence,
	}
}

// Record stores a checkpoint vote. It returns true exactly when the vote
// makes the (sequence, digest) pair stable: at that point the low
// watermark rises to sequence and all proposals at or below it are
// discarded, matching or not.
func (m *CheckpointManager) Record(sequence uint64, stateDigest, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sequence <= m.lowWatermark {
		return false
	}

	byDigest, ok := m.votes[sequence]
	if !ok {
		byDigest = make(map[string]map[string]struct{})
		m.votes[sequence] = byDigest
	}
	voters, ok := byDigest[stateDigest]
	if !ok {
		voters = make(map[string]struct{})
		byDigest[stateDigest] = voters
	}
	voters[nodeID] = struct{}{}

	m.checkDivergenceLocked(sequence, byDigest)

	if len(voters) < m.quorum {
		return false
	}

	m.lowWatermark = sequence
	m.stableDigest = stateDigest
	for s := range m.votes {
		if s <= sequence {
			delete(m.votes, s)
			delete(m.flagged, s)
		}
	}
	return true
}

// checkDivergenceLocked fires the divergence callback once per sequence
// when two digests each reach f+1 votes.
func (m *CheckpointManager) checkDivergenceLocked(sequence uint64, byDigest map[string]map[string]struct{}) {
	if m.flagged[sequence] || len(byDigest) < 2 {
		return
	}
	conflicting := 0
	counts := make(map[string]int, len(byDigest))
	for digest, voters := range byDigest {
		counts[digest] = len(voters)
		if len(voters) >= m.maxFaults+1 {
			conflicting++
		}
	}
	if conflicting < 2 {
		return
	}
	m.flagged[sequence] = true
	if m.onDivergence != nil {
		m.onDivergence(sequence, counts)
	}
}

// LowWatermark returns the sequence of the last stable checkpoint.
func (m *CheckpointManager) LowWatermark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowWatermark
}

// StableDigest returns the digest of the last stable checkpoint.
func (m *CheckpointManager) StableDigest() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stableDigest
}

// Stats returns a snapshot of checkpoint progress.
func (m *CheckpointManager) Stats() CheckpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CheckpointStats{
		LastStableSequence: m.lowWatermark,
		LastStableDigest:   m.stableDigest,
		PendingCheckpoints: len(m.votes),
	}
}
