// Package consensus implements a PBFT-style Byzantine fault-tolerant
// agreement core for n = 3f+1 nodes.
//
// This package implements:
//   - Codec: message construction, signing, verification, digests
//   - ViewManager: primary election and liveness-driven view changes
//   - CheckpointManager: periodic state agreement and log truncation
//   - Protocol: the three-phase pre-prepare/prepare/commit state machine
//   - Node: orchestrator wiring the components onto a network.Transport
package consensus
