package consensus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agisota/agentic-flow-consensus/api"
	"github.com/agisota/agentic-flow-consensus/network"
)

// CommitEvent is delivered to the application callback once per
// committed slot, in sequence order.
type CommitEvent struct {
	Sequence  uint64
	Request   *Request
	Result    json.RawMessage
	Err       error
	LatencyMs float64
}

// CommitFunc is the application-level commit callback.
type CommitFunc func(ev CommitEvent)

// NodeStats is the read-only status snapshot of a node.
type NodeStats struct {
	NodeID          string          `json:"node_id"`
	View            uint64          `json:"view"`
	Primary         string          `json:"primary"`
	IsPrimary       bool            `json:"is_primary"`
	PendingRequests int             `json:"pending_requests"`
	Protocol        ProtocolStats   `json:"protocol"`
	Checkpoint      CheckpointStats `json:"checkpoint"`
	Latency         LatencyStats    `json:"latency"`
	Transport       network.Metrics `json:"transport"`
	VerifyAccepted  int64           `json:"verify_accepted"`
	VerifyRejected  int64           `json:"verify_rejected"`
}

// Node wires codec, view manager, checkpoint manager and protocol onto a
// transport. All protocol state mutates on a single event-loop
// goroutine; public accessors are safe from any goroutine.
type Node struct {
	cfg Config

	codec       *Codec
	registry    *KeyRegistry
	views       *ViewManager
	checkpoints *CheckpointManager
	protocol    *Protocol

	transport network.Transport
	metrics   *api.Metrics
	queue     *requestQueue
	verifier  *verifyPool
	latency   *latencyTracker

	publicKey ed25519.PublicKey

	commitMu sync.RWMutex
	commitCb CommitFunc

	submitTimes sync.Map // request key -> time.Time
	reqCounter  uint64

	inbox  chan *Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	// View-change bookkeeping, shared by the event loop and the timer.
	vcMu         sync.Mutex
	viewChanges  map[uint64]map[string]*Message
	sentVC       map[uint64]bool
	newViewBuilt map[uint64]bool
}

// NewNode validates the configuration and assembles a node. The
// transport is consumed, not owned: Initialize starts it, Shutdown stops
// it. A nil executor defaults to EchoExecutor.
func NewNode(cfg Config, transport network.Transport, executor Executor) (*Node, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pk, sk, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	registry := NewKeyRegistry()
	registry.Register(cfg.NodeID, pk)
	codec := NewCodec(cfg.NodeID, sk, registry)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:          cfg,
		codec:        codec,
		registry:     registry,
		views:        NewViewManager(cfg.SortedNodeIDs(), cfg.QuorumSize(), cfg.ViewChangeTimeout),
		transport:    transport,
		metrics:      api.NewMetrics("consensus_" + sanitizeLabel(cfg.NodeID)),
		queue:        newRequestQueue(cfg.QueueSize),
		latency:      newLatencyTracker(1024),
		publicKey:    pk,
		inbox:        make(chan *Message, 1024),
		ctx:          ctx,
		cancel:       cancel,
		viewChanges:  make(map[uint64]map[string]*Message),
		sentVC:       make(map[uint64]bool),
		newViewBuilt: make(map[uint64]bool),
	}
	n.checkpoints = NewCheckpointManager(cfg.MaxFaults, n.onDivergence)
	n.protocol = NewProtocol(codec, n.views, n.checkpoints, cfg.WatermarkWindow,
		executor, n.onExecuted, n.onDropped)
	n.verifier = newVerifyPool(codec, cfg.VerifyWorkers, n.enqueue, n.onRejected)
	return n, nil
}

// sanitizeLabel makes a node ID usable as a metric namespace.
func sanitizeLabel(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// PublicKey returns this node's ed25519 public key for registration on
// its peers.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// RegisterPublicKey records a peer's public key.
func (n *Node) RegisterPublicKey(nodeID string, pk ed25519.PublicKey) {
	n.registry.Register(nodeID, pk)
}

// OnCommit registers the application commit callback.
func (n *Node) OnCommit(cb CommitFunc) {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	n.commitCb = cb
}

// IsPrimary reports whether this node is the current primary.
func (n *Node) IsPrimary() bool {
	return n.views.IsPrimary(n.cfg.NodeID)
}

// CurrentView returns the current view number.
func (n *Node) CurrentView() uint64 {
	return n.views.CurrentView()
}

// Initialize starts the transport, verification pool, event loop and
// view-change timer. Idempotent.
func (n *Node) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	for t := MsgRequest; t <= MsgCheckpoint; t++ {
		n.transport.OnMessage(t.String(), n.handleEnvelope)
	}
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	n.verifier.Start()

	n.wg.Add(1)
	go n.eventLoop()
	n.wg.Add(1)
	go n.timerLoop()

	n.running = true
	if n.cfg.Debug {
		log.Printf("node %s initialized: n=%d f=%d quorum=%d",
			n.cfg.NodeID, len(n.cfg.Nodes), n.cfg.MaxFaults, n.cfg.QuorumSize())
	}
	return nil
}

// Shutdown stops the node and releases the transport. Idempotent.
func (n *Node) Shutdown() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.cancel()
	n.verifier.Stop()
	n.wg.Wait()
	n.transport.Stop()
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// SubmitRequest queues a client operation for total ordering and returns
// its request ID. The commit is delivered asynchronously through the
// OnCommit callback; Byzantine conditions never surface here as errors.
func (n *Node) SubmitRequest(operation []byte) (string, error) {
	if !n.isRunning() {
		return "", ErrNotRunning
	}
	if len(operation) == 0 || !json.Valid(operation) {
		return "", ErrInvalidOperation
	}

	seq := atomic.AddUint64(&n.reqCounter, 1)
	req := &Request{
		ClientID:  n.cfg.NodeID,
		RequestID: fmt.Sprintf("%s-%d", n.cfg.NodeID, seq),
		Operation: operation,
		Timestamp: time.Now().UnixMilli(),
	}

	n.submitTimes.Store(req.Key(), time.Now())
	n.metrics.RequestsSubmitted.Inc()
	if err := n.queue.Add(req); err != nil {
		n.submitTimes.Delete(req.Key())
		return "", err
	}
	n.metrics.PendingRequests.Set(float64(n.queue.Len()))

	if n.IsPrimary() {
		n.drainProposals()
	} else {
		n.forwardToPrimary(req)
	}
	return req.RequestID, nil
}

// forwardToPrimary relays a client request to the current primary. The
// local queue keeps a copy so the request survives a view change.
func (n *Node) forwardToPrimary(req *Request) {
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	msg := &Message{Type: MsgRequest, View: n.views.CurrentView(), Payload: payload}
	if err := n.codec.Sign(msg); err != nil {
		return
	}
	n.sendTo(n.views.PrimaryID(), msg)
}

// drainProposals proposes queued requests while the window allows.
func (n *Node) drainProposals() {
	for {
		req := n.queue.Next()
		if req == nil {
			return
		}
		out, err := n.protocol.Propose(req)
		if err != nil {
			// Window exhausted or view changed underneath us; requeue
			// and let the next trigger retry.
			if addErr := n.queue.Add(req); addErr != nil && n.cfg.Debug {
				log.Printf("node %s: dropping request %s: %v", n.cfg.NodeID, req.Key(), addErr)
			}
			return
		}
		n.broadcastOut(out)
	}
}

// handleEnvelope is the transport callback: decode, then verify on the
// worker pool before the event loop sees the message.
func (n *Node) handleEnvelope(env *network.Envelope) {
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		n.metrics.ValidationFailures.WithLabelValues(env.Type).Inc()
		return
	}
	n.verifier.Submit(&msg)
}

// enqueue feeds a verified message into the event loop.
func (n *Node) enqueue(msg *Message) {
	select {
	case n.inbox <- msg:
	default:
		// Inbox full, drop. Retransmission or quorum slack covers it.
	}
}

func (n *Node) onRejected(msg *Message) {
	n.metrics.ValidationFailures.WithLabelValues(msg.Type.String()).Inc()
	if n.cfg.Debug {
		log.Printf("node %s: dropped %s from %s: bad signature", n.cfg.NodeID, msg.Type, msg.NodeID)
	}
}

func (n *Node) onDropped(t MessageType, reason string) {
	n.metrics.ValidationFailures.WithLabelValues(t.String()).Inc()
	if n.cfg.Debug {
		log.Printf("node %s: dropped %s: %s", n.cfg.NodeID, t, reason)
	}
}

func (n *Node) onDivergence(sequence uint64, digestVotes map[string]int) {
	n.metrics.DivergenceEvents.Inc()
	log.Printf("node %s: PROTOCOL DIVERGENCE at sequence %d: conflicting checkpoint digests %v — more than f nodes are faulty",
		n.cfg.NodeID, sequence, digestVotes)
}

// eventLoop is the single consumer of verified inbound messages. All
// slot, view and checkpoint mutation happens here or on the caller of
// SubmitRequest, serialized by the component locks.
func (n *Node) eventLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.inbox:
			n.dispatch(msg)
		}
	}
}

// dispatch matches the closed message-type union exhaustively.
func (n *Node) dispatch(msg *Message) {
	switch msg.Type {
	case MsgRequest:
		n.handleClientRequest(msg)
	case MsgPrePrepare:
		n.views.RecordActivity()
		n.broadcastOut(n.protocol.HandlePrePrepare(msg))
	case MsgPrepare:
		n.views.RecordActivity()
		n.broadcastOut(n.protocol.HandlePrepare(msg))
	case MsgCommit:
		n.views.RecordActivity()
		n.broadcastOut(n.protocol.HandleCommit(msg))
	case MsgReply:
		if n.cfg.Debug {
			log.Printf("node %s: reply from %s", n.cfg.NodeID, msg.NodeID)
		}
	case MsgViewChange:
		n.handleViewChange(msg)
	case MsgNewView:
		n.handleNewView(msg)
	case MsgCheckpoint:
		n.views.RecordActivity()
		n.handleCheckpoint(msg)
	default:
		n.onDropped(msg.Type, "unknown message type")
	}
}

func (n *Node) handleClientRequest(msg *Message) {
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		n.onDropped(msg.Type, "malformed request payload")
		return
	}
	if req.ClientID == "" || req.RequestID == "" {
		n.onDropped(msg.Type, "request missing identity")
		return
	}
	if err := n.queue.Add(&req); err != nil {
		return
	}
	n.metrics.PendingRequests.Set(float64(n.queue.Len()))
	if n.IsPrimary() {
		n.drainProposals()
	}
}

func (n *Node) handleCheckpoint(msg *Message) {
	if n.checkpoints.Record(msg.Sequence, msg.Digest, msg.NodeID) {
		n.metrics.StableCheckpoints.Inc()
		n.protocol.CompactTo(n.checkpoints.LowWatermark())
		// The raised watermark frees window space; propose anything that
		// was requeued on ErrWindowExhausted.
		if n.IsPrimary() {
			n.drainProposals()
		}
	}
}

// onExecuted fires once per executed slot, in sequence order.
func (n *Node) onExecuted(ev ExecutionEvent) {
	n.views.RecordActivity()
	n.queue.Remove(ev.Request.Key())
	n.metrics.PendingRequests.Set(float64(n.queue.Len()))
	n.metrics.PendingSlots.Set(float64(n.protocol.Stats().PendingSlots))

	if !ev.Request.IsNull() {
		n.metrics.RequestsCommitted.Inc()

		latencyMs := float64(0)
		if v, ok := n.submitTimes.LoadAndDelete(ev.Request.Key()); ok {
			latencyMs = float64(time.Since(v.(time.Time)).Microseconds()) / 1000.0
			n.latency.Observe(latencyMs)
			n.metrics.CommitLatency.Observe(latencyMs / 1000.0)
		}

		n.commitMu.RLock()
		cb := n.commitCb
		n.commitMu.RUnlock()
		if cb != nil {
			cb(CommitEvent{
				Sequence:  ev.Sequence,
				Request:   ev.Request,
				Result:    ev.Result,
				Err:       ev.Err,
				LatencyMs: latencyMs,
			})
		}

		if ev.Request.ClientID != n.cfg.NodeID {
			n.sendReply(ev)
		}
	}

	if n.cfg.CheckpointInterval > 0 && ev.Sequence%n.cfg.CheckpointInterval == 0 {
		n.proposeCheckpoint(ev.Sequence, ev.StateDigest)
	}
}

// sendReply notifies the node that forwarded the request.
func (n *Node) sendReply(ev ExecutionEvent) {
	payload, err := json.Marshal(ReplyPayload{
		ClientID:  ev.Request.ClientID,
		RequestID: ev.Request.RequestID,
		Result:    ev.Result,
	})
	if err != nil {
		return
	}
	msg := &Message{
		Type:     MsgReply,
		View:     n.views.CurrentView(),
		Sequence: ev.Sequence,
		Payload:  payload,
	}
	if err := n.codec.Sign(msg); err != nil {
		return
	}
	n.sendTo(ev.Request.ClientID, msg)
}

// proposeCheckpoint broadcasts this node's digest of locally executed
// state and records its own vote.
func (n *Node) proposeCheckpoint(sequence uint64, stateDigest string) {
	msg := &Message{
		Type:     MsgCheckpoint,
		View:     n.views.CurrentView(),
		Sequence: sequence,
		Digest:   stateDigest,
	}
	if err := n.codec.Sign(msg); err != nil {
		return
	}
	n.broadcastOut([]*Message{msg})
	n.handleCheckpoint(msg)
}

// timerLoop watches for primary silence and drives view changes.
func (n *Node) timerLoop() {
	defer n.wg.Done()
	interval := n.cfg.ViewChangeTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.metrics.PendingSlots.Set(float64(n.protocol.Stats().PendingSlots))
			if n.views.ShouldTriggerViewChange() {
				n.initiateViewChange(n.views.StartViewChange())
			} else if target, ok := n.views.EscalateViewChange(); ok {
				n.initiateViewChange(target)
			}
		}
	}
}

// broadcastOut signs nothing: messages arrive already signed by the
// protocol layer.
func (n *Node) broadcastOut(msgs []*Message) {
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := n.transport.Broadcast(msg.Type.String(), data); err != nil && n.cfg.Debug {
			log.Printf("node %s: broadcast %s failed: %v", n.cfg.NodeID, msg.Type, err)
		}
	}
}

func (n *Node) sendTo(nodeID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := n.transport.Send(nodeID, msg.Type.String(), data); err != nil && n.cfg.Debug {
		log.Printf("node %s: send %s to %s failed: %v", n.cfg.NodeID, msg.Type, nodeID, err)
	}
}

// GetMetrics returns the node's Prometheus metrics.
func (n *Node) GetMetrics() *api.Metrics {
	return n.metrics
}

// GetStats returns a read-only status snapshot.
func (n *Node) GetStats() NodeStats {
	return NodeStats{
		NodeID:          n.cfg.NodeID,
		View:            n.views.CurrentView(),
		Primary:         n.views.PrimaryID(),
		IsPrimary:       n.IsPrimary(),
		PendingRequests: n.queue.Len(),
		Protocol:        n.protocol.Stats(),
		Checkpoint:      n.checkpoints.Stats(),
		Latency:         n.latency.Stats(),
		Transport:       n.transport.Metrics(),
		VerifyAccepted:  n.verifier.Accepted(),
		VerifyRejected:  n.verifier.Rejected(),
	}
}
