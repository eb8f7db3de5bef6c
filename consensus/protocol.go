package consensus

import (
	"encoding/json"
	"sort"
	"sync"
)

// SlotPhase tracks how far a sequence number has progressed through the
// three-phase protocol. Transitions are monotone.
type SlotPhase int

const (
	PhaseIdle SlotPhase = iota
	PhaseProposed
	PhasePrepared
	PhaseCommitted
)

func (p SlotPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProposed:
		return "proposed"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// slot is the per-sequence agreement record. Vote sets are keyed by node
// ID, so duplicate delivery cannot double-count toward a quorum.
type slot struct {
	view     uint64
	sequence uint64
	digest   string
	request  *Request

	// prepares holds the backups' PREPARE votes plus the primary's
	// PRE_PREPARE, which counts as its implicit prepare.
	prepares map[string]Message
	commits  map[string]string

	phase       SlotPhase
	prepareSent bool
	executed    bool
}

// Executor applies a committed operation to the application state
// machine. Honest nodes must execute deterministically.
type Executor interface {
	Execute(op json.RawMessage) (json.RawMessage, error)
}

// EchoExecutor is the default executor: the result is the operation
// itself.
type EchoExecutor struct{}

// Execute returns the operation unchanged.
func (EchoExecutor) Execute(op json.RawMessage) (json.RawMessage, error) {
	return op, nil
}

// ExecutionEvent describes one committed and executed slot, delivered to
// the node in strictly increasing sequence order.
type ExecutionEvent struct {
	Sequence    uint64
	Request     *Request
	Result      json.RawMessage
	Err         error
	StateDigest string
}

// DropFunc observes inbound messages discarded by validation rules.
type DropFunc func(t MessageType, reason string)

// ProtocolStats is a read-only snapshot of protocol progress.
type ProtocolStats struct {
	PendingSlots int    `json:"pending_slots"`
	LastExecuted uint64 `json:"last_executed"`
	NextSequence uint64 `json:"next_sequence"`
	StateDigest  string `json:"state_digest"`
}

// Protocol is the three-phase agreement state machine, one slot per
// sequence number. Handlers return the signed messages to broadcast in
// response; invalid input is dropped, never an error. A single mutex
// makes every (view, sequence) mutation a critical section.
type Protocol struct {
	mu sync.Mutex

	codec       *Codec
	views       *ViewManager
	checkpoints *CheckpointManager

	quorum int
	window uint64

	slots        map[uint64]*slot
	nextSequence uint64
	lastExecuted uint64
	stateDigest  string

	executor Executor

	pendingExec []ExecutionEvent
	onExecuted  func(ExecutionEvent)
	onDrop      DropFunc
}

// NewProtocol wires the agreement state machine to its collaborators.
// onExecuted fires once per slot, in sequence order; onDrop observes
// validation failures. Either callback may be nil.
func NewProtocol(codec *Codec, views *ViewManager, checkpoints *CheckpointManager,
	window uint64, executor Executor, onExecuted func(ExecutionEvent), onDrop DropFunc) *Protocol {
	if executor == nil {
		executor = EchoExecutor{}
	}
	return &Protocol{
		codec:       codec,
		views:       views,
		checkpoints: checkpoints,
		quorum:      views.QuorumSize(),
		window:      window,
		slots:       make(map[uint64]*slot),
		executor:    executor,
		onExecuted:  onExecuted,
		onDrop:      onDrop,
	}
}

func (p *Protocol) drop(t MessageType, reason string) {
	if p.onDrop != nil {
		p.onDrop(t, reason)
	}
}

func (p *Protocol) ensureSlot(seq uint64) *slot {
	s, ok := p.slots[seq]
	if !ok {
		s = &slot{
			sequence: seq,
			prepares: make(map[string]Message),
			commits:  make(map[string]string),
		}
		p.slots[seq] = s
	}
	return s
}

// inWindow checks the watermark window invariant: only sequence numbers
// in (low, low+window] are accepted.
func (p *Protocol) inWindow(seq uint64) bool {
	low := p.checkpoints.LowWatermark()
	return seq > low && seq <= low+p.window
}

// Propose assigns the next sequence number to a request and builds the
// signed PRE_PREPARE. Only the current primary may propose. Returned
// messages (the PRE_PREPARE, plus a COMMIT in the degenerate f=0 case)
// must be broadcast by the caller.
func (p *Protocol) Propose(req *Request) ([]*Message, error) {
	if !p.views.IsPrimary(p.codec.NodeID()) {
		return nil, ErrNotPrimary
	}
	if p.views.InViewChange() {
		return nil, ErrViewChangeInProgress
	}

	p.mu.Lock()

	low := p.checkpoints.LowWatermark()
	if p.nextSequence < low {
		p.nextSequence = low
	}
	seq := p.nextSequence + 1
	if seq > low+p.window {
		p.mu.Unlock()
		return nil, ErrWindowExhausted
	}

	digest := DigestRequest(req)
	pp := &Message{
		Type:     MsgPrePrepare,
		View:     p.views.CurrentView(),
		Sequence: seq,
		Digest:   digest,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	pp.Payload = payload
	if err := p.codec.Sign(pp); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	s := p.ensureSlot(seq)
	s.view = pp.View
	s.digest = digest
	s.request = req
	if s.phase < PhaseProposed {
		s.phase = PhaseProposed
	}
	s.prepares[p.codec.NodeID()] = *pp
	p.nextSequence = seq

	out := []*Message{pp}
	out = append(out, p.maybePreparedLocked(s)...)
	execs := p.takeExecutionsLocked()
	p.mu.Unlock()

	p.fireExecutions(execs)
	return out, nil
}

// HandlePrePrepare validates a primary proposal and binds the digest to
// the slot. The first digest bound to a (view, sequence) is
// authoritative; conflicting proposals from a Byzantine primary are
// rejected. Returns the signed PREPARE to broadcast, or nil.
func (p *Protocol) HandlePrePrepare(msg *Message) []*Message {
	if p.views.InViewChange() {
		p.drop(msg.Type, "view change in progress")
		return nil
	}
	if msg.View != p.views.CurrentView() {
		p.drop(msg.Type, "view mismatch")
		return nil
	}
	if msg.NodeID != p.views.PrimaryForView(msg.View) {
		p.drop(msg.Type, "pre-prepare not from primary")
		return nil
	}

	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		p.drop(msg.Type, "malformed request payload")
		return nil
	}
	if DigestRequest(&req) != msg.Digest {
		p.drop(msg.Type, "digest mismatch")
		return nil
	}

	p.mu.Lock()
	if !p.inWindow(msg.Sequence) {
		p.mu.Unlock()
		p.drop(msg.Type, "sequence outside watermark window")
		return nil
	}
	s := p.ensureSlot(msg.Sequence)
	if s.digest != "" && s.digest != msg.Digest {
		p.mu.Unlock()
		p.drop(msg.Type, "conflicting digest for bound slot")
		return nil
	}

	s.view = msg.View
	s.digest = msg.Digest
	s.request = &req
	if s.phase < PhaseProposed {
		s.phase = PhaseProposed
	}
	s.prepares[msg.NodeID] = *msg

	var out []*Message
	self := p.codec.NodeID()
	if self != msg.NodeID && !s.prepareSent {
		pr := &Message{
			Type:     MsgPrepare,
			View:     msg.View,
			Sequence: msg.Sequence,
			Digest:   msg.Digest,
		}
		if err := p.codec.Sign(pr); err == nil {
			s.prepares[self] = *pr
			s.prepareSent = true
			out = append(out, pr)
		}
	}

	out = append(out, p.maybePreparedLocked(s)...)
	execs := p.takeExecutionsLocked()
	p.mu.Unlock()

	p.fireExecutions(execs)
	return out
}

// HandlePrepare adds a backup's prepare vote. When 2f+1 votes (the
// primary's implicit one included) agree on the bound digest the slot
// becomes prepared and the signed COMMIT to broadcast is returned, once.
func (p *Protocol) HandlePrepare(msg *Message) []*Message {
	if msg.View != p.views.CurrentView() {
		p.drop(msg.Type, "view mismatch")
		return nil
	}
	if msg.NodeID == p.views.PrimaryForView(msg.View) {
		p.drop(msg.Type, "primary does not vote prepare")
		return nil
	}

	p.mu.Lock()
	if !p.inWindow(msg.Sequence) {
		p.mu.Unlock()
		p.drop(msg.Type, "sequence outside watermark window")
		return nil
	}
	s := p.ensureSlot(msg.Sequence)
	if _, dup := s.prepares[msg.NodeID]; dup {
		p.mu.Unlock()
		return nil
	}
	if s.digest != "" && msg.Digest != s.digest {
		p.mu.Unlock()
		p.drop(msg.Type, "prepare digest does not match bound slot")
		return nil
	}
	s.prepares[msg.NodeID] = *msg

	out := p.maybePreparedLocked(s)
	execs := p.takeExecutionsLocked()
	p.mu.Unlock()

	p.fireExecutions(execs)
	return out
}

// HandleCommit adds a commit vote. At 2f+1 matching commits on a
// prepared slot the slot commits, and every committed slot whose
// predecessors have executed is executed in sequence order.
func (p *Protocol) HandleCommit(msg *Message) []*Message {
	if msg.View != p.views.CurrentView() {
		p.drop(msg.Type, "view mismatch")
		return nil
	}

	p.mu.Lock()
	if !p.inWindow(msg.Sequence) {
		p.mu.Unlock()
		p.drop(msg.Type, "sequence outside watermark window")
		return nil
	}
	s := p.ensureSlot(msg.Sequence)
	if _, dup := s.commits[msg.NodeID]; dup {
		p.mu.Unlock()
		return nil
	}
	if s.digest != "" && msg.Digest != s.digest {
		p.mu.Unlock()
		p.drop(msg.Type, "commit digest does not match bound slot")
		return nil
	}
	s.commits[msg.NodeID] = msg.Digest

	p.maybeCommittedLocked(s)
	execs := p.takeExecutionsLocked()
	p.mu.Unlock()

	p.fireExecutions(execs)
	return nil
}

// maybePreparedLocked transitions the slot to prepared once a quorum of
// matching prepare votes exists, emitting this node's COMMIT exactly
// once. Re-entrant calls after the transition are no-ops.
func (p *Protocol) maybePreparedLocked(s *slot) []*Message {
	if s.phase >= PhasePrepared || s.digest == "" {
		return nil
	}
	matching := 0
	for _, v := range s.prepares {
		if v.Digest == s.digest {
			matching++
		}
	}
	if matching < p.quorum {
		return nil
	}
	s.phase = PhasePrepared

	c := &Message{
		Type:     MsgCommit,
		View:     s.view,
		Sequence: s.sequence,
		Digest:   s.digest,
	}
	if err := p.codec.Sign(c); err != nil {
		return nil
	}
	s.commits[p.codec.NodeID()] = s.digest

	out := []*Message{c}
	p.maybeCommittedLocked(s)
	return out
}

func (p *Protocol) maybeCommittedLocked(s *slot) {
	if s.phase != PhasePrepared {
		return
	}
	matching := 0
	for _, d := range s.commits {
		if d == s.digest {
			matching++
		}
	}
	if matching < p.quorum {
		return
	}
	s.phase = PhaseCommitted
	p.executeReadyLocked()
}

// executeReadyLocked runs committed slots in strictly increasing
// sequence order. A committed slot waits until its predecessor has
// executed. Execution events are buffered and fired outside the lock.
func (p *Protocol) executeReadyLocked() {
	for {
		s, ok := p.slots[p.lastExecuted+1]
		if !ok || s.phase < PhaseCommitted || s.executed {
			return
		}
		ev := ExecutionEvent{Sequence: s.sequence, Request: s.request}
		if !s.request.IsNull() {
			ev.Result, ev.Err = p.executor.Execute(s.request.Operation)
		}
		p.stateDigest = DigestBytes([]byte(p.stateDigest + s.digest))
		ev.StateDigest = p.stateDigest
		s.executed = true
		p.lastExecuted++
		p.pendingExec = append(p.pendingExec, ev)
	}
}

func (p *Protocol) takeExecutionsLocked() []ExecutionEvent {
	execs := p.pendingExec
	p.pendingExec = nil
	return execs
}

func (p *Protocol) fireExecutions(execs []ExecutionEvent) {
	if p.onExecuted == nil {
		return
	}
	for _, ev := range execs {
		p.onExecuted(ev)
	}
}

// CompactTo garbage-collects executed slots at or below the stable
// checkpoint. Unexecuted slots are kept even below the watermark so a
// lagging node can still catch up from its own log.
func (p *Protocol) CompactTo(low uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for seq, s := range p.slots {
		if seq <= low && s.executed {
			delete(p.slots, seq)
		}
	}
	if p.nextSequence < low {
		p.nextSequence = low
	}
}

// PreparedCertificates collects proof of every prepared-but-unexecuted
// slot, the input to view-change recovery.
func (p *Protocol) PreparedCertificates() []PreparedCertificate {
	p.mu.Lock()
	defer p.mu.Unlock()

	seqs := make([]uint64, 0, len(p.slots))
	for seq, s := range p.slots {
		if s.phase >= PhasePrepared && !s.executed {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	certs := make([]PreparedCertificate, 0, len(seqs))
	for _, seq := range seqs {
		s := p.slots[seq]
		cert := PreparedCertificate{
			View:     s.view,
			Sequence: s.sequence,
			Digest:   s.digest,
			Request:  s.request,
		}
		for _, v := range s.prepares {
			if v.Digest == s.digest {
				cert.Prepares = append(cert.Prepares, v)
			}
		}
		certs = append(certs, cert)
	}
	return certs
}

// ResetForView discards unexecuted slots when entering a new view and
// returns their requests so the caller can queue them for re-proposal.
// Their sequence numbers are re-agreed under the new primary, either
// from carried-over prepared certificates or as fresh proposals.
func (p *Protocol) ResetForView() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var orphaned []*Request
	for seq, s := range p.slots {
		if !s.executed {
			if s.request != nil && !s.request.IsNull() {
				orphaned = append(orphaned, s.request)
			}
			delete(p.slots, seq)
		}
	}
	p.nextSequence = p.lastExecuted
	return orphaned
}

// SetNextSequence fast-forwards the proposal cursor; the new primary
// calls this after re-issuing carried-over sequence numbers.
func (p *Protocol) SetNextSequence(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.nextSequence {
		p.nextSequence = seq
	}
}

// LastExecuted returns the highest executed sequence number.
func (p *Protocol) LastExecuted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExecuted
}

// StateDigest returns the running digest of the executed state.
func (p *Protocol) StateDigest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateDigest
}

// Stats returns a snapshot of protocol progress.
func (p *Protocol) Stats() ProtocolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProtocolStats{
		PendingSlots: len(p.slots),
		LastExecuted: p.lastExecuted,
		NextSequence: p.nextSequence,
		StateDigest:  p.stateDigest,
	}
}
