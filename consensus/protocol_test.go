package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// protoHarness wires four Protocol instances over a shared key registry
// and relays their outbound messages in memory.
type protoHarness struct {
	ids      []string
	protos   map[string]*Protocol
	views    map[string]*ViewManager
	executed map[string][]ExecutionEvent
	dropped  map[string]int
}

func newProtoHarness(t *testing.T) *protoHarness {
	t.Helper()
	h := &protoHarness{
		ids:      []string{"node-0", "node-1", "node-2", "node-3"},
		protos:   make(map[string]*Protocol),
		views:    make(map[string]*ViewManager),
		executed: make(map[string][]ExecutionEvent),
		dropped:  make(map[string]int),
	}
	registry := NewKeyRegistry()
	codecs := make(map[string]*Codec)
	for _, id := range h.ids {
		pk, sk, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair failed: %v", err)
		}
		registry.Register(id, pk)
		codecs[id] = NewCodec(id, sk, registry)
	}
	for _, id := range h.ids {
		id := id
		views := NewViewManager(h.ids, 3, time.Minute)
		checks := NewCheckpointManager(1, nil)
		h.views[id] = views
		h.protos[id] = NewProtocol(codecs[id], views, checks, 200, nil,
			func(ev ExecutionEvent) { h.executed[id] = append(h.executed[id], ev) },
			func(mt MessageType, reason string) { h.dropped[id]++ })
	}
	return h
}

// deliver relays msgs from one node to every other node, recursively
// delivering whatever the handlers emit in response.
func (h *protoHarness) deliver(from string, msgs []*Message) {
	for _, msg := range msgs {
		for _, id := range h.ids {
			if id == from {
				continue
			}
			var out []*Message
			switch msg.Type {
			case MsgPrePrepare:
				out = h.protos[id].HandlePrePrepare(msg)
			case MsgPrepare:
				out = h.protos[id].HandlePrepare(msg)
			case MsgCommit:
				out = h.protos[id].HandleCommit(msg)
			}
			h.deliver(id, out)
		}
	}
}

func testRequest(id string) *Request {
	return &Request{
		ClientID:  "client-1",
		RequestID: id,
		Operation: json.RawMessage(fmt.Sprintf(`{"op":%q}`, id)),
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestThreePhaseCommit(t *testing.T) {
	h := newProtoHarness(t)

	out, err := h.protos["node-0"].Propose(testRequest("req-1"))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(out) == 0 || out[0].Type != MsgPrePrepare {
		t.Fatalf("Expected a PRE_PREPARE from Propose, got %v", out)
	}
	h.deliver("node-0", out)

	digest := ""
	for _, id := range h.ids {
		events := h.executed[id]
		if len(events) != 1 {
			t.Fatalf("%s: expected 1 execution, got %d", id, len(events))
		}
		if events[0].Sequence != 1 {
			t.Errorf("%s: expected sequence 1, got %d", id, events[0].Sequence)
		}
		if digest == "" {
			digest = events[0].StateDigest
		} else if events[0].StateDigest != digest {
			t.Errorf("%s: state digest diverged", id)
		}
		if h.protos[id].LastExecuted() != 1 {
			t.Errorf("%s: expected last executed 1, got %d", id, h.protos[id].LastExecuted())
		}
	}
}

func TestSequentialProposalsExecuteInOrder(t *testing.T) {
	h := newProtoHarness(t)
	for i := 1; i <= 3; i++ {
		out, err := h.protos["node-0"].Propose(testRequest(fmt.Sprintf("req-%d", i)))
		if err != nil {
			t.Fatalf("Propose %d failed: %v", i, err)
		}
		h.deliver("node-0", out)
	}
	for _, id := range h.ids {
		events := h.executed[id]
		if len(events) != 3 {
			t.Fatalf("%s: expected 3 executions, got %d", id, len(events))
		}
		for i, ev := range events {
			if ev.Sequence != uint64(i+1) {
				t.Errorf("%s: execution %d has sequence %d", id, i, ev.Sequence)
			}
		}
	}
}

func TestCommittedOutOfOrderWaitsForPredecessor(t *testing.T) {
	h := newProtoHarness(t)
	primary := h.protos["node-0"]

	pp1, err := primary.Propose(testRequest("req-1"))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	pp2, err := primary.Propose(testRequest("req-2"))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	// Drive sequence 2 to commit on node-1 while withholding sequence 1.
	target := h.protos["node-1"]
	prep1 := target.HandlePrePrepare(pp2[0])
	prep2 := h.protos["node-2"].HandlePrePrepare(pp2[0])
	prep3 := h.protos["node-3"].HandlePrePrepare(pp2[0])

	var commits []*Message
	commits = append(commits, target.HandlePrepare(prep2[0])...)
	commits = append(commits, target.HandlePrepare(prep3[0])...)
	if len(commits) != 1 {
		t.Fatalf("Expected node-1 to emit one COMMIT for seq 2, got %d", len(commits))
	}

	// node-2 and node-3 reach their own commit quorum on seq 2.
	c2 := h.protos["node-2"].HandlePrepare(prep1[0])
	h.protos["node-2"].HandlePrepare(prep3[0])
	c3 := h.protos["node-3"].HandlePrepare(prep1[0])
	h.protos["node-3"].HandlePrepare(prep2[0])

	target.HandleCommit(c2[0])
	target.HandleCommit(c3[0])

	if got := target.LastExecuted(); got != 0 {
		t.Fatalf("Sequence 2 must not execute before sequence 1, last executed %d", got)
	}

	// Now let sequence 1 through; both execute in order.
	h.deliver("node-0", pp1)
	if got := target.LastExecuted(); got != 2 {
		t.Errorf("Expected last executed 2, got %d", got)
	}
	events := h.executed["node-1"]
	if len(events) != 2 || events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Errorf("Expected in-order execution of 1 then 2, got %+v", events)
	}
}

func TestProposeNotPrimary(t *testing.T) {
	h := newProtoHarness(t)
	_, err := h.protos["node-1"].Propose(testRequest("req-1"))
	if !errors.Is(err, ErrNotPrimary) {
		t.Errorf("Expected ErrNotPrimary, got %v", err)
	}
}

func TestProposeDuringViewChange(t *testing.T) {
	h := newProtoHarness(t)
	h.views["node-0"].StartViewChange()
	_, err := h.protos["node-0"].Propose(testRequest("req-1"))
	if !errors.Is(err, ErrViewChangeInProgress) {
		t.Errorf("Expected ErrViewChangeInProgress, got %v", err)
	}
}

func TestProposeWindowExhausted(t *testing.T) {
	registry := NewKeyRegistry()
	pk, sk, _ := GenerateKeyPair()
	registry.Register("node-0", pk)
	codec := NewCodec("node-0", sk, registry)
	views := NewViewManager([]string{"node-0"}, 1, time.Minute)
	p := NewProtocol(codec, views, NewCheckpointManager(0, nil), 2, nil, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := p.Propose(testRequest(fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatalf("Propose %d failed: %v", i, err)
		}
	}
	_, err := p.Propose(testRequest("req-overflow"))
	if !errors.Is(err, ErrWindowExhausted) {
		t.Errorf("Expected ErrWindowExhausted, got %v", err)
	}
}

func TestConflictingPrePrepareRejected(t *testing.T) {
	h := newProtoHarness(t)
	primary := h.protos["node-0"]

	pp, err := primary.Propose(testRequest("req-1"))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	backup := h.protos["node-1"]
	if out := backup.HandlePrePrepare(pp[0]); len(out) == 0 {
		t.Fatal("Expected a PREPARE for the first proposal")
	}

	// A Byzantine primary equivocates: same view and sequence, different
	// request. The slot keeps its first binding.
	conflict := &Request{ClientID: "client-1", RequestID: "req-evil",
		Operation: json.RawMessage(`{"op":"evil"}`), Timestamp: 1}
	payload, _ := json.Marshal(conflict)
	evil := &Message{
		Type:     MsgPrePrepare,
		View:     pp[0].View,
		Sequence: pp[0].Sequence,
		Digest:   DigestRequest(conflict),
		Payload:  payload,
	}
	evil.NodeID = "node-0"

	before := h.dropped["node-1"]
	if out := backup.HandlePrePrepare(evil); out != nil {
		t.Error("Conflicting pre-prepare must not produce a PREPARE")
	}
	if h.dropped["node-1"] != before+1 {
		t.Error("Conflicting pre-prepare should be counted as dropped")
	}
}

func TestPrePrepareDigestMismatchRejected(t *testing.T) {
	h := newProtoHarness(t)
	req := testRequest("req-1")
	payload, _ := json.Marshal(req)
	msg := &Message{
		Type:     MsgPrePrepare,
		View:     0,
		Sequence: 1,
		Digest:   "not-the-digest",
		NodeID:   "node-0",
		Payload:  payload,
	}
	if out := h.protos["node-1"].HandlePrePrepare(msg); out != nil {
		t.Error("Pre-prepare with a wrong digest must be rejected")
	}
}

func TestPrePrepareNotFromPrimaryRejected(t *testing.T) {
	h := newProtoHarness(t)
	req := testRequest("req-1")
	payload, _ := json.Marshal(req)
	msg := &Message{
		Type:     MsgPrePrepare,
		View:     0,
		Sequence: 1,
		Digest:   DigestRequest(req),
		NodeID:   "node-2",
		Payload:  payload,
	}
	if out := h.protos["node-1"].HandlePrePrepare(msg); out != nil {
		t.Error("Pre-prepare from a non-primary must be rejected")
	}
}

func TestDuplicatePrepareIgnored(t *testing.T) {
	h := newProtoHarness(t)
	pp, _ := h.protos["node-0"].Propose(testRequest("req-1"))

	backup := h.protos["node-1"]
	backup.HandlePrePrepare(pp[0])
	prep := h.protos["node-2"].HandlePrePrepare(pp[0])

	first := backup.HandlePrepare(prep[0])
	if len(first) != 1 {
		t.Fatalf("Expected the quorum-completing prepare to emit a COMMIT, got %d messages", len(first))
	}
	second := backup.HandlePrepare(prep[0])
	if second != nil {
		t.Error("A duplicate prepare vote must not emit anything")
	}
}

func TestPrepareFromPrimaryRejected(t *testing.T) {
	h := newProtoHarness(t)
	msg := &Message{Type: MsgPrepare, View: 0, Sequence: 1, Digest: "d", NodeID: "node-0"}
	before := h.dropped["node-1"]
	if out := h.protos["node-1"].HandlePrepare(msg); out != nil {
		t.Error("A prepare claiming to be from the primary must be rejected")
	}
	if h.dropped["node-1"] != before+1 {
		t.Error("Expected the prepare to be counted as dropped")
	}
}

func TestPrepareWrongViewRejected(t *testing.T) {
	h := newProtoHarness(t)
	msg := &Message{Type: MsgPrepare, View: 5, Sequence: 1, Digest: "d", NodeID: "node-2"}
	if out := h.protos["node-1"].HandlePrepare(msg); out != nil {
		t.Error("A prepare for a different view must be rejected")
	}
}

func TestCommitRequiresPreparedSlot(t *testing.T) {
	h := newProtoHarness(t)
	backup := h.protos["node-1"]
	for _, from := range []string{"node-0", "node-2", "node-3"} {
		msg := &Message{Type: MsgCommit, View: 0, Sequence: 1, Digest: "d", NodeID: from}
		backup.HandleCommit(msg)
	}
	if backup.LastExecuted() != 0 {
		t.Error("Commits without a prepared slot must not execute")
	}
}

func TestPreparedCertificates(t *testing.T) {
	h := newProtoHarness(t)
	pp, _ := h.protos["node-0"].Propose(testRequest("req-1"))

	// Drive node-1 to prepared, but withhold the commit quorum.
	backup := h.protos["node-1"]
	backup.HandlePrePrepare(pp[0])
	prep := h.protos["node-2"].HandlePrePrepare(pp[0])
	backup.HandlePrepare(prep[0])

	certs := backup.PreparedCertificates()
	if len(certs) != 1 {
		t.Fatalf("Expected 1 prepared certificate, got %d", len(certs))
	}
	cert := certs[0]
	if cert.Sequence != 1 || cert.Digest != pp[0].Digest {
		t.Errorf("Certificate does not match the slot: %+v", cert)
	}
	if len(cert.Prepares) < 3 {
		t.Errorf("Expected a quorum of prepares in the certificate, got %d", len(cert.Prepares))
	}
	if cert.Request == nil || cert.Request.RequestID != "req-1" {
		t.Error("Certificate must carry the slot's request")
	}
}

func TestResetForViewReturnsOrphans(t *testing.T) {
	h := newProtoHarness(t)
	primary := h.protos["node-0"]
	if _, err := primary.Propose(testRequest("req-1")); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	orphans := primary.ResetForView()
	if len(orphans) != 1 || orphans[0].RequestID != "req-1" {
		t.Fatalf("Expected the unexecuted request back, got %+v", orphans)
	}
	if primary.Stats().PendingSlots != 0 {
		t.Error("Expected unexecuted slots discarded on reset")
	}
}

func TestCompactToKeepsUnexecutedSlots(t *testing.T) {
	h := newProtoHarness(t)
	primary := h.protos["node-0"]

	out, _ := primary.Propose(testRequest("req-1"))
	h.deliver("node-0", out)
	if _, err := primary.Propose(testRequest("req-2")); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	primary.CompactTo(2)
	stats := primary.Stats()
	if stats.PendingSlots != 1 {
		t.Errorf("Expected the executed slot evicted and the pending one kept, got %d slots", stats.PendingSlots)
	}
	if stats.LastExecuted != 1 {
		t.Errorf("Expected last executed 1, got %d", stats.LastExecuted)
	}
}
