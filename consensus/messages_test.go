package consensus

import (
	"encoding/json"
	"testing"
)

func TestMessageTypeString(t *testing.T) {
	cases := map[MessageType]string{
		MsgRequest:    "REQUEST",
		MsgPrePrepare: "PRE_PREPARE",
		MsgPrepare:    "PREPARE",
		MsgCommit:     "COMMIT",
		MsgReply:      "REPLY",
		MsgViewChange: "VIEW_CHANGE",
		MsgNewView:    "NEW_VIEW",
		MsgCheckpoint: "CHECKPOINT",
	}
	for mt, want := range cases {
		if got := mt.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
	if MessageType(99).String() != "UNKNOWN" {
		t.Error("Expected UNKNOWN for out-of-range type")
	}
}

func TestDigestRequestDeterministic(t *testing.T) {
	a := &Request{ClientID: "c1", RequestID: "r1", Operation: json.RawMessage(`{"k":"v"}`), Timestamp: 42}
	b := &Request{ClientID: "c1", RequestID: "r1", Operation: json.RawMessage(`{"k":"v"}`), Timestamp: 42}
	if DigestRequest(a) != DigestRequest(b) {
		t.Error("Equal requests produced different digests")
	}

	c := &Request{ClientID: "c1", RequestID: "r1", Operation: json.RawMessage(`{"k":"w"}`), Timestamp: 42}
	if DigestRequest(a) == DigestRequest(c) {
		t.Error("Different operations produced the same digest")
	}
}

func TestDigestRequestMalformedOperation(t *testing.T) {
	// A request whose operation is not valid JSON must still digest
	// deterministically rather than panic.
	a := &Request{ClientID: "c1", RequestID: "r1", Operation: json.RawMessage("not-json"), Timestamp: 42}
	b := &Request{ClientID: "c1", RequestID: "r1", Operation: json.RawMessage("not-json"), Timestamp: 42}
	if DigestRequest(a) == "" {
		t.Fatal("Expected a non-empty digest for a malformed operation")
	}
	if DigestRequest(a) != DigestRequest(b) {
		t.Error("Equal malformed requests produced different digests")
	}

	c := &Request{ClientID: "c1", RequestID: "r2", Operation: json.RawMessage("not-json"), Timestamp: 42}
	if DigestRequest(a) == DigestRequest(c) {
		t.Error("Different malformed requests produced the same digest")
	}
}

func TestRequestKey(t *testing.T) {
	r := &Request{ClientID: "client-1", RequestID: "req-7"}
	if r.Key() != "client-1/req-7" {
		t.Errorf("Expected client-1/req-7, got %s", r.Key())
	}
}

func TestNullRequest(t *testing.T) {
	r := NullRequest()
	if !r.IsNull() {
		t.Error("NullRequest should report IsNull")
	}
	op := &Request{Operation: json.RawMessage(`{"type":"SET"}`)}
	if op.IsNull() {
		t.Error("Request with an operation should not report IsNull")
	}
}

func TestSignVerify(t *testing.T) {
	registry := NewKeyRegistry()
	pk, sk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	registry.Register("node-0", pk)
	codec := NewCodec("node-0", sk, registry)

	msg := &Message{Type: MsgPrepare, View: 1, Sequence: 5, Digest: "abc"}
	if err := codec.Sign(msg); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if msg.NodeID != "node-0" {
		t.Errorf("Expected NodeID node-0, got %s", msg.NodeID)
	}
	if !codec.Verify(msg) {
		t.Error("Verify rejected a valid signature")
	}
}

func TestVerifyTamperedMessage(t *testing.T) {
	registry := NewKeyRegistry()
	pk, sk, _ := GenerateKeyPair()
	registry.Register("node-0", pk)
	codec := NewCodec("node-0", sk, registry)

	msg := &Message{Type: MsgCommit, View: 0, Sequence: 1, Digest: "abc"}
	_ = codec.Sign(msg)
	msg.Digest = "tampered"
	if codec.Verify(msg) {
		t.Error("Verify accepted a tampered message")
	}
}

func TestVerifyUnknownSender(t *testing.T) {
	registry := NewKeyRegistry()
	_, sk, _ := GenerateKeyPair()
	codec := NewCodec("node-0", sk, registry)

	msg := &Message{Type: MsgCommit, View: 0, Sequence: 1, Digest: "abc"}
	_ = codec.Sign(msg)
	if codec.Verify(msg) {
		t.Error("Verify accepted a message from an unregistered sender")
	}
}

func TestVerifyForgedIdentity(t *testing.T) {
	registry := NewKeyRegistry()
	pk0, _, _ := GenerateKeyPair()
	_, sk1, _ := GenerateKeyPair()
	registry.Register("node-0", pk0)

	// node-1 signs but claims to be node-0.
	forger := NewCodec("node-0", sk1, registry)
	msg := &Message{Type: MsgPrepare, View: 0, Sequence: 1, Digest: "abc"}
	_ = forger.Sign(msg)
	if forger.Verify(msg) {
		t.Error("Verify accepted a signature from the wrong key")
	}
}
