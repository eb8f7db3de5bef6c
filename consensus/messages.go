package consensus

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the eight protocol message kinds. The set is
// closed: every inbound message is dispatched through an exhaustive
// switch so an unhandled kind cannot be silently ignored.
type MessageType int

const (
	MsgRequest MessageType = iota
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgReply
	MsgViewChange
	MsgNewView
	MsgCheckpoint
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgPrePrepare:
		return "PRE_PREPARE"
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgReply:
		return "REPLY"
	case MsgViewChange:
		return "VIEW_CHANGE"
	case MsgNewView:
		return "NEW_VIEW"
	case MsgCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Message is the wire shape shared by all protocol messages. Sequence,
// Digest and Payload are meaningful per type; unused fields stay zero.
type Message struct {
	Type      MessageType     `json:"type"`
	View      uint64          `json:"view"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Digest    string          `json:"digest,omitempty"`
	NodeID    string          `json:"node_id"`
	Signature []byte          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Request is a client operation to be totally ordered. It is uniquely
// identified by (ClientID, RequestID) and immutable once signed.
type Request struct {
	ClientID  string          `json:"client_id"`
	RequestID string          `json:"request_id"`
	Operation json.RawMessage `json:"operation,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Key returns the deduplication key for the request.
func (r *Request) Key() string {
	return r.ClientID + "/" + r.RequestID
}

// IsNull reports whether the request is a no-op filler assigned to a
// sequence number during view-change recovery.
func (r *Request) IsNull() bool {
	return len(r.Operation) == 0
}

// NullRequest builds the no-op request proposed for sequence gaps when a
// new primary reconstructs the log after a view change.
func NullRequest() *Request {
	return &Request{
		ClientID:  "",
		RequestID: "null",
		Timestamp: time.Now().UnixMilli(),
	}
}

// PreparedCertificate proves that a digest was safe to commit at a given
// (view, sequence): the primary's PRE_PREPARE plus enough PREPARE votes
// to form a quorum. It is carried inside VIEW_CHANGE messages so prepared
// work survives the view boundary.
type PreparedCertificate struct {
	View     uint64    `json:"view"`
	Sequence uint64    `json:"sequence"`
	Digest   string    `json:"digest"`
	Request  *Request  `json:"request"`
	Prepares []Message `json:"prepares"`
}

// ViewChangePayload is the payload of a VIEW_CHANGE message.
type ViewChangePayload struct {
	NewView        uint64                `json:"new_view"`
	LastStableSeq  uint64                `json:"last_stable_seq"`
	PreparedProofs []PreparedCertificate `json:"prepared_proofs,omitempty"`
}

// NewViewPayload is the payload of a NEW_VIEW message: the quorum of
// VIEW_CHANGE messages justifying the new view plus the PRE_PREPAREs the
// new primary re-issues for carried-over sequence numbers.
type NewViewPayload struct {
	ViewChanges []Message `json:"view_changes"`
	PrePrepares []Message `json:"pre_prepares,omitempty"`
}

// ReplyPayload is the payload of a REPLY message sent back to the node
// that forwarded a client request.
type ReplyPayload struct {
	ClientID  string          `json:"client_id"`
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
}
