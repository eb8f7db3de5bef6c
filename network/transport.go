package network

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors for transport operations.
var (
	ErrNotRunning   = errors.New("transport is not running")
	ErrPeerNotFound = errors.New("peer not found")
	ErrSendFailed   = errors.New("failed to send message")
)

// Envelope is the frame carried between nodes. Payload is the signed
// consensus message; the transport never inspects it.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce,omitempty"`
}

// Handler is a callback for one inbound message type.
type Handler func(env *Envelope)

// Metrics is a read-only snapshot of transport activity.
type Metrics struct {
	MessagesSent        int64   `json:"messages_sent"`
	MessagesReceived    int64   `json:"messages_received"`
	SendFailures        int64   `json:"send_failures"`
	DeliverySuccessRate float64 `json:"delivery_success_rate"`
	BroadcastLatencyMs  float64 `json:"broadcast_latency_ms"`
}

// Transport delivers signed messages between nodes. Sends are best
// effort: failures are reflected in the metrics, never fatal to the
// consensus state machine.
type Transport interface {
	Start() error
	Stop()

	// LocalID returns the node ID this transport serves.
	LocalID() string

	// Broadcast sends to every other node.
	Broadcast(msgType string, payload []byte) error

	// Send delivers to one node.
	Send(nodeID, msgType string, payload []byte) error

	// OnMessage registers the inbound handler for one message type.
	OnMessage(msgType string, h Handler)

	// Receive feeds an inbound envelope into the handler table; the
	// test/simulation entry point.
	Receive(env *Envelope)

	// Metrics returns transport counters.
	Metrics() Metrics
}

// counters aggregates transport activity with atomic updates.
type counters struct {
	sent           int64
	received       int64
	failures       int64
	broadcasts     int64
	broadcastNanos int64
}

func (c *counters) snapshot() Metrics {
	sent := atomic.LoadInt64(&c.sent)
	failures := atomic.LoadInt64(&c.failures)
	m := Metrics{
		MessagesSent:     sent,
		MessagesReceived: atomic.LoadInt64(&c.received),
		SendFailures:     failures,
	}
	if attempts := sent + failures; attempts > 0 {
		m.DeliverySuccessRate = float64(sent) / float64(attempts)
	} else {
		m.DeliverySuccessRate = 1.0
	}
	if n := atomic.LoadInt64(&c.broadcasts); n > 0 {
		m.BroadcastLatencyMs = float64(atomic.LoadInt64(&c.broadcastNanos)) / float64(n) / 1e6
	}
	return m
}

// handlerTable is the per-type handler registry shared by transports.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string]Handler)}
}

func (t *handlerTable) set(msgType string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = h
}

func (t *handlerTable) get(msgType string) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[msgType]
}
