package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// InprocBus connects any number of InprocTransports inside one process.
// It supports partitioning individual nodes, which is how tests make a
// primary fall silent without tearing its node down.
type InprocBus struct {
	mu          sync.RWMutex
	nodes       map[string]*InprocTransport
	partitioned map[string]bool
}

// NewInprocBus creates an empty bus.
func NewInprocBus() *InprocBus {
	return &InprocBus{
		nodes:       make(map[string]*InprocTransport),
		partitioned: make(map[string]bool),
	}
}

// Join attaches a node to the bus and returns its transport.
func (b *InprocBus) Join(nodeID string) *InprocTransport {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	tr := &InprocTransport{
		bus:      b,
		nodeID:   nodeID,
		inbox:    make(chan *Envelope, 1024),
		handlers: newHandlerTable(),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.nodes[nodeID] = tr
	return tr
}

// Partition isolates or reconnects a node. While partitioned, nothing is
// delivered to or from it.
func (b *InprocBus) Partition(nodeID string, isolated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitioned[nodeID] = isolated
}

// deliver routes an envelope to one node, honoring partitions.
func (b *InprocBus) deliver(from, to string, env *Envelope) bool {
	b.mu.RLock()
	target, ok := b.nodes[to]
	cut := b.partitioned[from] || b.partitioned[to]
	b.mu.RUnlock()

	if !ok || cut {
		return false
	}
	select {
	case target.inbox <- env:
		return true
	default:
		// Inbox full, drop. PBFT tolerates lost votes.
		return false
	}
}

// peersOf lists every other node currently on the bus.
func (b *InprocBus) peersOf(nodeID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peers := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		if id != nodeID {
			peers = append(peers, id)
		}
	}
	return peers
}

// InprocTransport is the in-process Transport implementation. Inbound
// envelopes flow through a buffered channel and a single pump goroutine,
// preserving the one-consumer delivery model of the real transport.
type InprocTransport struct {
	bus      *InprocBus
	nodeID   string
	inbox    chan *Envelope
	handlers *handlerTable
	stats    counters

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	nonce   uint64
}

// LocalID returns the node ID this transport serves.
func (t *InprocTransport) LocalID() string {
	return t.nodeID
}

// Start launches the inbound pump. Idempotent.
func (t *InprocTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.wg.Add(1)
	go t.pump()
	return nil
}

// Stop halts delivery. Idempotent.
func (t *InprocTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

func (t *InprocTransport) pump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case env := <-t.inbox:
			atomic.AddInt64(&t.stats.received, 1)
			if h := t.handlers.get(env.Type); h != nil {
				h(env)
			}
		}
	}
}

func (t *InprocTransport) envelope(msgType, to string, payload []byte) *Envelope {
	n := atomic.AddUint64(&t.nonce, 1)
	return &Envelope{
		Type:      msgType,
		From:      t.nodeID,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
		Nonce:     fmt.Sprintf("%s-%d", t.nodeID, n),
	}
}

// Broadcast delivers to every other node on the bus.
func (t *InprocTransport) Broadcast(msgType string, payload []byte) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	start := time.Now()
	for _, peer := range t.bus.peersOf(t.nodeID) {
		env := t.envelope(msgType, peer, payload)
		if t.bus.deliver(t.nodeID, peer, env) {
			atomic.AddInt64(&t.stats.sent, 1)
		} else {
			atomic.AddInt64(&t.stats.failures, 1)
		}
	}
	atomic.AddInt64(&t.stats.broadcasts, 1)
	atomic.AddInt64(&t.stats.broadcastNanos, time.Since(start).Nanoseconds())
	return nil
}

// Send delivers to one node.
func (t *InprocTransport) Send(nodeID, msgType string, payload []byte) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	env := t.envelope(msgType, nodeID, payload)
	if !t.bus.deliver(t.nodeID, nodeID, env) {
		atomic.AddInt64(&t.stats.failures, 1)
		return fmt.Errorf("%w: %s", ErrSendFailed, nodeID)
	}
	atomic.AddInt64(&t.stats.sent, 1)
	return nil
}

// OnMessage registers the handler for one message type.
func (t *InprocTransport) OnMessage(msgType string, h Handler) {
	t.handlers.set(msgType, h)
}

// Receive feeds an envelope straight into the inbox.
func (t *InprocTransport) Receive(env *Envelope) {
	select {
	case t.inbox <- env:
	default:
	}
}

// Metrics returns transport counters.
func (t *InprocTransport) Metrics() Metrics {
	return t.stats.snapshot()
}
