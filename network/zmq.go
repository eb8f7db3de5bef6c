package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ZmqTransport is the ZeroMQ Transport implementation: a ROUTER socket
// receives, per-peer DEALER sockets send. Frames are JSON envelopes. A
// replay-nonce cache drops duplicated or stale frames before they reach
// the handler table.
type ZmqTransport struct {
	nodeID  string
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[string]zmq4.Socket
	peers   map[string]string // nodeID -> tcp address

	handlers *handlerTable
	inbox    chan *Envelope
	stats    counters

	replayCache     map[string]time.Time
	replayMu        sync.Mutex
	replayTolerance time.Duration

	mu      sync.RWMutex
	wg      sync.WaitGroup
	running bool
	nonce   uint64
}

// NewZmqTransport creates a transport bound to tcp://host:port.
func NewZmqTransport(nodeID, host string, port int) *ZmqTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZmqTransport{
		nodeID:          nodeID,
		address:         fmt.Sprintf("tcp://%s:%d", host, port),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]string),
		handlers:        newHandlerTable(),
		inbox:           make(chan *Envelope, 1024),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// LocalID returns the node ID this transport serves.
func (t *ZmqTransport) LocalID() string {
	return t.nodeID
}

// RegisterPeer adds a cluster member the transport can send to.
func (t *ZmqTransport) RegisterPeer(nodeID, host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = fmt.Sprintf("tcp://%s:%d", host, port)
}

// Start binds the ROUTER socket and launches the receive loops.
func (t *ZmqTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}

	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := t.router.Listen(t.address); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiverLoop()
	t.wg.Add(1)
	go t.pump()
	t.wg.Add(1)
	go t.replayCacheCleaner()
	return nil
}

// Stop shuts the transport down. Idempotent.
func (t *ZmqTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()

	if t.router != nil {
		if err := t.router.Close(); err != nil {
			_ = err // expected during shutdown
		}
	}
	t.mu.Lock()
	for _, dealer := range t.dealers {
		if err := dealer.Close(); err != nil {
			_ = err
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// OnMessage registers the handler for one message type.
func (t *ZmqTransport) OnMessage(msgType string, h Handler) {
	t.handlers.set(msgType, h)
}

// Receive feeds an envelope into the inbound queue, bypassing the
// socket; the test/simulation entry point.
func (t *ZmqTransport) Receive(env *Envelope) {
	select {
	case t.inbox <- env:
	default:
	}
}

// Send delivers one envelope to one peer.
func (t *ZmqTransport) Send(nodeID, msgType string, payload []byte) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	addr, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if !ok {
		atomic.AddInt64(&t.stats.failures, 1)
		return fmt.Errorf("%w: %s", ErrPeerNotFound, nodeID)
	}

	env := t.envelope(msgType, nodeID, payload)
	if err := t.sendEnvelope(nodeID, addr, env); err != nil {
		atomic.AddInt64(&t.stats.failures, 1)
		return err
	}
	atomic.AddInt64(&t.stats.sent, 1)
	return nil
}

// Broadcast delivers to all registered peers. Per-peer failures are
// absorbed into the delivery metrics; the last one is returned.
func (t *ZmqTransport) Broadcast(msgType string, payload []byte) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	peers := make(map[string]string, len(t.peers))
	for id, addr := range t.peers {
		peers[id] = addr
	}
	t.mu.RUnlock()

	start := time.Now()
	var lastErr error
	for id, addr := range peers {
		env := t.envelope(msgType, id, payload)
		if err := t.sendEnvelope(id, addr, env); err != nil {
			atomic.AddInt64(&t.stats.failures, 1)
			lastErr = err
			continue
		}
		atomic.AddInt64(&t.stats.sent, 1)
	}
	atomic.AddInt64(&t.stats.broadcasts, 1)
	atomic.AddInt64(&t.stats.broadcastNanos, time.Since(start).Nanoseconds())
	return lastErr
}

// Metrics returns transport counters.
func (t *ZmqTransport) Metrics() Metrics {
	return t.stats.snapshot()
}

func (t *ZmqTransport) envelope(msgType, to string, payload []byte) *Envelope {
	n := atomic.AddUint64(&t.nonce, 1)
	return &Envelope{
		Type:      msgType,
		From:      t.nodeID,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
		Nonce:     fmt.Sprintf("%d-%s", n, t.nodeID),
	}
}

func (t *ZmqTransport) sendEnvelope(nodeID, addr string, env *Envelope) error {
	dealer, err := t.getOrCreateDealer(nodeID, addr)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (t *ZmqTransport) getOrCreateDealer(nodeID, addr string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dealer, ok := t.dealers[nodeID]; ok {
		return dealer, nil
	}
	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := dealer.Dial(addr); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	t.dealers[nodeID] = dealer
	return dealer, nil
}

// receiverLoop reads frames off the ROUTER socket into the inbox.
func (t *ZmqTransport) receiverLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			msg, err := t.router.Recv()
			if err != nil {
				if errors.Is(t.ctx.Err(), context.Canceled) {
					return
				}
				continue
			}
			var env Envelope
			if err := json.Unmarshal(msg.Bytes(), &env); err != nil {
				continue
			}
			if !t.freshNonce(&env) {
				continue
			}
			select {
			case t.inbox <- &env:
			default:
				// Inbox full, drop.
			}
		}
	}
}

// pump dispatches inbound envelopes to the registered handlers.
func (t *ZmqTransport) pump() {
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

// freshNonce rejects replayed or stale frames.
func (t *ZmqTransport) freshNonce(env *Envelope) bool {
	if env.Nonce == "" {
		return true
	}
	t.replayMu.Lock()
	defer t.replayMu.Unlock()

	if _, seen := t.replayCache[env.Nonce]; seen {
		return false
	}
	if time.Since(env.Timestamp) > t.replayTolerance {
		return false
	}
	t.replayCache[env.Nonce] = time.Now()
	return true
}

func (t *ZmqTransport) replayCacheCleaner() {
	defer t.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.replayMu.Lock()
			cutoff := time.Now().Add(-t.replayTolerance)
			for nonce, ts := range t.replayCache {
				if ts.Before(cutoff) {
					delete(t.replayCache, nonce)
				}
			}
			t.replayMu.Unlock()
		}
	}
}
