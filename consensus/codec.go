package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// KeyRegistry maps node IDs to their ed25519 public keys. It is
// append-only during setup and safe for concurrent reads at steady state.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRegistry creates an empty key registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]ed25519.PublicKey)}
}

// Register stores the public key for a node.
func (r *KeyRegistry) Register(nodeID string, pk ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[nodeID] = pk
}

// Get returns the public key for a node, if registered.
func (r *KeyRegistry) Get(nodeID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pk, ok := r.keys[nodeID]
	return pk, ok
}

// Len returns the number of registered keys.
func (r *KeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return pk, sk, nil
}

// DigestBytes returns the hex-encoded SHA3-256 digest of a byte slice.
// Equal payloads produce equal digests on every node.
func DigestBytes(b []byte) string {
	h := sha3.Sum256(b)
	return hex.EncodeToString(h[:])
}

// DigestRequest returns the content digest of a request. Struct fields
// marshal in declaration order, so the serialization is canonical.
// An operation that is not valid JSON cannot round-trip the wire, but it
// still maps to a stable digest rather than a failure.
func DigestRequest(req *Request) string {
	b, err := json.Marshal(req)
	if err != nil {
		return DigestBytes([]byte(fmt.Sprintf("%s/%s/%d/%s",
			req.ClientID, req.RequestID, req.Timestamp, req.Operation)))
	}
	return DigestBytes(b)
}

// Codec signs and verifies protocol messages for one node. Verification
// fails closed: an unknown or mismatched sender never reaches the caller
// as an error, only as a false result.
type Codec struct {
	nodeID   string
	sk       ed25519.PrivateKey
	registry *KeyRegistry
}

// NewCodec creates a codec signing as nodeID with the given private key.
func NewCodec(nodeID string, sk ed25519.PrivateKey, registry *KeyRegistry) *Codec {
	return &Codec{nodeID: nodeID, sk: sk, registry: registry}
}

// NodeID returns the identity this codec signs as.
func (c *Codec) NodeID() string {
	return c.nodeID
}

// Registry returns the codec's key registry.
func (c *Codec) Registry() *KeyRegistry {
	return c.registry
}

// Sign stamps the message with this node's ID and a signature over the
// canonical serialization with the signature field cleared.
func (c *Codec) Sign(msg *Message) error {
	msg.NodeID = c.nodeID
	msg.Signature = nil
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for signing: %w", err)
	}
	msg.Signature = ed25519.Sign(c.sk, b)
	return nil
}

// Verify checks the message signature against the registered key of the
// claimed sender. Unknown senders and malformed messages verify false.
func (c *Codec) Verify(msg *Message) bool {
	if msg == nil || msg.NodeID == "" || len(msg.Signature) == 0 {
		return false
	}
	pk, ok := c.registry.Get(msg.NodeID)
	if !ok {
		return false
	}
	sig := msg.Signature
	msg.Signature = nil
	b, err := json.Marshal(msg)
	msg.Signature = sig
	if err != nil {
		return false
	}
	return ed25519.Verify(pk, b, sig)
}
