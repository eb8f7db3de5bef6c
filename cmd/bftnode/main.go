// Command bftnode runs one consensus cluster member over the ZeroMQ
// transport and serves Prometheus metrics.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agisota/agentic-flow-consensus/consensus"
	"github.com/agisota/agentic-flow-consensus/network"
)

func main() {
	var (
		nodeID      = flag.String("id", "node-0", "this node's ID")
		peerSpec    = flag.String("peers", "", "comma-separated id@host:port for every cluster member, self included")
		maxFaults   = flag.Int("f", 1, "maximum tolerated Byzantine faults")
		vcTimeout   = flag.Duration("view-change-timeout", 5*time.Second, "primary silence timeout")
		cpInterval  = flag.Uint64("checkpoint-interval", 100, "executed operations between checkpoints")
		keyFile     = flag.String("keys", "", "JSON file mapping node IDs to base64 public keys")
		metricsAddr = flag.String("metrics-addr", ":9100", "address for the Prometheus /metrics endpoint")
		debug       = flag.Bool("debug", false, "verbose protocol logging")
	)
	flag.Parse()

	peers, err := parsePeers(*peerSpec)
	if err != nil {
		log.Fatalf("invalid -peers: %v", err)
	}

	cfg := consensus.DefaultConfig(*nodeID)
	cfg.Nodes = peers
	cfg.MaxFaults = *maxFaults
	cfg.ViewChangeTimeout = *vcTimeout
	cfg.CheckpointInterval = *cpInterval
	cfg.Debug = *debug

	var self consensus.PeerConfig
	for _, p := range peers {
		if p.NodeID == *nodeID {
			self = p
		}
	}
	if self.NodeID == "" {
		log.Fatalf("node %s not found in -peers", *nodeID)
	}

	transport := network.NewZmqTransport(self.NodeID, self.Host, self.Port)
	for _, p := range peers {
		if p.NodeID != self.NodeID {
			transport.RegisterPeer(p.NodeID, p.Host, p.Port)
		}
	}

	node, err := consensus.NewNode(cfg, transport, nil)
	if err != nil {
		log.Fatalf("failed to build node: %v", err)
	}

	if *keyFile != "" {
		if err := registerKeys(node, *keyFile); err != nil {
			log.Fatalf("failed to load keys: %v", err)
		}
	}
	fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(node.PublicKey()))

	if err := node.Initialize(); err != nil {
		log.Fatalf("failed to initialize node: %v", err)
	}
	defer node.Shutdown()

	node.OnCommit(func(ev consensus.CommitEvent) {
		if *debug {
			log.Printf("committed seq=%d request=%s latency=%.2fms",
				ev.Sequence, ev.Request.RequestID, ev.LatencyMs)
		}
	})

	go func() {
		http.Handle("/metrics", node.GetMetrics().Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("node %s running at %s:%d (view %d, primary=%v)",
		*nodeID, self.Host, self.Port, node.CurrentView(), node.IsPrimary())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")
}

// parsePeers parses "id@host:port,id@host:port,...".
func parsePeers(spec string) ([]consensus.PeerConfig, error) {
	if spec == "" {
		return nil, fmt.Errorf("no peers given")
	}
	var peers []consensus.PeerConfig
	for _, part := range strings.Split(spec, ",") {
		at := strings.SplitN(part, "@", 2)
		if len(at) != 2 {
			return nil, fmt.Errorf("expected id@host:port, got %q", part)
		}
		hostPort := strings.SplitN(at[1], ":", 2)
		if len(hostPort) != 2 {
			return nil, fmt.Errorf("expected host:port in %q", part)
		}
		port, err := strconv.Atoi(hostPort[1])
		if err != nil {
			return nil, fmt.Errorf("bad port in %q: %w", part, err)
		}
		peers = append(peers, consensus.PeerConfig{NodeID: at[0], Host: hostPort[0], Port: port})
	}
	return peers, nil
}

// registerKeys loads peer public keys from a JSON id -> base64 map.
func registerKeys(node *consensus.Node, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var keys map[string]string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	for id, b64 := range keys {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("bad key for %s: %w", id, err)
		}
		node.RegisterPublicKey(id, ed25519.PublicKey(raw))
	}
	return nil
}
