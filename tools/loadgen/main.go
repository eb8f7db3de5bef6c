// Command loadgen runs an in-process consensus cluster and measures
// commit throughput and latency under synthetic client load.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agisota/agentic-flow-consensus/consensus"
	"github.com/agisota/agentic-flow-consensus/network"
)

type loadConfig struct {
	Faults       int
	RequestCount int
	Timeout      time.Duration
}

func main() {
	cfg := loadConfig{}
	flag.IntVar(&cfg.Faults, "f", 1, "tolerated faults; cluster size is 3f+1")
	flag.IntVar(&cfg.RequestCount, "n", 1000, "number of requests to submit")
	flag.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	clusterSize := 3*cfg.Faults + 1
	fmt.Println("=== Consensus Load Generator ===")
	fmt.Printf("Cluster: %d nodes (f=%d)\n", clusterSize, cfg.Faults)
	fmt.Printf("Requests: %d\n", cfg.RequestCount)
	fmt.Println()

	bus := network.NewInprocBus()
	ids := make([]string, clusterSize)
	nodes := make([]*consensus.Node, clusterSize)
	peers := make([]consensus.PeerConfig, clusterSize)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
		peers[i] = consensus.PeerConfig{NodeID: ids[i], Host: "inproc", Port: i}
	}
	for i, id := range ids {
		nodeCfg := consensus.DefaultConfig(id)
		nodeCfg.Nodes = peers
		nodeCfg.MaxFaults = cfg.Faults
		nodeCfg.ViewChangeTimeout = time.Minute

		node, err := consensus.NewNode(nodeCfg, bus.Join(id), nil)
		if err != nil {
			log.Fatalf("failed to build %s: %v", id, err)
		}
		nodes[i] = node
	}
	for _, a := range nodes {
		for j, b := range nodes {
			a.RegisterPublicKey(ids[j], b.PublicKey())
		}
	}

	var committed int64
	done := make(chan struct{})
	var once sync.Once
	primary := nodes[0]
	primary.OnCommit(func(ev consensus.CommitEvent) {
		if atomic.AddInt64(&committed, 1) >= int64(cfg.RequestCount) {
			once.Do(func() { close(done) })
		}
	})

	for _, node := range nodes {
		if err := node.Initialize(); err != nil {
			log.Fatalf("failed to initialize: %v", err)
		}
	}
	defer func() {
		for _, node := range nodes {
			node.Shutdown()
		}
	}()

	start := time.Now()
	for i := 0; i < cfg.RequestCount; i++ {
		op, _ := json.Marshal(map[string]interface{}{
			"type":  "SET",
			"key":   fmt.Sprintf("key-%d", i),
			"value": i,
		})
		if _, err := primary.SubmitRequest(op); err != nil {
			log.Fatalf("submit failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(cfg.Timeout):
		log.Fatalf("deadline exceeded: %d/%d committed", atomic.LoadInt64(&committed), cfg.RequestCount)
	}
	elapsed := time.Since(start)

	stats := primary.GetStats()
	fmt.Printf("Committed: %d requests in %v\n", atomic.LoadInt64(&committed), elapsed)
	fmt.Printf("Throughput: %.1f req/s\n", float64(cfg.RequestCount)/elapsed.Seconds())
	fmt.Printf("Latency: p50=%.2fms p95=%.2fms p99=%.2fms\n",
		stats.Latency.P50, stats.Latency.P95, stats.Latency.P99)
	fmt.Printf("Transport: sent=%d received=%d success=%.3f\n",
		stats.Transport.MessagesSent, stats.Transport.MessagesReceived,
		stats.Transport.DeliverySuccessRate)
	fmt.Printf("Checkpoint: stable=%d pending=%d\n",
		stats.Checkpoint.LastStableSequence, stats.Checkpoint.PendingCheckpoints)
}
