package main

import (
	"fmt"
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "agentic-flow-consensus"
)

func main() {
	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Println("PBFT-style Byzantine fault-tolerant consensus core")
	fmt.Println("Run cmd/bftnode to start a cluster member")
	os.Exit(0)
}
