package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "exec":
		execTransaction()
	case "topology":
		registerTopology()
	case "health":
		healthCheck()
	case "shards":
		listShards()
	case "active":
		listActive()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("shard-xa CLI Tool")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  cli exec --addr=<address> --file=<request.json> [--read-only] [--isolation=<level>]")
	fmt.Println("      Run a statement batch as one global transaction")
	fmt.Println("      The file holds {\"statements\":[{\"shard\":\"s1\",\"sql\":\"...\",\"args\":[...]}]}")
	fmt.Println("")
	fmt.Println("  cli topology --addr=<address> --file=<topology.json>")
	fmt.Println("      Replace the shard topology; recovery runs before the call returns")
	fmt.Println("")
	fmt.Println("  cli health --addr=<address>")
	fmt.Println("      Check health of a coordinator")
	fmt.Println("")
	fmt.Println("  cli shards --addr=<address>")
	fmt.Println("      List registered shards")
	fmt.Println("")
	fmt.Println("  cli active --addr=<address>")
	fmt.Println("      List transactions that have not completed")
}

func readJSON(path string, v any) {
	if path == "" {
		log.Fatal("--file is required")
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		err = json.NewDecoder(os.Stdin).Decode(v)
	} else {
		data, err = os.ReadFile(path)
		if err == nil {
			err = json.Unmarshal(data, v)
		}
	}
	if err != nil {
		log.Fatalf("Invalid JSON in %s: %v", path, err)
	}
}

func execTransaction() {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Coordinator address")
	file := fs.String("file", "", "JSON request file, - for stdin")
	readOnly := fs.Bool("read-only", false, "Run every branch read-only")
	isolation := fs.String("isolation", "", "Isolation level of every branch")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	fs.Parse(os.Args[2:])

	var req protocol.TransactionRequest
	readJSON(*file, &req)
	if *readOnly {
		req.ReadOnly = true
	}
	if *isolation != "" {
		req.IsolationLevel = strings.ToUpper(*isolation)
	}

	client := transport.NewHTTPClient(*timeout)

	fmt.Printf("Sending %d statement(s) to %s...\n", len(req.Statements), *addr)

	resp, err := client.ExecuteTransaction(context.Background(), *addr, &req)
	if err != nil {
		log.Fatalf("Transaction failed: %v", err)
	}

	if resp.Success {
		fmt.Printf("✓ Transaction %s committed\n", resp.TransactionID)
	} else {
		fmt.Printf("✗ Transaction %s ended %s\n", resp.TransactionID, resp.State)
		if resp.Error != "" {
			fmt.Printf("  Error: %s\n", resp.Error)
		}
	}
	for _, b := range resp.Branches {
		fmt.Printf("  %-16s %s", b.Shard, b.State)
		if b.Error != "" {
			fmt.Printf("  (%s)", b.Error)
		}
		fmt.Println()
	}

	if !resp.Success {
		os.Exit(1)
	}
}

func registerTopology() {
	fs := flag.NewFlagSet("topology", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Coordinator address")
	file := fs.String("file", "", "JSON topology file, - for stdin")
	fs.Parse(os.Args[2:])

	var req protocol.TopologyRequest
	readJSON(*file, &req)

	client := transport.NewHTTPClient(time.Minute).WithRetry(2, time.Second)

	resp, err := client.RegisterTopology(context.Background(), *addr, &req)
	if err != nil {
		log.Fatalf("Topology registration failed: %v", err)
	}
	if !resp.Success {
		fmt.Printf("✗ Topology rejected: %s\n", resp.Error)
		os.Exit(1)
	}

	fmt.Printf("✓ Registered %d shard(s): %s\n", len(resp.Shards), strings.Join(resp.Shards, ", "))
}

func healthCheck() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "", "Coordinator address to check")
	fs.Parse(os.Args[2:])

	if *addr == "" {
		log.Fatal("--addr is required")
	}

	client := transport.NewHTTPClient(5 * time.Second)

	health, err := client.Health(context.Background(), *addr)
	if err != nil {
		fmt.Printf("✗ Coordinator %s is DOWN: %v\n", *addr, err)
		os.Exit(1)
	}

	fmt.Printf("✓ Coordinator %s is UP\n", *addr)
	fmt.Printf("  Status: %s\n", health.Status)
	fmt.Printf("  Shards: %d\n", health.Shards)
}

func listShards() {
	fs := flag.NewFlagSet("shards", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Coordinator address")
	fs.Parse(os.Args[2:])

	client := transport.NewHTTPClient(5 * time.Second).WithRetry(2, 500*time.Millisecond)

	resp, err := client.Shards(context.Background(), *addr)
	if err != nil {
		log.Fatalf("List shards failed: %v", err)
	}

	fmt.Println("Shards:")
	fmt.Println("-------")
	if len(resp.Shards) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range resp.Shards {
		fmt.Printf("  %-16s %s\n", s.Name, s.DatabaseType)
	}
}

func listActive() {
	fs := flag.NewFlagSet("active", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "Coordinator address")
	fs.Parse(os.Args[2:])

	client := transport.NewHTTPClient(5 * time.Second).WithRetry(2, 500*time.Millisecond)

	resp, err := client.ActiveTransactions(context.Background(), *addr)
	if err != nil {
		log.Fatalf("List transactions failed: %v", err)
	}

	fmt.Printf("Active transactions at %s:\n", resp.Generated.Format(time.RFC3339))
	if len(resp.Transactions) == 0 {
		fmt.Println("  (none)")
	}
	for _, tx := range resp.Transactions {
		fmt.Printf("  %s  %-12s %s  [%s]\n",
			tx.TransactionID, tx.State, time.Since(tx.Started).Truncate(time.Millisecond), strings.Join(tx.Shards, ","))
	}
}
