package main

import (
	"fmt"
)

func main() {
	fmt.Println("shard-xa - XA two-phase commit across database shards")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  Start coordinator: go run ./cmd/coordinator --config=coordinator.yaml")
	fmt.Println("  CLI tool:          go run ./cmd/cli <command>")
	fmt.Println("")
	fmt.Println("CLI Commands:")
	fmt.Println("  exec --addr=<addr> --file=<request.json>      - Run statements in one global transaction")
	fmt.Println("  topology --addr=<addr> --file=<shards.json>   - Replace the shard topology")
	fmt.Println("  health --addr=<addr>                          - Check coordinator health")
	fmt.Println("  shards --addr=<addr>                          - List registered shards")
	fmt.Println("  active --addr=<addr>                          - List unfinished transactions")
}
