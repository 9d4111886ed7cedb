// Package main implements slotctl, the operator CLI for hotslot. It reads
// and resets a node's slot statistics, runs single commands, and asks the
// coordinator for hot-slot rankings and rebalancing plans.
//
// Examples:
//
//	slotctl stats --node http://127.0.0.1:8081 --orderby cpu-usec --limit 5
//	slotctl stats --node http://127.0.0.1:8081 --range 0-100 --out report.json
//	slotctl reset --node http://127.0.0.1:8081 --slot 42
//	slotctl exec --node http://127.0.0.1:8081 SET foo bar
//	slotctl plan --coordinator http://127.0.0.1:8080 --metric network-bytes-out --apply
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "slotctl: %v\n", err)
		os.Exit(1)
	}
}
