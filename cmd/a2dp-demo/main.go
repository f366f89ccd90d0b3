// Package main is the entry point for the a2dp-demo CLI.
//
// Usage:
//
//	a2dp-demo [flags] <command> [args]
//
// Commands:
//
//	scan     - List nearby devices advertising A2DP source or sink
//	run      - Register the media endpoint and run the connection machine
//	version  - Show version information
//
// Prerequisites: Linux with bluetoothd running and access to the system bus
// (usually root). Power the adapter on first: `bluetoothctl power on`.
package main

import (
	"fmt"
	"os"

	"bluetooth-audio/cmd/a2dp-demo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
