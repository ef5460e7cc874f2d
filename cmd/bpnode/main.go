// Command bpnode is the bundle-protocol node daemon: a reference
// in-process wiring of every engine in internal/node.BpNode behind a
// cobra start/status/init CLI, grounded on the teacher's cmd/dittofs.
package main

import (
	"fmt"
	"os"

	"github.com/dtn-stack/bpcore/cmd/bpnode/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
