// Command bpadmin administers a bpcore node's store directly: scheme,
// endpoint, protocol, induct, and outduct CRUD plus read-only bundle and
// timeline dumps, grounded on the teacher's direct-store-access CLI idiom.
package main

import (
	"fmt"
	"os"

	"github.com/dtn-stack/bpcore/cmd/bpadmin/commands"
)

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
