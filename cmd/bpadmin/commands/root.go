// Package commands implements the bpadmin CLI's commands.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpconfig"
	"github.com/dtn-stack/bpcore/internal/node"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bpadmin",
	Short: "bpadmin - administer a bpcore node's store directly",
	Long: `bpadmin is the administrative CRUD surface for a bundle-protocol
node: scheme, endpoint, protocol, induct, and outduct registration, outduct
block/unblock, and read-only dumps of stored bundles and the pending
timeline.

It opens the node's store directly (the way "bpnode start" does, minus
starting any engine or CLA) rather than talking to a separate server
process, so it must be run on the same host and must not be run
concurrently against the same store as a running "bpnode start".

Use "bpadmin [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/bpcore/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table|json|yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(schemeCmd)
	rootCmd.AddCommand(endpointCmd)
	rootCmd.AddCommand(protocolCmd)
	rootCmd.AddCommand(inductCmd)
	rootCmd.AddCommand(outductCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(timelineCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("bpadmin %s (commit: %s, built: %s)\n", Version, Commit, Date)
		return nil
	},
}

// openNode loads the configured store and wires a *node.BpNode against it
// without starting any engine or CLA, giving every subcommand access to the
// Registry CRUD surface (promoted onto *node.BpNode) and the read-only
// dump helpers. The caller must invoke the returned closer once done.
func openNode(ctx context.Context) (*node.BpNode, func(), error) {
	cfg, err := bpconfig.MustLoad(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	n, err := node.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open node store: %w", err)
	}

	closer := func() {
		_ = n.ZCO.Close()
		_ = n.Store.Close()
	}
	return n, closer, nil
}
