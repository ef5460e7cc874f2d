package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/cliout"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Inspect stored bundles",
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Inspect pending timeline events",
}

func init() {
	bundleCmd.AddCommand(bundleListCmd)
	timelineCmd.AddCommand(timelineListCmd)
}

var bundleListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump every persisted bundle's metadata",
	Long: `Dump every persisted bundle's metadata as a portable,
store-format-independent snapshot (internal/node.DumpBundles), including
custody, delivery, suspension, expiry, and retention state.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cliout.ParseFormat(outputFormat)
		if err != nil {
			return err
		}

		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		dumps, err := n.DumpBundles(ctx)
		if err != nil {
			return err
		}

		printer := cliout.NewPrinter(os.Stdout, format, true)
		return printer.Print(cliout.BundleTable(dumps))
	},
}

var timelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump every pending timeline event",
	Long: `Dump every pending timeline event (internal/node.DumpTimeline):
custody-transfer timeouts, expiration checks, and the other clock-driven
events awaiting dispatch (spec §4.10).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cliout.ParseFormat(outputFormat)
		if err != nil {
			return err
		}

		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		dumps, err := n.DumpTimeline(ctx)
		if err != nil {
			return err
		}

		printer := cliout.NewPrinter(os.Stdout, format, true)
		return printer.Print(cliout.TimelineTable(dumps))
	},
}
