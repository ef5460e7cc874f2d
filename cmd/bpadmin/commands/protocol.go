package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/cliout"
)

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Manage convergence-layer protocol registrations",
}

func init() {
	protocolCmd.AddCommand(protocolAddCmd, protocolRemoveCmd, protocolListCmd)
}

var protocolAddCmd = &cobra.Command{
	Use:   "add <name> <payload-bytes-per-frame> <overhead-per-frame> <nominal-rate>",
	Short: "Register a new convergence-layer protocol",
	Long: `Register a new convergence-layer protocol.

nominal-rate is in bytes/sec; 0 disables throttling for outducts of this
protocol (spec §4.7's rate-limiter).`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadBytesPerFrame, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid payload-bytes-per-frame %q: %w", args[1], err)
		}
		overheadPerFrame, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid overhead-per-frame %q: %w", args[2], err)
		}
		nominalRate, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid nominal-rate %q: %w", args[3], err)
		}

		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := n.AddProtocol(ctx, args[0], payloadBytesPerFrame, overheadPerFrame, nominalRate)
		if err != nil {
			return err
		}
		cmd.Printf("protocol %q registered (ref: %s)\n", args[0], ref)
		return nil
	},
}

var protocolRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister a protocol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.RemoveProtocol(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("protocol %q removed\n", args[0])
		return nil
	},
}

var protocolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered protocols",
	Args:  cobra.NoArgs,
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

		var table cliout.ProtocolTable
		err = n.Store.View(ctx, func(tx bpdb.Tx) error {
			refs, err := tx.ListProtocolRefs(ctx)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				p, err := tx.GetProtocol(ctx, ref)
				if err != nil {
					return fmt.Errorf("get protocol %s: %w", ref, err)
				}
				table = append(table, p)
			}
			return nil
		})
		if err != nil {
			return err
		}

		printer := cliout.NewPrinter(os.Stdout, format, true)
		return printer.Print(table)
	},
}
