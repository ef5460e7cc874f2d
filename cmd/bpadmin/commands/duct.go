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

var inductCmd = &cobra.Command{
	Use:   "induct",
	Short: "Manage inbound convergence-layer adapter registrations",
}

var outductCmd = &cobra.Command{
	Use:   "outduct",
	Short: "Manage outbound convergence-layer adapter registrations",
}

func init() {
	inductCmd.AddCommand(inductAddCmd, inductUpdateCmd, inductRemoveCmd, inductListCmd)
	outductCmd.AddCommand(outductAddCmd, outductUpdateCmd, outductRemoveCmd, outductListCmd, outductBlockCmd, outductUnblockCmd)
}

var inductAddCmd = &cobra.Command{
	Use:   "add <protocol> <duct-name> <cmd>",
	Short: "Register a new inbound CLA endpoint",
	Long: `Register a new inbound CLA endpoint.

cmd selects the adapter internal/claloop builds for this duct at startup:
"listen:<addr>", or "loopback" when paired with a matching outduct of the
same cmd.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := n.AddInduct(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		cmd.Printf("induct %q registered (ref: %s)\n", args[1], ref)
		return nil
	},
}

var inductUpdateCmd = &cobra.Command{
	Use:   "update <duct-name> <cmd>",
	Short: "Replace an induct's input-adapter command",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.UpdateInduct(ctx, args[0], args[1]); err != nil {
			return err
		}
		cmd.Printf("induct %q updated\n", args[0])
		return nil
	},
}

var inductRemoveCmd = &cobra.Command{
	Use:   "remove <duct-name>",
	Short: "Unregister an induct",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.RemoveInduct(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("induct %q removed\n", args[0])
		return nil
	},
}

var inductListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered inducts",
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

		var table cliout.InductTable
		err = n.Store.View(ctx, func(tx bpdb.Tx) error {
			refs, err := tx.ListInductRefs(ctx)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				i, err := tx.GetInduct(ctx, ref)
				if err != nil {
					return fmt.Errorf("get induct %s: %w", ref, err)
				}
				table = append(table, i)
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

var outductAddCmd = &cobra.Command{
	Use:   "add <protocol> <duct-name> <cmd> <max-payload-length>",
	Short: "Register a new outbound CLA endpoint",
	Long: `Register a new outbound CLA endpoint.

cmd selects the adapter internal/claloop builds for this duct at startup:
"dial:<addr>", or "loopback" for an in-process loopback. max-payload-length
is in bytes; 0 means unlimited.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxPayloadLength, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max-payload-length %q: %w", args[3], err)
		}

		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := n.AddOutduct(ctx, args[0], args[1], args[2], maxPayloadLength)
		if err != nil {
			return err
		}
		cmd.Printf("outduct %q registered (ref: %s)\n", args[1], ref)
		return nil
	},
}

var outductUpdateCmd = &cobra.Command{
	Use:   "update <duct-name> <cmd> <max-payload-length>",
	Short: "Replace an outduct's output-adapter command and payload ceiling",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxPayloadLength, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max-payload-length %q: %w", args[2], err)
		}

		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.UpdateOutduct(ctx, args[0], args[1], maxPayloadLength); err != nil {
			return err
		}
		cmd.Printf("outduct %q updated\n", args[0])
		return nil
	},
}

var outductRemoveCmd = &cobra.Command{
	Use:   "remove <duct-name>",
	Short: "Unregister an outduct",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.RemoveOutduct(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("outduct %q removed\n", args[0])
		return nil
	},
}

var outductBlockCmd = &cobra.Command{
	Use:   "block <duct-name>",
	Short: "Block an outduct: bpEnqueue and the dequeue engine refuse to drain it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.BlockOutduct(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("outduct %q blocked\n", args[0])
		return nil
	},
}

var outductUnblockCmd = &cobra.Command{
	Use:   "unblock <duct-name>",
	Short: "Clear an outduct's blocked flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.UnblockOutduct(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("outduct %q unblocked\n", args[0])
		return nil
	},
}

var outductListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered outducts",
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

		var table cliout.OutductTable
		err = n.Store.View(ctx, func(tx bpdb.Tx) error {
			refs, err := tx.ListOutductRefs(ctx)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				o, err := tx.GetOutduct(ctx, ref)
				if err != nil {
					return fmt.Errorf("get outduct %s: %w", ref, err)
				}
				table = append(table, o)
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
