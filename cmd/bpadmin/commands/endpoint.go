package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/cliout"
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage local endpoint registrations",
}

func init() {
	endpointCmd.AddCommand(endpointAddCmd, endpointUpdateCmd, endpointRemoveCmd, endpointListCmd)
}

var endpointAddCmd = &cobra.Command{
	Use:   "add <scheme> <nss> <recv-rule> [recv-script]",
	Short: "Register a new local endpoint under an existing scheme",
	Long: `Register a new local endpoint under an existing scheme.

recv-rule is one of: discard, enqueue`,
	Args: cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		var recvScript string
		if len(args) == 4 {
			recvScript = args[3]
		}

		ref, err := n.AddEndpoint(ctx, args[0], args[1], args[2], recvScript)
		if err != nil {
			return err
		}
		cmd.Printf("endpoint %q registered (ref: %s)\n", args[1], ref)
		return nil
	},
}

var endpointUpdateCmd = &cobra.Command{
	Use:   "update <nss> <recv-rule> [recv-script]",
	Short: "Replace an endpoint's recv rule and script",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		var recvScript string
		if len(args) == 3 {
			recvScript = args[2]
		}

		if err := n.UpdateEndpoint(ctx, args[0], args[1], recvScript); err != nil {
			return err
		}
		cmd.Printf("endpoint %q updated\n", args[0])
		return nil
	},
}

var endpointRemoveCmd = &cobra.Command{
	Use:   "remove <nss>",
	Short: "Unregister an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.RemoveEndpoint(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("endpoint %q removed\n", args[0])
		return nil
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints",
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

		var table cliout.EndpointTable
		err = n.Store.View(ctx, func(tx bpdb.Tx) error {
			refs, err := tx.ListEndpointRefs(ctx)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				e, err := tx.GetEndpoint(ctx, ref)
				if err != nil {
					return fmt.Errorf("get endpoint %s: %w", ref, err)
				}
				table = append(table, e)
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
