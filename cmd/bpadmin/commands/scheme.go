package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/cliout"
)

var schemeCmd = &cobra.Command{
	Use:   "scheme",
	Short: "Manage routing schemes",
}

func init() {
	schemeCmd.AddCommand(schemeAddCmd, schemeUpdateCmd, schemeRemoveCmd, schemeListCmd)
}

var schemeAddCmd = &cobra.Command{
	Use:   "add <name> <forwarder-cmd> <admin-app-cmd>",
	Short: "Register a new routing scheme",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := n.AddScheme(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		cmd.Printf("scheme %q registered (ref: %s)\n", args[0], ref)
		return nil
	},
}

var schemeUpdateCmd = &cobra.Command{
	Use:   "update <name> <forwarder-cmd> <admin-app-cmd>",
	Short: "Replace an existing scheme's forwarder/admin-app commands",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.UpdateScheme(ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		cmd.Printf("scheme %q updated\n", args[0])
		return nil
	},
}

var schemeRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister a scheme",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, closer, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := n.RemoveScheme(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("scheme %q removed\n", args[0])
		return nil
	},
}

var schemeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered schemes",
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

		var table cliout.SchemeTable
		err = n.Store.View(ctx, func(tx bpdb.Tx) error {
			refs, err := tx.ListSchemeRefs(ctx)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				s, err := tx.GetScheme(ctx, ref)
				if err != nil {
					return fmt.Errorf("get scheme %s: %w", ref, err)
				}
				table = append(table, s)
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
