package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpconfig"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample bpnode configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/bpcore/config.yaml. Use --config to specify a custom path.

Examples:
  # Initialize with default location
  bpnode init

  # Initialize with custom path
  bpnode init --config /etc/bpcore/config.yaml

  # Force overwrite an existing config file
  bpnode init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = bpconfig.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := bpconfig.GetDefaultConfig()
	if err := bpconfig.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", path)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Edit the configuration file to set this node's local EID and CLAs")
	cmd.Printf("  2. Start the node with: bpnode start --config %s\n", path)
	return nil
}
