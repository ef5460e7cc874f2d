package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpconfig"
	"github.com/dtn-stack/bpcore/internal/cliout"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the node's metrics endpoint is reachable",
	Long: `Check whether a bpnode process is running by probing its metrics
endpoint. This node has no separate health RPC: the metrics HTTP server,
when enabled, doubles as the liveness check.

Examples:
  bpnode status
  bpnode status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format (table|json|yaml)")
}

// NodeStatus is bpnode status's rendered result.
type NodeStatus struct {
	Running bool   `json:"running" yaml:"running"`
	Message string `json:"message" yaml:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := cliout.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	cfg, err := bpconfig.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	status := NodeStatus{Message: "metrics disabled in configuration; status unavailable"}
	if cfg.Metrics.Enabled {
		status = probeMetrics(cfg.Metrics.Addr)
	}

	printer := cliout.NewPrinter(os.Stdout, format, true)
	if format == cliout.FormatTable {
		if status.Running {
			printer.Success(fmt.Sprintf("bpnode is running (%s)", status.Message))
		} else {
			printer.Warning(fmt.Sprintf("bpnode does not appear to be running (%s)", status.Message))
		}
		return nil
	}
	return printer.Print(status)
}

func probeMetrics(addr string) NodeStatus {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/metrics")
	if err != nil {
		return NodeStatus{Running: false, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return NodeStatus{Running: false, Message: fmt.Sprintf("metrics endpoint returned %s", resp.Status)}
	}
	return NodeStatus{Running: true, Message: "metrics endpoint reachable at " + addr}
}
