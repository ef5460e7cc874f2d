package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dtn-stack/bpcore/internal/bpconfig"
	"github.com/dtn-stack/bpcore/internal/claloop"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/node"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bpnode daemon",
	Long: `Start the bundle-protocol node: open its store, wire every engine
(acquisition, lifecycle, forwarding, dequeue, timeline, admin), attach the
configured convergence-layer adapters, and run until interrupted.

Each configured induct/outduct's command string selects the adapter this
node builds for it:

  loopback           an in-process claloop.Loopback (paired induct+outduct,
                      the default for a single-node demo configuration)
  listen:<addr>       a claloop.Input listening on addr (induct only)
  dial:<addr>         a claloop.Output dialing addr (outduct only)

Examples:
  bpnode start
  bpnode start --config /etc/bpcore/config.yaml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := bpconfig.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open node: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}

	if err := attachCLAs(n, cfg); err != nil {
		return fmt.Errorf("failed to attach convergence-layer adapters: %w", err)
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	logger.Info("bpnode is running, local EID", "local", cfg.Local)
	cmd.Println("bpnode started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)

	logger.Info("shutdown signal received, stopping node")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Clock.Tick*10)
	defer stopCancel()
	if err := n.Stop(stopCtx); err != nil {
		logger.Error("node stop error", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	return nil
}

// attachCLAs builds one claloop adapter per configured induct/outduct, per
// its command-string convention documented on startCmd, and attaches it to
// n via Attach/AttachOutduct.
func attachCLAs(n *node.BpNode, cfg *bpconfig.Config) error {
	for _, ic := range cfg.Inducts {
		if strings.EqualFold(ic.Cmd, "loopback") {
			continue // paired below, once the matching outduct is known
		}
		addr, ok := strings.CutPrefix(ic.Cmd, "listen:")
		if !ok {
			return fmt.Errorf("induct %q: unrecognized command %q", ic.DuctName, ic.Cmd)
		}
		induct, ok := n.Vdb.InductByName(ic.DuctName)
		if !ok {
			return fmt.Errorf("induct %q: not registered", ic.DuctName)
		}
		in := &claloop.Input{Acquisition: n.Acquisition, ListenAddr: addr, InductRef: induct.Ref}
		if err := n.Attach(ic.DuctName, in); err != nil {
			return err
		}
	}

	for _, oc := range cfg.Outducts {
		outduct, ok := n.Vdb.OutductByName(oc.DuctName)
		if !ok {
			return fmt.Errorf("outduct %q: not registered", oc.DuctName)
		}

		switch {
		case strings.EqualFold(oc.Cmd, "loopback"):
			// Loopback.Serve drives both directions of the pipe itself, so
			// one registration (as the outduct) is enough to cover the
			// paired induct too; attaching it under both tables would run
			// two independent net.Pipe pairs concurrently for no benefit.
			lb := &claloop.Loopback{Dequeue: n.Dequeue, Acquisition: n.Acquisition, OutductRef: outduct.Ref}
			if induct, ok := n.Vdb.InductByName(oc.DuctName); ok {
				lb.InductRef = induct.Ref
			}
			if err := n.AttachOutduct(oc.DuctName, lb); err != nil {
				return err
			}
		default:
			addr, ok := strings.CutPrefix(oc.Cmd, "dial:")
			if !ok {
				return fmt.Errorf("outduct %q: unrecognized command %q", oc.DuctName, oc.Cmd)
			}
			out := &claloop.Output{Dequeue: n.Dequeue, OutductRef: outduct.Ref, DialAddr: addr}
			if err := n.AttachOutduct(oc.DuctName, out); err != nil {
				return err
			}
		}
	}
	return nil
}
