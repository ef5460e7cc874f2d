// Package node provides BpNode, the context struct a running node is built
// around: singleton BpDB/BpVdb lifecycle (bpStart/bpStop), the CLA
// attach/detach surface (bpAttach/bpDetach), and the application interface
// (Sap). It wires the L6-L11 engines together the way the teacher's
// pkg/controlplane/runtime/lifecycle.Service orchestrates adapter
// startup/shutdown over a shared store, generalized from one filesystem
// server's adapters to one BP node's CLAs.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn-stack/bpcore/internal/acquisition"
	"github.com/dtn-stack/bpcore/internal/admin"
	"github.com/dtn-stack/bpcore/internal/bpconfig"
	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/badger"
	"github.com/dtn-stack/bpcore/internal/dequeue"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/forwarding"
	"github.com/dtn-stack/bpcore/internal/lifecycle"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/metrics"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/timeline"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco"
	"github.com/dtn-stack/bpcore/internal/zco/fsstore"
)

// InputAdapter is a CLA input adapter: a task that reads frames off a
// convergence-layer link and drives internal/acquisition's
// beginAcq/continueAcq/endAcq sequence until ctx is canceled (spec §6 "CLA
// input interface"). internal/claloop implements this.
type InputAdapter interface {
	Serve(ctx context.Context) error
}

// OutputAdapter is a CLA output adapter: a task that repeatedly calls
// internal/dequeue.Engine.Dequeue for one outduct and pushes the resulting
// frame onto the wire (spec §6 "CLA output interface").
type OutputAdapter interface {
	Serve(ctx context.Context) error
}

// BpNode is the running node context. Embedding *bpconfig.Registry promotes
// the scheme/endpoint/protocol/induct/outduct CRUD surface onto *BpNode
// directly, satisfying spec §6's "exposed as methods on *node.BpNode"
// literally via Go struct embedding rather than by hand-forwarding every
// method.
type BpNode struct {
	*bpconfig.Registry

	Store bpdb.Store
	ZCO   zco.Store
	Vdb   *vdb.Vdb
	Local eid.EID

	Acquisition *acquisition.Engine
	Lifecycle   *lifecycle.Engine
	Forwarding  *forwarding.Engine
	Dequeue     *dequeue.Engine
	Timeline    *timeline.Engine
	Admin       *admin.Engine
	Metrics     *metrics.Metrics

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	started  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inducts  map[string]context.CancelFunc
	outducts map[string]context.CancelFunc
	saps     map[*Sap]struct{}

	closeStore func() error
}

// Open loads cfg's persistent store and volatile index, wires every L6-L11
// engine together, and seeds any scheme/endpoint/protocol/induct/outduct
// entries cfg declares. It does not start any background task; call Start
// for that.
func Open(ctx context.Context, cfg *bpconfig.Config) (*BpNode, error) {
	local, err := eid.Parse(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("node: invalid local eid %q: %w", cfg.Local, err)
	}

	store, err := badger.Open(badger.Config{Dir: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("node: failed to open store: %w", err)
	}

	zcoStore, err := fsstore.New(fsstore.Config{
		BasePath:      filepath.Join(cfg.Store.Path, "zco"),
		BudgetCeiling: uint64(cfg.Store.ZCOBudget),
		DirMode:       0o755,
		FileMode:      0o644,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("node: failed to open zco store: %w", err)
	}

	v, err := vdb.Load(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("node: failed to raise vdb: %w", err)
	}

	n, err := wire(store, zcoStore, v, local, cfg.Clock.Tick)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	n.closeStore = store.Close

	if err := n.applyMaxAcqInHeap(ctx, cfg.Store.MaxAcqInHeap); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := n.seed(ctx, cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		n.Metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	return n, nil
}

// wire constructs every engine with the capability interfaces satisfying
// each other, mirroring the dependency graph in spec §2's control-flow
// diagram (CLA -> L6 -> L7 -> L8 -> L9 -> CLA, L10 dispatching into
// L7/L8/L9, L11 consuming and emitting admin records for L6/L7/L9).
func wire(store bpdb.Store, zcoStore zco.Store, v *vdb.Vdb, local eid.EID, tick time.Duration) (*BpNode, error) {
	n := &BpNode{
		Registry: bpconfig.NewRegistry(store, v),
		Store:    store,
		ZCO:      zcoStore,
		Vdb:      v,
		Local:    local,
		Now:      time.Now,
		inducts:  make(map[string]context.CancelFunc),
		outducts: make(map[string]context.CancelFunc),
		saps:     make(map[*Sap]struct{}),
	}

	fwd := forwarding.New(store, v, local)
	lc := lifecycle.New(store, zcoStore, v, fwd)
	adm := admin.New(store, zcoStore, v, fwd, lc, local)
	acq := acquisition.New(store, zcoStore, v, nil, lc)
	dq := dequeue.New(store, zcoStore, v, lc)
	tl := timeline.New(store, v, lc, fwd)

	lc.CustodySignaler = adm
	lc.Reports = adm
	lc.Admin = adm
	lc.Reforward = fwd
	lc.OnDelivery = n.wakeSaps
	acq.Reports = adm
	dq.Reports = adm
	dq.Reforward = fwd
	dq.Reverse = fwd
	tl.Resend = adm
	if tick > 0 {
		tl.Tick = tick
	}

	n.Forwarding = fwd
	n.Lifecycle = lc
	n.Admin = adm
	n.Acquisition = acq
	n.Dequeue = dq
	n.Timeline = tl
	return n, nil
}

// wakeSaps notifies every open Sap on ep's endpoint that a new delivery may
// be waiting, so Sap.Receive doesn't have to wait for its poll fallback.
func (n *BpNode) wakeSaps(ep *model.Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.saps {
		if s.ep.Ref == ep.Ref {
			s.notifyDelivery()
		}
	}
}

func (n *BpNode) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// applyMaxAcqInHeap stamps the configured congestion ceiling onto BpDB,
// same as any other configuration field re-applied on every restart.
func (n *BpNode) applyMaxAcqInHeap(ctx context.Context, max int) error {
	return n.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		db, err := tx.GetBpDB(ctx)
		if err != nil {
			return err
		}
		db.MaxAcqInHeap = uint64(max)
		return tx.PutBpDB(ctx, db)
	})
}

// seed installs every scheme/endpoint/protocol/induct/outduct cfg declares,
// skipping entries that already exist so Open is idempotent across
// restarts (spec §6 configuration surface is declarative, not additive).
func (n *BpNode) seed(ctx context.Context, cfg *bpconfig.Config) error {
	for _, s := range cfg.Schemes {
		if _, ok := n.Vdb.SchemeByName(s.Name); ok {
			continue
		}
		if _, err := n.AddScheme(ctx, s.Name, s.ForwarderCmd, s.AdminAppCmd); err != nil {
			return fmt.Errorf("node: seed scheme %q: %w", s.Name, err)
		}
	}
	for _, e := range cfg.Endpoints {
		if _, ok := n.Vdb.EndpointByNSS(e.NSS); ok {
			continue
		}
		recvRule := "discard"
		if e.RecvRule != "" {
			recvRule = e.RecvRule
		}
		if _, err := n.AddEndpoint(ctx, e.Scheme, e.NSS, recvRule, e.RecvScript); err != nil {
			return fmt.Errorf("node: seed endpoint %q: %w", e.NSS, err)
		}
	}
	for _, p := range cfg.Protocols {
		if _, ok := n.Vdb.ProtocolByName(p.Name); ok {
			continue
		}
		if _, err := n.AddProtocol(ctx, p.Name, uint64(p.PayloadBytesPerFrame), uint64(p.OverheadPerFrame), uint64(p.NominalRate)); err != nil {
			return fmt.Errorf("node: seed protocol %q: %w", p.Name, err)
		}
	}
	for _, i := range cfg.Inducts {
		if _, ok := n.Vdb.InductByName(i.DuctName); ok {
			continue
		}
		if _, err := n.AddInduct(ctx, i.Protocol, i.DuctName, i.Cmd); err != nil {
			return fmt.Errorf("node: seed induct %q: %w", i.DuctName, err)
		}
	}
	for _, o := range cfg.Outducts {
		if _, ok := n.Vdb.OutductByName(o.DuctName); ok {
			continue
		}
		if _, err := n.AddOutduct(ctx, o.Protocol, o.DuctName, o.Cmd, uint64(o.MaxPayloadLength)); err != nil {
			return fmt.Errorf("node: seed outduct %q: %w", o.DuctName, err)
		}
	}
	return nil
}

// Start implements bpStart (spec §6): launches the clock and returns once
// it is running. CLAs are attached separately via Attach/AttachOutduct, so
// a node can bpStart before any convergence-layer link exists.
func (n *BpNode) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return fmt.Errorf("node: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.runCtx = runCtx
	n.cancel = cancel
	n.started = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Timeline.Run(runCtx)
	}()

	logger.InfoCtx(ctx, "bp node started", logger.KeySourceEID, n.Local.String())
	return nil
}

// Stop implements bpStop (spec §6): cancels every attached CLA and the
// clock, then waits for them to exit.
func (n *BpNode) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel := n.cancel
	for _, c := range n.inducts {
		c()
	}
	for _, c := range n.outducts {
		c()
	}
	n.inducts = make(map[string]context.CancelFunc)
	n.outducts = make(map[string]context.CancelFunc)
	n.mu.Unlock()

	cancel()
	n.wg.Wait()

	logger.InfoCtx(ctx, "bp node stopped")
	if n.closeStore != nil {
		return n.closeStore()
	}
	return nil
}

// Attach implements bpAttach for an inbound CLA (spec §6): starts adapter
// in its own goroutine, bound to the node's running context, keyed by duct
// name so Detach can find it again. Attaching the same duct name twice
// replaces the prior adapter's cancellation (the caller is expected to have
// already stopped it).
func (n *BpNode) Attach(ductName string, adapter InputAdapter) error {
	return n.attach(n.inducts, ductName, adapter.Serve)
}

// AttachOutduct implements bpAttach for an outbound CLA (spec §6).
func (n *BpNode) AttachOutduct(ductName string, adapter OutputAdapter) error {
	return n.attach(n.outducts, ductName, adapter.Serve)
}

func (n *BpNode) attach(table map[string]context.CancelFunc, ductName string, serve func(context.Context) error) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return fmt.Errorf("node: cannot attach %q before bpStart", ductName)
	}
	parent := n.runCtx
	n.mu.Unlock()
	if parent == nil {
		return fmt.Errorf("node: cannot attach %q before bpStart", ductName)
	}

	adapterCtx, adapterCancel := context.WithCancel(parent)
	n.mu.Lock()
	table[ductName] = adapterCancel
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := serve(adapterCtx); err != nil {
			logger.Error("cla adapter stopped", logger.KeyOutduct, ductName, logger.Err(err))
		}
	}()
	return nil
}

// Detach implements bpDetach (spec §6): cancels the named induct's adapter.
// A miss is a silent no-op (the duct was never attached, or already
// detached).
func (n *BpNode) Detach(ductName string) {
	n.detach(n.inducts, ductName)
}

// DetachOutduct implements bpDetach for an outbound CLA.
func (n *BpNode) DetachOutduct(ductName string) {
	n.detach(n.outducts, ductName)
}

func (n *BpNode) detach(table map[string]context.CancelFunc, ductName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cancel, ok := table[ductName]
	if !ok {
		return
	}
	cancel()
	delete(table, ductName)
}
