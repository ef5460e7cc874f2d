// Package acquisition implements the L6 acquisition engine: turning a byte
// stream handed up by a CLA input adapter into a persisted model.Bundle and
// invoking the lifecycle engine's accept path (spec §4.6).
//
// The lifecycle of one inbound bundle is BeginAcq -> (LoadAcq | ContinueAcq*)
// -> EndAcq, mirroring the CLA input interface's
// bpBeginAcq/bpLoadAcq/bpContinueAcq/bpEndAcq (spec §6). CancelAcq aborts a
// work area early, e.g. when a CLA's own framing fails mid-stream.
package acquisition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/bufpool"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// Accepter is the lifecycle engine's accept entrypoint (spec §4.6 endAcq:
// "invoke the Lifecycle Engine's accept path"). The engine depends on this
// capability interface instead of importing internal/lifecycle directly
// (spec §9: "polymorphism across schemes/CLAs via small capability
// interfaces").
type Accepter interface {
	Accept(ctx context.Context, b *model.Bundle) error
}

// Reassembler receives every inbound fragment that is not an exact
// duplicate of a fragment already on file (spec §4.6: "route it through
// reassembly").
type Reassembler interface {
	AddFragment(ctx context.Context, b *model.Bundle) error
}

// StatusReporter emits a status report toward a bundle's report-to EID for a
// lifecycle transition the bundle's SRR flags requested (spec §4.11). A nil
// StatusReporter disables emission, which is fine for tests and for nodes
// running without an administrative endpoint wired up.
type StatusReporter interface {
	Report(ctx context.Context, b *model.Bundle, flag model.SRRFlags, reason model.StatusReason)
}

// Engine is the L6 acquisition engine: the object store and ZCO adapters it
// persists into, the volatile index it probes for duplicates, the block-type
// dispatch registry, and its three external collaborators.
type Engine struct {
	Store    bpdb.Store
	ZCO      zco.Store
	Vdb      *vdb.Vdb
	Registry *Registry

	Accepter    Accepter
	Reassembler Reassembler
	Reports     StatusReporter

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New returns an acquisition Engine. registry may be nil, in which case an
// empty one is created (every block falls through to generic flag handling).
// The returned Engine's Reassembler is a FragmentReassembler wired to the
// same store/ZCO/Vdb/accepter (spec §4.6 "route it through reassembly");
// callers with a different reassembly strategy can overwrite it afterward.
func New(store bpdb.Store, zcoStore zco.Store, v *vdb.Vdb, registry *Registry, accepter Accepter) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		Store:    store,
		ZCO:      zcoStore,
		Vdb:      v,
		Registry: registry,
		Accepter: accepter,
		Now:      time.Now,
	}
	e.Reassembler = NewReassembler(store, zcoStore, v, accepter)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AcqWorkArea owns the state of one in-progress acquisition: the ZCO
// accumulating received bytes, authenticity/sender hints from the inducting
// CLA, and the 2 KiB scratch buffer used by ContinueAcq's single-shot reads
// (spec §4.6).
type AcqWorkArea struct {
	engine *Engine

	authentic bool
	senderEID string
	inductRef model.Ref

	acqRef  model.Ref
	started bool

	scratch []byte

	BytesReceived uint64
	Congestive    bool
	Canceled      bool
}

// BeginAcq starts a new acquisition, recording whether the inducting CLA
// authenticated the sender and, if so, its asserted EID (spec §4.6
// beginAcq). inductRef names the induct this acquisition arrived on, so a
// congestive acquisition can mark that induct's tally; it may be empty if
// the caller has no induct registration to attribute it to.
func (e *Engine) BeginAcq(authentic bool, senderEID string, inductRef model.Ref) *AcqWorkArea {
	return &AcqWorkArea{
		engine:    e,
		authentic: authentic,
		senderEID: senderEID,
		inductRef: inductRef,
		scratch:   bufpool.Get(bufpool.ScratchSize),
	}
}

// LoadAcq attaches a ZCO the CLA already built (e.g. it read the whole frame
// into one buffer up front) as the acquisition object, bypassing
// ContinueAcq (spec §4.6 loadAcq).
func (a *AcqWorkArea) LoadAcq(ctx context.Context, ref model.Ref) error {
	length, err := a.engine.ZCO.Len(ctx, ref)
	if err != nil {
		return err
	}
	a.acqRef = ref
	a.started = true
	a.BytesReceived = length
	return nil
}

// ContinueAcq appends a byte range to the acquisition ZCO, creating it on
// the first call (spec §4.6 continueAcq). If the ZCO heap budget is
// exhausted, the work area is marked congestive and ContinueAcq returns nil
// so the CLA can keep draining the frame without having to special-case a
// mid-stream abort; EndAcq discards the bundle once the whole frame has been
// consumed.
func (a *AcqWorkArea) ContinueAcq(ctx context.Context, data []byte) error {
	if a.Congestive || a.Canceled {
		return nil
	}
	var err error
	if !a.started {
		a.acqRef, _, err = a.engine.ZCO.Create(ctx, bytes.NewReader(data))
		a.started = true
	} else {
		err = a.engine.ZCO.Append(ctx, a.acqRef, data)
	}
	if errors.Is(err, model.ErrCongestive) {
		a.Congestive = true
		logger.WarnCtx(ctx, "acquisition congestive", logger.KeyReason, "heap budget exhausted")
		return nil
	}
	if err != nil {
		return err
	}
	a.BytesReceived += uint64(len(data))
	return nil
}

// CancelAcq destroys the acquisition ZCO and releases the work area's
// scratch buffer (spec §4.6 cancelAcq). The work area must not be used
// again after Cancel.
func (a *AcqWorkArea) CancelAcq(ctx context.Context) error {
	a.Canceled = true
	bufpool.Put(a.scratch)
	a.scratch = nil
	if a.started && !a.acqRef.Empty() {
		return a.engine.ZCO.Destroy(ctx, a.acqRef)
	}
	return nil
}

func (a *AcqWorkArea) destroyAcqZCO(ctx context.Context) {
	if a.started && !a.acqRef.Empty() {
		if err := a.engine.ZCO.Destroy(ctx, a.acqRef); err != nil {
			logger.WarnCtx(ctx, "failed to destroy acquisition zco", logger.Err(err))
		}
		a.acqRef = ""
	}
}

// EndAcq parses the accumulated bytes and dispatches the result (spec §4.6
// endAcq). The returned model.Code follows the CLA input interface
// convention (spec §6): CodeSuccess (1) once the bundle has been durably
// accepted or routed to reassembly, CodeTransient (0) when this particular
// bundle was rejected but the induct should continue, CodeFatal (-1) when a
// store failure makes the whole task unsafe to continue.
func (a *AcqWorkArea) EndAcq(ctx context.Context) (model.Code, error) {
	defer func() {
		bufpool.Put(a.scratch)
		a.scratch = nil
	}()

	if !a.started || a.acqRef.Empty() {
		return model.CodeTransient, nil
	}

	if a.Congestive {
		a.engine.markCongestive(ctx, a.inductRef)
		a.destroyAcqZCO(ctx)
		return model.CodeTransient, nil
	}

	r, err := a.engine.ZCO.NewReader(ctx, a.acqRef)
	if err != nil {
		return model.CodeFatal, model.Fatal("endAcq", err)
	}
	defer r.Close()

	decoded, err := bpwire.DecodeBundle(r)
	if err != nil {
		logger.WarnCtx(ctx, "malformed bundle rejected", logger.Err(err))
		a.destroyAcqZCO(ctx)
		return model.CodeTransient, nil
	}

	b := decoded.Bundle
	b.ArrivalTime = a.engine.now()
	b.Dossier = model.Dossier{Authentic: a.authentic, SenderEID: a.senderEID}
	if b.Dossier.SenderEID != "" {
		if cbhe, err := cbheNodeNumber(b.Dossier.SenderEID); err == nil {
			b.Dossier.SenderNodeNbr = cbhe
		}
	}

	mustAbort, reportReason := a.engine.dispatchBlocks(ctx, b, &b.PrePayloadBlocks)
	if !mustAbort {
		var abort2 bool
		abort2, reportReason = a.engine.dispatchBlocks(ctx, b, &b.PostPayloadBlocks)
		mustAbort = mustAbort || abort2
	}
	if mustAbort {
		a.engine.reportIfRequested(ctx, b, model.SRRDeleted, reportReason)
		a.destroyAcqZCO(ctx)
		return model.CodeTransient, nil
	}

	payloadRef, err := a.engine.ZCO.Clone(ctx, a.acqRef, decoded.PayloadOffset, decoded.PayloadLength)
	if err != nil {
		if errors.Is(err, model.ErrCongestive) {
			a.destroyAcqZCO(ctx)
			return model.CodeTransient, nil
		}
		return model.CodeFatal, model.Fatal("endAcq", err)
	}
	b.PayloadZCO = payloadRef
	b.PayloadLen = decoded.PayloadLength
	a.destroyAcqZCO(ctx)

	a.engine.reportIfRequested(ctx, b, model.SRRReceived, model.ReasonNoInfo)

	// Every fragment is routed to reassembly unconditionally: a fragment's
	// BundleID carries its own (offset, length), so two distinct fragments
	// of the same ADU never collide in the bundles hash and the "duplicate"
	// case below can only mean the exact same fragment arrived twice.
	if b.IsFragment() {
		if a.engine.Reassembler == nil {
			logger.WarnCtx(ctx, "fragment arrived with no reassembler wired, discarding")
			if err := a.engine.ZCO.Destroy(ctx, b.PayloadZCO); err != nil {
				logger.WarnCtx(ctx, "failed to destroy undeliverable fragment payload", logger.Err(err))
			}
			return model.CodeTransient, nil
		}
		if _, dup := a.engine.Vdb.LookupBundleID(b.ID); dup {
			a.engine.Vdb.PutBundleID(b.ID, "")
			if err := a.engine.ZCO.Destroy(ctx, b.PayloadZCO); err != nil {
				logger.WarnCtx(ctx, "failed to destroy duplicate fragment payload", logger.Err(err))
			}
			return model.CodeTransient, nil
		}
		if err := a.engine.Reassembler.AddFragment(ctx, b); err != nil {
			return model.CodeFatal, model.Fatal("endAcq", err)
		}
		return model.CodeSuccess, nil
	}

	if _, dup := a.engine.Vdb.LookupBundleID(b.ID); dup {
		a.engine.Vdb.PutBundleID(b.ID, "")
		if err := a.engine.ZCO.Destroy(ctx, b.PayloadZCO); err != nil {
			logger.WarnCtx(ctx, "failed to destroy duplicate payload", logger.Err(err))
		}
		return model.CodeTransient, nil
	}

	var ref model.Ref
	err = a.engine.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		ref = r
		b.Ref = ref
		b.Refs.HashEntry = ref
		_, err = tx.PutBundle(ctx, b)
		return err
	})
	if err != nil {
		return model.CodeFatal, model.Fatal("endAcq", err)
	}
	a.engine.Vdb.PutBundleID(b.ID, ref)

	if a.engine.Accepter != nil {
		if err := a.engine.Accepter.Accept(ctx, b); err != nil {
			return model.CodeFatal, model.Fatal("endAcq", err)
		}
	}
	return model.CodeSuccess, nil
}

// dispatchBlocks walks blocks in place, invoking a registered handler for
// each recognized type and applying BLK_REPORT_IF_NG / BLK_ABORT_IF_NG /
// BLK_REMOVE_IF_NG / BLK_IS_LAST to unrecognized or rejected ones (spec
// §4.6). It mutates *blocks to drop any block flagged BLK_REMOVE_IF_NG that
// had no handler (or whose handler rejected it), and truncates the list
// after a kept block flagged BLK_IS_LAST since anything past it is
// malformed framing.
func (e *Engine) dispatchBlocks(ctx context.Context, b *model.Bundle, blocks *[]model.ExtensionBlock) (mustAbort bool, reason model.StatusReason) {
	kept := (*blocks)[:0]
	for _, blk := range *blocks {
		handler, ok := e.Registry.Lookup(blk.Type)
		rejected := false
		if ok {
			if err := handler.HandleBlock(ctx, b, blk); err != nil {
				logger.WarnCtx(ctx, "block handler rejected block", logger.Err(err))
				rejected = true
			}
		} else {
			rejected = true // unrecognized block type: generic flag handling
		}

		if rejected {
			if blk.Flags&model.BlockReportIfNG != 0 {
				e.reportIfRequested(ctx, b, model.SRRReceived, model.ReasonNoInfo)
			}
			if blk.Flags&model.BlockAbortIfNG != 0 {
				return true, model.ReasonNoInfo
			}
			if blk.Flags&model.BlockRemoveIfNG != 0 {
				continue
			}
		}

		kept = append(kept, blk)
		if blk.Flags&model.BlockIsLast != 0 {
			break
		}
	}
	*blocks = kept
	return false, model.ReasonNoInfo
}

// markCongestive increments the inducting induct's congestive tally (spec
// §4.6 endAcq: "mark the induct's congestive tally"). A miss (inductRef
// empty or unregistered, e.g. a test harness with no induct wiring) is
// silently ignored.
func (e *Engine) markCongestive(ctx context.Context, inductRef model.Ref) {
	if inductRef.Empty() {
		return
	}
	ind, ok := e.Vdb.InductByRef(inductRef)
	if !ok {
		return
	}
	ind.CongestiveCount++
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutInduct(ctx, ind)
		return err
	}); err != nil {
		logger.WarnCtx(ctx, "failed to persist induct congestive tally", logger.Err(err))
		return
	}
	e.Vdb.PutInduct(ind)
}

func (e *Engine) reportIfRequested(ctx context.Context, b *model.Bundle, flag model.SRRFlags, reason model.StatusReason) {
	if e.Reports == nil {
		return
	}
	if b.SRR&flag == 0 {
		return
	}
	e.Reports.Report(ctx, b, flag, reason)
}

func cbheNodeNumber(senderEID string) (uint64, error) {
	var node, svc uint64
	if _, err := fmt.Sscanf(senderEID, "ipn:%d.%d", &node, &svc); err != nil {
		return 0, err
	}
	return node, nil
}
