// Package admin implements the L11 administrative-record engine (spec
// §4.11): building and emitting BP_STATUS_REPORT and BP_CUSTODY_SIGNAL
// bundles, and parsing the ones delivered to the local administrative
// endpoint. One Engine value satisfies internal/acquisition.StatusReporter,
// internal/lifecycle.StatusReporter, internal/lifecycle.CustodySignaler,
// internal/lifecycle.AdminDispatcher, internal/dequeue.StatusReporter, and
// internal/timeline.SignalRepeater — every capability interface those
// engines declare for "tell the administrative layer something happened"
// has the identical shape this package was built to fill.
package admin

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// AdminLifespan bounds how long an emitted status report or custody signal
// bundle is allowed to live before the clock expires it, same as any other
// bundle's TTL (spec §4.10).
const AdminLifespan = time.Hour

// Forwarder hands a freshly constructed administrative bundle to the
// forwarding engine, exactly as any other locally-originated bundle would
// be (spec §4.11 emission is not otherwise distinguished from bp_send).
type Forwarder interface {
	ForwardBundle(ctx context.Context, b *model.Bundle) error
}

// CtSignalApplier is the lifecycle engine's applyCtSignal entrypoint,
// invoked for every custody signal this engine parses off the wire
// (spec §4.7, §4.11: "custody signals flow into L7.applyCtSignal").
type CtSignalApplier interface {
	ApplyCtSignal(ctx context.Context, sig model.BpCtSignal) error
}

type pendingSignal struct {
	dest eid.EID
	sig  model.BpCtSignal
}

// Engine is the L11 admin-record engine.
type Engine struct {
	Store bpdb.Store
	ZCO   zco.Store
	Vdb   *vdb.Vdb

	Forward Forwarder
	Apply   CtSignalApplier

	// Local is the source EID stamped on every record this engine emits.
	Local eid.EID

	// OnStatusReport, when set, is invoked for every status report
	// delivered to the local administrative endpoint (spec §4.11:
	// "surfaced to the local application unchanged").
	OnStatusReport model.StatusRptCB
	// OnCustodySignal, when set, is invoked for every custody signal
	// delivered, in addition to the mandatory Apply.ApplyCtSignal call.
	OnCustodySignal model.CtSignalCB

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	pending map[model.Ref]pendingSignal
}

// New wires an admin engine. apply may be nil (custody signals are then
// parsed and surfaced via OnCustodySignal only, never applied).
func New(store bpdb.Store, zcoStore zco.Store, v *vdb.Vdb, forward Forwarder, apply CtSignalApplier, local eid.EID) *Engine {
	return &Engine{
		Store:   store,
		ZCO:     zcoStore,
		Vdb:     v,
		Forward: forward,
		Apply:   apply,
		Local:   local,
		pending: make(map[model.Ref]pendingSignal),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Report implements acquisition/lifecycle/dequeue's StatusReporter: emit a
// status report bundle toward b's report-to EID with the timestamp field
// matching flag stamped to now (spec §4.11: "triggered from every lifecycle
// transition... whose SRR bit is set"). The null endpoint and an absent
// forwarder silently suppress emission.
func (e *Engine) Report(ctx context.Context, b *model.Bundle, flag model.SRRFlags, reason model.StatusReason) {
	if b.ReportTo.IsNull() || b.ReportTo.Scheme == "" {
		return
	}

	rpt := model.BpStatusRpt{BundleID: b.ID, Flags: flag, Reason: reason, SourceEID: e.Local}
	now := e.now()
	switch flag {
	case model.SRRReceived:
		rpt.ReceivedAt = now
	case model.SRRAccepted:
		rpt.AcceptedAt = now
	case model.SRRForwarded:
		rpt.ForwardedAt = now
	case model.SRRDelivered:
		rpt.DeliveredAt = now
	case model.SRRDeleted:
		rpt.DeletedAt = now
	}

	var buf bytes.Buffer
	if err := bpwire.EncodeStatusReport(&buf, rpt); err != nil {
		logger.ErrorCtx(ctx, "failed to encode status report", logger.Err(err))
		return
	}
	if err := e.sendAdminBundle(ctx, b.ReportTo, buf.Bytes()); err != nil {
		logger.ErrorCtx(ctx, "failed to emit status report", logger.Err(err))
	}
}

// EmitCtSignal implements lifecycle.CustodySignaler: emit a custody signal
// toward b's custodian (spec §4.7, §4.11) and track it so a later csDue
// tick can re-emit it if it was never cleared by an inbound acknowledgment.
func (e *Engine) EmitCtSignal(ctx context.Context, b *model.Bundle, succeeded bool, reason model.StatusReason) {
	if b.Custodian.Scheme == "" || b.Custodian.IsNull() {
		return
	}
	sig := model.BpCtSignal{BundleID: b.ID, Succeeded: succeeded, Reason: reason, SourceEID: e.Local}
	if err := e.sendCustodySignal(ctx, b.Custodian, sig); err != nil {
		logger.ErrorCtx(ctx, "failed to emit custody signal", logger.Err(err))
		return
	}
	e.trackPending(b.Ref, b.Custodian, sig)
}

func (e *Engine) sendCustodySignal(ctx context.Context, dest eid.EID, sig model.BpCtSignal) error {
	var buf bytes.Buffer
	if err := bpwire.EncodeCustodySignal(&buf, sig); err != nil {
		return err
	}
	return e.sendAdminBundle(ctx, dest, buf.Bytes())
}

// DispatchAdminRecord implements lifecycle.AdminDispatcher: decode the
// admin record carried as b's payload and dispatch it to the registered
// callback, applying custody signals through Apply (spec §4.11: "parser
// yields either BpStatusRpt or BpCtSignal; dispatches to caller-supplied
// callbacks").
func (e *Engine) DispatchAdminRecord(ctx context.Context, b *model.Bundle) error {
	r, err := e.ZCO.NewReader(ctx, b.PayloadZCO)
	if err != nil {
		return err
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	br := bytes.NewReader(payload)
	typ, err := bpwire.PeekAdminRecordType(br)
	if err != nil {
		logger.WarnCtx(ctx, "malformed admin record, dropping", logger.Err(err))
		return nil
	}

	switch typ {
	case model.AdminStatusReport:
		rpt, err := bpwire.DecodeStatusReport(br)
		if err != nil {
			logger.WarnCtx(ctx, "malformed status report, dropping", logger.Err(err))
			return nil
		}
		if e.OnStatusReport != nil {
			e.OnStatusReport(rpt)
		}
		return nil
	case model.AdminCustodySignal:
		sig, err := bpwire.DecodeCustodySignal(br)
		if err != nil {
			logger.WarnCtx(ctx, "malformed custody signal, dropping", logger.Err(err))
			return nil
		}
		if e.OnCustodySignal != nil {
			e.OnCustodySignal(sig)
		}
		e.clearPending(sig)
		if e.Apply == nil {
			return nil
		}
		return e.Apply.ApplyCtSignal(ctx, sig)
	default:
		logger.WarnCtx(ctx, "unknown admin record type, dropping", logger.KeyReason, typ)
		return nil
	}
}

// ResendPendingSignals implements timeline.SignalRepeater for the csDue
// tick (spec §4.10: "re-emit pending custody signals"). object is the
// custodial bundle's own Ref, the same key trackPending recorded it under;
// a miss (already acknowledged, or this engine was restarted since the
// signal was sent) is a silent no-op.
func (e *Engine) ResendPendingSignals(ctx context.Context, object model.Ref) error {
	e.mu.Lock()
	p, ok := e.pending[object]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sendCustodySignal(ctx, p.dest, p.sig)
}

func (e *Engine) trackPending(bundleRef model.Ref, dest eid.EID, sig model.BpCtSignal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[bundleRef] = pendingSignal{dest: dest, sig: sig}
}

// clearPending resolves sig's BundleID back to the local bundle Ref it was
// tracked under (the inbound signal carries the BundleID triple, not our
// local Ref) and drops the pending entry.
func (e *Engine) clearPending(sig model.BpCtSignal) {
	set, ok := e.Vdb.LookupBundleID(sig.BundleID)
	if !ok || set.Count != 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, set.BundleRef)
}

// sendAdminBundle wraps payload in a freshly minted administrative bundle
// addressed to dest and hands it to the forwarder, the same path any other
// locally-originated bundle takes (spec §4.11 draws no distinction).
func (e *Engine) sendAdminBundle(ctx context.Context, dest eid.EID, payload []byte) error {
	if e.Forward == nil {
		return nil
	}

	payloadRef, n, err := e.ZCO.Create(ctx, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	now := e.now()
	b := &model.Bundle{
		Flags:          model.BDLIsAdmin,
		COS:            model.COSUrgent,
		Source:         e.Local,
		Dest:           dest,
		CreationTime:   now,
		LifespanSecs:   uint64(AdminLifespan.Seconds()),
		ExpirationTime: now.Add(AdminLifespan),
		PayloadZCO:     payloadRef,
		PayloadLen:     n,
		TotalADULength: n,
	}

	id, err := e.nextBundleID(ctx, b.Source, b.CreationTime)
	if err != nil {
		return err
	}
	b.ID = id

	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = r
		b.Refs.HashEntry = r
		_, err = tx.PutBundle(ctx, b)
		return err
	}); err != nil {
		return err
	}
	e.Vdb.PutBundleID(b.ID, b.Ref)

	return e.Forward.ForwardBundle(ctx, b)
}

// nextBundleID increments the shared bundleCounter (spec §4.6: "folded into
// the creation timestamp when the node lacks a synchronized clock") so two
// admin bundles created in the same wall-clock second still get distinct
// IDs.
func (e *Engine) nextBundleID(ctx context.Context, source eid.EID, created time.Time) (model.BundleID, error) {
	var seq uint64
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		db, err := tx.GetBpDB(ctx)
		if err != nil {
			return err
		}
		db.BundleCounter++
		seq = db.BundleCounter
		return tx.PutBpDB(ctx, db)
	}); err != nil {
		return model.BundleID{}, err
	}
	return model.BundleID{SourceEID: source.String(), CreationTime: created.Unix(), CreationSeq: uint32(seq)}, nil
}
