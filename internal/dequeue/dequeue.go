// Package dequeue implements the L9 dequeue engine: per-outduct QoS
// selection across Expedited/Standard/Bulk outflows, on-the-fly
// fragmentation against an outduct's maxPayloadLength, header/trailer
// catenation into a single wire-ready ZCO, throttle debiting, and the
// stewardship/fire-and-forget/engine-managed custody-timer split a CLA's
// timeoutInterval choice selects between (spec §4.9).
package dequeue

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/throttle"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// ScratchBufferLen is the leading-bytes window bpIdentify parses a bundle ID
// out of (spec §4.9: "using a 2 KiB scratch buffer").
const ScratchBufferLen = 2048

// Cloner produces bpClone's fragment/copy products. Satisfied by
// internal/lifecycle.Engine; a capability interface for the same reason the
// other engines take one (spec §9).
type Cloner interface {
	Clone(ctx context.Context, original *model.Bundle, offset, length uint64) (*model.Bundle, error)
}

// Reforwarder re-routes a bundle whose transmission failed or whose
// custody timer expired without a custody-accepted signal.
type Reforwarder interface {
	ReforwardBundle(ctx context.Context, b *model.Bundle) error
}

// StatusReporter emits SRR_FORWARDED when requested.
type StatusReporter interface {
	Report(ctx context.Context, b *model.Bundle, flag model.SRRFlags, reason model.StatusReason)
}

// Reverser detaches a bundle from a blocked outduct's queue and re-routes it
// (spec §4.8 reverseEnqueue), invoked by the xmit loop when it finds a
// blocked outduct still holding queued bundles.
type Reverser interface {
	ReverseEnqueue(ctx context.Context, bundleRef model.Ref, outduct *model.Outduct, sendToLimbo bool) error
}

// svcFactor weights the Standard and Bulk outflows against Expedited in the
// totalBytesSent · serviceFactor comparison (spec §4.9 "svcFactor 2/2/1").
const (
	svcFactorExpedited = 2
	svcFactorStandard  = 2
	svcFactorBulk      = 1
)

// outflowState tracks one outduct's three in-memory service aggregates.
// These mirror the persistent queues; they never hold bundle data
// themselves, only the running byte totals the selection rule compares.
type outflowState struct {
	expeditedSent uint64
	standardSent  uint64
	bulkSent      uint64
}

// Result is what bpDequeue hands back to a CLA output adapter: a single
// catenated ZCO ready to push onto the wire, plus the routing metadata the
// adapter needs to address the frame.
type Result struct {
	ZCO          model.Ref
	Length       uint64
	COS          model.ClassOfService
	DestDuctName string
	BundleRef    model.Ref
}

// Engine is the L9 dequeue engine.
type Engine struct {
	Store bpdb.Store
	ZCO   zco.Store
	Vdb   *vdb.Vdb

	Clone     Cloner
	Reforward Reforwarder
	Reports   StatusReporter
	Reverse   Reverser

	// Throttles holds one xmit token bucket per outduct, keyed by
	// model.Outduct.Ref. An outduct absent here (or whose throttle has
	// NominalRate 0) dequeues unthrottled.
	Throttles map[model.Ref]*throttle.Throttle

	outflows map[model.Ref]*outflowState

	Now func() time.Time
}

// New returns a dequeue Engine.
func New(store bpdb.Store, zcoStore zco.Store, v *vdb.Vdb, cloner Cloner) *Engine {
	return &Engine{
		Store:     store,
		ZCO:       zcoStore,
		Vdb:       v,
		Clone:     cloner,
		Throttles: make(map[model.Ref]*throttle.Throttle),
		outflows:  make(map[model.Ref]*outflowState),
		Now:       time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) outflowFor(outductRef model.Ref) *outflowState {
	of, ok := e.outflows[outductRef]
	if !ok {
		of = &outflowState{}
		e.outflows[outductRef] = of
	}
	return of
}

func (e *Engine) throttleFor(outduct *model.Outduct) *throttle.Throttle {
	return e.Throttles[outduct.Ref]
}

// selectQueue picks the outflow to draw from: among the non-empty queues,
// the one whose totalBytesSent · serviceFactor is minimal, Expedited
// breaking ties (spec §4.9 step 2).
func selectQueue(q *model.OutductQueues, of *outflowState) (model.ClassOfService, bool) {
	type candidate struct {
		cos   model.ClassOfService
		score uint64
		empty bool
	}
	candidates := []candidate{
		{model.COSUrgent, of.expeditedSent * svcFactorExpedited, len(q.Urgent) == 0},
		{model.COSStandard, of.standardSent * svcFactorStandard, len(q.Standard) == 0},
		{model.COSBulk, of.bulkSent * svcFactorBulk, len(q.Bulk) == 0},
	}

	best := -1
	for i, c := range candidates {
		if c.empty {
			continue
		}
		if best < 0 || c.score < candidates[best].score {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return candidates[best].cos, true
}

func queueHead(q *model.OutductQueues, cos model.ClassOfService) (model.Ref, bool) {
	var refs []model.Ref
	switch cos {
	case model.COSUrgent:
		refs = q.Urgent
	case model.COSStandard:
		refs = q.Standard
	default:
		refs = q.Bulk
	}
	if len(refs) == 0 {
		return "", false
	}
	return refs[0], true
}

func popQueueHead(q *model.OutductQueues, cos model.ClassOfService, b *model.Bundle) {
	switch cos {
	case model.COSUrgent:
		q.Urgent = q.Urgent[1:]
		q.UrgentBacklog -= b.PayloadLen
		for o := range q.LastForOrdinal {
			if q.LastForOrdinal[o] > 0 {
				q.LastForOrdinal[o]--
			}
		}
	case model.COSStandard:
		q.Standard = q.Standard[1:]
		q.StandardBacklog -= b.PayloadLen
	default:
		q.Bulk = q.Bulk[1:]
		q.BulkBacklog -= b.PayloadLen
	}
}

func pushQueueFront(q *model.OutductQueues, cos model.ClassOfService, ref model.Ref, payloadLen uint64) {
	switch cos {
	case model.COSUrgent:
		q.Urgent = append([]model.Ref{ref}, q.Urgent...)
		q.UrgentBacklog += payloadLen
		for o := range q.LastForOrdinal {
			q.LastForOrdinal[o]++
		}
	case model.COSStandard:
		q.Standard = append([]model.Ref{ref}, q.Standard...)
		q.StandardBacklog += payloadLen
	default:
		q.Bulk = append([]model.Ref{ref}, q.Bulk...)
		q.BulkBacklog += payloadLen
	}
}

// Dequeue implements bpDequeue (spec §4.9): selects the next bundle for
// outductRef across its three outflows, fragments it if its payload exceeds
// the outduct's maxPayloadLength, catenates header+payload+trailer into a
// single wire-ready ZCO, debits the owning protocol's throttle, emits
// SRR_FORWARDED, and installs (or skips) a custody timer per
// timeoutInterval. Blocks until a bundle is available or ctx is canceled,
// in which case it returns model.ErrInterrupted (spec §5 "cooperative
// interrupt").
func (e *Engine) Dequeue(ctx context.Context, outductRef model.Ref, timeoutInterval time.Duration) (*Result, error) {
	outduct, ok := e.Vdb.OutductByRef(outductRef)
	if !ok {
		return nil, model.ErrNotFound
	}

	b, cos, err := e.waitAndSelect(ctx, outduct)
	if err != nil {
		return nil, err
	}

	if outduct.MaxPayloadLength > 0 && b.PayloadLen > outduct.MaxPayloadLength {
		if err := e.fragment(ctx, outduct, cos, b); err != nil {
			return nil, err
		}
	}

	zcoRef, length, err := e.catenate(ctx, b)
	if err != nil {
		return nil, err
	}

	if th := e.throttleFor(outduct); th != nil {
		if err := th.Acquire(ctx, length); err != nil {
			return nil, err
		}
	}
	e.creditOutflow(outduct.Ref, cos, length)

	e.reportIfRequested(ctx, b, model.SRRForwarded, model.ReasonNoInfo)

	if err := e.applyTimeoutInterval(ctx, b, timeoutInterval); err != nil {
		return nil, err
	}

	return &Result{
		ZCO:          zcoRef,
		Length:       length,
		COS:          cos,
		DestDuctName: b.DestDuctName,
		BundleRef:    b.Ref,
	}, nil
}

// waitAndSelect blocks on the outduct's xmit semaphore until one of its
// three persistent queues is non-empty, then pops the winning head off its
// persistent queue and detaches the bundle's OutductQueue back-reference.
func (e *Engine) waitAndSelect(ctx context.Context, outduct *model.Outduct) (*model.Bundle, model.ClassOfService, error) {
	for {
		if outduct.Blocked {
			if err := e.drainBlocked(ctx, outduct); err != nil {
				return nil, 0, err
			}
			select {
			case <-ctx.Done():
				return nil, 0, model.ErrInterrupted
			case <-e.Vdb.DequeueWake:
				refreshed, ok := e.Vdb.OutductByRef(outduct.Ref)
				if ok {
					outduct = refreshed
				}
			}
			continue
		}

		of := e.outflowFor(outduct.Ref)
		cos, ok := selectQueue(&outduct.Queues, of)
		if ok {
			ref, _ := queueHead(&outduct.Queues, cos)
			b, err := e.loadBundle(ctx, ref)
			if err != nil {
				return nil, 0, err
			}
			popQueueHead(&outduct.Queues, cos, b)
			b.Refs.OutductQueue = ""
			if err := e.persistBundle(ctx, b); err != nil {
				return nil, 0, err
			}
			if err := e.persistOutduct(ctx, outduct); err != nil {
				return nil, 0, err
			}
			e.Vdb.PutOutduct(outduct)
			return b, cos, nil
		}

		select {
		case <-ctx.Done():
			return nil, 0, model.ErrInterrupted
		case <-e.Vdb.DequeueWake:
			// Re-fetch: another consumer or bpEnqueue may have changed the
			// outduct since we last looked.
			refreshed, ok := e.Vdb.OutductByRef(outduct.Ref)
			if ok {
				outduct = refreshed
			}
		}
	}
}

// drainBlocked reverse-enqueues every bundle still sitting on outduct's
// three queues once it has been blocked (spec §4.8 reverseEnqueue "on
// outduct blockage"), since bpEnqueue already refuses to add more and the
// xmit loop above will not select from it again until unblocked. A nil
// Reverse leaves them queued, same as before this was wired up.
func (e *Engine) drainBlocked(ctx context.Context, outduct *model.Outduct) error {
	if e.Reverse == nil {
		return nil
	}
	pending := make([]model.Ref, 0, len(outduct.Queues.Bulk)+len(outduct.Queues.Standard)+len(outduct.Queues.Urgent))
	pending = append(pending, outduct.Queues.Bulk...)
	pending = append(pending, outduct.Queues.Standard...)
	pending = append(pending, outduct.Queues.Urgent...)
	for _, ref := range pending {
		if err := e.Reverse.ReverseEnqueue(ctx, ref, outduct, true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) creditOutflow(outductRef model.Ref, cos model.ClassOfService, n uint64) {
	of := e.outflowFor(outductRef)
	switch cos {
	case model.COSUrgent:
		of.expeditedSent += n
	case model.COSStandard:
		of.standardSent += n
	default:
		of.bulkSent += n
	}
}

// fragment implements spec §4.9 step 3: split the oversize bundle at
// maxPayloadLength, truncate the head bundle's own payload reference to the
// first maxPayloadLength bytes, and push the tail fragment back onto the
// head of the same persistent queue it was drawn from.
func (e *Engine) fragment(ctx context.Context, outduct *model.Outduct, cos model.ClassOfService, b *model.Bundle) error {
	remainder := b.PayloadLen - outduct.MaxPayloadLength
	tail, err := e.Clone.Clone(ctx, b, outduct.MaxPayloadLength, remainder)
	if err != nil {
		return err
	}

	headPayload, err := e.ZCO.Clone(ctx, b.PayloadZCO, 0, outduct.MaxPayloadLength)
	if err != nil {
		return err
	}
	b.PayloadZCO = headPayload
	b.PayloadLen = outduct.MaxPayloadLength
	b.Flags |= model.BDLIsFragment

	tail.Refs.OutductQueue = outduct.Ref
	if err := e.persistBundle(ctx, tail); err != nil {
		return err
	}
	pushQueueFront(&outduct.Queues, cos, tail.Ref, tail.PayloadLen)
	if err := e.persistOutduct(ctx, outduct); err != nil {
		return err
	}
	e.Vdb.PutOutduct(outduct)
	return nil
}

// catenate implements spec §4.9 step 4: EncodeBundle already writes the
// primary and pre-payload blocks (the header), then the payload block
// framing and body, then the post-payload blocks (the trailer), in that
// order — so encoding straight into the new wire ZCO's backing buffer *is*
// prepending the header and appending the trailer to the payload.
func (e *Engine) catenate(ctx context.Context, b *model.Bundle) (model.Ref, uint64, error) {
	payload, err := e.ZCO.NewReader(ctx, b.PayloadZCO)
	if err != nil {
		return "", 0, err
	}
	defer payload.Close()

	var wire bytes.Buffer
	if err := bpwire.EncodeBundle(&wire, b, payload, b.PayloadLen); err != nil {
		return "", 0, err
	}

	ref, n, err := e.ZCO.Create(ctx, &wire)
	if err != nil {
		return "", 0, err
	}
	return ref, n, nil
}

// applyTimeoutInterval implements spec §4.9 step 7: negative means the CLA
// is a steward and will report back via HandleXmitSuccess/HandleXmitFailure;
// zero means fire-and-forget; positive means the engine itself installs a
// custody-due timer, replacing any the bundle already carries.
func (e *Engine) applyTimeoutInterval(ctx context.Context, b *model.Bundle, timeoutInterval time.Duration) error {
	if timeoutInterval <= 0 {
		return nil
	}
	return e.installCustodyDue(ctx, b, timeoutInterval)
}

func (e *Engine) installCustodyDue(ctx context.Context, b *model.Bundle, interval time.Duration) error {
	if !b.Refs.CustodyTimeline.Empty() {
		e.Vdb.RemoveEvent(b.Refs.CustodyTimeline)
		if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
			return tx.DeleteEvent(ctx, b.Refs.CustodyTimeline)
		}); err != nil {
			return err
		}
	}

	ev := &model.BpEvent{Type: model.EventCtDue, Time: e.now().Add(interval)}
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutEvent(ctx, ev)
		if err != nil {
			return err
		}
		ev.Ref = r
		_, err = tx.PutEvent(ctx, ev)
		return err
	}); err != nil {
		return err
	}
	ev.Object = b.Ref
	b.Refs.CustodyTimeline = ev.Ref
	e.Vdb.InsertEvent(ev)
	return e.persistBundle(ctx, b)
}

// HandleXmitSuccess implements bpHandleXmitSuccess (spec §4.9): recover the
// bundle ID from the wire ZCO's leading bytes, destroy the wire ZCO, and if
// the bundle is still custodial and interval > 0 install a custody-due
// timer now that the CLA has confirmed transmission.
func (e *Engine) HandleXmitSuccess(ctx context.Context, wireZCO model.Ref, interval time.Duration) error {
	id, err := e.identify(ctx, wireZCO)
	if err != nil {
		if err == model.ErrNotFound {
			return e.ZCO.Destroy(ctx, wireZCO)
		}
		return err
	}

	if err := e.ZCO.Destroy(ctx, wireZCO); err != nil {
		return err
	}

	if interval <= 0 {
		return nil
	}
	set, ok := e.Vdb.LookupBundleID(id)
	if !ok || set.Count != 1 || set.BundleRef.Empty() {
		return nil
	}
	b, err := e.loadBundle(ctx, set.BundleRef)
	if err != nil {
		return err
	}
	if !b.CustodyTaken {
		return nil
	}
	return e.installCustodyDue(ctx, b, interval)
}

// HandleXmitFailure implements bpHandleXmitFailure (spec §4.9): recover the
// bundle ID, re-forward the bundle, and destroy the wire ZCO.
func (e *Engine) HandleXmitFailure(ctx context.Context, wireZCO model.Ref) error {
	id, err := e.identify(ctx, wireZCO)
	if err != nil {
		if err == model.ErrNotFound {
			return e.ZCO.Destroy(ctx, wireZCO)
		}
		return err
	}

	if e.Reforward != nil {
		if set, ok := e.Vdb.LookupBundleID(id); ok && set.Count == 1 && !set.BundleRef.Empty() {
			b, lerr := e.loadBundle(ctx, set.BundleRef)
			if lerr != nil {
				return lerr
			}
			if err := e.Reforward.ReforwardBundle(ctx, b); err != nil {
				return err
			}
		}
	}

	return e.ZCO.Destroy(ctx, wireZCO)
}

// identify implements bpIdentify: read a 2 KiB scratch window off the front
// of a wire ZCO and parse the bundle-ID-bearing prefix out of it.
func (e *Engine) identify(ctx context.Context, wireZCO model.Ref) (model.BundleID, error) {
	r, err := e.ZCO.NewReader(ctx, wireZCO)
	if err != nil {
		return model.BundleID{}, err
	}
	defer r.Close()

	scratch := make([]byte, ScratchBufferLen)
	n, err := io.ReadFull(r, scratch)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return model.BundleID{}, err
	}
	return bpwire.IdentifyBundle(scratch[:n])
}

func (e *Engine) loadBundle(ctx context.Context, ref model.Ref) (*model.Bundle, error) {
	var b *model.Bundle
	if err := e.Store.View(ctx, func(tx bpdb.Tx) error {
		bb, err := tx.GetBundle(ctx, ref)
		if err != nil {
			return err
		}
		b = bb
		return nil
	}); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) persistBundle(ctx context.Context, b *model.Bundle) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutBundle(ctx, b)
		return err
	})
}

func (e *Engine) persistOutduct(ctx context.Context, o *model.Outduct) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutOutduct(ctx, o)
		return err
	})
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
