// Package lifecycle implements the L7 lifecycle engine: the accept/abandon
// decision a newly acquired bundle goes through, fragment/clone production,
// the custody-signal consumer, and bpDestroyBundle — the only code allowed
// to clear a bundle's retention constraints and free it (spec §4.7).
package lifecycle

import (
	"context"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// Forwarder is the forwarding engine's entrypoint for a bundle that cleared
// accept and is not addressed to a locally-registered endpoint (spec §4.8).
// A capability interface, not a direct internal/forwarding import, for the
// same reason internal/acquisition depends on an Accepter (spec §9).
type Forwarder interface {
	ForwardBundle(ctx context.Context, b *model.Bundle) error
}

// Reforwarder re-routes a bundle whose custody relationship just ended
// without success (spec §4.7 applyCtSignal, §4.10 xmitOverdue/ctDue).
type Reforwarder interface {
	ReforwardBundle(ctx context.Context, b *model.Bundle) error
}

// CustodySignaler emits a BP_CUSTODY_SIGNAL administrative record toward a
// bundle's custodian (spec §4.7, §4.11).
type CustodySignaler interface {
	EmitCtSignal(ctx context.Context, b *model.Bundle, succeeded bool, reason model.StatusReason)
}

// StatusReporter emits a status report for an SRR flag the bundle requested
// (spec §4.11); shaped identically to internal/acquisition.StatusReporter so
// one admin-package type satisfies both.
type StatusReporter interface {
	Report(ctx context.Context, b *model.Bundle, flag model.SRRFlags, reason model.StatusReason)
}

// AdminDispatcher parses and dispatches an administrative bundle delivered
// to the local administrative endpoint (spec §4.11: "A single
// administrative endpoint per scheme consumes administrative bundles").
// internal/admin is the canonical implementation.
type AdminDispatcher interface {
	DispatchAdminRecord(ctx context.Context, b *model.Bundle) error
}

// DefaultCustodyTimeout is how far in the future bpAccept schedules a ctDue
// timeline event when it takes custody, absent an Engine.CustodyTimeout
// override.
const DefaultCustodyTimeout = 24 * time.Hour

// Engine is the L7 lifecycle engine.
type Engine struct {
	Store bpdb.Store
	ZCO   zco.Store
	Vdb   *vdb.Vdb

	Forwarder       Forwarder
	Reforward       Reforwarder
	CustodySignaler CustodySignaler
	Reports         StatusReporter
	Admin           AdminDispatcher

	CustodyTimeout time.Duration

	// OnDelivery, when set, is called every time a bundle is appended to a
	// local endpoint's delivery queue, after the queue has been persisted and
	// the vdb copy updated. internal/node uses this to wake a bp_receive
	// waiter blocked on that endpoint instead of polling it (spec §5
	// "endpoint delivery semaphore").
	OnDelivery func(ep *model.Endpoint)

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New returns a lifecycle Engine wired to forwarder, which may be nil (a
// non-local bundle is then abandoned with ReasonNoRoute).
func New(store bpdb.Store, zcoStore zco.Store, v *vdb.Vdb, forwarder Forwarder) *Engine {
	return &Engine{
		Store:          store,
		ZCO:            zcoStore,
		Vdb:            v,
		Forwarder:      forwarder,
		CustodyTimeout: DefaultCustodyTimeout,
		Now:            time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) custodyTimeout() time.Duration {
	if e.CustodyTimeout > 0 {
		return e.CustodyTimeout
	}
	return DefaultCustodyTimeout
}

func (e *Engine) persist(ctx context.Context, b *model.Bundle) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutBundle(ctx, b)
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

// Accept implements bpAccept (spec §4.7): idempotent, takes custody when
// requested, reports SRR_ACCEPTED, and dispatches the bundle to local
// delivery or to the forwarder. It is the canonical implementation of
// internal/acquisition.Accepter.
func (e *Engine) Accept(ctx context.Context, b *model.Bundle) error {
	if b.Accepted {
		return nil
	}
	b.Accepted = true

	e.reportIfRequested(ctx, b, model.SRRReceived, model.ReasonNoInfo)

	if !b.ExpirationTime.IsZero() {
		if err := e.scheduleTTL(ctx, b); err != nil {
			return err
		}
	}

	if b.Flags&model.BDLCustodial != 0 {
		if err := e.takeCustody(ctx, b); err != nil {
			return err
		}
	}

	e.reportIfRequested(ctx, b, model.SRRAccepted, model.ReasonNoInfo)
	if err := e.persist(ctx, b); err != nil {
		return err
	}

	if ep, ok := e.localEndpoint(b.Dest); ok {
		return e.deliverLocally(ctx, b, ep)
	}

	if e.Forwarder == nil {
		return e.Abandon(ctx, b, model.ReasonNoRoute)
	}
	return e.Forwarder.ForwardBundle(ctx, b)
}

func (e *Engine) takeCustody(ctx context.Context, b *model.Bundle) error {
	b.CustodyTaken = true

	ev := &model.BpEvent{Type: model.EventCtDue, Time: e.now().Add(e.custodyTimeout())}
	var ref model.Ref
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutEvent(ctx, ev)
		if err != nil {
			return err
		}
		ref = r
		ev.Ref = ref
		_, err = tx.PutEvent(ctx, ev)
		return err
	}); err != nil {
		return err
	}
	ev.Object = b.Ref
	b.Refs.CustodyTimeline = ref
	e.Vdb.InsertEvent(ev)

	if e.CustodySignaler != nil {
		e.CustodySignaler.EmitCtSignal(ctx, b, true, model.ReasonNoInfo)
	}
	return nil
}

// scheduleTTL installs the expiredTTL timeline event that bounds a bundle's
// lifetime, mirroring takeCustody's two-step self-reference insert.
func (e *Engine) scheduleTTL(ctx context.Context, b *model.Bundle) error {
	ev := &model.BpEvent{Type: model.EventExpiredTTL, Time: b.ExpirationTime}
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
	b.Refs.TTLTimeline = ev.Ref
	e.Vdb.InsertEvent(ev)
	return nil
}

// localEndpoint reports the locally-registered endpoint matching dest, if
// the scheme its NSS is registered under also matches dest's scheme.
func (e *Engine) localEndpoint(dest eid.EID) (*model.Endpoint, bool) {
	ep, ok := e.Vdb.EndpointByNSS(dest.NSS)
	if !ok {
		return nil, false
	}
	scheme, ok := e.Vdb.SchemeByRef(ep.SchemeRef)
	if !ok || scheme.Name != dest.Scheme {
		return nil, false
	}
	return ep, true
}

func (e *Engine) deliverLocally(ctx context.Context, b *model.Bundle, ep *model.Endpoint) error {
	if b.Flags&model.BDLIsAdmin != 0 && e.Admin != nil {
		if err := e.Admin.DispatchAdminRecord(ctx, b); err != nil {
			return err
		}
		_, err := e.DestroyBundle(ctx, b, false)
		return err
	}

	if ep.RecvRule == model.RecvDiscard {
		logger.InfoCtx(ctx, "delivery discarded by endpoint recv rule", logger.KeyEndpoint, ep.NSS)
		_, err := e.DestroyBundle(ctx, b, false)
		return err
	}

	ep.DeliveryQ = append(ep.DeliveryQ, b.Ref)
	b.Delivered = true
	b.Refs.DeliveryQueue = ep.Ref

	if err := e.persist(ctx, b); err != nil {
		return err
	}
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutEndpoint(ctx, ep)
		return err
	}); err != nil {
		return err
	}
	e.Vdb.PutEndpoint(ep)

	e.reportIfRequested(ctx, b, model.SRRDelivered, model.ReasonNoInfo)
	if e.OnDelivery != nil {
		e.OnDelivery(ep)
	}
	return nil
}

// Abandon implements bpAbandon (spec §4.7): call at most once per bundle.
// Emits SRR_DELETED with reason, emits a custody-refused signal if custody
// had been taken, then forces every retention constraint clear and destroys
// the bundle.
func (e *Engine) Abandon(ctx context.Context, b *model.Bundle, reason model.StatusReason) error {
	e.reportIfRequested(ctx, b, model.SRRDeleted, reason)

	if b.CustodyTaken && e.CustodySignaler != nil {
		e.CustodySignaler.EmitCtSignal(ctx, b, false, reason)
	}

	e.clearAllConstraints(b)
	_, err := e.DestroyBundle(ctx, b, false)
	return err
}

func (e *Engine) clearAllConstraints(b *model.Bundle) {
	for _, ref := range []*model.Ref{&b.Refs.TTLTimeline, &b.Refs.XmitOverdueTimeline, &b.Refs.CustodyTimeline} {
		if !ref.Empty() {
			e.Vdb.RemoveEvent(*ref)
			*ref = ""
		}
	}
	b.Refs.ForwardQueue = ""
	b.Refs.IncompleteElt = ""
	b.Refs.DeliveryQueue = ""
	b.Refs.OutductQueue = ""
	b.Refs.TrackingList = nil
	b.CustodyTaken = false
}

// Clone implements bpClone (spec §4.7, §4.9): offset=0 with length=0 or
// length equal to the original's payload length produces a full copy;
// any other range produces a fragment whose payload ZCO is cloned (never
// copied) and whose fragment offset adds onto the original's. Both the
// original and the product are members of the bundles hash.
func (e *Engine) Clone(ctx context.Context, original *model.Bundle, offset, length uint64) (*model.Bundle, error) {
	fullCopy := offset == 0 && (length == 0 || length == original.PayloadLen)
	if fullCopy {
		length = original.PayloadLen
	}

	payloadRef, err := e.ZCO.Clone(ctx, original.PayloadZCO, offset, length)
	if err != nil {
		return nil, err
	}

	clone := *original
	clone.Ref = ""
	clone.Refs = model.BackRefs{}
	clone.PayloadZCO = payloadRef
	clone.PayloadLen = length
	clone.Stations = append([]eid.EID(nil), original.Stations...)
	clone.PrePayloadBlocks = append([]model.ExtensionBlock(nil), original.PrePayloadBlocks...)
	clone.PostPayloadBlocks = append([]model.ExtensionBlock(nil), original.PostPayloadBlocks...)
	clone.CollabBlocks = append([]model.ExtensionBlock(nil), original.CollabBlocks...)
	clone.Accepted = false
	clone.Delivered = false

	if !fullCopy {
		clone.Flags |= model.BDLIsFragment
		clone.ID.FragmentOffset = original.ID.FragmentOffset + uint32(offset)
		clone.ID.FragmentLength = uint32(length)
	}

	var ref model.Ref
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, &clone)
		if err != nil {
			return err
		}
		ref = r
		clone.Ref = ref
		clone.Refs.HashEntry = ref
		_, err = tx.PutBundle(ctx, &clone)
		return err
	}); err != nil {
		return nil, err
	}
	e.Vdb.PutBundleID(clone.ID, ref)
	return &clone, nil
}

// DestroyBundle implements bpDestroyBundle (spec §4.7, invariant 1): it
// always clears hashEntry (the hash index membership is this function's own
// bookkeeping, not an externally-held constraint), then checks whether every
// other retention constraint the caller has already cleared leaves none
// outstanding. If so, it removes the bundle from the store, destroys its
// payload ZCO, and removes it from the bundles hash, returning true. If
// constraints remain, it only persists the updated back-references and
// returns false.
func (e *Engine) DestroyBundle(ctx context.Context, b *model.Bundle, expired bool) (bool, error) {
	b.Refs.HashEntry = ""
	if expired {
		b.Expired = true
	}

	if !b.Refs.Cleared() {
		return false, e.persist(ctx, b)
	}

	if expired {
		e.reportIfRequested(ctx, b, model.SRRDeleted, model.ReasonExpired)
	}

	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteBundle(ctx, b.Ref)
	}); err != nil {
		return false, err
	}

	if !b.PayloadZCO.Empty() {
		if err := e.ZCO.Destroy(ctx, b.PayloadZCO); err != nil {
			logger.WarnCtx(ctx, "failed to destroy bundle payload", logger.Err(err))
		}
	}

	e.Vdb.RemoveBundleID(b.ID)
	return true, nil
}

// ApplyCtSignal implements applyCtSignal (spec §4.7): look up the bundle by
// its identifying triple; a miss means it has already been retired and the
// signal is silently dropped. On success, release custody and destroy it
// (round-trip law (d)); on failure, release custody and re-forward it.
func (e *Engine) ApplyCtSignal(ctx context.Context, sig model.BpCtSignal) error {
	set, ok := e.Vdb.LookupBundleID(sig.BundleID)
	if !ok {
		return nil
	}
	if set.Count != 1 || set.BundleRef.Empty() {
		logger.WarnCtx(ctx, "custody signal matches an ambiguous bundle-id entry, dropping", logger.Reason(uint8(sig.Reason)))
		return nil
	}

	var b *model.Bundle
	if err := e.Store.View(ctx, func(tx bpdb.Tx) error {
		bb, err := tx.GetBundle(ctx, set.BundleRef)
		if err != nil {
			return err
		}
		b = bb
		return nil
	}); err != nil {
		return err
	}

	if !b.Refs.CustodyTimeline.Empty() {
		e.Vdb.RemoveEvent(b.Refs.CustodyTimeline)
		b.Refs.CustodyTimeline = ""
	}
	b.CustodyTaken = false

	if sig.Succeeded {
		_, err := e.DestroyBundle(ctx, b, false)
		return err
	}

	if err := e.persist(ctx, b); err != nil {
		return err
	}
	if e.Reforward == nil {
		return nil
	}
	return e.Reforward.ReforwardBundle(ctx, b)
}
