// Package forwarding implements the L8 forwarding bridge: moving an
// accepted bundle onto a scheme's forward queue, handing it to a
// scheme-specific router for a forwarding directive, and acting on that
// directive by enqueueing onto an outduct's QoS queues or recursing toward
// another hop (spec §4.8).
//
// The scheme-specific route computation the spec describes as an external
// forwarder process is modeled here as a SchemeRouter registered per scheme
// name; ForwardBundle drives the forwardQueue push, the route lookup, and
// the resulting bpEnqueue/recurse/limbo step as one synchronous call rather
// than a queue drained by a separate process, since this engine has no
// process boundary to cross.
package forwarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

// DirectiveKind distinguishes the two outcomes a SchemeRouter can return
// (spec §4.8 FwdDirective).
type DirectiveKind uint8

const (
	// DirectiveForward routes the bundle through another EID; forwardBundle
	// recurses with that EID pushed as the next station.
	DirectiveForward DirectiveKind = iota
	// DirectiveXmit hands the bundle to a concrete outduct.
	DirectiveXmit
)

// FwdDirective is the scheme-specific forwarder's routing decision (spec
// §4.8).
type FwdDirective struct {
	Kind DirectiveKind

	NextHop eid.EID // DirectiveForward

	Outduct      model.Ref // DirectiveXmit
	ProxNodeEID  eid.EID
	DestDuctName string
}

// SchemeRouter computes a FwdDirective for a bundle under one routing
// scheme. Returning model.ErrNoRoute sends the bundle to limbo instead of
// failing the call.
type SchemeRouter interface {
	Route(ctx context.Context, b *model.Bundle) (FwdDirective, error)
}

// Engine is the L8 forwarding bridge.
type Engine struct {
	Store bpdb.Store
	Vdb   *vdb.Vdb

	// LocalEID is pushed onto a bundle's stations stack by the outward-facing
	// ForwardBundle entrypoint (spec §4.8: "push stationEid onto the
	// bundle's stations stack").
	LocalEID eid.EID

	Routers map[string]SchemeRouter

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New returns a forwarding Engine for localEID.
func New(store bpdb.Store, v *vdb.Vdb, localEID eid.EID) *Engine {
	return &Engine{
		Store:    store,
		Vdb:      v,
		LocalEID: localEID,
		Routers:  make(map[string]SchemeRouter),
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) persistBundle(ctx context.Context, b *model.Bundle) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutBundle(ctx, b)
		return err
	})
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

func (e *Engine) persistScheme(ctx context.Context, s *model.Scheme) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutScheme(ctx, s)
		return err
	})
}

func (e *Engine) persistOutduct(ctx context.Context, o *model.Outduct) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutOutduct(ctx, o)
		return err
	})
}

// ForwardBundle is the outward-facing entrypoint satisfying
// internal/lifecycle.Forwarder: it pushes this node's own EID as the leading
// station and dispatches (spec §4.8 forwardBundle).
func (e *Engine) ForwardBundle(ctx context.Context, b *model.Bundle) error {
	return e.forwardBundle(ctx, b, e.LocalEID)
}

// ReforwardBundle implements bpReforwardBundle (spec §4.9): detach the
// bundle from whatever outduct queue it currently occupies, clear its
// prior-hop routing hints, and re-run forwardBundle so the scheme router
// picks a fresh path.
func (e *Engine) ReforwardBundle(ctx context.Context, b *model.Bundle) error {
	if err := e.detachFromOutduct(ctx, b); err != nil {
		return err
	}
	b.DestDuctName = ""
	b.ProxNodeEID = eid.EID{}
	return e.ForwardBundle(ctx, b)
}

func (e *Engine) forwardBundle(ctx context.Context, b *model.Bundle, station eid.EID) error {
	if station.Scheme != "" {
		b.PushStation(station)
	}

	scheme, ok := e.Vdb.SchemeByName(b.Dest.Scheme)
	if !ok {
		return e.enqueueToLimbo(ctx, b)
	}

	if err := e.enqueueForward(ctx, scheme, b); err != nil {
		return err
	}
	e.Vdb.NotifyForwardWake()

	directive, rerr := e.route(ctx, scheme, b)
	if rerr != nil {
		if !errors.Is(rerr, model.ErrNoRoute) {
			return rerr
		}
		if err := e.dequeueForward(ctx, scheme, b); err != nil {
			return err
		}
		return e.enqueueToLimbo(ctx, b)
	}

	if err := e.dequeueForward(ctx, scheme, b); err != nil {
		return err
	}

	if directive.Kind == DirectiveForward {
		return e.forwardBundle(ctx, b, directive.NextHop)
	}
	return e.bpEnqueue(ctx, directive, b)
}

func (e *Engine) route(ctx context.Context, scheme *model.Scheme, b *model.Bundle) (FwdDirective, error) {
	router, ok := e.Routers[scheme.Name]
	if !ok {
		return FwdDirective{}, model.ErrNoRoute
	}
	return router.Route(ctx, b)
}

func (e *Engine) enqueueForward(ctx context.Context, scheme *model.Scheme, b *model.Bundle) error {
	scheme.ForwardQueue = append(scheme.ForwardQueue, b.Ref)
	b.Refs.ForwardQueue = scheme.Ref
	if err := e.persistBundle(ctx, b); err != nil {
		return err
	}
	if err := e.persistScheme(ctx, scheme); err != nil {
		return err
	}
	e.Vdb.PutScheme(scheme)
	return nil
}

func (e *Engine) dequeueForward(ctx context.Context, scheme *model.Scheme, b *model.Bundle) error {
	scheme.ForwardQueue = removeRef(scheme.ForwardQueue, b.Ref)
	b.Refs.ForwardQueue = ""
	if err := e.persistBundle(ctx, b); err != nil {
		return err
	}
	if err := e.persistScheme(ctx, scheme); err != nil {
		return err
	}
	e.Vdb.PutScheme(scheme)
	return nil
}

// bpEnqueue moves a routed bundle onto its chosen outduct's bulk, standard,
// or urgent persistent queue, ordering the urgent queue by ordinal (spec
// §4.8 bpEnqueue).
func (e *Engine) bpEnqueue(ctx context.Context, directive FwdDirective, b *model.Bundle) error {
	outduct, ok := e.Vdb.OutductByRef(directive.Outduct)
	if !ok {
		return e.enqueueToLimbo(ctx, b)
	}
	if outduct.Blocked {
		// spec §6 BlockOutduct: bpEnqueue refuses to drain a blocked
		// outduct, parking the bundle in limbo instead (reverseEnqueue's
		// sendToLimbo branch, spec §4.8).
		return e.enqueueToLimbo(ctx, b)
	}

	q := &outduct.Queues
	switch b.COS {
	case model.COSUrgent:
		insertUrgent(q, b.Ref, b.Extended.Ordinal)
		q.UrgentBacklog += b.PayloadLen
	case model.COSStandard:
		q.Standard = append(q.Standard, b.Ref)
		q.StandardBacklog += b.PayloadLen
	default:
		q.Bulk = append(q.Bulk, b.Ref)
		q.BulkBacklog += b.PayloadLen
	}

	b.ProxNodeEID = directive.ProxNodeEID
	b.DestDuctName = directive.DestDuctName
	b.EnqueueTime = e.now()
	b.Refs.OutductQueue = outduct.Ref

	if err := e.persistBundle(ctx, b); err != nil {
		return err
	}
	if err := e.persistOutduct(ctx, outduct); err != nil {
		return err
	}
	e.Vdb.PutOutduct(outduct) // also posts the outduct's xmit semaphore
	return nil
}

// insertUrgent inserts ref into the urgent queue immediately after the last
// recorded position for ordinal, keeping same-ordinal arrivals FIFO while
// distinct ordinals interleave by insertion recency (spec §4.8).
func insertUrgent(q *model.OutductQueues, ref model.Ref, ordinal uint8) {
	insertAt := q.LastForOrdinal[ordinal] + 1
	if insertAt > len(q.Urgent) {
		insertAt = len(q.Urgent)
	}

	q.Urgent = append(q.Urgent, "")
	copy(q.Urgent[insertAt+1:], q.Urgent[insertAt:])
	q.Urgent[insertAt] = ref

	for o := range q.LastForOrdinal {
		if o != int(ordinal) && q.LastForOrdinal[o] >= insertAt {
			q.LastForOrdinal[o]++
		}
	}
	q.LastForOrdinal[ordinal] = insertAt
}

func removeUrgent(q *model.OutductQueues, ref model.Ref) bool {
	idx := indexOf(q.Urgent, ref)
	if idx < 0 {
		return false
	}
	q.Urgent = append(q.Urgent[:idx], q.Urgent[idx+1:]...)
	for o := range q.LastForOrdinal {
		if q.LastForOrdinal[o] > idx {
			q.LastForOrdinal[o]--
		} else if q.LastForOrdinal[o] == idx && q.LastForOrdinal[o] > 0 {
			q.LastForOrdinal[o]--
		}
	}
	return true
}

func indexOf(refs []model.Ref, ref model.Ref) int {
	for i, r := range refs {
		if r == ref {
			return i
		}
	}
	return -1
}

func removeRef(refs []model.Ref, ref model.Ref) []model.Ref {
	idx := indexOf(refs, ref)
	if idx < 0 {
		return refs
	}
	return append(refs[:idx], refs[idx+1:]...)
}

// detachFromOutduct removes a bundle from whichever outduct QoS queue
// currently holds it, if any, reconciling the backlog scalar it contributed.
func (e *Engine) detachFromOutduct(ctx context.Context, b *model.Bundle) error {
	if b.Refs.OutductQueue.Empty() {
		return nil
	}
	outduct, ok := e.Vdb.OutductByRef(b.Refs.OutductQueue)
	if !ok {
		b.Refs.OutductQueue = ""
		return e.persistBundle(ctx, b)
	}

	q := &outduct.Queues
	switch {
	case removeRefInPlace(&q.Bulk, b.Ref):
		q.BulkBacklog -= b.PayloadLen
	case removeRefInPlace(&q.Standard, b.Ref):
		q.StandardBacklog -= b.PayloadLen
	case removeUrgent(q, b.Ref):
		q.UrgentBacklog -= b.PayloadLen
	}

	b.Refs.OutductQueue = ""
	if err := e.persistBundle(ctx, b); err != nil {
		return err
	}
	if err := e.persistOutduct(ctx, outduct); err != nil {
		return err
	}
	e.Vdb.PutOutduct(outduct)
	return nil
}

func removeRefInPlace(refs *[]model.Ref, ref model.Ref) bool {
	idx := indexOf(*refs, ref)
	if idx < 0 {
		return false
	}
	*refs = append((*refs)[:idx], (*refs)[idx+1:]...)
	return true
}

// enqueueToLimbo implements enqueueToLimbo (spec §4.8): detach from any
// outduct queue, mark suspended, and join the global limbo queue.
func (e *Engine) enqueueToLimbo(ctx context.Context, b *model.Bundle) error {
	if err := e.detachFromOutduct(ctx, b); err != nil {
		return err
	}
	b.Suspended = true
	b.Refs.LimboQueue = b.Ref

	if err := e.persistBundle(ctx, b); err != nil {
		return err
	}
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		db, err := tx.GetBpDB(ctx)
		if err != nil {
			return err
		}
		db.LimboQueue = append(db.LimboQueue, b.Ref)
		return tx.PutBpDB(ctx, db)
	})
}

// ReleaseFromLimbo implements releaseFromLimbo (spec §4.8): detach ref from
// the global limbo queue and re-run forwardBundle with an empty stations
// stack so scheme-specific routing picks a new path. resume additionally
// clears the bundle's suspended flag.
func (e *Engine) ReleaseFromLimbo(ctx context.Context, ref model.Ref, resume bool) error {
	var b *model.Bundle
	if err := e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		db, err := tx.GetBpDB(ctx)
		if err != nil {
			return err
		}
		db.LimboQueue = removeRef(db.LimboQueue, ref)
		if err := tx.PutBpDB(ctx, db); err != nil {
			return err
		}
		bb, err := tx.GetBundle(ctx, ref)
		if err != nil {
			return err
		}
		b = bb
		return nil
	}); err != nil {
		return err
	}

	b.Refs.LimboQueue = ""
	b.Stations = nil
	if resume {
		b.Suspended = false
	}
	return e.ForwardBundle(ctx, b)
}

// ReverseEnqueue implements reverseEnqueue (spec §4.8): on outduct blockage
// or CLA shutdown, detach bundleRef from outduct's queue; sendToLimbo true
// parks it in the global limbo queue, otherwise it is re-routed through
// forwardBundle so a scheme router gets another chance to pick a path. The
// detach is a no-op if the dequeue engine already popped the bundle off its
// queue before handing it back here.
func (e *Engine) ReverseEnqueue(ctx context.Context, bundleRef model.Ref, outduct *model.Outduct, sendToLimbo bool) error {
	b, err := e.loadBundle(ctx, bundleRef)
	if err != nil {
		return err
	}
	if b.Refs.OutductQueue != "" && b.Refs.OutductQueue != outduct.Ref {
		return fmt.Errorf("forwarding: bundle %s is not queued on outduct %s", bundleRef, outduct.Ref)
	}

	if err := e.detachFromOutduct(ctx, b); err != nil {
		return err
	}
	if sendToLimbo {
		return e.enqueueToLimbo(ctx, b)
	}
	b.DestDuctName = ""
	b.ProxNodeEID = eid.EID{}
	return e.ForwardBundle(ctx, b)
}
