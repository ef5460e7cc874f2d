package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
)

// Sap is the application-facing handle bp_open returns (spec §6 "Sap").
// Every operation on it is a method here rather than a free function taking
// *Sap, since Go has no trouble attaching the application interface
// directly to the handle it operates on.
type Sap struct {
	node *BpNode
	ep   *model.Endpoint

	wake      chan struct{}
	interrupt chan struct{}
	closed    bool
}

// BpDelivery is what bp_receive hands back: the delivered bundle and a
// reader over its application data unit. Interrupted is set instead of
// returning an error when bp_interrupt unblocked the wait (spec §5
// suspension point v).
type BpDelivery struct {
	Bundle      *model.Bundle
	ADU         io.ReadCloser
	Interrupted bool
}

// Open implements bp_open(endpoint) -> Sap: finds the locally-registered
// endpoint matching nss and returns a handle an application can send from
// and receive into. Multiple Saps may be open on the same endpoint
// simultaneously; each gets its own wake/interrupt channel.
func (n *BpNode) Open(nss string) (*Sap, error) {
	ep, ok := n.Vdb.EndpointByNSS(nss)
	if !ok {
		return nil, fmt.Errorf("node: no local endpoint registered for nss %q", nss)
	}

	sap := &Sap{
		node:      n,
		ep:        ep,
		wake:      make(chan struct{}, 1),
		interrupt: make(chan struct{}),
	}

	n.mu.Lock()
	n.saps[sap] = struct{}{}
	n.mu.Unlock()
	return sap, nil
}

// Close implements bp_close(sap): the handle must not be used again
// afterward.
func (s *Sap) Close() error {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.node.saps, s)
	close(s.interrupt)
	return nil
}

// Interrupt implements bp_interrupt(sap): unblocks exactly one pending
// Receive on this Sap (spec §5 suspension point v). A no-op if nothing is
// blocked, and a no-op once the Sap is closed.
func (s *Sap) Interrupt() {
	s.node.mu.Lock()
	closed := s.closed
	s.node.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// notifyDelivery wakes a blocked Receive so it re-checks the endpoint's
// delivery queue, without implying bp_interrupt's Interrupted outcome.
// internal/node's lifecycle.OnDelivery hook calls this.
func (s *Sap) notifyDelivery() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Send implements bp_send (spec §6): builds a bundle from adu addressed to
// dest, stamping the source as this Sap's own endpoint, persists it, and
// hands it to the lifecycle engine's accept path exactly as an
// acquisition-produced bundle would be (skipping only the wire parse and
// duplicate-hash probe, since a locally-originated bundle cannot collide
// with itself). Mirrors internal/admin.Engine.sendAdminBundle's
// construct-persist-dispatch sequence.
func (s *Sap) Send(
	ctx context.Context,
	dest eid.EID,
	reportTo eid.EID,
	lifespan time.Duration,
	cos model.ClassOfService,
	custodySwitch bool,
	srrFlags model.SRRFlags,
	ackRequested bool,
	extended model.ExtendedCOS,
	adu []byte,
	bundleIsAdmin bool,
) (*model.Bundle, error) {
	scheme, ok := s.node.Vdb.SchemeByRef(s.ep.SchemeRef)
	if !ok {
		return nil, model.Transient("bp_send", fmt.Errorf("node: endpoint's scheme no longer registered"))
	}

	now := s.node.now()
	flags := model.ProcessingFlags(0)
	if custodySwitch {
		flags |= model.BDLCustodial
	}
	if ackRequested {
		flags |= model.BDLAppAckRequested
	}
	if bundleIsAdmin {
		flags |= model.BDLIsAdmin
	}

	payloadRef, n, err := s.node.ZCO.Create(ctx, bytes.NewReader(adu))
	if err != nil {
		return nil, model.Fatal("bp_send", err)
	}

	b := &model.Bundle{
		Flags:          flags,
		COS:            cos,
		Extended:       extended,
		Source:         eid.EID{Scheme: scheme.Name, NSS: s.ep.NSS},
		Dest:           dest,
		ReportTo:       reportTo,
		Custodian:      eid.EID{Scheme: scheme.Name, NSS: s.ep.NSS},
		CreationTime:   now,
		LifespanSecs:   uint64(lifespan.Seconds()),
		ExpirationTime: now.Add(lifespan),
		TotalADULength: n,
		PayloadZCO:     payloadRef,
		PayloadLen:     n,
		SRR:            srrFlags,
	}

	id, err := s.node.nextBundleID(ctx, b.Source, b.CreationTime)
	if err != nil {
		return nil, model.Fatal("bp_send", err)
	}
	b.ID = id

	if err := s.node.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = r
		b.Refs.HashEntry = r
		_, err = tx.PutBundle(ctx, b)
		return err
	}); err != nil {
		return nil, model.Fatal("bp_send", err)
	}
	s.node.Vdb.PutBundleID(b.ID, b.Ref)

	if err := s.node.Lifecycle.Accept(ctx, b); err != nil {
		return nil, model.Transient("bp_send", err)
	}
	return b, nil
}

// nextBundleID increments the shared bundleCounter, the same idiom
// internal/admin uses to disambiguate same-second creation times (spec
// §4.6).
func (n *BpNode) nextBundleID(ctx context.Context, source eid.EID, created time.Time) (model.BundleID, error) {
	var seq uint64
	if err := n.Store.WithTx(ctx, func(tx bpdb.Tx) error {
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

// Receive implements bp_receive(sap) -> BpDelivery (spec §6): blocks until a
// bundle is available on this Sap's endpoint delivery queue, ctx is
// canceled, or Interrupt is called. Polls on a short ticker as a fallback
// wake in addition to the lifecycle engine's OnDelivery notification, so a
// delivery that raced ahead of Open (already queued before this Sap
// existed) is still picked up.
func (s *Sap) Receive(ctx context.Context) (*BpDelivery, error) {
	const pollInterval = 200 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if d, ok, err := s.tryReceive(ctx); err != nil {
			return nil, err
		} else if ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.interrupt:
			return &BpDelivery{Interrupted: true}, nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Sap) tryReceive(ctx context.Context) (*BpDelivery, bool, error) {
	ep, ok := s.node.Vdb.EndpointByRef(s.ep.Ref)
	if !ok || len(ep.DeliveryQ) == 0 {
		return nil, false, nil
	}

	ref := ep.DeliveryQ[0]
	ep.DeliveryQ = ep.DeliveryQ[1:]

	b, err := s.node.loadBundle(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	b.Refs.DeliveryQueue = ""

	if err := s.node.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		if _, err := tx.PutEndpoint(ctx, ep); err != nil {
			return err
		}
		_, err := tx.PutBundle(ctx, b)
		return err
	}); err != nil {
		return nil, false, err
	}
	s.node.Vdb.PutEndpoint(ep)

	r, err := s.node.ZCO.NewReader(ctx, b.PayloadZCO)
	if err != nil {
		return nil, false, err
	}

	// Re-materialize the ADU into a buffer before DestroyBundle can reclaim
	// the payload ZCO, matching the teacher's preference for eager reads
	// over dangling handles into a store object.
	adu, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return nil, false, err
	}

	if _, err := s.node.Lifecycle.DestroyBundle(ctx, b, false); err != nil {
		return nil, false, err
	}

	return &BpDelivery{Bundle: b, ADU: io.NopCloser(bytes.NewReader(adu))}, true, nil
}

func (n *BpNode) loadBundle(ctx context.Context, ref model.Ref) (*model.Bundle, error) {
	var b *model.Bundle
	err := n.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		got, err := tx.GetBundle(ctx, ref)
		if err != nil {
			return err
		}
		b = got
		return nil
	})
	return b, err
}

// Cancel implements bp_cancel(bundle) (spec §5 "bp_cancel sets the expired
// flag and behaves like a TTL expiry"): forces the bundle through the same
// destroy path the clock would take on TTL expiry.
func (n *BpNode) Cancel(ctx context.Context, b *model.Bundle) error {
	b.Expired = true
	_, err := n.Lifecycle.DestroyBundle(ctx, b, true)
	return err
}
