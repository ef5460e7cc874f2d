package lifecycle_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/lifecycle"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco/memstore"
)

type stubForwarder struct {
	forwarded []*model.Bundle
}

func (s *stubForwarder) ForwardBundle(ctx context.Context, b *model.Bundle) error {
	s.forwarded = append(s.forwarded, b)
	return nil
}

type stubReforwarder struct {
	reforwarded []*model.Bundle
}

func (s *stubReforwarder) ReforwardBundle(ctx context.Context, b *model.Bundle) error {
	s.reforwarded = append(s.reforwarded, b)
	return nil
}

type stubSignaler struct {
	signals []bool
}

func (s *stubSignaler) EmitCtSignal(ctx context.Context, b *model.Bundle, succeeded bool, reason model.StatusReason) {
	s.signals = append(s.signals, succeeded)
}

func newBundle(t *testing.T, store bpdb.Store, zcoStore *memstore.Store, dest string, custodial bool) *model.Bundle {
	t.Helper()
	ctx := context.Background()
	ref, _, err := zcoStore.Create(ctx, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	flags := model.BDLSingletonDestination
	if custodial {
		flags |= model.BDLCustodial
	}
	b := &model.Bundle{
		Flags:      flags,
		Source:     eid.MustParse("ipn:1.1"),
		Dest:       eid.MustParse(dest),
		ReportTo:   eid.MustParse("ipn:1.1"),
		SRR:        model.SRRAccepted | model.SRRDelivered | model.SRRDeleted,
		PayloadZCO: ref,
		PayloadLen: 7,
	}
	var stored model.Ref
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		stored = r
		b.Ref = stored
		b.Refs.HashEntry = stored
		_, err = tx.PutBundle(ctx, b)
		return err
	}))
	return b
}

func TestAcceptDeliversLocally(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	v.PutScheme(&model.Scheme{Ref: "s1", Name: "ipn"})
	v.PutEndpoint(&model.Endpoint{Ref: "e1", NSS: "2.1", SchemeRef: "s1", RecvRule: model.RecvEnqueue})

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	b := newBundle(t, store, zcoStore, "ipn:2.1", false)

	require.NoError(t, e.Accept(ctx, b))

	assert.True(t, b.Delivered)
	assert.False(t, b.Refs.DeliveryQueue.Empty())
	ep, ok := v.EndpointByRef("e1")
	require.True(t, ok)
	assert.Contains(t, ep.DeliveryQ, b.Ref)
}

func TestAcceptForwardsNonLocal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	fwd := &stubForwarder{}

	e := lifecycle.New(store, zcoStore, v, fwd)
	b := newBundle(t, store, zcoStore, "ipn:9.1", false)

	require.NoError(t, e.Accept(ctx, b))

	require.Len(t, fwd.forwarded, 1)
	assert.False(t, b.Delivered)
}

func TestAcceptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	fwd := &stubForwarder{}

	e := lifecycle.New(store, zcoStore, v, fwd)
	b := newBundle(t, store, zcoStore, "ipn:9.1", false)

	require.NoError(t, e.Accept(ctx, b))
	require.NoError(t, e.Accept(ctx, b))

	assert.Len(t, fwd.forwarded, 1)
}

func TestAcceptTakesCustodyAndSchedulesEvent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	signaler := &stubSignaler{}

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	e.CustodySignaler = signaler
	e.Now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

	b := newBundle(t, store, zcoStore, "ipn:9.1", true)
	require.NoError(t, e.Accept(ctx, b))

	assert.True(t, b.CustodyTaken)
	assert.False(t, b.Refs.CustodyTimeline.Empty())
	require.Len(t, signaler.signals, 1)
	assert.True(t, signaler.signals[0])

	next, ok := v.PeekNextEvent()
	require.True(t, ok)
	assert.Equal(t, model.EventCtDue, next.Type)
}

func TestCloneFullCopyPreservesPayload(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	b := newBundle(t, store, zcoStore, "ipn:9.1", false)

	clone, err := e.Clone(ctx, b, 0, b.PayloadLen)
	require.NoError(t, err)
	assert.False(t, clone.Flags&model.BDLIsFragment != 0)

	r, err := zcoStore.NewReader(ctx, clone.PayloadZCO)
	require.NoError(t, err)
	defer r.Close()
	got := make([]byte, clone.PayloadLen)
	_, err = r.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestCloneProducesFragment(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	b := newBundle(t, store, zcoStore, "ipn:9.1", false)
	b.ID.FragmentOffset = 0

	frag, err := e.Clone(ctx, b, 3, 4)
	require.NoError(t, err)
	assert.True(t, frag.Flags&model.BDLIsFragment != 0)
	assert.EqualValues(t, 3, frag.ID.FragmentOffset)
	assert.EqualValues(t, 4, frag.ID.FragmentLength)
	assert.NotEqual(t, b.Ref, frag.Ref)
}

func TestDestroyBundleWaitsForAllConstraints(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	b := newBundle(t, store, zcoStore, "ipn:9.1", false)
	v.PutBundleID(b.ID, b.Ref)
	b.Refs.DeliveryQueue = "ep1"

	destroyed, err := e.DestroyBundle(ctx, b, false)
	require.NoError(t, err)
	assert.False(t, destroyed)

	b.Refs.DeliveryQueue = ""
	destroyed, err = e.DestroyBundle(ctx, b, false)
	require.NoError(t, err)
	assert.True(t, destroyed)

	_, ok := v.LookupBundleID(b.ID)
	assert.False(t, ok)
	assert.EqualValues(t, 0, zcoStore.Occupancy())

	err = store.View(ctx, func(tx bpdb.Tx) error {
		_, err := tx.GetBundle(ctx, b.Ref)
		return err
	})
	assert.Error(t, err)
}

func TestAbandonEmitsDeletedAndDestroys(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	signaler := &stubSignaler{}

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	e.CustodySignaler = signaler
	b := newBundle(t, store, zcoStore, "ipn:9.1", true)
	v.PutBundleID(b.ID, b.Ref)
	b.CustodyTaken = true

	require.NoError(t, e.Abandon(ctx, b, model.ReasonNoRoute))

	require.Len(t, signaler.signals, 1)
	assert.False(t, signaler.signals[0])
	_, ok := v.LookupBundleID(b.ID)
	assert.False(t, ok)
}

func TestApplyCtSignalSuccessDestroysBundle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	b := newBundle(t, store, zcoStore, "ipn:9.1", true)
	v.PutBundleID(b.ID, b.Ref)

	require.NoError(t, e.ApplyCtSignal(ctx, model.BpCtSignal{BundleID: b.ID, Succeeded: true}))

	_, ok := v.LookupBundleID(b.ID)
	assert.False(t, ok)
}

func TestApplyCtSignalFailureReforwards(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	reforward := &stubReforwarder{}

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	e.Reforward = reforward
	b := newBundle(t, store, zcoStore, "ipn:9.1", true)
	v.PutBundleID(b.ID, b.Ref)

	require.NoError(t, e.ApplyCtSignal(ctx, model.BpCtSignal{BundleID: b.ID, Succeeded: false}))

	require.Len(t, reforward.reforwarded, 1)
	_, ok := v.LookupBundleID(b.ID)
	assert.True(t, ok)
}

func TestApplyCtSignalUnknownBundleIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	e := lifecycle.New(store, zcoStore, v, &stubForwarder{})
	err := e.ApplyCtSignal(ctx, model.BpCtSignal{BundleID: model.BundleID{SourceEID: "ipn:3.1"}, Succeeded: true})
	assert.NoError(t, err)
}
