package forwarding_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/forwarding"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

type stubRouter struct {
	directive forwarding.FwdDirective
	err       error
}

func (s *stubRouter) Route(ctx context.Context, b *model.Bundle) (forwarding.FwdDirective, error) {
	return s.directive, s.err
}

func newBundle(t *testing.T, store bpdb.Store, dest string, cos model.ClassOfService, ordinal uint8) *model.Bundle {
	t.Helper()
	ctx := context.Background()
	b := &model.Bundle{
		Source:     eid.MustParse("ipn:1.1"),
		Dest:       eid.MustParse(dest),
		COS:        cos,
		Extended:   model.ExtendedCOS{Ordinal: ordinal},
		PayloadLen: 10,
	}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = r
		_, err = tx.PutBundle(ctx, b)
		return err
	}))
	return b
}

func setupScheme(t *testing.T, store bpdb.Store, v *vdb.Vdb, name string) *model.Scheme {
	t.Helper()
	ctx := context.Background()
	s := &model.Scheme{Name: name}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutScheme(ctx, s)
		if err != nil {
			return err
		}
		s.Ref = r
		return nil
	}))
	v.PutScheme(s)
	return s
}

func setupOutduct(t *testing.T, store bpdb.Store, v *vdb.Vdb) *model.Outduct {
	t.Helper()
	ctx := context.Background()
	o := &model.Outduct{DuctName: "loopback"}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutOutduct(ctx, o)
		if err != nil {
			return err
		}
		o.Ref = r
		return nil
	}))
	v.PutOutduct(o)
	return o
}

func TestForwardBundleNoSchemeGoesToLimbo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))

	assert.True(t, b.Suspended)
	assert.False(t, b.Refs.LimboQueue.Empty())
}

func TestForwardBundleNoRouteGoesToLimbo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))

	assert.True(t, b.Suspended)
	assert.True(t, b.Refs.ForwardQueue.Empty())
}

func TestForwardBundleEnqueuesToOutduct(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))
	e.Routers["ipn"] = &stubRouter{directive: forwarding.FwdDirective{
		Kind:    forwarding.DirectiveXmit,
		Outduct: outduct.Ref,
	}}

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))

	got, ok := v.OutductByRef(outduct.Ref)
	require.True(t, ok)
	assert.Contains(t, got.Queues.Standard, b.Ref)
	assert.EqualValues(t, 10, got.Queues.StandardBacklog)
	assert.Equal(t, outduct.Ref, b.Refs.OutductQueue)
	assert.False(t, b.Suspended)
}

func TestForwardBundleRecursesOnDirectiveForward(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))
	calls := 0
	e.Routers["ipn"] = routerFunc(func(ctx context.Context, b *model.Bundle) (forwarding.FwdDirective, error) {
		calls++
		if calls == 1 {
			return forwarding.FwdDirective{Kind: forwarding.DirectiveForward, NextHop: eid.MustParse("ipn:2.0")}, nil
		}
		return forwarding.FwdDirective{Kind: forwarding.DirectiveXmit, Outduct: outduct.Ref}, nil
	})

	b := newBundle(t, store, "ipn:9.1", model.COSBulk, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))

	assert.Equal(t, 2, calls)
	assert.Len(t, b.Stations, 2) // local EID, then the next-hop EID
}

type routerFunc func(ctx context.Context, b *model.Bundle) (forwarding.FwdDirective, error)

func (f routerFunc) Route(ctx context.Context, b *model.Bundle) (forwarding.FwdDirective, error) {
	return f(ctx, b)
}

func TestUrgentQueueOrdersByOrdinalThenFIFO(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))
	e.Routers["ipn"] = &stubRouter{directive: forwarding.FwdDirective{Kind: forwarding.DirectiveXmit, Outduct: outduct.Ref}}

	a := newBundle(t, store, "ipn:9.1", model.COSUrgent, 5)
	require.NoError(t, e.ForwardBundle(ctx, a))
	b := newBundle(t, store, "ipn:9.1", model.COSUrgent, 5)
	require.NoError(t, e.ForwardBundle(ctx, b))
	c := newBundle(t, store, "ipn:9.1", model.COSUrgent, 1)
	require.NoError(t, e.ForwardBundle(ctx, c))

	got, ok := v.OutductByRef(outduct.Ref)
	require.True(t, ok)
	require.Len(t, got.Queues.Urgent, 3)
	assert.Equal(t, a.Ref, got.Queues.Urgent[0])
	assert.Equal(t, b.Ref, got.Queues.Urgent[1])
	assert.Equal(t, c.Ref, got.Queues.Urgent[2])
}

func TestReforwardBundleDetachesAndReroutes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))
	e.Routers["ipn"] = &stubRouter{directive: forwarding.FwdDirective{Kind: forwarding.DirectiveXmit, Outduct: outduct.Ref}}

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))
	require.False(t, b.Refs.OutductQueue.Empty())

	require.NoError(t, e.ReforwardBundle(ctx, b))

	got, ok := v.OutductByRef(outduct.Ref)
	require.True(t, ok)
	assert.Equal(t, 1, len(got.Queues.Standard)) // detached then re-enqueued once
}

func TestBpEnqueueOnBlockedOutductGoesToLimbo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)
	outduct.Blocked = true
	v.PutOutduct(outduct)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))
	e.Routers["ipn"] = &stubRouter{directive: forwarding.FwdDirective{Kind: forwarding.DirectiveXmit, Outduct: outduct.Ref}}

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))

	assert.True(t, b.Suspended)
	assert.False(t, b.Refs.LimboQueue.Empty())
	got, ok := v.OutductByRef(outduct.Ref)
	require.True(t, ok)
	assert.Empty(t, got.Queues.Standard)
}

func TestReverseEnqueueToLimboDetachesFromOutduct(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))
	e.Routers["ipn"] = &stubRouter{directive: forwarding.FwdDirective{Kind: forwarding.DirectiveXmit, Outduct: outduct.Ref}}

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b))
	require.False(t, b.Refs.OutductQueue.Empty())

	require.NoError(t, e.ReverseEnqueue(ctx, b.Ref, outduct, true))
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		stored, err := tx.GetBundle(ctx, b.Ref)
		b = stored
		return err
	}))

	got, ok := v.OutductByRef(outduct.Ref)
	require.True(t, ok)
	assert.Empty(t, got.Queues.Standard)
	assert.True(t, b.Suspended)
	assert.False(t, b.Refs.LimboQueue.Empty())
}

func TestReleaseFromLimboReforwardsWithEmptyStations(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	setupScheme(t, store, v, "ipn")
	outduct := setupOutduct(t, store, v)

	e := forwarding.New(store, v, eid.MustParse("ipn:1.0"))

	b := newBundle(t, store, "ipn:9.1", model.COSStandard, 0)
	require.NoError(t, e.ForwardBundle(ctx, b)) // no router yet -> limbo
	require.True(t, b.Suspended)

	e.Routers["ipn"] = &stubRouter{directive: forwarding.FwdDirective{Kind: forwarding.DirectiveXmit, Outduct: outduct.Ref}}
	require.NoError(t, e.ReleaseFromLimbo(ctx, b.Ref, true))
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		stored, err := tx.GetBundle(ctx, b.Ref)
		b = stored
		return err
	}))

	assert.False(t, b.Suspended)
	assert.True(t, b.Refs.LimboQueue.Empty())
	assert.Len(t, b.Stations, 1)
}
