package dequeue_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/dequeue"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/lifecycle"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco/memstore"
)

type nopForwarder struct{}

func (nopForwarder) ForwardBundle(ctx context.Context, b *model.Bundle) error { return nil }

func setupOutduct(t *testing.T, store bpdb.Store, v *vdb.Vdb, maxPayload uint64) *model.Outduct {
	t.Helper()
	ctx := context.Background()
	o := &model.Outduct{DuctName: "loopback", MaxPayloadLength: maxPayload}
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

func newEnqueuedBundle(t *testing.T, store bpdb.Store, zcoStore *memstore.Store, outduct *model.Outduct, payload string, cos model.ClassOfService, ordinal uint8) *model.Bundle {
	t.Helper()
	ctx := context.Background()
	ref, n, err := zcoStore.Create(ctx, bytes.NewReader([]byte(payload)))
	require.NoError(t, err)

	b := &model.Bundle{
		Source:     eid.MustParse("ipn:1.1"),
		Dest:       eid.MustParse("ipn:9.1"),
		COS:        cos,
		Extended:   model.ExtendedCOS{Ordinal: ordinal},
		PayloadZCO: ref,
		PayloadLen: n,
	}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = r
		return nil
	}))

	switch cos {
	case model.COSUrgent:
		outduct.Queues.Urgent = append(outduct.Queues.Urgent, b.Ref)
		outduct.Queues.UrgentBacklog += n
	case model.COSStandard:
		outduct.Queues.Standard = append(outduct.Queues.Standard, b.Ref)
		outduct.Queues.StandardBacklog += n
	default:
		outduct.Queues.Bulk = append(outduct.Queues.Bulk, b.Ref)
		outduct.Queues.BulkBacklog += n
	}
	b.Refs.OutductQueue = outduct.Ref
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutBundle(ctx, b)
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutOutduct(ctx, outduct)
		return err
	}))
	return b
}

func TestDequeueExpeditedPrecedesBulk(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	outduct := setupOutduct(t, store, v, 0)

	bulkB := newEnqueuedBundle(t, store, zcoStore, outduct, "bulk-payload", model.COSBulk, 0)
	urgentB := newEnqueuedBundle(t, store, zcoStore, outduct, "urgent-payload", model.COSUrgent, 0)
	_ = bulkB

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	e := dequeue.New(store, zcoStore, v, cloner)

	res, err := e.Dequeue(ctx, outduct.Ref, -1)
	require.NoError(t, err)
	assert.Equal(t, urgentB.Ref, res.BundleRef)
	assert.Equal(t, model.COSUrgent, res.COS)
}

func TestDequeueFragmentsOversizePayload(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	outduct := setupOutduct(t, store, v, 4)

	b := newEnqueuedBundle(t, store, zcoStore, outduct, "0123456789", model.COSStandard, 0)

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	e := dequeue.New(store, zcoStore, v, cloner)

	res, err := e.Dequeue(ctx, outduct.Ref, -1)
	require.NoError(t, err)
	assert.Equal(t, b.Ref, res.BundleRef)

	got, ok := v.OutductByRef(outduct.Ref)
	require.True(t, ok)
	require.Len(t, got.Queues.Standard, 1) // tail fragment re-queued

	r, err := zcoStore.NewReader(ctx, res.ZCO)
	require.NoError(t, err)
	defer r.Close()
	wire, err := io.ReadAll(r)
	require.NoError(t, err)

	decoded, err := bpwire.DecodeBundle(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.True(t, decoded.Bundle.Flags&model.BDLIsFragment != 0)
	assert.EqualValues(t, 4, decoded.PayloadLength)
}

func TestDequeueInstallsCustodyDueOnPositiveTimeout(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	outduct := setupOutduct(t, store, v, 0)

	b := newEnqueuedBundle(t, store, zcoStore, outduct, "payload", model.COSStandard, 0)
	b.CustodyTaken = true

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	e := dequeue.New(store, zcoStore, v, cloner)
	e.Now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

	_, err := e.Dequeue(ctx, outduct.Ref, 5*time.Second)
	require.NoError(t, err)

	next, ok := v.PeekNextEvent()
	require.True(t, ok)
	assert.Equal(t, model.EventCtDue, next.Type)
	assert.Equal(t, b.Ref, next.Object)
}

type recordingReverser struct {
	mu    sync.Mutex
	calls []model.Ref
}

func (r *recordingReverser) ReverseEnqueue(ctx context.Context, bundleRef model.Ref, outduct *model.Outduct, sendToLimbo bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, bundleRef)
	return nil
}

func TestDequeueDrainsBlockedOutductViaReverser(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	outduct := setupOutduct(t, store, v, 0)
	outduct.Blocked = true
	v.PutOutduct(outduct)

	b := newEnqueuedBundle(t, store, zcoStore, outduct, "blocked-payload", model.COSStandard, 0)

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	e := dequeue.New(store, zcoStore, v, cloner)
	rev := &recordingReverser{}
	e.Reverse = rev

	_, err := e.Dequeue(ctx, outduct.Ref, -1)
	assert.Equal(t, model.ErrInterrupted, err)

	rev.mu.Lock()
	defer rev.mu.Unlock()
	assert.Contains(t, rev.calls, b.Ref)
}

func TestDequeueBlocksThenWakesOnEnqueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	outduct := setupOutduct(t, store, v, 0)

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	e := dequeue.New(store, zcoStore, v, cloner)

	done := make(chan *dequeue.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := e.Dequeue(ctx, outduct.Ref, -1)
		done <- res
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	newEnqueuedBundle(t, store, zcoStore, outduct, "late-payload", model.COSBulk, 0)
	v.NotifyDequeueWake()

	select {
	case res := <-done:
		require.NoError(t, <-errCh)
		require.NotNil(t, res)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("dequeue never woke on enqueue notification")
	}
}
