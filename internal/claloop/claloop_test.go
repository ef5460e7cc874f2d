package claloop_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/acquisition"
	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/claloop"
	"github.com/dtn-stack/bpcore/internal/dequeue"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/lifecycle"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco/memstore"
)

type nopForwarder struct{}

func (nopForwarder) ForwardBundle(ctx context.Context, b *model.Bundle) error { return nil }

type recordingAccepter struct {
	accepted []*model.Bundle
}

func (r *recordingAccepter) Accept(ctx context.Context, b *model.Bundle) error {
	r.accepted = append(r.accepted, b)
	return nil
}

func enqueueWireBundle(t *testing.T, store bpdb.Store, zcoStore *memstore.Store, outduct *model.Outduct, payload string) *model.Bundle {
	t.Helper()
	ctx := context.Background()

	b := &model.Bundle{
		Source:         eid.MustParse("ipn:1.1"),
		Dest:           eid.MustParse("ipn:9.1"),
		COS:            model.COSStandard,
		CreationTime:   time.Unix(1_700_000_000, 0).UTC(),
		ExpirationTime: time.Unix(1_700_003_600, 0).UTC(),
		LifespanSecs:   3600,
	}
	payloadRef, n, err := zcoStore.Create(ctx, bytes.NewReader([]byte(payload)))
	require.NoError(t, err)
	b.PayloadZCO = payloadRef
	b.PayloadLen = n
	b.TotalADULength = n

	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = r
		return nil
	}))

	outduct.Queues.Standard = append(outduct.Queues.Standard, b.Ref)
	outduct.Queues.StandardBacklog += n
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

// TestLoopbackDeliversWireFrameToAcquisition exercises the full CLA
// boundary: an Output adapter dequeues a bpwire-encoded bundle and writes it
// as a length-prefixed frame, an Input adapter on the other end of an
// in-process net.Pipe reads the frame and drives it through acquisition, and
// the result lands on the wired Accepter exactly once.
func TestLoopbackDeliversWireFrameToAcquisition(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	outduct := &model.Outduct{DuctName: "loopback"}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutOutduct(ctx, outduct)
		if err != nil {
			return err
		}
		outduct.Ref = r
		return nil
	}))
	v.PutOutduct(outduct)

	want := enqueueWireBundle(t, store, zcoStore, outduct, "hello dtn")

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	dq := dequeue.New(store, zcoStore, v, cloner)

	accepter := &recordingAccepter{}
	acq := acquisition.New(store, zcoStore, v, nil, accepter)

	lb := &claloop.Loopback{
		Dequeue:     dq,
		Acquisition: acq,
		OutductRef:  outduct.Ref,
	}

	done := make(chan error, 1)
	go func() { done <- lb.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return len(accepter.accepted) == 1
	}, 4*time.Second, 10*time.Millisecond, "bundle never reached the Accepter")

	cancel()
	<-done

	got := accepter.accepted[0]
	assert.Equal(t, want.Source, got.Source)
	assert.Equal(t, want.Dest, got.Dest)

	r, err := zcoStore.NewReader(ctx, got.PayloadZCO)
	require.NoError(t, err)
	defer r.Close()
	adu, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello dtn", string(adu))
}

// TestDecodeRoundTripsBundle is a narrower check that the outduct's wire
// frame is a valid bpwire-encoded bundle, independent of the adapters that
// carry it.
func TestDecodeRoundTripsBundle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()

	outduct := &model.Outduct{DuctName: "loopback"}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutOutduct(ctx, outduct)
		if err != nil {
			return err
		}
		outduct.Ref = r
		return nil
	}))
	v.PutOutduct(outduct)

	enqueueWireBundle(t, store, zcoStore, outduct, "frame contents")

	cloner := lifecycle.New(store, zcoStore, v, nopForwarder{})
	dq := dequeue.New(store, zcoStore, v, cloner)

	res, err := dq.Dequeue(ctx, outduct.Ref, -1)
	require.NoError(t, err)

	r, err := zcoStore.NewReader(ctx, res.ZCO)
	require.NoError(t, err)
	defer r.Close()
	wire, err := io.ReadAll(r)
	require.NoError(t, err)

	decoded, err := bpwire.DecodeBundle(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, "ipn:1.1", decoded.Bundle.Source.String())
}
