package acquisition_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/acquisition"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco/memstore"
)

type stubAccepter struct {
	accepted []*model.Bundle
}

func (s *stubAccepter) Accept(ctx context.Context, b *model.Bundle) error {
	s.accepted = append(s.accepted, b)
	return nil
}

func encodedBundle(t *testing.T, payload []byte) []byte {
	t.Helper()
	b := &model.Bundle{
		COS:            model.COSStandard,
		Source:         eid.MustParse("ipn:1.1"),
		Dest:           eid.MustParse("ipn:2.1"),
		ReportTo:       eid.MustParse("ipn:1.1"),
		CreationTime:   time.Unix(1_700_000_000, 0).UTC(),
		LifespanSecs:   3600,
		TotalADULength: uint64(len(payload)),
	}
	var buf bytes.Buffer
	require.NoError(t, bpwire.EncodeBundle(&buf, b, bytes.NewReader(payload), uint64(len(payload))))
	return buf.Bytes()
}

func TestAcquisitionAcceptsWellFormedBundle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	accepter := &stubAccepter{}

	engine := acquisition.New(store, zcoStore, v, nil, accepter)
	frame := encodedBundle(t, []byte("hello, dtn"))

	area := engine.BeginAcq(true, "ipn:9.1", "")
	require.NoError(t, area.ContinueAcq(ctx, frame[:10]))
	require.NoError(t, area.ContinueAcq(ctx, frame[10:]))

	code, err := area.EndAcq(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeSuccess, code)

	require.Len(t, accepter.accepted, 1)
	got := accepter.accepted[0]
	assert.Equal(t, "ipn:1.1", got.Source.String())
	assert.False(t, got.Ref.Empty())
	assert.Equal(t, got.Ref, got.Refs.HashEntry)

	r, err := zcoStore.NewReader(ctx, got.PayloadZCO)
	require.NoError(t, err)
	defer r.Close()
	payload := make([]byte, got.PayloadLen)
	_, err = r.Read(payload)
	require.NoError(t, err)
	assert.Equal(t, "hello, dtn", string(payload))
}

func TestAcquisitionRejectsMalformedBundle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	accepter := &stubAccepter{}

	engine := acquisition.New(store, zcoStore, v, nil, accepter)
	area := engine.BeginAcq(false, "", "")
	require.NoError(t, area.ContinueAcq(ctx, []byte{1, 2, 3}))

	code, err := area.EndAcq(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeTransient, code)
	assert.Empty(t, accepter.accepted)
}

func TestAcquisitionCongestiveBundleIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(4) // tiny heap ceiling
	v := vdb.New()
	accepter := &stubAccepter{}

	engine := acquisition.New(store, zcoStore, v, nil, accepter)
	frame := encodedBundle(t, []byte("hello, dtn"))

	area := engine.BeginAcq(true, "ipn:9.1", "")
	require.NoError(t, area.ContinueAcq(ctx, frame))
	assert.True(t, area.Congestive)

	code, err := area.EndAcq(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeTransient, code)
	assert.Empty(t, accepter.accepted)
}

func TestAcquisitionDuplicateNonFragmentIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	accepter := &stubAccepter{}

	engine := acquisition.New(store, zcoStore, v, nil, accepter)
	frame := encodedBundle(t, []byte("hello, dtn"))

	area1 := engine.BeginAcq(true, "ipn:9.1", "")
	require.NoError(t, area1.ContinueAcq(ctx, frame))
	code, err := area1.EndAcq(ctx)
	require.NoError(t, err)
	require.Equal(t, model.CodeSuccess, code)

	area2 := engine.BeginAcq(true, "ipn:9.1", "")
	require.NoError(t, area2.ContinueAcq(ctx, frame))
	code, err = area2.EndAcq(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeTransient, code)
	assert.Len(t, accepter.accepted, 1)
}

func fragmentFrame(t *testing.T, whole []byte, offset, length int) []byte {
	t.Helper()
	piece := whole[offset : offset+length]
	b := &model.Bundle{
		Flags:          model.BDLIsFragment,
		COS:            model.COSStandard,
		Source:         eid.MustParse("ipn:1.1"),
		Dest:           eid.MustParse("ipn:2.1"),
		ReportTo:       eid.MustParse("ipn:1.1"),
		CreationTime:   time.Unix(1_700_000_001, 0).UTC(),
		LifespanSecs:   3600,
		TotalADULength: uint64(len(whole)),
		ID: model.BundleID{
			FragmentOffset: uint32(offset),
			FragmentLength: uint32(length),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, bpwire.EncodeBundle(&buf, b, bytes.NewReader(piece), uint64(len(piece))))
	return buf.Bytes()
}

func TestAcquisitionReassemblesFragmentsOnCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	accepter := &stubAccepter{}

	engine := acquisition.New(store, zcoStore, v, nil, accepter)

	whole := []byte("hello, dtn fragmentation")
	first := fragmentFrame(t, whole, 0, 10)
	second := fragmentFrame(t, whole, 10, len(whole)-10)

	area1 := engine.BeginAcq(true, "ipn:9.1", "")
	require.NoError(t, area1.ContinueAcq(ctx, first))
	code, err := area1.EndAcq(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeSuccess, code)
	assert.Empty(t, accepter.accepted, "reassembly should not fire until the ADU is covered")

	area2 := engine.BeginAcq(true, "ipn:9.1", "")
	require.NoError(t, area2.ContinueAcq(ctx, second))
	code, err = area2.EndAcq(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CodeSuccess, code)

	require.Len(t, accepter.accepted, 1)
	got := accepter.accepted[0]
	assert.False(t, got.IsFragment())
	assert.Equal(t, uint64(len(whole)), got.PayloadLen)

	r, err := zcoStore.NewReader(ctx, got.PayloadZCO)
	require.NoError(t, err)
	defer r.Close()
	payload := make([]byte, got.PayloadLen)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	assert.Equal(t, string(whole), string(payload))

	_, pending := v.IncompleteByADU("ipn:1.1", time.Unix(1_700_000_001, 0).UTC().Unix())
	assert.False(t, pending, "incomplete bundle record should be retired once reassembled")
}

func TestCancelAcqDestroysZCO(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	zcoStore := memstore.New(0)
	v := vdb.New()
	engine := acquisition.New(store, zcoStore, v, nil, &stubAccepter{})

	area := engine.BeginAcq(false, "", "")
	require.NoError(t, area.ContinueAcq(ctx, []byte("partial")))
	require.NoError(t, area.CancelAcq(ctx))
	assert.EqualValues(t, 0, zcoStore.Occupancy())
}
