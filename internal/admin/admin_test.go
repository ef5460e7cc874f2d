package admin_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/admin"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/bpwire"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco/memstore"
)

type capturingForwarder struct {
	bundles []*model.Bundle
}

func (f *capturingForwarder) ForwardBundle(ctx context.Context, b *model.Bundle) error {
	f.bundles = append(f.bundles, b)
	return nil
}

type capturingApplier struct {
	signals []model.BpCtSignal
}

func (a *capturingApplier) ApplyCtSignal(ctx context.Context, sig model.BpCtSignal) error {
	a.signals = append(a.signals, sig)
	return nil
}

func deliveredAdminBundle(t *testing.T, zcoStore *memstore.Store, payload []byte) *model.Bundle {
	t.Helper()
	ref, n, err := zcoStore.Create(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	return &model.Bundle{Flags: model.BDLIsAdmin, PayloadZCO: ref, PayloadLen: n}
}

func TestReportEmitsStatusReportBundleTowardReportTo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	zcoStore := memstore.New(0)
	fwd := &capturingForwarder{}

	e := admin.New(store, zcoStore, v, fwd, nil, eid.MustParse("ipn:1.0"))
	e.Now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

	b := &model.Bundle{
		ID:       model.BundleID{SourceEID: "ipn:2.1", CreationTime: 1_699_999_000},
		ReportTo: eid.MustParse("ipn:2.1"),
	}
	e.Report(ctx, b, model.SRRDelivered, model.ReasonNoInfo)

	require.Len(t, fwd.bundles, 1)
	sent := fwd.bundles[0]
	assert.Equal(t, eid.MustParse("ipn:2.1"), sent.Dest)
	assert.True(t, sent.Flags&model.BDLIsAdmin != 0)
}

func TestReportSkipsNullReportTo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	zcoStore := memstore.New(0)
	fwd := &capturingForwarder{}

	e := admin.New(store, zcoStore, v, fwd, nil, eid.MustParse("ipn:1.0"))
	b := &model.Bundle{ReportTo: eid.MustParse("dtn:none")}
	e.Report(ctx, b, model.SRRDelivered, model.ReasonNoInfo)

	assert.Empty(t, fwd.bundles)
}

func TestEmitCtSignalAddressesCustodian(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	zcoStore := memstore.New(0)
	fwd := &capturingForwarder{}

	e := admin.New(store, zcoStore, v, fwd, nil, eid.MustParse("ipn:1.0"))
	b := &model.Bundle{
		ID:        model.BundleID{SourceEID: "ipn:2.1", CreationTime: 1_699_999_000},
		Custodian: eid.MustParse("ipn:3.1"),
	}
	e.EmitCtSignal(ctx, b, true, model.ReasonNoInfo)

	require.Len(t, fwd.bundles, 1)
	assert.Equal(t, eid.MustParse("ipn:3.1"), fwd.bundles[0].Dest)
}

func TestResendPendingSignalsRetriesUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	zcoStore := memstore.New(0)
	fwd := &capturingForwarder{}

	e := admin.New(store, zcoStore, v, fwd, nil, eid.MustParse("ipn:1.0"))
	b := &model.Bundle{
		Ref:       "bundle-ref-1",
		ID:        model.BundleID{SourceEID: "ipn:2.1", CreationTime: 1_699_999_000},
		Custodian: eid.MustParse("ipn:3.1"),
	}
	v.PutBundleID(b.ID, b.Ref)

	e.EmitCtSignal(ctx, b, true, model.ReasonNoInfo)
	require.Len(t, fwd.bundles, 1)

	require.NoError(t, e.ResendPendingSignals(ctx, b.Ref))
	require.Len(t, fwd.bundles, 2)

	var buf bytes.Buffer
	ackSig := model.BpCtSignal{BundleID: b.ID, Succeeded: true, Reason: model.ReasonNoInfo, SourceEID: eid.MustParse("ipn:3.1")}
	require.NoError(t, bpwire.EncodeCustodySignal(&buf, ackSig))
	ackBundle := deliveredAdminBundle(t, zcoStore, buf.Bytes())
	require.NoError(t, e.DispatchAdminRecord(ctx, ackBundle))

	require.NoError(t, e.ResendPendingSignals(ctx, b.Ref))
	assert.Len(t, fwd.bundles, 2, "acknowledged signal must not be resent")
}

func TestDispatchAdminRecordRoundTripsStatusReport(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	zcoStore := memstore.New(0)
	fwd := &capturingForwarder{}

	sender := admin.New(store, zcoStore, v, fwd, nil, eid.MustParse("ipn:2.1"))
	sender.Now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	origin := &model.Bundle{
		ID:       model.BundleID{SourceEID: "ipn:9.1", CreationTime: 1_699_999_000},
		ReportTo: eid.MustParse("ipn:9.1"),
	}
	sender.Report(ctx, origin, model.SRRDelivered, model.ReasonNoInfo)
	require.Len(t, fwd.bundles, 1)
	emitted := fwd.bundles[0]

	r, err := zcoStore.NewReader(ctx, emitted.PayloadZCO)
	require.NoError(t, err)
	defer r.Close()
	payload, err := io.ReadAll(r)
	require.NoError(t, err)
	admBundle := deliveredAdminBundle(t, zcoStore, payload)

	var received []model.BpStatusRpt
	receiver := admin.New(store, zcoStore, v, nil, nil, eid.MustParse("ipn:9.1"))
	receiver.OnStatusReport = func(rpt model.BpStatusRpt) { received = append(received, rpt) }

	require.NoError(t, receiver.DispatchAdminRecord(ctx, admBundle))
	require.Len(t, received, 1)
	assert.Equal(t, "ipn:9.1", received[0].BundleID.SourceEID)
	assert.False(t, received[0].DeliveredAt.IsZero())
}

func TestDispatchAdminRecordAppliesCustodySignal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	v := vdb.New()
	zcoStore := memstore.New(0)

	sig := model.BpCtSignal{
		BundleID:  model.BundleID{SourceEID: "ipn:9.1", CreationTime: 1_699_999_000},
		Succeeded: true,
		Reason:    model.ReasonNoInfo,
		SourceEID: eid.MustParse("ipn:3.1"),
	}
	var buf bytes.Buffer
	require.NoError(t, bpwire.EncodeCustodySignal(&buf, sig))
	admBundle := deliveredAdminBundle(t, zcoStore, buf.Bytes())

	applier := &capturingApplier{}
	e := admin.New(store, zcoStore, v, nil, applier, eid.MustParse("ipn:1.0"))
	require.NoError(t, e.DispatchAdminRecord(ctx, admBundle))

	require.Len(t, applier.signals, 1)
	assert.Equal(t, sig.BundleID, applier.signals[0].BundleID)
	assert.True(t, applier.signals[0].Succeeded)
}
