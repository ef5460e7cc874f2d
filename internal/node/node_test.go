package node_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpconfig"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/node"
)

func testConfig(t *testing.T) *bpconfig.Config {
	t.Helper()
	return &bpconfig.Config{
		Local: "dtn://test/node",
		Store: bpconfig.StoreConfig{
			Path:         filepath.Join(t.TempDir(), "store"),
			ZCOBudget:    1 << 20,
			MaxAcqInHeap: 64,
		},
		Clock: bpconfig.ClockConfig{Tick: 20 * time.Millisecond},
		Schemes: []bpconfig.SchemeConfig{
			{Name: "dtn", Unicast: true},
		},
		Endpoints: []bpconfig.EndpointConfig{
			{Scheme: "dtn", NSS: "//test/alice", RecvRule: "enqueue"},
			{Scheme: "dtn", NSS: "//test/bob", RecvRule: "enqueue"},
		},
	}
}

func openTestNode(t *testing.T) *node.BpNode {
	t.Helper()
	n, err := node.Open(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func TestOpenSeedsConfiguredEndpoints(t *testing.T) {
	n := openTestNode(t)

	_, ok := n.Vdb.EndpointByNSS("//test/alice")
	assert.True(t, ok)
	_, ok = n.Vdb.EndpointByNSS("//test/bob")
	assert.True(t, ok)
}

func TestOpenIsIdempotentAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	n1, err := node.Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, n1.Stop(context.Background()))

	n2, err := node.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = n2.Stop(context.Background()) }()

	_, ok := n2.Vdb.EndpointByNSS("//test/alice")
	assert.True(t, ok)
}

func TestStartStopIsIdempotentAgainstDoubleCalls(t *testing.T) {
	n := openTestNode(t)

	require.NoError(t, n.Start(context.Background()))
	assert.Error(t, n.Start(context.Background()))

	require.NoError(t, n.Stop(context.Background()))
	assert.NoError(t, n.Stop(context.Background()))
}

type stubAdapter struct {
	started chan struct{}
}

func (a *stubAdapter) Serve(ctx context.Context) error {
	close(a.started)
	<-ctx.Done()
	return nil
}

func TestAttachIsCanceledByStop(t *testing.T) {
	n := openTestNode(t)
	require.NoError(t, n.Start(context.Background()))

	adapter := &stubAdapter{started: make(chan struct{})}
	require.NoError(t, n.Attach("loop0", adapter))

	select {
	case <-adapter.started:
	case <-time.After(time.Second):
		t.Fatal("adapter never started")
	}

	require.NoError(t, n.Stop(context.Background()))
}

func TestAttachBeforeStartFails(t *testing.T) {
	n := openTestNode(t)
	err := n.Attach("loop0", &stubAdapter{started: make(chan struct{})})
	assert.Error(t, err)
}

// TestSendAndReceiveLocalRoundTrip exercises bp_send followed by bp_receive
// on the same node: a bundle addressed to a local endpoint is delivered
// into that endpoint's queue without ever touching a CLA (spec §8 "local
// deliver").
func TestSendAndReceiveLocalRoundTrip(t *testing.T) {
	n := openTestNode(t)
	require.NoError(t, n.Start(context.Background()))

	alice, err := n.Open("//test/alice")
	require.NoError(t, err)
	defer alice.Close()

	bob, err := n.Open("//test/bob")
	require.NoError(t, err)
	defer bob.Close()

	dest := eid.EID{Scheme: "dtn", NSS: "//test/bob"}
	adu := []byte("hello bob")

	_, err = alice.Send(context.Background(), dest, eid.EID{}, time.Hour,
		model.COSStandard, false, 0, false, model.ExtendedCOS{}, adu, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	delivery, err := bob.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery.ADU)
	defer delivery.ADU.Close()

	got, err := io.ReadAll(delivery.ADU)
	require.NoError(t, err)
	assert.Equal(t, adu, got)
}

// TestInterruptUnblocksPendingReceive exercises bp_interrupt (spec §5
// suspension point v): a Receive blocked with nothing queued returns
// Interrupted rather than a bundle.
func TestInterruptUnblocksPendingReceive(t *testing.T) {
	n := openTestNode(t)
	require.NoError(t, n.Start(context.Background()))

	alice, err := n.Open("//test/alice")
	require.NoError(t, err)
	defer alice.Close()

	done := make(chan *node.BpDelivery, 1)
	go func() {
		d, err := alice.Receive(context.Background())
		require.NoError(t, err)
		done <- d
	}()

	// Give Receive a moment to block before interrupting it.
	time.Sleep(50 * time.Millisecond)
	alice.Interrupt()

	select {
	case d := <-done:
		assert.True(t, d.Interrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("receive was never interrupted")
	}
}

// TestCancelDestroysBundle exercises bp_cancel (spec §5 "bp_cancel sets the
// expired flag and behaves like a TTL expiry").
func TestCancelDestroysBundle(t *testing.T) {
	n := openTestNode(t)
	require.NoError(t, n.Start(context.Background()))

	alice, err := n.Open("//test/alice")
	require.NoError(t, err)
	defer alice.Close()

	dest := eid.EID{Scheme: "dtn", NSS: "//test/nowhere"}
	b, err := alice.Send(context.Background(), dest, eid.EID{}, time.Hour,
		model.COSBulk, false, 0, false, model.ExtendedCOS{}, []byte("x"), false)
	require.NoError(t, err)

	require.NoError(t, n.Cancel(context.Background(), b))
	assert.True(t, b.Expired)
}

func TestDumpBundlesAndTimeline(t *testing.T) {
	n := openTestNode(t)
	require.NoError(t, n.Start(context.Background()))

	alice, err := n.Open("//test/alice")
	require.NoError(t, err)
	defer alice.Close()

	dest := eid.EID{Scheme: "dtn", NSS: "//test/bob"}
	_, err = alice.Send(context.Background(), dest, eid.EID{}, time.Hour,
		model.COSStandard, false, 0, false, model.ExtendedCOS{}, []byte("x"), false)
	require.NoError(t, err)

	bundles, err := n.DumpBundles(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, bundles)

	_, err = n.DumpTimeline(context.Background())
	require.NoError(t, err)
}
