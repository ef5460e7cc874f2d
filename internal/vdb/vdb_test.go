package vdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

func TestLoadRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var schemeRef model.Ref
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		ref, err := tx.PutScheme(ctx, &model.Scheme{Name: "ipn"})
		schemeRef = ref
		return err
	}))

	v, err := vdb.Load(ctx, store)
	require.NoError(t, err)

	s, ok := v.SchemeByName("ipn")
	require.True(t, ok)
	assert.Equal(t, schemeRef, s.Ref)
}

func TestTimelineOrdersByTimeAscending(t *testing.T) {
	v := vdb.New()
	now := time.Unix(1_700_000_000, 0)

	v.InsertEvent(&model.BpEvent{Ref: "c", Time: now.Add(3 * time.Second)})
	v.InsertEvent(&model.BpEvent{Ref: "a", Time: now.Add(1 * time.Second)})
	v.InsertEvent(&model.BpEvent{Ref: "b", Time: now.Add(2 * time.Second)})

	next, ok := v.PeekNextEvent()
	require.True(t, ok)
	assert.Equal(t, model.Ref("a"), next.Ref)

	due := v.PopDueEvents(now.Add(2 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, model.Ref("a"), due[0].Ref)
	assert.Equal(t, model.Ref("b"), due[1].Ref)

	next, ok = v.PeekNextEvent()
	require.True(t, ok)
	assert.Equal(t, model.Ref("c"), next.Ref)
}

func TestRemoveEventPullsOutOfOrder(t *testing.T) {
	v := vdb.New()
	now := time.Unix(1_700_000_000, 0)

	v.InsertEvent(&model.BpEvent{Ref: "a", Time: now.Add(1 * time.Second)})
	v.InsertEvent(&model.BpEvent{Ref: "b", Time: now.Add(2 * time.Second)})

	v.RemoveEvent("a")

	next, ok := v.PeekNextEvent()
	require.True(t, ok)
	assert.Equal(t, model.Ref("b"), next.Ref)
}

func TestBundleIDHashCollapsesOnCollision(t *testing.T) {
	v := vdb.New()
	id := model.BundleID{SourceEID: "ipn:1.1", CreationTime: 100}

	v.PutBundleID(id, "b1")
	set, ok := v.LookupBundleID(id)
	require.True(t, ok)
	assert.Equal(t, 1, set.Count)
	assert.Equal(t, model.Ref("b1"), set.BundleRef)

	v.PutBundleID(id, "b2")
	set, ok = v.LookupBundleID(id)
	require.True(t, ok)
	assert.Equal(t, 2, set.Count)
	assert.Equal(t, model.Ref(""), set.BundleRef)

	v.RemoveBundleID(id)
	set, ok = v.LookupBundleID(id)
	require.True(t, ok)
	assert.Equal(t, 1, set.Count)

	v.RemoveBundleID(id)
	_, ok = v.LookupBundleID(id)
	assert.False(t, ok)
}

func TestOutductLookupByNameAndWake(t *testing.T) {
	v := vdb.New()
	v.PutOutduct(&model.Outduct{Ref: "o1", DuctName: "tcp0"})

	o, ok := v.OutductByName("tcp0")
	require.True(t, ok)
	assert.Equal(t, model.Ref("o1"), o.Ref)

	select {
	case <-v.DequeueWake:
	default:
		t.Fatal("expected DequeueWake to be signaled after PutOutduct")
	}
}
