package timeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/eid"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/timeline"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

type recordingDestroyer struct {
	mu       sync.Mutex
	destroyed []model.Ref
}

func (d *recordingDestroyer) DestroyBundle(ctx context.Context, b *model.Bundle, expired bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, b.Ref)
	return true, nil
}

func (d *recordingDestroyer) calls() []model.Ref {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Ref(nil), d.destroyed...)
}

type recordingReforwarder struct {
	mu       sync.Mutex
	reforwarded []model.Ref
}

func (r *recordingReforwarder) ReforwardBundle(ctx context.Context, b *model.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reforwarded = append(r.reforwarded, b.Ref)
	return nil
}

func (r *recordingReforwarder) calls() []model.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Ref(nil), r.reforwarded...)
}

func newBundle(t *testing.T, store bpdb.Store, custodyTaken bool) *model.Bundle {
	t.Helper()
	ctx := context.Background()
	b := &model.Bundle{
		Source:       eid.MustParse("ipn:1.1"),
		Dest:         eid.MustParse("ipn:9.1"),
		CustodyTaken: custodyTaken,
	}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = r
		return nil
	}))
	return b
}

func installEvent(t *testing.T, store bpdb.Store, v *vdb.Vdb, typ model.EventType, object model.Ref, at time.Time) *model.BpEvent {
	t.Helper()
	ctx := context.Background()
	ev := &model.BpEvent{Type: typ, Time: at, Object: object}
	require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
		r, err := tx.PutEvent(ctx, ev)
		if err != nil {
			return err
		}
		ev.Ref = r
		return nil
	}))
	v.InsertEvent(ev)
	return ev
}

func TestExpiredTTLDestroysBundle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	v := vdb.New()
	b := newBundle(t, store, false)
	ev := installEvent(t, store, v, model.EventExpiredTTL, b.Ref, time.Unix(1_700_000_000, 0))
	b.Refs.TTLTimeline = ev.Ref

	destroyer := &recordingDestroyer{}
	reforwarder := &recordingReforwarder{}
	e := timeline.New(store, v, destroyer, reforwarder)
	e.Now = func() time.Time { return time.Unix(1_700_000_001, 0) }
	e.Tick = 10 * time.Millisecond

	go e.Run(ctx)
	require.Eventually(t, func() bool { return len(destroyer.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, b.Ref, destroyer.calls()[0])
}

func TestCtDueReforwardsWhenCustodyOutstanding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	v := vdb.New()
	b := newBundle(t, store, true)
	ev := installEvent(t, store, v, model.EventCtDue, b.Ref, time.Unix(1_700_000_000, 0))
	b.Refs.CustodyTimeline = ev.Ref

	destroyer := &recordingDestroyer{}
	reforwarder := &recordingReforwarder{}
	e := timeline.New(store, v, destroyer, reforwarder)
	e.Now = func() time.Time { return time.Unix(1_700_000_001, 0) }
	e.Tick = 10 * time.Millisecond

	go e.Run(ctx)
	require.Eventually(t, func() bool { return len(reforwarder.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, b.Ref, reforwarder.calls()[0])
}

func TestCtDueSkipsReforwardWhenCustodyAlreadyReleased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	v := vdb.New()
	b := newBundle(t, store, false) // custody already released before the event fires
	ev := installEvent(t, store, v, model.EventCtDue, b.Ref, time.Unix(1_700_000_000, 0))
	b.Refs.CustodyTimeline = ev.Ref

	destroyer := &recordingDestroyer{}
	reforwarder := &recordingReforwarder{}
	e := timeline.New(store, v, destroyer, reforwarder)
	e.Now = func() time.Time { return time.Unix(1_700_000_001, 0) }
	e.Tick = 10 * time.Millisecond

	go e.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, reforwarder.calls())
}

func TestRunWakesImmediatelyOnEarlierInsert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	v := vdb.New()
	destroyer := &recordingDestroyer{}
	reforwarder := &recordingReforwarder{}
	e := timeline.New(store, v, destroyer, reforwarder)
	e.Tick = time.Hour // long enough that only the wake path can deliver in time
	e.Now = func() time.Time { return time.Now() }

	go e.Run(ctx)

	b := newBundle(t, store, false)
	ev := installEvent(t, store, v, model.EventExpiredTTL, b.Ref, time.Now().Add(-time.Second))
	b.Refs.TTLTimeline = ev.Ref

	require.Eventually(t, func() bool { return len(destroyer.calls()) == 1 }, time.Second, 5*time.Millisecond)
}
