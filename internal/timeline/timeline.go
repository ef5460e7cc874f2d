// Package timeline implements the clock (spec §4.10): a single periodic
// task that walks the head of the event timeline and dispatches every due
// event to the engine that owns its back-reference. It is grounded on the
// worker-loop idiom in pkg/flusher's background uploader: a ticker-driven
// goroutine, started once at bpStart and stopped via context cancellation.
package timeline

import (
	"context"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

// DefaultTick is the clock's nominal period (spec §4.10: "~1 Hz").
const DefaultTick = time.Second

// Destroyer implements bpDestroyBundle, invoked on expiredTTL.
type Destroyer interface {
	DestroyBundle(ctx context.Context, b *model.Bundle, expired bool) (bool, error)
}

// Reforwarder implements bpReforwardBundle, invoked on xmitOverdue and on
// ctDue when custody has not been released.
type Reforwarder interface {
	ReforwardBundle(ctx context.Context, b *model.Bundle) error
}

// SignalRepeater re-emits any custody signals still pending delivery,
// invoked on csDue. The admin package is the canonical implementation; it
// is optional here so the clock can run before that package exists to wire
// it in.
type SignalRepeater interface {
	ResendPendingSignals(ctx context.Context, object model.Ref) error
}

// Engine is the clock. It owns no state of its own beyond the wiring to
// the engines it dispatches to; the timeline itself lives in internal/vdb.
type Engine struct {
	Store bpdb.Store
	Vdb   *vdb.Vdb

	Destroy   Destroyer
	Reforward Reforwarder
	Resend    SignalRepeater

	// Tick overrides DefaultTick; zero means DefaultTick.
	Tick time.Duration
	// Now overrides time.Now, for deterministic tests.
	Now func() time.Time
}

// New wires a clock over the given store, in-memory index, bundle
// destroyer, and reforwarder.
func New(store bpdb.Store, v *vdb.Vdb, destroy Destroyer, reforward Reforwarder) *Engine {
	return &Engine{Store: store, Vdb: v, Destroy: destroy, Reforward: reforward}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) tick() time.Duration {
	if e.Tick > 0 {
		return e.Tick
	}
	return DefaultTick
}

// Run blocks, firing the clock at e.tick() and also on any wake posted when
// an event is inserted ahead of the current earliest (internal/vdb's
// InsertEvent notifies ClockWake in that case), until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick())
	defer ticker.Stop()

	e.drainDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainDue(ctx)
		case <-e.Vdb.ClockWake:
			e.drainDue(ctx)
		}
	}
}

// drainDue pops and dispatches every event whose time has come. Errors are
// logged rather than propagated: one bundle's failure must not stall the
// clock for every other due event.
func (e *Engine) drainDue(ctx context.Context) {
	now := e.now()
	for _, ev := range e.Vdb.PopDueEvents(now) {
		if err := e.dispatch(ctx, ev); err != nil {
			logger.ErrorCtx(ctx, "timeline event dispatch failed", logger.Err(err))
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev *model.BpEvent) error {
	switch ev.Type {
	case model.EventExpiredTTL:
		return e.onExpiredTTL(ctx, ev)
	case model.EventXmitOverdue:
		return e.onXmitOverdue(ctx, ev)
	case model.EventCtDue:
		return e.onCtDue(ctx, ev)
	case model.EventCsDue:
		return e.onCsDue(ctx, ev)
	default:
		return nil
	}
}

func (e *Engine) onExpiredTTL(ctx context.Context, ev *model.BpEvent) error {
	b, ok, err := e.loadBundle(ctx, ev.Object)
	if err != nil || !ok {
		return err
	}
	b.Refs.TTLTimeline = ""
	_, err = e.Destroy.DestroyBundle(ctx, b, true)
	return err
}

func (e *Engine) onXmitOverdue(ctx context.Context, ev *model.BpEvent) error {
	b, ok, err := e.loadBundle(ctx, ev.Object)
	if err != nil || !ok {
		return err
	}
	b.Refs.XmitOverdueTimeline = ""
	return e.Reforward.ReforwardBundle(ctx, b)
}

func (e *Engine) onCtDue(ctx context.Context, ev *model.BpEvent) error {
	b, ok, err := e.loadBundle(ctx, ev.Object)
	if err != nil || !ok {
		return err
	}
	b.Refs.CustodyTimeline = ""
	if !b.CustodyTaken {
		return e.persist(ctx, b)
	}
	return e.Reforward.ReforwardBundle(ctx, b)
}

func (e *Engine) onCsDue(ctx context.Context, ev *model.BpEvent) error {
	if e.Resend == nil {
		return nil
	}
	return e.Resend.ResendPendingSignals(ctx, ev.Object)
}

func (e *Engine) loadBundle(ctx context.Context, ref model.Ref) (*model.Bundle, bool, error) {
	var b *model.Bundle
	err := e.Store.View(ctx, func(tx bpdb.Tx) error {
		bb, err := tx.GetBundle(ctx, ref)
		if err != nil {
			return err
		}
		b = bb
		return nil
	})
	if err == model.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (e *Engine) persist(ctx context.Context, b *model.Bundle) error {
	return e.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		_, err := tx.PutBundle(ctx, b)
		return err
	})
}
