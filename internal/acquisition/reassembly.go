package acquisition

import (
	"context"
	"io"
	"sort"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/vdb"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// FragmentReassembler is the canonical Reassembler (spec §3 IncompleteBundle,
// §4.6 "route it through reassembly"). Every arriving fragment is persisted
// as its own Bundle and threaded onto the IncompleteBundle fragment list for
// its ADU, keyed by (SourceEID, CreationTime); once that list covers the
// whole ADU, the fragments' payloads are concatenated into one aggregate
// bundle and handed to Accepter.
type FragmentReassembler struct {
	Store    bpdb.Store
	ZCO      zco.Store
	Vdb      *vdb.Vdb
	Accepter Accepter
}

var _ Reassembler = (*FragmentReassembler)(nil)

// NewReassembler returns a FragmentReassembler wired to accepter.
func NewReassembler(store bpdb.Store, zcoStore zco.Store, v *vdb.Vdb, accepter Accepter) *FragmentReassembler {
	return &FragmentReassembler{Store: store, ZCO: zcoStore, Vdb: v, Accepter: accepter}
}

// AddFragment implements Reassembler. The fragment is first hash-inserted
// like any other acquired bundle (its BundleID is unique per offset/length),
// then folded into its ADU's IncompleteBundle; a completeness check runs on
// every insertion so reassembly fires as soon as the last gap closes,
// however the fragments arrived.
func (r *FragmentReassembler) AddFragment(ctx context.Context, b *model.Bundle) error {
	if err := r.persistBundle(ctx, b); err != nil {
		return err
	}
	r.Vdb.PutBundleID(b.ID, b.Ref)

	ib, err := r.loadOrCreateIncomplete(ctx, b)
	if err != nil {
		return err
	}
	ib.Fragments = append(ib.Fragments, b.Ref)

	frags, err := r.orderFragments(ctx, ib)
	if err != nil {
		return err
	}

	b.Refs.IncompleteElt = ib.Ref
	if err := r.persistBundle(ctx, b); err != nil {
		return err
	}
	if err := r.persistIncomplete(ctx, ib); err != nil {
		return err
	}
	r.Vdb.PutIncomplete(ib)

	if !adCovered(frags, ib.TotalADULength) {
		return nil
	}
	return r.reassemble(ctx, ib, frags)
}

// loadOrCreateIncomplete finds the in-progress IncompleteBundle for b's ADU,
// or starts a fresh one on the first fragment of a previously unseen ADU
// (spec §3 Lifecycles).
func (r *FragmentReassembler) loadOrCreateIncomplete(ctx context.Context, b *model.Bundle) (*model.IncompleteBundle, error) {
	if ref, ok := r.Vdb.IncompleteByADU(b.ID.SourceEID, b.ID.CreationTime); ok {
		var ib *model.IncompleteBundle
		if err := r.Store.View(ctx, func(tx bpdb.Tx) error {
			got, err := tx.GetIncomplete(ctx, ref)
			if err != nil {
				return err
			}
			ib = got
			return nil
		}); err != nil {
			return nil, err
		}
		return ib, nil
	}
	return &model.IncompleteBundle{
		SourceEID:      b.ID.SourceEID,
		CreationTime:   b.ID.CreationTime,
		TotalADULength: b.TotalADULength,
	}, nil
}

// orderFragments loads every fragment named by ib.Fragments, sorts them by
// FragmentOffset (invariant 7: non-decreasing offset sequence), and rewrites
// ib.Fragments in that order.
func (r *FragmentReassembler) orderFragments(ctx context.Context, ib *model.IncompleteBundle) ([]*model.Bundle, error) {
	frags := make([]*model.Bundle, 0, len(ib.Fragments))
	if err := r.Store.View(ctx, func(tx bpdb.Tx) error {
		for _, ref := range ib.Fragments {
			fb, err := tx.GetBundle(ctx, ref)
			if err != nil {
				return err
			}
			frags = append(frags, fb)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(frags, func(i, j int) bool {
		return frags[i].ID.FragmentOffset < frags[j].ID.FragmentOffset
	})
	ib.Fragments = ib.Fragments[:0]
	for _, fb := range frags {
		ib.Fragments = append(ib.Fragments, fb.Ref)
	}
	return frags, nil
}

// adCovered reports whether the sorted fragment list, starting at offset 0,
// contiguously or with overlap covers the whole ADU (spec §3: an
// IncompleteBundle completes once its fragments span [0, TotalADULength)).
func adCovered(frags []*model.Bundle, total uint64) bool {
	if len(frags) == 0 || frags[0].ID.FragmentOffset != 0 {
		return false
	}
	var cursor uint64
	for _, fb := range frags {
		off := uint64(fb.ID.FragmentOffset)
		if off > cursor {
			return false // gap before this fragment
		}
		if end := off + fb.PayloadLen; end > cursor {
			cursor = end
		}
	}
	return cursor >= total
}

// reassemble concatenates frags' payloads into one aggregate bundle, retires
// the fragments and the IncompleteBundle, and hands the aggregate to
// Accepter (spec §4.6 endAcq's "invoke the Lifecycle Engine's accept path",
// applied once reassembly instead of acquisition produces the deliverable
// bundle).
func (r *FragmentReassembler) reassemble(ctx context.Context, ib *model.IncompleteBundle, frags []*model.Bundle) error {
	readers := make([]io.Reader, 0, len(frags))
	closers := make([]io.Closer, 0, len(frags))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, fb := range frags {
		rd, err := r.ZCO.NewReader(ctx, fb.PayloadZCO)
		if err != nil {
			return err
		}
		closers = append(closers, rd)
		readers = append(readers, rd)
	}

	payloadRef, _, err := r.ZCO.Create(ctx, io.MultiReader(readers...))
	if err != nil {
		return err
	}

	agg := *frags[0]
	agg.Ref = ""
	agg.Refs = model.BackRefs{}
	agg.Flags &^= model.BDLIsFragment
	agg.ID.FragmentOffset = 0
	agg.ID.FragmentLength = 0
	agg.PayloadZCO = payloadRef
	agg.PayloadLen = ib.TotalADULength
	agg.Accepted = false
	agg.Delivered = false

	if err := r.persistBundle(ctx, &agg); err != nil {
		return err
	}
	r.Vdb.PutBundleID(agg.ID, agg.Ref)

	for _, fb := range frags {
		r.destroyFragment(ctx, fb)
	}

	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteIncomplete(ctx, ib.Ref)
	}); err != nil {
		logger.WarnCtx(ctx, "failed to delete incomplete bundle record", logger.Err(err))
	}
	r.Vdb.RemoveIncomplete(ib.SourceEID, ib.CreationTime)

	if r.Accepter != nil {
		return r.Accepter.Accept(ctx, &agg)
	}
	return nil
}

// destroyFragment retires one fragment bundle once it has been folded into
// the aggregate, mirroring internal/lifecycle.Engine.DestroyBundle's
// hash-removal-then-payload-destruction order.
func (r *FragmentReassembler) destroyFragment(ctx context.Context, fb *model.Bundle) {
	r.Vdb.RemoveBundleID(fb.ID)
	if err := r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		return tx.DeleteBundle(ctx, fb.Ref)
	}); err != nil {
		logger.WarnCtx(ctx, "failed to delete reassembled fragment", logger.Err(err))
	}
	if !fb.PayloadZCO.Empty() {
		if err := r.ZCO.Destroy(ctx, fb.PayloadZCO); err != nil {
			logger.WarnCtx(ctx, "failed to destroy reassembled fragment payload", logger.Err(err))
		}
	}
}

func (r *FragmentReassembler) persistBundle(ctx context.Context, b *model.Bundle) error {
	return r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		ref, err := tx.PutBundle(ctx, b)
		if err != nil {
			return err
		}
		b.Ref = ref
		b.Refs.HashEntry = ref
		_, err = tx.PutBundle(ctx, b)
		return err
	})
}

func (r *FragmentReassembler) persistIncomplete(ctx context.Context, ib *model.IncompleteBundle) error {
	return r.Store.WithTx(ctx, func(tx bpdb.Tx) error {
		ref, err := tx.PutIncomplete(ctx, ib)
		if err != nil {
			return err
		}
		ib.Ref = ref
		return nil
	})
}
