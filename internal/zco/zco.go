// Package zco implements the Zero-Copy Object store: large, possibly
// file-backed byte sequences referenced by a model.Ref rather than copied
// between layers. Acquisition writes a bundle's payload once; forwarding,
// dequeue, and retransmission all read it back through cursor-based Readers
// without ever duplicating the bytes in memory.
//
// A Store tracks aggregate resident bytes against an admission budget
// (spec §4.6's "acquisition heap budget"): Create and Append reserve against
// it and fail with model.ErrCongestive once the budget would be exceeded,
// which acquisition treats as a congestive refusal.
package zco

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/dtn-stack/bpcore/internal/model"
)

// Reader reads a ZCO's bytes starting at an arbitrary byte offset and
// supports re-seeking, matching the cursor semantics dequeue needs when it
// catenates header/payload/trailer or retransmits a fragment.
type Reader interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Store is the L2 ZCO adapter.
type Store interface {
	// Create writes r fully and returns a new object's Ref and length.
	Create(ctx context.Context, r io.Reader) (model.Ref, uint64, error)

	// Clone returns a new Ref that refers to [offset, offset+length) of an
	// existing object without copying its bytes. Used by fragmentation
	// (spec §4.9) to hand each fragment its own payload reference.
	Clone(ctx context.Context, ref model.Ref, offset, length uint64) (model.Ref, error)

	// Append extends an existing object with more bytes, for a multi-frame
	// acquisition that streams payload in as it arrives off the wire.
	Append(ctx context.Context, ref model.Ref, data []byte) error

	// Len returns an object's total byte length.
	Len(ctx context.Context, ref model.Ref) (uint64, error)

	// NewReader opens a cursor onto an object's bytes.
	NewReader(ctx context.Context, ref model.Ref) (Reader, error)

	// Destroy releases an object's storage and its heap-budget reservation.
	// Called only once a bundle's retention constraints have all cleared.
	Destroy(ctx context.Context, ref model.Ref) error

	// Occupancy returns the current resident byte count.
	Occupancy() uint64
}

// Budget tracks resident ZCO bytes against an admission ceiling shared by
// every Store implementation. A zero ceiling means unlimited.
type Budget struct {
	ceiling  uint64
	resident atomic.Uint64
}

// NewBudget returns a Budget with the given ceiling (0 = unlimited).
func NewBudget(ceiling uint64) *Budget {
	return &Budget{ceiling: ceiling}
}

// Reserve attempts to account for n additional resident bytes, failing with
// model.ErrCongestive if that would exceed the ceiling.
func (b *Budget) Reserve(n uint64) error {
	if b.ceiling == 0 {
		b.resident.Add(n)
		return nil
	}
	for {
		cur := b.resident.Load()
		if cur+n > b.ceiling {
			return model.ErrCongestive
		}
		if b.resident.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Release returns n resident bytes to the budget.
func (b *Budget) Release(n uint64) {
	for {
		cur := b.resident.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if b.resident.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Occupancy returns the current resident byte count.
func (b *Budget) Occupancy() uint64 { return b.resident.Load() }
