// Package throttle implements the per-outduct token-bucket rate limiter
// (spec §4.9): an outduct with a nonzero nominal rate accrues credit once
// per second up to its capacity, and bpDequeue blocks on Acquire until
// enough credit exists to send a frame.
//
// A Throttle with NominalRate 0 is unthrottled: Acquire always returns
// immediately. This is the same semantics the spec gives ClProtocol's
// NominalRate field.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/dtn-stack/bpcore/internal/logger"
)

// Throttle is a token bucket credited at NominalRate bytes/sec, capped at
// capacity (one second's worth of credit, so a burst can use at most the
// rate it was denied during the prior second).
type Throttle struct {
	mu          sync.Mutex
	nominalRate uint64 // bytes/sec; 0 = unthrottled
	capacity    int64
	credit      int64

	// wake is signaled (non-blocking) every time credit increases, so
	// Acquire waiters recheck instead of polling.
	wake chan struct{}
}

// New creates a Throttle for the given nominal rate, starting with a full
// bucket (one second's worth of credit).
func New(nominalRate uint64) *Throttle {
	return &Throttle{
		nominalRate: nominalRate,
		capacity:    int64(nominalRate),
		credit:      int64(nominalRate),
		wake:        make(chan struct{}, 1),
	}
}

func (t *Throttle) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// SetNominalRate updates the rate (and therefore the capacity) a running
// Throttle grants credit at; used when an operator edits a protocol's rate
// at runtime.
func (t *Throttle) SetNominalRate(rate uint64) {
	t.mu.Lock()
	t.nominalRate = rate
	t.capacity = int64(rate)
	if t.credit > t.capacity {
		t.credit = t.capacity
	}
	t.mu.Unlock()
	t.notify()
}

// Run credits the bucket once per second until ctx is done. A Throttle with
// no Run goroutine active gains no credit after its initial full bucket.
func (t *Throttle) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.nominalRate > 0 {
				t.credit += int64(t.nominalRate)
				if t.credit > t.capacity {
					t.credit = t.capacity
				}
			}
			t.mu.Unlock()
			t.notify()
		}
	}
}

// Acquire blocks until n bytes of credit are available (or the throttle is
// unrestricted, or ctx is canceled) and then deducts them.
func (t *Throttle) Acquire(ctx context.Context, n uint64) error {
	for {
		t.mu.Lock()
		if t.nominalRate == 0 {
			t.mu.Unlock()
			return nil
		}
		if t.credit >= int64(n) {
			t.credit -= int64(n)
			t.mu.Unlock()
			logger.Debug("throttle credit acquired", logger.KeyThrottleCap, n)
			return nil
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		}
	}
}

// Available reports the current credit balance.
func (t *Throttle) Available() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.credit
}
