package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one bundle-lifecycle
// operation as it passes through acquisition, lifecycle, forwarding, and
// dequeue.
type LogContext struct {
	TraceID   string // correlates one bundle's lifecycle across log lines
	BundleID  string // SourceEID:creationTime:fragmentOffset
	Scheme    string // destination scheme name
	Endpoint  string // local endpoint NSS, when delivering
	Induct    string // protocol:ductName, when inbound
	Outduct   string // protocol:ductName, when outbound
	Op        string // acquire, accept, forward, enqueue, dequeue, expire, ...
	StartTime time.Time
}

// WithContext returns a new context carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a bundle ID.
func NewLogContext(bundleID string) *LogContext {
	return &LogContext{BundleID: bundleID, StartTime: time.Now()}
}

// Clone returns a copy of lc.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	cp := *lc
	return &cp
}

// WithOp returns a copy with Op set.
func (lc *LogContext) WithOp(op string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Op = op
	}
	return clone
}

// WithOutduct returns a copy with Outduct set.
func (lc *LogContext) WithOutduct(outduct string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Outduct = outduct
	}
	return clone
}

// DurationMs returns the elapsed time since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
