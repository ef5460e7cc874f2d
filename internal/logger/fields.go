package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the bundle lifecycle.
// Use these consistently so log lines for one bundle can be correlated by
// key, not just by message text.
const (
	KeyTraceID = "trace_id"

	KeyBundleID    = "bundle_id"
	KeySourceEID   = "source_eid"
	KeyDestEID     = "dest_eid"
	KeyReportToEID = "report_to_eid"
	KeyScheme      = "scheme"
	KeyEndpoint    = "endpoint"
	KeyProtocol    = "protocol"
	KeyInduct      = "induct"
	KeyOutduct     = "outduct"
	KeyOp          = "op"

	KeyCOS          = "cos"
	KeyOrdinal      = "ordinal"
	KeyCustodial    = "custodial"
	KeyFragOffset   = "frag_offset"
	KeyFragLength   = "frag_length"
	KeyPayloadLen   = "payload_len"
	KeyLifespanSecs = "lifespan_secs"

	KeyQueueDepth  = "queue_depth"
	KeyBacklog     = "backlog_bytes"
	KeyThrottleCap = "throttle_capacity"

	KeyEventType = "event_type"
	KeyEventTime = "event_time"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyReason     = "reason"
)

// TraceID returns a slog.Attr for the bundle-lifecycle correlation ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// BundleID returns a slog.Attr for a bundle's textual ID.
func BundleID(id string) slog.Attr { return slog.String(KeyBundleID, id) }

// SourceEID returns a slog.Attr for a bundle's source endpoint.
func SourceEID(e string) slog.Attr { return slog.String(KeySourceEID, e) }

// DestEID returns a slog.Attr for a bundle's destination endpoint.
func DestEID(e string) slog.Attr { return slog.String(KeyDestEID, e) }

// Scheme returns a slog.Attr for a routing scheme name.
func Scheme(name string) slog.Attr { return slog.String(KeyScheme, name) }

// Endpoint returns a slog.Attr for a local endpoint NSS.
func Endpoint(nss string) slog.Attr { return slog.String(KeyEndpoint, nss) }

// Protocol returns a slog.Attr for a convergence-layer protocol name.
func Protocol(name string) slog.Attr { return slog.String(KeyProtocol, name) }

// Induct returns a slog.Attr for an induct's protocol:ductName.
func Induct(name string) slog.Attr { return slog.String(KeyInduct, name) }

// Outduct returns a slog.Attr for an outduct's protocol:ductName.
func Outduct(name string) slog.Attr { return slog.String(KeyOutduct, name) }

// COS returns a slog.Attr for a bundle's class of service.
func COS(c uint8) slog.Attr { return slog.Int(KeyCOS, int(c)) }

// Ordinal returns a slog.Attr for the urgent-queue ordinal tiebreaker.
func Ordinal(o uint8) slog.Attr { return slog.Int(KeyOrdinal, int(o)) }

// Custodial returns a slog.Attr for whether custody was requested/taken.
func Custodial(b bool) slog.Attr { return slog.Bool(KeyCustodial, b) }

// FragOffset returns a slog.Attr for a fragment's offset.
func FragOffset(off uint32) slog.Attr { return slog.Any(KeyFragOffset, off) }

// FragLength returns a slog.Attr for a fragment's length.
func FragLength(n uint32) slog.Attr { return slog.Any(KeyFragLength, n) }

// PayloadLen returns a slog.Attr for a bundle payload length in bytes.
func PayloadLen(n uint64) slog.Attr { return slog.Uint64(KeyPayloadLen, n) }

// QueueDepth returns a slog.Attr for a queue's element count.
func QueueDepth(n int) slog.Attr { return slog.Int(KeyQueueDepth, n) }

// Backlog returns a slog.Attr for a queue's byte backlog.
func Backlog(n uint64) slog.Attr { return slog.Uint64(KeyBacklog, n) }

// ThrottleCapacity returns a slog.Attr for a throttle's current capacity.
func ThrottleCapacity(n int64) slog.Attr { return slog.Int64(KeyThrottleCap, n) }

// EventType returns a slog.Attr for a timeline event type.
func EventType(t string) slog.Attr { return slog.String(KeyEventType, t) }

// DurationMs returns a slog.Attr for an operation's elapsed milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error value's message.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Reason returns a slog.Attr for a status-report/custody-signal reason code.
func Reason(r uint8) slog.Attr { return slog.Int(KeyReason, int(r)) }
