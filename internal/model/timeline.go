package model

import "time"

// EventType enumerates the timeline event kinds the clock (internal/timeline)
// dispatches on each tick (spec §4.10).
type EventType uint8

const (
	EventExpiredTTL EventType = iota
	EventXmitOverdue
	EventCtDue
	EventCsDue
)

func (t EventType) String() string {
	switch t {
	case EventExpiredTTL:
		return "expiredTTL"
	case EventXmitOverdue:
		return "xmitOverdue"
	case EventCtDue:
		return "ctDue"
	case EventCsDue:
		return "csDue"
	default:
		return "unknown"
	}
}

// BpEvent is one entry on the timeline (spec §3): a type, an absolute fire
// time, and the object it concerns. Destroying an event clears the owning
// bundle's corresponding back-reference, which may be the last retention
// constraint (spec §4.10).
type BpEvent struct {
	Ref  Ref
	Type EventType
	Time time.Time
	// Object is the Ref of the bundle (for expiredTTL/xmitOverdue/ctDue) or
	// of a pending custody-signal batch (for csDue).
	Object Ref
}

// BpDB is the persistent root (spec §3). It is modeled as an explicit
// context struct rather than a package-level singleton, per the §9 design
// note: every engine operation takes a *node context that embeds this,
// constructed once at bpStart.
type BpDB struct {
	SchemeRefs   []Ref
	ProtocolRefs []Ref
	// The timeline is not held here: each BpEvent is stored on its own, and
	// internal/vdb keeps the Time-ordered index for O(log n) insertion/lookup.
	ClockCmd string

	MaxAcqInHeap uint64

	// BundleCounter disambiguates creation timestamps when the node clock is
	// not synchronized to a common epoch (spec §4.6).
	BundleCounter uint64

	LimboQueue []Ref

	WatchMask uint32
}
