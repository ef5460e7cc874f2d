package model

import (
	"time"

	"github.com/dtn-stack/bpcore/internal/eid"
)

// Ref is an opaque handle into the persistent object store (internal/bpdb).
// It is never dereferenced outside the store adapter; every cross-entity
// pointer in this package is a Ref, never a Go pointer, so destruction can be
// governed entirely by clearing references (see retention constraints below).
type Ref string

// Empty reports whether the reference is unset.
func (r Ref) Empty() bool { return r == "" }

// ClassOfService is the bundle priority class.
type ClassOfService uint8

const (
	COSBulk ClassOfService = iota
	COSStandard
	COSUrgent
)

// ProcessingFlags mirrors the primary block's bundle processing control
// flags.
type ProcessingFlags uint16

const (
	BDLIsFragment ProcessingFlags = 1 << iota
	BDLIsAdmin
	BDLDoNotFragment
	BDLCustodial
	BDLSingletonDestination
	BDLAppAckRequested
)

// SRRFlags mirrors the status report request flags carried in the primary
// block.
type SRRFlags uint8

const (
	SRRReceived SRRFlags = 1 << iota
	SRRAccepted
	SRRForwarded
	SRRDelivered
	SRRDeleted
)

// ExtendedCOS carries the extended class-of-service extension block: the
// 0-255 ordinal tiebreaker used inside the urgent priority queue. Custody
// and status-report requests travel in Bundle.Flags and Bundle.SRR instead.
type ExtendedCOS struct {
	Ordinal uint8
}

// Dossier is the sender-assertion structure attached by an authenticated CLA
// input adapter: who the acquisition engine believes sent this bundle, for
// schemes whose forwarder wants to make routing decisions based on the
// previous hop.
type Dossier struct {
	Authentic       bool
	SenderEID       string
	SenderNodeNbr   uint64
}

// ExtensionBlock is a single self-describing extension block: flags + type +
// length-delimited body. The acquisition engine dispatches on Type via the
// registry in internal/acquisition/blocktype.go; unknown types fall through
// to the generic handling governed by Flags.
type ExtensionBlock struct {
	Type  uint8
	Flags BlockFlags
	Body  []byte
}

// BlockFlags mirrors the per-block processing control flags.
type BlockFlags uint8

const (
	BlockReportIfNG BlockFlags = 1 << iota
	BlockAbortIfNG
	BlockRemoveIfNG
	BlockIsLast
)

// BackRefs holds every retention-constraint reference a Bundle can carry.
// The retention invariant (spec §3, §8 invariant 1) is: a bundle may be
// destroyed iff every field here is empty. Each non-empty field is one
// constraint; bpDestroyBundle (internal/lifecycle) is the only code allowed
// to clear them.
type BackRefs struct {
	HashEntry          Ref // entry in the bundles hash (internal/bpdb)
	TTLTimeline        Ref // expiredTTL event
	XmitOverdueTimeline Ref // xmitOverdue event
	CustodyTimeline    Ref // ctDue event
	ForwardQueue       Ref // scheme.forwardQueue entry
	IncompleteElt      Ref // IncompleteBundle fragment-list entry
	DeliveryQueue      Ref // endpoint delivery queue entry
	TrackingList       []Ref // application tracking-list entries
	OutductQueue       Ref // current outduct queue entry
	LimboQueue         Ref // membership in the global limbo queue
}

// Cleared reports whether every retention constraint has been released.
func (b BackRefs) Cleared() bool {
	return b.HashEntry.Empty() && b.TTLTimeline.Empty() && b.XmitOverdueTimeline.Empty() &&
		b.CustodyTimeline.Empty() && b.ForwardQueue.Empty() && b.IncompleteElt.Empty() &&
		b.DeliveryQueue.Empty() && b.OutductQueue.Empty() && b.LimboQueue.Empty() &&
		len(b.TrackingList) == 0
}

// BundleID is the triple that uniquely identifies a bundle (and, with
// FragmentLength, a fragment of one) across the whole node.
type BundleID struct {
	SourceEID      string
	CreationTime   int64 // seconds since the DTN epoch
	CreationSeq    uint32 // bundleCounter, folded in when the clock isn't synchronized
	FragmentOffset uint32
	FragmentLength uint32 // 0 for a non-fragment or for the whole-ADU case
}

// Bundle is the atom of retention (spec §3).
type Bundle struct {
	Ref Ref

	ID BundleID

	Flags    ProcessingFlags
	COS      ClassOfService
	Extended ExtendedCOS

	Source    eid.EID
	Dest      eid.EID
	ReportTo  eid.EID
	Custodian eid.EID

	CreationTime   time.Time
	LifespanSecs   uint64
	ExpirationTime time.Time

	Dictionary []byte // carried for wire fidelity only; never read after parse, see SPEC_FULL.md §3

	TotalADULength uint64

	PayloadZCO   Ref
	PayloadLen   uint64

	PrePayloadBlocks  []ExtensionBlock
	PostPayloadBlocks []ExtensionBlock
	CollabBlocks      []ExtensionBlock

	Refs BackRefs

	CustodyTaken   bool
	Delivered      bool
	Suspended      bool
	ReturnToSender bool
	Accepted       bool
	Corrupt        bool
	Anonymous      bool
	Expired        bool

	DBOverhead uint64

	Stations []eid.EID // multi-hop source-routing stack

	Dossier Dossier

	SRR SRRFlags

	ProxNodeEID  eid.EID
	DestDuctName string
	EnqueueTime  time.Time
	ArrivalTime  time.Time
}

// IsFragment reports whether BDLIsFragment is set. For a fragment,
// TotalADULength is the whole-ADU size and PayloadLen is this fragment's size.
func (b *Bundle) IsFragment() bool { return b.Flags&BDLIsFragment != 0 }

// PushStation pushes a station EID onto the itinerary stack kept for
// multi-hop source routing (forwardBundle, spec §4.8).
func (b *Bundle) PushStation(station eid.EID) {
	b.Stations = append(b.Stations, station)
}

// BundleSet is the bundle hash's value type (spec §3): either a direct
// reference when exactly one bundle shares the key, or a bare count when
// two or more collide (either genuine duplicates or custody-signal matches
// against a retired original, per Open Question (a)).
type BundleSet struct {
	Count     int
	BundleRef Ref // valid iff Count == 1
}

// IncompleteBundle is the ordered-by-offset fragment list pending reassembly
// for one (source, creationTime) ADU.
type IncompleteBundle struct {
	Ref       Ref
	SourceEID string
	CreationTime int64
	TotalADULength uint64
	Fragments []Ref // ordered by FragmentOffset, non-decreasing (invariant 7)
}
