package model

// RecvRule governs what happens when a bundle is delivered to a local
// endpoint.
type RecvRule uint8

const (
	RecvDiscard RecvRule = iota
	RecvEnqueue
)

// Endpoint is a local registration point for an application (spec §3).
type Endpoint struct {
	Ref Ref

	NSS          string
	RecvRule     RecvRule
	RecvScript   string
	SchemeRef    Ref
	Incompletes  []Ref // IncompleteBundle refs pending reassembly for this endpoint
	DeliveryQ    []Ref // bundles awaiting bp_receive
}

// Scheme is a routing scheme registration (spec §3): CBHE-conformant or not,
// unicast or not, the external forwarder/admin-app commands, and its
// forward queue awaiting scheme-specific routing.
type Scheme struct {
	Ref Ref

	Name            string // <= 15 bytes
	CBHEConformant  bool
	Unicast         bool
	ForwarderCmd    string
	AdminAppCmd     string
	ForwardQueue    []Ref // bundles awaiting scheme-specific routing
	Endpoints       []Ref
}

// ClProtocol is a convergence-layer protocol registration (spec §3).
type ClProtocol struct {
	Ref Ref

	Name              string
	PayloadBytesPerFrame uint32
	OverheadPerFrame     uint32
	NominalRate          uint64 // bytes/sec; 0 disables throttling
	Inducts              []Ref
	Outducts             []Ref
}

// Induct is an inbound CLA endpoint registration (spec §3).
type Induct struct {
	Ref Ref

	DuctName      string
	InputAdapterCmd string
	ProtocolRef   Ref

	// CongestiveCount tallies acquisitions this induct fed that blew the ZCO
	// heap budget (spec §4.6 beginAcq/endAcq congestive path).
	CongestiveCount uint64
}

// OutductQueues holds the three persistent priority queues plus the
// 256-entry ordinal table used to order the urgent queue (spec §3, §4.8).
type OutductQueues struct {
	Bulk     []Ref
	Standard []Ref
	Urgent   []Ref

	BulkBacklog     uint64
	StandardBacklog uint64
	UrgentBacklog   uint64

	// LastForOrdinal[o] is the queue position (index into Urgent) after
	// which the next bundle with ordinal o is inserted, so bundles of the
	// same ordinal stay FIFO while distinct ordinals interleave by
	// insertion recency.
	LastForOrdinal [256]int
}

// Outduct is an outbound CLA endpoint registration (spec §3).
type Outduct struct {
	Ref Ref

	DuctName         string
	OutputAdapterCmd string
	Queues           OutductQueues
	MaxPayloadLength uint64 // 0 = unlimited
	Blocked          bool
	ProtocolRef      Ref
}
