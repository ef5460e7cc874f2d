package model

import (
	"time"

	"github.com/dtn-stack/bpcore/internal/eid"
)

// AdminRecordType distinguishes the two administrative bundle payloads this
// core understands (spec §4.11). Security blocks and other admin record
// types are out of scope.
type AdminRecordType uint8

const (
	AdminStatusReport AdminRecordType = 1
	AdminCustodySignal AdminRecordType = 2
)

// StatusReason mirrors the reason codes carried in a status report.
type StatusReason uint8

const (
	ReasonNoInfo StatusReason = iota
	ReasonExpired
	ReasonNoRoute
	ReasonDepletion
	ReasonTrafficPared
)

// BpStatusRpt is a parsed BP_STATUS_REPORT administrative record (spec
// §4.11). Exactly one of the SRR-triggered fields is set per emitted
// report; a single bundle lifecycle transition emits one report per SRR bit
// it has set, each with its own timestamp.
type BpStatusRpt struct {
	BundleID BundleID
	Flags    SRRFlags // which of received/accepted/forwarded/delivered/deleted this report states
	Reason   StatusReason

	ReceivedAt  time.Time
	AcceptedAt  time.Time
	ForwardedAt time.Time
	DeliveredAt time.Time
	DeletedAt   time.Time

	SourceEID eid.EID
}

// BpCtSignal is a parsed BP_CUSTODY_SIGNAL administrative record (spec
// §4.7, §4.11).
type BpCtSignal struct {
	BundleID  BundleID
	Succeeded bool
	Reason    StatusReason
	SourceEID eid.EID
}

// StatusRptCB is invoked by the admin-record consumer for every parsed
// status report (spec §6: "surfaced to the local application unchanged").
type StatusRptCB func(rpt BpStatusRpt)

// CtSignalCB is invoked by the admin-record consumer for every parsed
// custody signal; the lifecycle engine's ApplyCtSignal is the canonical
// consumer (spec §4.7).
type CtSignalCB func(sig BpCtSignal)
