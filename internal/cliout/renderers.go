package cliout

import (
	"fmt"

	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/node"
)

// BundleTable renders node.DumpBundles's output as a table (bp_admin's
// "bundle list" view).
type BundleTable []node.BundleDump

func (t BundleTable) Headers() []string {
	return []string{"Ref", "Source", "Dest", "COS", "Payload", "Expires", "Custody", "Delivered", "Retained"}
}

func (t BundleTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, b := range t {
		rows = append(rows, []string{
			string(b.Ref),
			b.SourceEID,
			b.DestEID,
			cosName(b.COS),
			fmt.Sprintf("%d", b.PayloadLen),
			FormatTime(b.ExpirationTime),
			boolMark(b.CustodyTaken),
			boolMark(b.Delivered),
			boolMark(b.Retained),
		})
	}
	return rows
}

// TimelineTable renders node.DumpTimeline's output as a table (bp_admin's
// "timeline list" view, showing the events the clock thread will fire).
type TimelineTable []node.TimelineEventDump

func (t TimelineTable) Headers() []string {
	return []string{"Ref", "Type", "Due", "Object"}
}

func (t TimelineTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{string(e.Ref), e.Type, FormatTime(e.Time), string(e.Object)})
	}
	return rows
}

// SchemeTable renders a scheme listing (bp_admin's "scheme list").
type SchemeTable []*model.Scheme

func (t SchemeTable) Headers() []string {
	return []string{"Ref", "Name", "CBHE", "Unicast", "Forwarder", "Admin App"}
}

func (t SchemeTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, s := range t {
		rows = append(rows, []string{
			string(s.Ref), s.Name, boolMark(s.CBHEConformant), boolMark(s.Unicast),
			s.ForwarderCmd, s.AdminAppCmd,
		})
	}
	return rows
}

// EndpointTable renders an endpoint listing (bp_admin's "endpoint list").
type EndpointTable []*model.Endpoint

func (t EndpointTable) Headers() []string {
	return []string{"Ref", "NSS", "Recv Rule", "Queued"}
}

func (t EndpointTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{
			string(e.Ref), e.NSS, fmt.Sprintf("%d", e.RecvRule), fmt.Sprintf("%d", len(e.DeliveryQ)),
		})
	}
	return rows
}

// ProtocolTable renders a convergence-layer protocol listing.
type ProtocolTable []*model.ClProtocol

func (t ProtocolTable) Headers() []string {
	return []string{"Ref", "Name", "Payload/Frame", "Overhead/Frame", "Nominal Rate"}
}

func (t ProtocolTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, p := range t {
		rows = append(rows, []string{
			string(p.Ref), p.Name,
			fmt.Sprintf("%d", p.PayloadBytesPerFrame),
			fmt.Sprintf("%d", p.OverheadPerFrame),
			fmt.Sprintf("%d/s", p.NominalRate),
		})
	}
	return rows
}

// InductTable renders an induct listing.
type InductTable []*model.Induct

func (t InductTable) Headers() []string {
	return []string{"Ref", "Duct Name", "Input Cmd", "Protocol"}
}

func (t InductTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, in := range t {
		rows = append(rows, []string{string(in.Ref), in.DuctName, in.InputAdapterCmd, string(in.ProtocolRef)})
	}
	return rows
}

// OutductTable renders an outduct listing, including its queue backlogs.
type OutductTable []*model.Outduct

func (t OutductTable) Headers() []string {
	return []string{"Ref", "Duct Name", "Output Cmd", "Protocol", "Blocked", "Bulk", "Standard", "Urgent"}
}

func (t OutductTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, o := range t {
		rows = append(rows, []string{
			string(o.Ref), o.DuctName, o.OutputAdapterCmd, string(o.ProtocolRef), boolMark(o.Blocked),
			fmt.Sprintf("%d", len(o.Queues.Bulk)),
			fmt.Sprintf("%d", len(o.Queues.Standard)),
			fmt.Sprintf("%d", len(o.Queues.Urgent)),
		})
	}
	return rows
}

func cosName(c model.ClassOfService) string {
	switch c {
	case model.COSBulk:
		return "bulk"
	case model.COSStandard:
		return "standard"
	case model.COSUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("cos(%d)", c)
	}
}

func boolMark(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
