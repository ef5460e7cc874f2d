package node

import (
	"context"
	"fmt"
	"time"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/model"
)

// BundleDump is a portable, store-format-independent snapshot of one
// bundle's metadata, rendered by bpadmin's dump command. Adapted from the
// teacher's ControlPlaneBackup/exportControlPlane pair: a flat walker over
// every store-level list method, not a raw copy of the backing store's
// files, so the dump survives a change of bpdb.Store implementation (spec
// §6 "portability requires dumping via the administrative interface, not
// by raw image copy").
type BundleDump struct {
	Ref            model.Ref       `yaml:"ref"`
	SourceEID      string          `yaml:"source_eid"`
	DestEID        string          `yaml:"dest_eid"`
	CreationTime   time.Time       `yaml:"creation_time"`
	ExpirationTime time.Time       `yaml:"expiration_time"`
	COS            model.ClassOfService `yaml:"cos"`
	PayloadLen     uint64          `yaml:"payload_len"`
	CustodyTaken   bool            `yaml:"custody_taken"`
	Delivered      bool            `yaml:"delivered"`
	Suspended      bool            `yaml:"suspended"`
	Expired        bool            `yaml:"expired"`
	Retained       bool            `yaml:"retained"`
}

// TimelineEventDump is a portable snapshot of one pending timeline event.
type TimelineEventDump struct {
	Ref    model.Ref       `yaml:"ref"`
	Type   string          `yaml:"type"`
	Time   time.Time       `yaml:"time"`
	Object model.Ref       `yaml:"object"`
}

// DumpBundles walks every persisted bundle and returns a store-independent
// snapshot of each, ordered as the store's ListBundleRefs returns them.
func (n *BpNode) DumpBundles(ctx context.Context) ([]BundleDump, error) {
	var out []BundleDump
	err := n.Store.View(ctx, func(tx bpdb.Tx) error {
		refs, err := tx.ListBundleRefs(ctx)
		if err != nil {
			return err
		}
		out = make([]BundleDump, 0, len(refs))
		for _, ref := range refs {
			b, err := tx.GetBundle(ctx, ref)
			if err != nil {
				return fmt.Errorf("dump bundle %s: %w", ref, err)
			}
			out = append(out, BundleDump{
				Ref:            b.Ref,
				SourceEID:      b.Source.String(),
				DestEID:        b.Dest.String(),
				CreationTime:   b.CreationTime,
				ExpirationTime: b.ExpirationTime,
				COS:            b.COS,
				PayloadLen:     b.PayloadLen,
				CustodyTaken:   b.CustodyTaken,
				Delivered:      b.Delivered,
				Suspended:      b.Suspended,
				Expired:        b.Expired,
				Retained:       !b.Refs.Cleared(),
			})
		}
		return nil
	})
	return out, err
}

// DumpTimeline walks every pending timeline event and returns a
// store-independent snapshot of each.
func (n *BpNode) DumpTimeline(ctx context.Context) ([]TimelineEventDump, error) {
	var out []TimelineEventDump
	err := n.Store.View(ctx, func(tx bpdb.Tx) error {
		refs, err := tx.ListEventRefs(ctx)
		if err != nil {
			return err
		}
		out = make([]TimelineEventDump, 0, len(refs))
		for _, ref := range refs {
			ev, err := tx.GetEvent(ctx, ref)
			if err != nil {
				return fmt.Errorf("dump event %s: %w", ref, err)
			}
			out = append(out, TimelineEventDump{
				Ref:    ev.Ref,
				Type:   ev.Type.String(),
				Time:   ev.Time,
				Object: ev.Object,
			})
		}
		return nil
	})
	return out, err
}
