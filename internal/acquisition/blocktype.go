package acquisition

import (
	"context"
	"sync"

	"github.com/dtn-stack/bpcore/internal/model"
)

// BlockHandler processes one extension block of a registered type as a
// bundle is accepted, e.g. a security block validating a signature or a
// previous-hop block recording the sending node (spec §9: "dynamic
// dispatch over extension blocks via a blockType -> capability registry").
// Returning an error marks the block as not processed, and its own
// BLK_REPORT_IF_NG / BLK_ABORT_IF_NG / BLK_REMOVE_IF_NG flags then decide
// the outcome, exactly as for a block type with no registered handler.
type BlockHandler interface {
	HandleBlock(ctx context.Context, b *model.Bundle, blk model.ExtensionBlock) error
}

// BlockHandlerFunc adapts a plain function to a BlockHandler.
type BlockHandlerFunc func(ctx context.Context, b *model.Bundle, blk model.ExtensionBlock) error

func (f BlockHandlerFunc) HandleBlock(ctx context.Context, b *model.Bundle, blk model.ExtensionBlock) error {
	return f(ctx, b, blk)
}

// Registry maps extension block types to handlers. A type with no
// registered handler falls through to the generic BLK_*_IF_NG flag handling
// in endAcq (spec §4.6).
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint8]BlockHandler
}

// NewRegistry returns an empty block-type dispatch registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint8]BlockHandler)}
}

// Register installs h for blockType, replacing any existing handler.
func (r *Registry) Register(blockType uint8, h BlockHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[blockType] = h
}

// Lookup returns the handler registered for blockType, if any.
func (r *Registry) Lookup(blockType uint8) (BlockHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[blockType]
	return h, ok
}
