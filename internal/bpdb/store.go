// Package bpdb defines the persistent object-store contract for the
// scheme/endpoint/protocol/duct registry, the bundle metadata table, and the
// event timeline. It mirrors the non-volatile half of the node's state; the
// volatile mirror used for hot-path lookups lives in internal/vdb.
//
// Implementations open a connection to a backing store and hand out
// transactions: read-write (WithTx) mutations are atomic and checkpoint only
// at the end of the closure, read-only (View) transactions never touch disk.
package bpdb

import (
	"context"
	"fmt"

	"github.com/dtn-stack/bpcore/internal/model"
)

// Store is the L1 object-store adapter. A Store is safe for concurrent use by
// multiple goroutines.
type Store interface {
	// WithTx runs fn inside a read-write transaction. If fn returns an error
	// every mutation made through tx is rolled back; otherwise the whole
	// batch is committed atomically when fn returns.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying storage handle.
	Close() error
}

// Tx is the set of object-store operations available within a transaction.
// Every Put assigns a fresh model.Ref when the passed-in Ref is empty and
// returns it; callers that already hold a Ref pass it through unchanged so
// updates and inserts share one code path.
type Tx interface {
	GetBpDB(ctx context.Context) (*model.BpDB, error)
	PutBpDB(ctx context.Context, db *model.BpDB) error

	GetScheme(ctx context.Context, ref model.Ref) (*model.Scheme, error)
	PutScheme(ctx context.Context, s *model.Scheme) (model.Ref, error)
	DeleteScheme(ctx context.Context, ref model.Ref) error
	ListSchemeRefs(ctx context.Context) ([]model.Ref, error)

	GetEndpoint(ctx context.Context, ref model.Ref) (*model.Endpoint, error)
	PutEndpoint(ctx context.Context, e *model.Endpoint) (model.Ref, error)
	DeleteEndpoint(ctx context.Context, ref model.Ref) error
	ListEndpointRefs(ctx context.Context) ([]model.Ref, error)

	GetProtocol(ctx context.Context, ref model.Ref) (*model.ClProtocol, error)
	PutProtocol(ctx context.Context, p *model.ClProtocol) (model.Ref, error)
	DeleteProtocol(ctx context.Context, ref model.Ref) error
	ListProtocolRefs(ctx context.Context) ([]model.Ref, error)

	GetInduct(ctx context.Context, ref model.Ref) (*model.Induct, error)
	PutInduct(ctx context.Context, i *model.Induct) (model.Ref, error)
	DeleteInduct(ctx context.Context, ref model.Ref) error
	ListInductRefs(ctx context.Context) ([]model.Ref, error)

	GetOutduct(ctx context.Context, ref model.Ref) (*model.Outduct, error)
	PutOutduct(ctx context.Context, o *model.Outduct) (model.Ref, error)
	DeleteOutduct(ctx context.Context, ref model.Ref) error
	ListOutductRefs(ctx context.Context) ([]model.Ref, error)

	GetBundle(ctx context.Context, ref model.Ref) (*model.Bundle, error)
	PutBundle(ctx context.Context, b *model.Bundle) (model.Ref, error)
	DeleteBundle(ctx context.Context, ref model.Ref) error
	ListBundleRefs(ctx context.Context) ([]model.Ref, error)

	GetEvent(ctx context.Context, ref model.Ref) (*model.BpEvent, error)
	PutEvent(ctx context.Context, ev *model.BpEvent) (model.Ref, error)
	DeleteEvent(ctx context.Context, ref model.Ref) error
	ListEventRefs(ctx context.Context) ([]model.Ref, error)

	GetIncomplete(ctx context.Context, ref model.Ref) (*model.IncompleteBundle, error)
	PutIncomplete(ctx context.Context, ib *model.IncompleteBundle) (model.Ref, error)
	DeleteIncomplete(ctx context.Context, ref model.Ref) error
	ListIncompleteRefs(ctx context.Context) ([]model.Ref, error)
}

// ErrNotFound is returned by Get* methods when the reference does not exist.
var ErrNotFound = fmt.Errorf("bpdb: not found")
