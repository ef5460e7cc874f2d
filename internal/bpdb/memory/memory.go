// Package memory implements internal/bpdb.Store entirely in RAM, for tests
// and for single-process demo nodes that don't need bundles to survive a
// restart.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/model"
)

// Store is an in-memory bpdb.Store. The zero value is not usable; use New.
type Store struct {
	mu sync.Mutex

	bpDB      *model.BpDB
	schemes   map[model.Ref]*model.Scheme
	endpoints map[model.Ref]*model.Endpoint
	protocols map[model.Ref]*model.ClProtocol
	inducts   map[model.Ref]*model.Induct
	outducts  map[model.Ref]*model.Outduct
	bundles   map[model.Ref]*model.Bundle
	events    map[model.Ref]*model.BpEvent

	incompletes map[model.Ref]*model.IncompleteBundle
}

var _ bpdb.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		bpDB:        &model.BpDB{},
		schemes:     make(map[model.Ref]*model.Scheme),
		endpoints:   make(map[model.Ref]*model.Endpoint),
		protocols:   make(map[model.Ref]*model.ClProtocol),
		inducts:     make(map[model.Ref]*model.Induct),
		outducts:    make(map[model.Ref]*model.Outduct),
		bundles:     make(map[model.Ref]*model.Bundle),
		events:      make(map[model.Ref]*model.BpEvent),
		incompletes: make(map[model.Ref]*model.IncompleteBundle),
	}
}

// Close is a no-op; there is no underlying handle to release.
func (s *Store) Close() error { return nil }

// WithTx and View both hold the same mutex for the whole closure. WithTx
// takes a snapshot of the maps before running fn and restores it if fn
// returns an error, so a failed transaction leaves no observable change.
func (s *Store) WithTx(ctx context.Context, fn func(tx bpdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.clone()
	t := &tx{store: s}
	if err := fn(t); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// View runs fn against the current state without allowing mutation to
// escape; writes made by fn are discarded afterward, matching a read-only
// BadgerDB transaction.
func (s *Store) View(ctx context.Context, fn func(tx bpdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.clone()
	t := &tx{store: s}
	err := fn(t)
	s.restore(snapshot)
	return err
}

type snapshot struct {
	bpDB      model.BpDB
	schemes   map[model.Ref]*model.Scheme
	endpoints map[model.Ref]*model.Endpoint
	protocols map[model.Ref]*model.ClProtocol
	inducts   map[model.Ref]*model.Induct
	outducts  map[model.Ref]*model.Outduct
	bundles   map[model.Ref]*model.Bundle
	events    map[model.Ref]*model.BpEvent

	incompletes map[model.Ref]*model.IncompleteBundle
}

func (s *Store) clone() snapshot {
	cp := snapshot{
		bpDB:        *s.bpDB,
		schemes:     make(map[model.Ref]*model.Scheme, len(s.schemes)),
		endpoints:   make(map[model.Ref]*model.Endpoint, len(s.endpoints)),
		protocols:   make(map[model.Ref]*model.ClProtocol, len(s.protocols)),
		inducts:     make(map[model.Ref]*model.Induct, len(s.inducts)),
		outducts:    make(map[model.Ref]*model.Outduct, len(s.outducts)),
		bundles:     make(map[model.Ref]*model.Bundle, len(s.bundles)),
		events:      make(map[model.Ref]*model.BpEvent, len(s.events)),
		incompletes: make(map[model.Ref]*model.IncompleteBundle, len(s.incompletes)),
	}
	for k, v := range s.schemes {
		cpv := *v
		cp.schemes[k] = &cpv
	}
	for k, v := range s.endpoints {
		cpv := *v
		cp.endpoints[k] = &cpv
	}
	for k, v := range s.protocols {
		cpv := *v
		cp.protocols[k] = &cpv
	}
	for k, v := range s.inducts {
		cpv := *v
		cp.inducts[k] = &cpv
	}
	for k, v := range s.outducts {
		cpv := *v
		cp.outducts[k] = &cpv
	}
	for k, v := range s.bundles {
		cpv := *v
		cp.bundles[k] = &cpv
	}
	for k, v := range s.events {
		cpv := *v
		cp.events[k] = &cpv
	}
	for k, v := range s.incompletes {
		cpv := *v
		cp.incompletes[k] = &cpv
	}
	return cp
}

func (s *Store) restore(snap snapshot) {
	bpDB := snap.bpDB
	s.bpDB = &bpDB
	s.schemes = snap.schemes
	s.endpoints = snap.endpoints
	s.protocols = snap.protocols
	s.inducts = snap.inducts
	s.outducts = snap.outducts
	s.bundles = snap.bundles
	s.events = snap.events
	s.incompletes = snap.incompletes
}

type tx struct {
	store *Store
}

func newRef() model.Ref {
	return model.Ref(uuid.NewString())
}

func (t *tx) GetBpDB(ctx context.Context) (*model.BpDB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp := *t.store.bpDB
	return &cp, nil
}

func (t *tx) PutBpDB(ctx context.Context, db *model.BpDB) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *db
	t.store.bpDB = &cp
	return nil
}

func (t *tx) GetScheme(ctx context.Context, ref model.Ref) (*model.Scheme, error) {
	s, ok := t.store.schemes[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *tx) PutScheme(ctx context.Context, s *model.Scheme) (model.Ref, error) {
	if s.Ref.Empty() {
		s.Ref = newRef()
	}
	cp := *s
	t.store.schemes[s.Ref] = &cp
	return s.Ref, nil
}

func (t *tx) DeleteScheme(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.schemes[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.schemes, ref)
	return nil
}

func (t *tx) ListSchemeRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.schemes))
	for ref := range t.store.schemes {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetEndpoint(ctx context.Context, ref model.Ref) (*model.Endpoint, error) {
	e, ok := t.store.endpoints[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *tx) PutEndpoint(ctx context.Context, e *model.Endpoint) (model.Ref, error) {
	if e.Ref.Empty() {
		e.Ref = newRef()
	}
	cp := *e
	t.store.endpoints[e.Ref] = &cp
	return e.Ref, nil
}

func (t *tx) DeleteEndpoint(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.endpoints[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.endpoints, ref)
	return nil
}

func (t *tx) ListEndpointRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.endpoints))
	for ref := range t.store.endpoints {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetProtocol(ctx context.Context, ref model.Ref) (*model.ClProtocol, error) {
	p, ok := t.store.protocols[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *tx) PutProtocol(ctx context.Context, p *model.ClProtocol) (model.Ref, error) {
	if p.Ref.Empty() {
		p.Ref = newRef()
	}
	cp := *p
	t.store.protocols[p.Ref] = &cp
	return p.Ref, nil
}

func (t *tx) DeleteProtocol(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.protocols[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.protocols, ref)
	return nil
}

func (t *tx) ListProtocolRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.protocols))
	for ref := range t.store.protocols {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetInduct(ctx context.Context, ref model.Ref) (*model.Induct, error) {
	i, ok := t.store.inducts[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (t *tx) PutInduct(ctx context.Context, i *model.Induct) (model.Ref, error) {
	if i.Ref.Empty() {
		i.Ref = newRef()
	}
	cp := *i
	t.store.inducts[i.Ref] = &cp
	return i.Ref, nil
}

func (t *tx) DeleteInduct(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.inducts[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.inducts, ref)
	return nil
}

func (t *tx) ListInductRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.inducts))
	for ref := range t.store.inducts {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetOutduct(ctx context.Context, ref model.Ref) (*model.Outduct, error) {
	o, ok := t.store.outducts[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *tx) PutOutduct(ctx context.Context, o *model.Outduct) (model.Ref, error) {
	if o.Ref.Empty() {
		o.Ref = newRef()
	}
	cp := *o
	t.store.outducts[o.Ref] = &cp
	return o.Ref, nil
}

func (t *tx) DeleteOutduct(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.outducts[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.outducts, ref)
	return nil
}

func (t *tx) ListOutductRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.outducts))
	for ref := range t.store.outducts {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetBundle(ctx context.Context, ref model.Ref) (*model.Bundle, error) {
	b, ok := t.store.bundles[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (t *tx) PutBundle(ctx context.Context, b *model.Bundle) (model.Ref, error) {
	if b.Ref.Empty() {
		b.Ref = newRef()
	}
	cp := *b
	t.store.bundles[b.Ref] = &cp
	return b.Ref, nil
}

func (t *tx) DeleteBundle(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.bundles[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.bundles, ref)
	return nil
}

func (t *tx) ListBundleRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.bundles))
	for ref := range t.store.bundles {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetEvent(ctx context.Context, ref model.Ref) (*model.BpEvent, error) {
	ev, ok := t.store.events[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (t *tx) PutEvent(ctx context.Context, ev *model.BpEvent) (model.Ref, error) {
	if ev.Ref.Empty() {
		ev.Ref = newRef()
	}
	cp := *ev
	t.store.events[ev.Ref] = &cp
	return ev.Ref, nil
}

func (t *tx) DeleteEvent(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.events[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.events, ref)
	return nil
}

func (t *tx) ListEventRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.events))
	for ref := range t.store.events {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *tx) GetIncomplete(ctx context.Context, ref model.Ref) (*model.IncompleteBundle, error) {
	ib, ok := t.store.incompletes[ref]
	if !ok {
		return nil, bpdb.ErrNotFound
	}
	cp := *ib
	return &cp, nil
}

func (t *tx) PutIncomplete(ctx context.Context, ib *model.IncompleteBundle) (model.Ref, error) {
	if ib.Ref.Empty() {
		ib.Ref = newRef()
	}
	cp := *ib
	t.store.incompletes[ib.Ref] = &cp
	return ib.Ref, nil
}

func (t *tx) DeleteIncomplete(ctx context.Context, ref model.Ref) error {
	if _, ok := t.store.incompletes[ref]; !ok {
		return bpdb.ErrNotFound
	}
	delete(t.store.incompletes, ref)
	return nil
}

func (t *tx) ListIncompleteRefs(ctx context.Context) ([]model.Ref, error) {
	refs := make([]model.Ref, 0, len(t.store.incompletes))
	for ref := range t.store.incompletes {
		refs = append(refs, ref)
	}
	return refs, nil
}
