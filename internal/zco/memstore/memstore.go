// Package memstore implements internal/zco.Store backed by process memory.
// It is the default store for tests and for demo nodes that don't need
// payload bytes to survive a restart.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// object is either a root (owns data) or a clone (offset/length into a root,
// resolved transitively so a clone-of-a-clone still bottoms out at one
// backing array; no bytes are ever copied on Clone).
type object struct {
	parent model.Ref // empty for a root
	offset uint64
	length uint64
	data   []byte // only set for a root
}

// Store is an in-memory zco.Store.
type Store struct {
	*zco.Budget

	mu      sync.RWMutex
	objects map[model.Ref]*object
}

var _ zco.Store = (*Store)(nil)

// New returns an empty in-memory ZCO store with the given admission budget
// (0 = unlimited).
func New(budgetCeiling uint64) *Store {
	return &Store{
		Budget:  zco.NewBudget(budgetCeiling),
		objects: make(map[model.Ref]*object),
	}
}

func (s *Store) Create(ctx context.Context, r io.Reader) (model.Ref, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("zco/memstore: read: %w", err)
	}
	if err := s.Reserve(uint64(len(data))); err != nil {
		return "", 0, err
	}

	ref := model.Ref(uuid.NewString())
	s.mu.Lock()
	s.objects[ref] = &object{length: uint64(len(data)), data: data}
	s.mu.Unlock()
	return ref, uint64(len(data)), nil
}

func (s *Store) resolve(ref model.Ref) (*object, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[ref]
	if !ok {
		return nil, 0, model.ErrNotFound
	}
	absOffset := obj.offset
	root := obj
	for !root.parent.Empty() {
		p, ok := s.objects[root.parent]
		if !ok {
			return nil, 0, model.ErrNotFound
		}
		absOffset += p.offset
		root = p
	}
	return obj, absOffset, nil
}

func (s *Store) Clone(ctx context.Context, ref model.Ref, offset, length uint64) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	obj, _, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if offset+length > obj.length {
		return "", fmt.Errorf("zco/memstore: clone range [%d,%d) exceeds object length %d", offset, offset+length, obj.length)
	}

	clone := model.Ref(uuid.NewString())
	s.mu.Lock()
	s.objects[clone] = &object{parent: ref, offset: offset, length: length}
	s.mu.Unlock()
	return clone, nil
}

func (s *Store) Append(ctx context.Context, ref model.Ref, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Reserve(uint64(len(data))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref]
	if !ok {
		s.Release(uint64(len(data)))
		return model.ErrNotFound
	}
	if !obj.parent.Empty() {
		s.Release(uint64(len(data)))
		return fmt.Errorf("zco/memstore: cannot append to a cloned object")
	}
	obj.data = append(obj.data, data...)
	obj.length += uint64(len(data))
	return nil
}

func (s *Store) Len(ctx context.Context, ref model.Ref) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	obj, _, err := s.resolve(ref)
	if err != nil {
		return 0, err
	}
	return obj.length, nil
}

func (s *Store) NewReader(ctx context.Context, ref model.Ref) (zco.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, absOffset, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	root := obj
	for !root.parent.Empty() {
		root = s.objects[root.parent]
	}
	buf := root.data[absOffset : absOffset+obj.length]
	s.mu.RUnlock()

	return &reader{r: bytes.NewReader(buf)}, nil
}

func (s *Store) Destroy(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[ref]
	if !ok {
		return model.ErrNotFound
	}
	delete(s.objects, ref)
	if obj.parent.Empty() {
		s.Release(obj.length)
	}
	return nil
}

type reader struct {
	r *bytes.Reader
}

func (r *reader) Read(p []byte) (int, error)               { return r.r.Read(p) }
func (r *reader) Seek(offset int64, whence int) (int64, error) { return r.r.Seek(offset, whence) }
func (r *reader) Close() error                               { return nil }
