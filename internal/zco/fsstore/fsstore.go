// Package fsstore implements internal/zco.Store backed by plain files on
// disk, so large payloads survive a process restart without staying
// resident in memory.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// Config configures the on-disk object store.
type Config struct {
	// BasePath is the root directory objects are written under.
	BasePath string

	// BudgetCeiling bounds total resident bytes across all objects (0 =
	// unlimited).
	BudgetCeiling uint64

	// DirMode and FileMode are the permission modes for created directories
	// and files.
	DirMode  os.FileMode
	FileMode os.FileMode
}

// DefaultConfig returns the default configuration for basePath.
func DefaultConfig(basePath string) Config {
	return Config{BasePath: basePath, DirMode: 0755, FileMode: 0644}
}

// descriptor is the on-disk metadata for one object: a root owns a file, a
// clone points at a parent object plus a byte range within it.
type descriptor struct {
	Parent model.Ref `json:"parent,omitempty"`
	Offset uint64    `json:"offset"`
	Length uint64    `json:"length"`
}

// Store is a filesystem-backed zco.Store.
type Store struct {
	*zco.Budget

	mu       sync.RWMutex
	basePath string
	fileMode os.FileMode
}

var _ zco.Store = (*Store)(nil)

// New creates (if necessary) the base directory and returns a Store rooted
// at it.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("zco/fsstore: base path is required")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("zco/fsstore: mkdir %s: %w", cfg.BasePath, err)
	}
	return &Store{
		Budget:   zco.NewBudget(cfg.BudgetCeiling),
		basePath: cfg.BasePath,
		fileMode: cfg.FileMode,
	}, nil
}

func (s *Store) dataPath(ref model.Ref) string {
	return filepath.Join(s.basePath, string(ref)+".dat")
}

func (s *Store) metaPath(ref model.Ref) string {
	return filepath.Join(s.basePath, string(ref)+".json")
}

func (s *Store) writeDescriptor(ref model.Ref, d descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	tmp := s.metaPath(ref) + ".tmp"
	if err := os.WriteFile(tmp, data, s.fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(ref))
}

func (s *Store) readDescriptor(ref model.Ref) (descriptor, error) {
	data, err := os.ReadFile(s.metaPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return descriptor{}, model.ErrNotFound
	}
	if err != nil {
		return descriptor{}, err
	}
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return descriptor{}, err
	}
	return d, nil
}

// resolveRoot walks the clone chain to the owning data file and returns the
// absolute byte offset/length of ref within it.
func (s *Store) resolveRoot(ref model.Ref) (root model.Ref, absOffset, length uint64, err error) {
	cur := ref
	var curOffset uint64
	first := true
	for {
		d, derr := s.readDescriptor(cur)
		if derr != nil {
			return "", 0, 0, derr
		}
		if first {
			length = d.Length
			first = false
		}
		if d.Parent.Empty() {
			return cur, curOffset + d.Offset, length, nil
		}
		curOffset += d.Offset
		cur = d.Parent
	}
}

func (s *Store) Create(ctx context.Context, r io.Reader) (model.Ref, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	ref := model.Ref(uuid.NewString())
	tmp := s.dataPath(ref) + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.fileMode)
	if err != nil {
		return "", 0, fmt.Errorf("zco/fsstore: create: %w", err)
	}
	n, err := io.Copy(f, r)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("zco/fsstore: write: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("zco/fsstore: close: %w", closeErr)
	}

	if err := s.Reserve(uint64(n)); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}

	if err := os.Rename(tmp, s.dataPath(ref)); err != nil {
		os.Remove(tmp)
		s.Release(uint64(n))
		return "", 0, fmt.Errorf("zco/fsstore: rename: %w", err)
	}

	if err := s.writeDescriptor(ref, descriptor{Length: uint64(n)}); err != nil {
		os.Remove(s.dataPath(ref))
		s.Release(uint64(n))
		return "", 0, err
	}
	return ref, uint64(n), nil
}

func (s *Store) Clone(ctx context.Context, ref model.Ref, offset, length uint64) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d, err := s.readDescriptor(ref)
	if err != nil {
		return "", err
	}
	if offset+length > d.Length {
		return "", fmt.Errorf("zco/fsstore: clone range [%d,%d) exceeds object length %d", offset, offset+length, d.Length)
	}

	clone := model.Ref(uuid.NewString())
	if err := s.writeDescriptor(clone, descriptor{Parent: ref, Offset: offset, Length: length}); err != nil {
		return "", err
	}
	return clone, nil
}

func (s *Store) Append(ctx context.Context, ref model.Ref, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.readDescriptor(ref)
	if err != nil {
		return err
	}
	if !d.Parent.Empty() {
		return fmt.Errorf("zco/fsstore: cannot append to a cloned object")
	}
	if err := s.Reserve(uint64(len(data))); err != nil {
		return err
	}

	f, err := os.OpenFile(s.dataPath(ref), os.O_WRONLY|os.O_APPEND, s.fileMode)
	if err != nil {
		s.Release(uint64(len(data)))
		return fmt.Errorf("zco/fsstore: open for append: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		s.Release(uint64(len(data)))
		return fmt.Errorf("zco/fsstore: append: %w", werr)
	}
	if cerr != nil {
		s.Release(uint64(len(data)))
		return fmt.Errorf("zco/fsstore: close after append: %w", cerr)
	}

	d.Length += uint64(len(data))
	return s.writeDescriptor(ref, d)
}

func (s *Store) Len(ctx context.Context, ref model.Ref) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d, err := s.readDescriptor(ref)
	if err != nil {
		return 0, err
	}
	return d.Length, nil
}

func (s *Store) NewReader(ctx context.Context, ref model.Ref) (zco.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, absOffset, length, err := s.resolveRoot(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.dataPath(root))
	if err != nil {
		return nil, fmt.Errorf("zco/fsstore: open: %w", err)
	}
	if _, err := f.Seek(int64(absOffset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &reader{f: f, base: int64(absOffset), length: int64(length), pos: 0}, nil
}

// Destroy removes an object's descriptor. The backing data file is only
// removed (and its budget released) once every clone referencing it has
// also been destroyed; since clones never outlive the bundle that owns
// them in this engine, the caller is responsible for destroying clones
// before their root.
func (s *Store) Destroy(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := s.readDescriptor(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.metaPath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if d.Parent.Empty() {
		if err := os.Remove(s.dataPath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.Release(d.Length)
	}
	return nil
}

type reader struct {
	f      *os.File
	base   int64
	length int64
	pos    int64
}

func (r *reader) Read(p []byte) (int, error) {
	remaining := r.length - r.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.f.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.length + offset
	default:
		return 0, fmt.Errorf("zco/fsstore: invalid whence %d", whence)
	}
	if target < 0 || target > r.length {
		return 0, fmt.Errorf("zco/fsstore: seek out of range")
	}
	if _, err := r.f.Seek(r.base+target, io.SeekStart); err != nil {
		return 0, err
	}
	r.pos = target
	return target, nil
}

func (r *reader) Close() error { return r.f.Close() }
