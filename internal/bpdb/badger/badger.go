// Package badger implements internal/bpdb.Store on top of BadgerDB.
//
// Database Key Namespace Design
//
// BadgerDB is a key-value store, so every record type gets a prefixed key
// namespace. A model.Ref is the literal key: "<prefix><uuid>". This keeps
// Put/Get/Delete symmetric and lets ListXRefs walk one prefix with a
// key-only iterator.
//
//	Record type   Prefix   Key format
//	===========================================
//	BpDB          "bpdb:"  bpdb:singleton
//	Scheme        "sc:"    sc:<uuid>
//	Endpoint      "ep:"    ep:<uuid>
//	Protocol      "pr:"    pr:<uuid>
//	Induct        "in:"    in:<uuid>
//	Outduct       "ou:"    ou:<uuid>
//	Bundle        "bn:"    bn:<uuid>
//	Event         "ev:"    ev:<uuid>
//	Incomplete    "ic:"    ic:<uuid>
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/logger"
	"github.com/dtn-stack/bpcore/internal/model"
)

const (
	prefixBpDB     = "bpdb:"
	prefixScheme   = "sc:"
	prefixEndpoint = "ep:"
	prefixProtocol = "pr:"
	prefixInduct   = "in:"
	prefixOutduct  = "ou:"
	prefixBundle     = "bn:"
	prefixEvent      = "ev:"
	prefixIncomplete = "ic:"

	keyBpDBSingleton = prefixBpDB + "singleton"
)

// Config configures an on-disk BadgerDB store.
type Config struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Store is a BadgerDB-backed bpdb.Store.
type Store struct {
	db *badgerdb.DB
}

var _ bpdb.Store = (*Store)(nil)

// Open opens (creating if necessary) a BadgerDB database at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir)
	opts = opts.WithInMemory(cfg.InMemory)
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("bpdb/badger: open %s: %w", cfg.Dir, err)
	}
	logger.Info("opened bundle object store", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return &Store{db: db}, nil
}

// Close flushes and releases the BadgerDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a BadgerDB read-write transaction, committing on nil
// and discarding on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx bpdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&tx{txn: txn})
	})
}

// View runs fn inside a BadgerDB read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx bpdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badgerdb.Txn) error {
		return fn(&tx{txn: txn})
	})
}

type tx struct {
	txn *badgerdb.Txn
}

func newRef(prefix string) model.Ref {
	return model.Ref(prefix + uuid.NewString())
}

func getJSON(txn *badgerdb.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err == badgerdb.ErrKeyNotFound {
		return bpdb.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func putJSON(txn *badgerdb.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func deleteKey(txn *badgerdb.Txn, key string) error {
	if _, err := txn.Get([]byte(key)); err == badgerdb.ErrKeyNotFound {
		return bpdb.ErrNotFound
	} else if err != nil {
		return err
	}
	return txn.Delete([]byte(key))
}

func listRefs(txn *badgerdb.Txn, prefix string) ([]model.Ref, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var refs []model.Ref
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		refs = append(refs, model.Ref(append([]byte{}, it.Item().Key()...)))
	}
	return refs, nil
}

func (t *tx) GetBpDB(ctx context.Context) (*model.BpDB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var db model.BpDB
	if err := getJSON(t.txn, keyBpDBSingleton, &db); err != nil {
		if err == bpdb.ErrNotFound {
			return &model.BpDB{}, nil
		}
		return nil, err
	}
	return &db, nil
}

func (t *tx) PutBpDB(ctx context.Context, db *model.BpDB) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return putJSON(t.txn, keyBpDBSingleton, db)
}

func (t *tx) GetScheme(ctx context.Context, ref model.Ref) (*model.Scheme, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var s model.Scheme
	if err := getJSON(t.txn, string(ref), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *tx) PutScheme(ctx context.Context, s *model.Scheme) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Ref.Empty() {
		s.Ref = newRef(prefixScheme)
	}
	if err := putJSON(t.txn, string(s.Ref), s); err != nil {
		return "", err
	}
	return s.Ref, nil
}

func (t *tx) DeleteScheme(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListSchemeRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixScheme)
}

func (t *tx) GetEndpoint(ctx context.Context, ref model.Ref) (*model.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e model.Endpoint
	if err := getJSON(t.txn, string(ref), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *tx) PutEndpoint(ctx context.Context, e *model.Endpoint) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.Ref.Empty() {
		e.Ref = newRef(prefixEndpoint)
	}
	if err := putJSON(t.txn, string(e.Ref), e); err != nil {
		return "", err
	}
	return e.Ref, nil
}

func (t *tx) DeleteEndpoint(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListEndpointRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixEndpoint)
}

func (t *tx) GetProtocol(ctx context.Context, ref model.Ref) (*model.ClProtocol, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p model.ClProtocol
	if err := getJSON(t.txn, string(ref), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *tx) PutProtocol(ctx context.Context, p *model.ClProtocol) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Ref.Empty() {
		p.Ref = newRef(prefixProtocol)
	}
	if err := putJSON(t.txn, string(p.Ref), p); err != nil {
		return "", err
	}
	return p.Ref, nil
}

func (t *tx) DeleteProtocol(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListProtocolRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixProtocol)
}

func (t *tx) GetInduct(ctx context.Context, ref model.Ref) (*model.Induct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var i model.Induct
	if err := getJSON(t.txn, string(ref), &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (t *tx) PutInduct(ctx context.Context, i *model.Induct) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if i.Ref.Empty() {
		i.Ref = newRef(prefixInduct)
	}
	if err := putJSON(t.txn, string(i.Ref), i); err != nil {
		return "", err
	}
	return i.Ref, nil
}

func (t *tx) DeleteInduct(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListInductRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixInduct)
}

func (t *tx) GetOutduct(ctx context.Context, ref model.Ref) (*model.Outduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o model.Outduct
	if err := getJSON(t.txn, string(ref), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *tx) PutOutduct(ctx context.Context, o *model.Outduct) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if o.Ref.Empty() {
		o.Ref = newRef(prefixOutduct)
	}
	if err := putJSON(t.txn, string(o.Ref), o); err != nil {
		return "", err
	}
	return o.Ref, nil
}

func (t *tx) DeleteOutduct(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListOutductRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixOutduct)
}

func (t *tx) GetBundle(ctx context.Context, ref model.Ref) (*model.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b model.Bundle
	if err := getJSON(t.txn, string(ref), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) PutBundle(ctx context.Context, b *model.Bundle) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.Ref.Empty() {
		b.Ref = newRef(prefixBundle)
	}
	if err := putJSON(t.txn, string(b.Ref), b); err != nil {
		return "", err
	}
	return b.Ref, nil
}

func (t *tx) DeleteBundle(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListBundleRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixBundle)
}

func (t *tx) GetEvent(ctx context.Context, ref model.Ref) (*model.BpEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ev model.BpEvent
	if err := getJSON(t.txn, string(ref), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *tx) PutEvent(ctx context.Context, ev *model.BpEvent) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ev.Ref.Empty() {
		ev.Ref = newRef(prefixEvent)
	}
	if err := putJSON(t.txn, string(ev.Ref), ev); err != nil {
		return "", err
	}
	return ev.Ref, nil
}

func (t *tx) DeleteEvent(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListEventRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixEvent)
}

func (t *tx) GetIncomplete(ctx context.Context, ref model.Ref) (*model.IncompleteBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ib model.IncompleteBundle
	if err := getJSON(t.txn, string(ref), &ib); err != nil {
		return nil, err
	}
	return &ib, nil
}

func (t *tx) PutIncomplete(ctx context.Context, ib *model.IncompleteBundle) (model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ib.Ref.Empty() {
		ib.Ref = newRef(prefixIncomplete)
	}
	if err := putJSON(t.txn, string(ib.Ref), ib); err != nil {
		return "", err
	}
	return ib.Ref, nil
}

func (t *tx) DeleteIncomplete(ctx context.Context, ref model.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteKey(t.txn, string(ref))
}

func (t *tx) ListIncompleteRefs(ctx context.Context) ([]model.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listRefs(t.txn, prefixIncomplete)
}
