// Package storetest runs one behavioral test suite against any
// internal/bpdb.Store implementation, so the badger-backed and in-memory
// backends are held to identical semantics.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	"github.com/dtn-stack/bpcore/internal/model"
)

// Factory builds a fresh, empty Store for one subtest.
type Factory func(t *testing.T) bpdb.Store

// RunConformanceSuite exercises CRUD and transaction semantics common to
// every bpdb.Store backend.
func RunConformanceSuite(t *testing.T, newStore Factory) {
	t.Run("SchemeRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var ref model.Ref
		err := store.WithTx(ctx, func(tx bpdb.Tx) error {
			r, err := tx.PutScheme(ctx, &model.Scheme{Name: "ipn", CBHEConformant: true})
			ref = r
			return err
		})
		require.NoError(t, err)
		assert.False(t, ref.Empty())

		err = store.View(ctx, func(tx bpdb.Tx) error {
			s, err := tx.GetScheme(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, "ipn", s.Name)
			assert.True(t, s.CBHEConformant)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("GetMissingReturnsErrNotFound", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.View(ctx, func(tx bpdb.Tx) error {
			_, err := tx.GetBundle(ctx, model.Ref("does-not-exist"))
			return err
		})
		assert.ErrorIs(t, err, bpdb.ErrNotFound)
	})

	t.Run("MutationRollsBackOnError", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var ref model.Ref
		err := store.WithTx(ctx, func(tx bpdb.Tx) error {
			r, err := tx.PutEndpoint(ctx, &model.Endpoint{NSS: "1.1"})
			require.NoError(t, err)
			ref = r
			return assert.AnError
		})
		assert.Error(t, err)

		err = store.View(ctx, func(tx bpdb.Tx) error {
			_, err := tx.GetEndpoint(ctx, ref)
			return err
		})
		assert.ErrorIs(t, err, bpdb.ErrNotFound)
	})

	t.Run("DeleteRemovesEntry", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var ref model.Ref
		require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
			r, err := tx.PutInduct(ctx, &model.Induct{DuctName: "tcp0"})
			ref = r
			return err
		}))

		require.NoError(t, store.WithTx(ctx, func(tx bpdb.Tx) error {
			return tx.DeleteInduct(ctx, ref)
		}))

		err := store.View(ctx, func(tx bpdb.Tx) error {
			_, err := tx.GetInduct(ctx, ref)
			return err
		})
		assert.ErrorIs(t, err, bpdb.ErrNotFound)
	})

	t.Run("ListRefsReflectsAllPuts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const n = 5
		err := store.WithTx(ctx, func(tx bpdb.Tx) error {
			for i := 0; i < n; i++ {
				if _, err := tx.PutOutduct(ctx, &model.Outduct{DuctName: "o"}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = store.View(ctx, func(tx bpdb.Tx) error {
			refs, err := tx.ListOutductRefs(ctx)
			require.NoError(t, err)
			assert.Len(t, refs, n)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("BpDBSingletonRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.WithTx(ctx, func(tx bpdb.Tx) error {
			return tx.PutBpDB(ctx, &model.BpDB{BundleCounter: 42, MaxAcqInHeap: 1 << 20})
		})
		require.NoError(t, err)

		err = store.View(ctx, func(tx bpdb.Tx) error {
			db, err := tx.GetBpDB(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(42), db.BundleCounter)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("BundleAndEventRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var bundleRef model.Ref
		err := store.WithTx(ctx, func(tx bpdb.Tx) error {
			r, err := tx.PutBundle(ctx, &model.Bundle{PayloadLen: 128})
			bundleRef = r
			return err
		})
		require.NoError(t, err)

		var evRef model.Ref
		err = store.WithTx(ctx, func(tx bpdb.Tx) error {
			r, err := tx.PutEvent(ctx, &model.BpEvent{Type: model.EventExpiredTTL, Object: bundleRef})
			evRef = r
			return err
		})
		require.NoError(t, err)

		err = store.View(ctx, func(tx bpdb.Tx) error {
			ev, err := tx.GetEvent(ctx, evRef)
			require.NoError(t, err)
			assert.Equal(t, bundleRef, ev.Object)

			b, err := tx.GetBundle(ctx, ev.Object)
			require.NoError(t, err)
			assert.EqualValues(t, 128, b.PayloadLen)
			return nil
		})
		require.NoError(t, err)

		refs, err := listEventRefs(ctx, store)
		require.NoError(t, err)
		assert.Contains(t, refs, evRef)

		err = store.View(ctx, func(tx bpdb.Tx) error {
			bundleRefs, err := tx.ListBundleRefs(ctx)
			require.NoError(t, err)
			assert.Contains(t, bundleRefs, bundleRef)
			return nil
		})
		require.NoError(t, err)
	})
}

func listEventRefs(ctx context.Context, store bpdb.Store) ([]model.Ref, error) {
	var refs []model.Ref
	err := store.View(ctx, func(tx bpdb.Tx) error {
		r, err := tx.ListEventRefs(ctx)
		refs = r
		return err
	})
	return refs, err
}
