// Package storetest runs one behavioral suite against any internal/zco.Store
// implementation.
package storetest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/model"
	"github.com/dtn-stack/bpcore/internal/zco"
)

// Factory builds a fresh, empty Store for one subtest.
type Factory func(t *testing.T) zco.Store

// RunConformanceSuite exercises create/clone/append/read/destroy semantics
// common to every zco.Store backend.
func RunConformanceSuite(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("CreateAndReadBack", func(t *testing.T) {
		store := newStore(t)
		ref, n, err := store.Create(ctx, bytes.NewReader([]byte("hello bundle payload")))
		require.NoError(t, err)
		assert.EqualValues(t, len("hello bundle payload"), n)

		r, err := store.NewReader(ctx, ref)
		require.NoError(t, err)
		defer r.Close()

		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello bundle payload", string(got))
	})

	t.Run("CloneReferencesByteRangeWithoutCopy", func(t *testing.T) {
		store := newStore(t)
		ref, _, err := store.Create(ctx, bytes.NewReader([]byte("0123456789")))
		require.NoError(t, err)

		clone, err := store.Clone(ctx, ref, 3, 4)
		require.NoError(t, err)

		length, err := store.Len(ctx, clone)
		require.NoError(t, err)
		assert.EqualValues(t, 4, length)

		r, err := store.NewReader(ctx, clone)
		require.NoError(t, err)
		defer r.Close()
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "3456", string(got))
	})

	t.Run("CloneRangeOutOfBoundsFails", func(t *testing.T) {
		store := newStore(t)
		ref, _, err := store.Create(ctx, bytes.NewReader([]byte("short")))
		require.NoError(t, err)

		_, err = store.Clone(ctx, ref, 0, 100)
		assert.Error(t, err)
	})

	t.Run("AppendExtendsRoot", func(t *testing.T) {
		store := newStore(t)
		ref, _, err := store.Create(ctx, bytes.NewReader([]byte("abc")))
		require.NoError(t, err)

		require.NoError(t, store.Append(ctx, ref, []byte("def")))

		length, err := store.Len(ctx, ref)
		require.NoError(t, err)
		assert.EqualValues(t, 6, length)

		r, err := store.NewReader(ctx, ref)
		require.NoError(t, err)
		defer r.Close()
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "abcdef", string(got))
	})

	t.Run("AppendToCloneFails", func(t *testing.T) {
		store := newStore(t)
		ref, _, err := store.Create(ctx, bytes.NewReader([]byte("abcdef")))
		require.NoError(t, err)
		clone, err := store.Clone(ctx, ref, 0, 3)
		require.NoError(t, err)

		err = store.Append(ctx, clone, []byte("x"))
		assert.Error(t, err)
	})

	t.Run("ReaderSeeks", func(t *testing.T) {
		store := newStore(t)
		ref, _, err := store.Create(ctx, bytes.NewReader([]byte("0123456789")))
		require.NoError(t, err)

		r, err := store.NewReader(ctx, ref)
		require.NoError(t, err)
		defer r.Close()

		_, err = r.Seek(5, io.SeekStart)
		require.NoError(t, err)
		buf := make([]byte, 3)
		n, err := r.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "567", string(buf[:n]))
	})

	t.Run("DestroyReleasesBudgetAndFailsSubsequentReads", func(t *testing.T) {
		store := newStore(t)
		ref, n, err := store.Create(ctx, bytes.NewReader([]byte("payload")))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, store.Occupancy(), n)

		require.NoError(t, store.Destroy(ctx, ref))

		_, err = store.NewReader(ctx, ref)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

}

// RunBudgetSuite exercises heap-occupancy admission control against a Store
// built with a small, fixed ceiling.
func RunBudgetSuite(t *testing.T, newBudgetedStore func(t *testing.T, ceiling uint64) zco.Store) {
	ctx := context.Background()

	t.Run("CreateBeyondCeilingIsCongestive", func(t *testing.T) {
		store := newBudgetedStore(t, 8)
		_, _, err := store.Create(ctx, bytes.NewReader(make([]byte, 16)))
		assert.ErrorIs(t, err, model.ErrCongestive)
	})

	t.Run("DestroyFreesRoomForNextCreate", func(t *testing.T) {
		store := newBudgetedStore(t, 8)
		ref, _, err := store.Create(ctx, bytes.NewReader(make([]byte, 8)))
		require.NoError(t, err)

		_, _, err = store.Create(ctx, bytes.NewReader(make([]byte, 1)))
		assert.ErrorIs(t, err, model.ErrCongestive)

		require.NoError(t, store.Destroy(ctx, ref))

		_, _, err = store.Create(ctx, bytes.NewReader(make([]byte, 8)))
		assert.NoError(t, err)
	})
}
