package bpconfig_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpconfig"
	"github.com/dtn-stack/bpcore/internal/bpdb/memory"
	"github.com/dtn-stack/bpcore/internal/vdb"
)

func newRegistry(t *testing.T) *bpconfig.Registry {
	t.Helper()
	store := memory.New()
	v, err := vdb.Load(context.Background(), store)
	require.NoError(t, err)
	return bpconfig.NewRegistry(store, v)
}

func TestAddSchemeThenAddEndpoint(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	schemeRef, err := r.AddScheme(ctx, "ipn", "ipnfw", "ipnadminep")
	require.NoError(t, err)
	assert.NotEmpty(t, schemeRef)

	epRef, err := r.AddEndpoint(ctx, "ipn", "1.0", "enqueue", "")
	require.NoError(t, err)
	assert.NotEmpty(t, epRef)

	ep, ok := r.Vdb.EndpointByNSS("1.0")
	require.True(t, ok)
	assert.Equal(t, schemeRef, ep.SchemeRef)
}

func TestAddEndpointUnknownSchemeFails(t *testing.T) {
	r := newRegistry(t)
	_, err := r.AddEndpoint(context.Background(), "nosuch", "1.0", "enqueue", "")
	assert.Error(t, err)
}

func TestAddProtocolRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.AddProtocol(ctx, "tcp", 1400, 28, 100_000)
	require.NoError(t, err)

	_, err = r.AddProtocol(ctx, "tcp", 1400, 28, 100_000)
	assert.Error(t, err)
}

func TestOutductBlockUnblockRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.AddProtocol(ctx, "tcp", 1400, 28, 100_000)
	require.NoError(t, err)

	_, err = r.AddOutduct(ctx, "tcp", "tcp/host:4556", "tcpcli host:4556", 0)
	require.NoError(t, err)

	require.NoError(t, r.BlockOutduct(ctx, "tcp/host:4556"))
	out, ok := r.Vdb.OutductByName("tcp/host:4556")
	require.True(t, ok)
	assert.True(t, out.Blocked)

	require.NoError(t, r.UnblockOutduct(ctx, "tcp/host:4556"))
	out, ok = r.Vdb.OutductByName("tcp/host:4556")
	require.True(t, ok)
	assert.False(t, out.Blocked)
}

func TestRemoveSchemeThenLookupMisses(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.AddScheme(ctx, "dtn", "dtnfw", "dtnadminep")
	require.NoError(t, err)
	require.NoError(t, r.RemoveScheme(ctx, "dtn"))

	_, ok := r.Vdb.SchemeByName("dtn")
	assert.False(t, ok)
}
