package badger_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/bpdb"
	badgerstore "github.com/dtn-stack/bpcore/internal/bpdb/badger"
	"github.com/dtn-stack/bpcore/internal/bpdb/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) bpdb.Store {
		dir := filepath.Join(t.TempDir(), "bpdb")
		store, err := badgerstore.Open(badgerstore.Config{Dir: dir})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
