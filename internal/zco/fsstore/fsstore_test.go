package fsstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/zco"
	"github.com/dtn-stack/bpcore/internal/zco/fsstore"
	"github.com/dtn-stack/bpcore/internal/zco/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) zco.Store {
		store, err := fsstore.New(fsstore.DefaultConfig(t.TempDir()))
		require.NoError(t, err)
		return store
	})
}

func TestBudget(t *testing.T) {
	storetest.RunBudgetSuite(t, func(t *testing.T, ceiling uint64) zco.Store {
		cfg := fsstore.DefaultConfig(t.TempDir())
		cfg.BudgetCeiling = ceiling
		store, err := fsstore.New(cfg)
		require.NoError(t, err)
		return store
	})
}
