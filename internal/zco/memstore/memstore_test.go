package memstore_test

import (
	"testing"

	"github.com/dtn-stack/bpcore/internal/zco"
	"github.com/dtn-stack/bpcore/internal/zco/memstore"
	"github.com/dtn-stack/bpcore/internal/zco/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) zco.Store {
		return memstore.New(0)
	})
}

func TestBudget(t *testing.T) {
	storetest.RunBudgetSuite(t, func(t *testing.T, ceiling uint64) zco.Store {
		return memstore.New(ceiling)
	})
}
