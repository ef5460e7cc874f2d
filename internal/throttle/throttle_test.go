package throttle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn-stack/bpcore/internal/throttle"
)

func TestUnthrottledAcquireNeverBlocks(t *testing.T) {
	th := throttle.New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, th.Acquire(ctx, 1<<30))
}

func TestAcquireConsumesCredit(t *testing.T) {
	th := throttle.New(100)
	ctx := context.Background()
	require.NoError(t, th.Acquire(ctx, 100))
	assert.EqualValues(t, 0, th.Available())
}

func TestAcquireBlocksUntilCreditAccrues(t *testing.T) {
	th := throttle.New(10)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go th.Run(runCtx)

	require.NoError(t, th.Acquire(context.Background(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := th.Acquire(ctx, 50)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	th := throttle.New(1)
	require.NoError(t, th.Acquire(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := th.Acquire(ctx, 100)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetNominalRateCapsExistingCredit(t *testing.T) {
	th := throttle.New(1000)
	th.SetNominalRate(10)
	assert.LessOrEqual(t, th.Available(), int64(10))
}
