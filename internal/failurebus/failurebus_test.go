package failurebus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/store"
)

func TestStoreBus_FirstWriterWins(t *testing.T) {
	bus := NewStoreBus(store.NewMemoryStore())
	ctx := context.Background()

	won1, err := bus.Latch(ctx, "orch-1", domain.FailureToken{FailedInvocationID: "inv-a"})
	require.NoError(t, err)
	assert.True(t, won1)

	won2, err := bus.Latch(ctx, "orch-1", domain.FailureToken{FailedInvocationID: "inv-b"})
	require.NoError(t, err)
	assert.False(t, won2)

	token, ok, err := bus.Observe(ctx, "orch-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "inv-a", token.FailedInvocationID)
}

func TestStoreBus_ObserveBeforeAnyLatchIsEmpty(t *testing.T) {
	bus := NewStoreBus(store.NewMemoryStore())
	_, ok, err := bus.Observe(context.Background(), "orch-unseen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreBus_SubscribeWakesOnWinningLatch(t *testing.T) {
	bus := NewStoreBus(store.NewMemoryStore())
	ctx := context.Background()

	ch := bus.Subscribe("orch-1")
	won, err := bus.Latch(ctx, "orch-1", domain.FailureToken{FailedInvocationID: "inv-a"})
	require.NoError(t, err)
	require.True(t, won)

	select {
	case <-ch:
	default:
		t.Fatal("subscriber was not woken by the winning latch")
	}
}

func TestStoreBus_ReapClosesSubscribersAndClearsCache(t *testing.T) {
	bus := NewStoreBus(store.NewMemoryStore())
	ctx := context.Background()

	ch := bus.Subscribe("orch-1")
	_, err := bus.Latch(ctx, "orch-1", domain.FailureToken{FailedInvocationID: "inv-a"})
	require.NoError(t, err)

	require.NoError(t, bus.Reap(ctx, "orch-1"))

	_, stillOpen := <-ch
	assert.False(t, stillOpen)

	_, ok, err := bus.Observe(ctx, "orch-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
