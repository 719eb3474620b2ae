package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanlabs/hookd/internal/domain"
)

func TestMemoryStore_RecordInvocation_ConflictOnNonTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inv := &domain.HookInvocation{
		ID: "inv-1", OrchestrationID: "orch-1", Plugin: "p", HookName: "h",
		Directory: "/repo", Status: domain.StatusRunning,
	}
	require.NoError(t, s.RecordInvocation(ctx, inv))

	dup := &domain.HookInvocation{
		ID: "inv-2", OrchestrationID: "orch-1", Plugin: "p", HookName: "h",
		Directory: "/repo", Status: domain.StatusPending,
	}
	err := s.RecordInvocation(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.UpdateInvocation(ctx, &domain.HookInvocation{
		ID: "inv-1", OrchestrationID: "orch-1", Plugin: "p", HookName: "h",
		Directory: "/repo", Status: domain.StatusSucceeded,
	}))
	assert.NoError(t, s.RecordInvocation(ctx, dup))
}

func TestMemoryStore_CacheRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, hit, err := s.CacheLookup(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, hit)

	entry := &domain.CacheEntry{Fingerprint: "fp-1", ExitCode: 0, ProducedAt: time.Now()}
	require.NoError(t, s.CacheStore(ctx, entry))

	got, hit, err := s.CacheLookup(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, 0, got.ExitCode)

	entry2 := &domain.CacheEntry{Fingerprint: "fp-1", ExitCode: 1, ProducedAt: time.Now()}
	require.NoError(t, s.CacheStore(ctx, entry2))
	got, _, err = s.CacheLookup(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExitCode, "cacheStore must be last-writer-wins")
}

func TestMemoryStore_AttemptsIncrementSetsStuck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := domain.AttemptKey{SessionOrProject: "sess-1", Plugin: "p", HookName: "h", Directory: "/repo"}

	a, err := s.AttemptsGetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxAttempts, a.MaxAttempts)
	assert.False(t, a.IsStuck)

	for i := 0; i < domain.DefaultMaxAttempts; i++ {
		a, err = s.AttemptsIncrement(ctx, key)
		require.NoError(t, err)
	}
	assert.True(t, a.IsStuck)
	assert.Equal(t, domain.DefaultMaxAttempts, a.ConsecutiveFailures)

	require.NoError(t, s.AttemptsReset(ctx, key))
	a, err = s.AttemptsGetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ConsecutiveFailures)
	assert.False(t, a.IsStuck)

	raised, err := s.AttemptsRaiseMax(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxAttempts+2, raised.MaxAttempts)
}

func TestMemoryStore_SlotTryAcquire_BusyThenExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	lease, err := s.SlotTryAcquire(ctx, "/repo", "holder-a", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "holder-a", lease.HolderID)

	_, err = s.SlotTryAcquire(ctx, "/repo", "holder-b", time.Minute)
	var busy *ErrSlotBusy
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "holder-a", busy.Holder)

	time.Sleep(15 * time.Millisecond)
	lease2, err := s.SlotTryAcquire(ctx, "/repo", "holder-b", time.Minute)
	require.NoError(t, err, "expired lease must be reclaimable")
	assert.Equal(t, "holder-b", lease2.HolderID)

	require.NoError(t, s.SlotRelease(ctx, lease2))
	n, err := s.SlotExpireSweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore_DeferredLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	h := &domain.DeferredHook{
		ID: "def-1", OrchestrationID: "orch-1", Plugin: "p", HookName: "h",
		Directory: "/repo", Status: domain.DeferredPending, QueuedAt: time.Now(),
	}
	require.NoError(t, s.DeferredQueue(ctx, h))

	open, err := s.DeferredList(ctx, "orch-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "def-1", open[0].ID)

	require.NoError(t, s.DeferredComplete(ctx, "def-1"))
	open, err = s.DeferredList(ctx, "orch-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryStore_FailureLatchFirstWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tok, won, err := s.FailureLatch(ctx, "orch-1", "inv-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "inv-1", tok.FailedInvocationID)

	tok2, won2, err := s.FailureLatch(ctx, "orch-1", "inv-2")
	require.NoError(t, err)
	assert.False(t, won2)
	assert.Equal(t, "inv-1", tok2.FailedInvocationID, "first writer's token must stick")
}
