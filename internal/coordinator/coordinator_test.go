package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanlabs/hookd/internal/circuitbreaker"
	"github.com/hanlabs/hookd/internal/config"
	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/failurebus"
	"github.com/hanlabs/hookd/internal/fingerprint"
	"github.com/hanlabs/hookd/internal/hookrunner"
	"github.com/hanlabs/hookd/internal/slot"
	"github.com/hanlabs/hookd/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	c := New(st, slot.NewManager(), circuitbreaker.NewRegistry(), failurebus.NewStoreBus(st), nil, nil,
		config.RunnerConfig{DefaultIdleTimeoutMs: 2000, DefaultWallTimeoutMs: 5000, EnvWhitelist: []string{"PATH"}},
		config.CircuitBreakerConfig{Enabled: false},
		nil, 0,
	)
	return c, st
}

func collectFrames(ctx context.Context, c *Coordinator, req OrchestrationRequest) (int, []OutputFrame, error) {
	var mu sync.Mutex
	var frames []OutputFrame
	worst, err := c.ExecuteOrchestration(ctx, req, func(f OutputFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})
	return worst, frames, err
}

func TestExecuteOrchestration_S1_CacheHitSkipsSecondRun(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	spec := HookSpec{HookID: "h1", Plugin: "p", HookName: "lint", Directory: t.TempDir(), Command: "echo hi"}

	worst1, frames1, err := collectFrames(ctx, c, OrchestrationRequest{OrchestrationID: "o1", Hooks: []HookSpec{spec}})
	require.NoError(t, err)
	assert.Equal(t, 0, worst1)
	assert.False(t, lastComplete(frames1).Cached)

	spec.HookID = "h2"
	worst2, frames2, err := collectFrames(ctx, c, OrchestrationRequest{OrchestrationID: "o2", Hooks: []HookSpec{spec}})
	require.NoError(t, err)
	assert.Equal(t, 0, worst2)
	assert.True(t, lastComplete(frames2).Cached)
}

func TestExecuteOrchestration_S5_FailFastCancelsSiblings(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	dir := t.TempDir()

	req := OrchestrationRequest{
		OrchestrationID: "o-failfast",
		FailFast:        true,
		Hooks: []HookSpec{
			{HookID: "fails", Plugin: "p", HookName: "a", Directory: dir, Command: "exit 1"},
			{HookID: "sleeps", Plugin: "p", HookName: "b", Directory: t.TempDir(), Command: "sleep 5"},
		},
	}

	start := time.Now()
	worst, _, err := collectFrames(ctx, c, req)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.NotEqual(t, 0, worst)
	assert.Less(t, elapsed, 4*time.Second, "fail-fast should cancel the sleeping sibling well before its own timeout")
}

func TestExecuteOrchestration_S6_ConcurrentIdenticalRequestsDedup(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	dir := t.TempDir()

	spec := HookSpec{HookID: "dup", Plugin: "p", HookName: "build", Directory: dir, Command: "sleep 0.2 && echo built"}

	var wg sync.WaitGroup
	var completes int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		orchID := "o-" + string(rune('a'+i))
		go func(id string) {
			defer wg.Done()
			worst, frames, err := collectFrames(ctx, c, OrchestrationRequest{OrchestrationID: id, Hooks: []HookSpec{spec}})
			require.NoError(t, err)
			assert.Equal(t, 0, worst)
			if lastComplete(frames).Kind == hookrunner.FrameComplete {
				atomic.AddInt64(&completes, 1)
			}
		}(orchID)
	}
	wg.Wait()

	assert.EqualValues(t, 5, completes, "every caller observes a completion frame whether builder or follower")

	fp, err := fingerprint.Compute(fingerprint.Inputs{
		Plugin: spec.Plugin, HookName: spec.HookName, Command: spec.Command, Directory: spec.Directory,
		EnvWhitelist: []string{"PATH"},
	})
	require.NoError(t, err)
	_, hit, err := st.CacheLookup(ctx, string(fp))
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestExecuteOrchestration_S4_RepeatedFailureEscalatesToDeferred(t *testing.T) {
	c, st := newTestCoordinator(t)
	ctx := context.Background()
	dir := t.TempDir()

	spec := HookSpec{HookID: "flaky", Plugin: "p", HookName: "flaky", Directory: dir, Command: "exit 7", Deferrable: true, SessionOrProject: "proj"}

	for i := 0; i < domain.DefaultMaxAttempts; i++ {
		spec.HookID = "flaky"
		_, _, err := collectFrames(ctx, c, OrchestrationRequest{OrchestrationID: "o" + string(rune('0'+i)), Hooks: []HookSpec{spec}})
		require.NoError(t, err)
	}

	rows, err := st.DeferredList(ctx, "proj")
	require.NoError(t, err)
	assert.NotEmpty(t, rows, "a hook that exhausts its attempt budget is queued for deferred resolution")
}

func TestGracefulShutdown_DrainsInFlightThenRejectsNew(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	dir := t.TempDir()

	done := make(chan struct{})
	go func() {
		_, _, _ = collectFrames(ctx, c, OrchestrationRequest{
			OrchestrationID: "o-long",
			Hooks:           []HookSpec{{HookID: "h", Plugin: "p", HookName: "n", Directory: dir, Command: "sleep 0.3"}},
		})
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	shutdownErr := c.GracefulShutdown(context.Background())
	assert.NoError(t, shutdownErr)

	select {
	case <-done:
	default:
		t.Fatal("GracefulShutdown returned before the in-flight orchestration finished")
	}

	_, _, err := collectFrames(ctx, c, OrchestrationRequest{OrchestrationID: "o-after", Hooks: []HookSpec{{HookID: "h", Directory: dir, Command: "true"}}})
	assert.ErrorIs(t, err, ErrClosing)
}

func lastComplete(frames []OutputFrame) OutputFrame {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Kind == hookrunner.FrameComplete {
			return frames[i]
		}
	}
	return OutputFrame{}
}
