// Package coordinator implements the central state machine that
// drives one hook invocation from acceptance through fingerprinting,
// cache lookup, slot acquisition, execution, and durable bookkeeping.
// It generalizes the teacher's internal/executor.Executor: the same
// "increment inflight before any work begins, drain on shutdown"
// discipline (inflight sync.WaitGroup + closing atomic.Bool) and the
// same fire-and-forget safeGo helper for side effects that must not
// block the critical path, retargeted from "acquire a VM and invoke
// the guest agent" to "acquire a directory slot and run a child
// process."
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hanlabs/hookd/internal/circuitbreaker"
	"github.com/hanlabs/hookd/internal/config"
	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/failurebus"
	"github.com/hanlabs/hookd/internal/fingerprint"
	"github.com/hanlabs/hookd/internal/hookrunner"
	"github.com/hanlabs/hookd/internal/logging"
	"github.com/hanlabs/hookd/internal/metrics"
	"github.com/hanlabs/hookd/internal/observability"
	"github.com/hanlabs/hookd/internal/slot"
	"github.com/hanlabs/hookd/internal/store"
)

// defaultInlineMaxBytes bounds CacheEntry.StdoutRef/StderrRef size when
// the caller doesn't configure a threshold explicitly.
const defaultInlineMaxBytes = 64 << 10

// ErrClosing is returned by ExecuteOrchestration once
// GracefulShutdown has started; no new orchestrations are admitted.
var ErrClosing = errors.New("coordinator: shutting down")

// Coordinator is safe for concurrent use. The zero value is not
// usable; always construct via New.
type Coordinator struct {
	store    store.Store
	slots    *slot.Manager
	breakers *circuitbreaker.Registry
	bus      failurebus.Bus
	metrics  *metrics.Metrics
	invLog   *logging.Logger

	blobStore      store.DurableBlobStore // nil disables spilling; large output stays inline
	inlineMaxBytes int64

	cfg config.RunnerConfig
	cb  config.CircuitBreakerConfig

	// inflight drains gracefully on Shutdown; see GracefulShutdown.
	inflight sync.WaitGroup
	closing  atomic.Bool

	mu    sync.Mutex
	dedup map[string]*inflightRun
}

// New constructs a Coordinator. metrics and invLog may be nil, in
// which case the corresponding instrumentation is skipped. blobStore
// may be nil, in which case cached output always stays inline
// regardless of inlineMaxBytes; inlineMaxBytes <= 0 takes
// defaultInlineMaxBytes.
func New(st store.Store, slots *slot.Manager, breakers *circuitbreaker.Registry, bus failurebus.Bus, m *metrics.Metrics, invLog *logging.Logger, cfg config.RunnerConfig, cb config.CircuitBreakerConfig, blobStore store.DurableBlobStore, inlineMaxBytes int64) *Coordinator {
	if inlineMaxBytes <= 0 {
		inlineMaxBytes = defaultInlineMaxBytes
	}
	return &Coordinator{
		store:          st,
		slots:          slots,
		breakers:       breakers,
		bus:            bus,
		metrics:        m,
		invLog:         invLog,
		blobStore:      blobStore,
		inlineMaxBytes: inlineMaxBytes,
		cfg:            cfg,
		cb:             cb,
		dedup:          make(map[string]*inflightRun),
	}
}

// safeGo runs f in its own goroutine, recovering and logging any
// panic so an async side effect can never crash the daemon — the same
// contract as the teacher's executor.safeGo.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async coordinator task", "panic", r)
			}
		}()
		f()
	}()
}

// ExecuteOrchestration runs every hook in req concurrently, streaming
// frames to sink, and returns the orchestration's worst exit code
// (max over every hook's terminal exit code) once all hooks have
// resolved — succeeded, failed, cached, deferred, or killed.
func (c *Coordinator) ExecuteOrchestration(ctx context.Context, req OrchestrationRequest, sink Sink) (int, error) {
	if c.closing.Load() {
		return 0, ErrClosing
	}
	c.inflight.Add(1)
	defer c.inflight.Done()

	ctx, span := observability.StartServerSpan(ctx, "coordinator.ExecuteOrchestration",
		observability.AttrOrchestrationID.String(req.OrchestrationID))
	defer span.End()

	now := time.Now()
	orch := &domain.Orchestration{
		ID:          req.OrchestrationID,
		SessionID:   req.SessionID,
		ProjectRoot: req.Cwd,
		StartedAt:   now,
		FailFast:    req.FailFast,
	}
	if err := c.store.RecordOrchestration(ctx, orch); err != nil {
		observability.SetSpanError(span, err)
		return 0, fmt.Errorf("record orchestration: %w", err)
	}

	hookIDs := make([]string, len(req.Hooks))
	for i, h := range req.Hooks {
		hookIDs[i] = h.HookID
	}
	safeGo(func() {
		_ = c.store.RecordEvent(context.Background(), &domain.HookEventRecord{
			OrchestrationID: req.OrchestrationID,
			SessionID:       req.SessionID,
			Cwd:             req.Cwd,
			HookIDs:         hookIDs,
			RecordedAt:      now,
		})
	})

	fanoutCtx, cancelFanout := context.WithCancel(ctx)
	defer cancelFanout()

	type hookResult struct {
		hookID   string
		exitCode int
	}
	results := make(chan hookResult, len(req.Hooks))

	var wg sync.WaitGroup
	for _, spec := range req.Hooks {
		spec := spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame := c.runHook(fanoutCtx, req, spec, sink)
			results <- hookResult{hookID: spec.HookID, exitCode: frame.ExitCode}

			if frame.ExitCode == 0 {
				return
			}
			failFast := req.FailFast
			if spec.FailFastOverride != nil {
				failFast = *spec.FailFastOverride
			}
			if !failFast {
				return
			}
			won, err := c.bus.Latch(ctx, req.OrchestrationID, domain.FailureToken{
				OrchestrationID:    req.OrchestrationID,
				FirstFailureAt:     time.Now(),
				FailedInvocationID: spec.HookID,
			})
			if err != nil {
				logging.Op().Warn("failure latch write failed", "orchestration", req.OrchestrationID, "error", err)
			}
			if won {
				cancelFanout()
			}
		}()
	}
	wg.Wait()
	close(results)

	// A sibling killed purely as a side effect of another hook's
	// failure-token win reports 130, but the orchestration's worst exit
	// code must propagate the originating hook's own code instead,
	// otherwise the kill signal's code would mask the failure that
	// actually caused it.
	token, hasToken, err := c.bus.Observe(ctx, req.OrchestrationID)
	if err != nil {
		logging.Op().Warn("failure latch observe failed", "orchestration", req.OrchestrationID, "error", err)
	}

	worst := 0
	for r := range results {
		if hasToken && r.exitCode == domain.ExitKilledByCancel && r.hookID != token.FailedInvocationID {
			continue
		}
		if r.exitCode > worst {
			worst = r.exitCode
		}
	}

	ended := time.Now()
	orch.EndedAt = &ended
	orch.WorstExitCode = worst
	if err := c.store.UpdateOrchestration(ctx, orch); err != nil {
		logging.Op().Warn("orchestration update failed", "orchestration", req.OrchestrationID, "error", err)
	}
	safeGo(func() {
		_ = c.bus.Reap(context.Background(), req.OrchestrationID)
	})

	observability.SetSpanOK(span)
	return worst, nil
}

// GracefulShutdown marks the Coordinator as closing (rejecting new
// orchestrations) and blocks until every in-flight orchestration has
// returned, or ctx is done — the same drain contract as the teacher's
// Executor.GracefulShutdown.
func (c *Coordinator) GracefulShutdown(ctx context.Context) error {
	c.closing.Store(true)

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newHolderID derives a unique slot-lease holder identity for one
// invocation attempt.
func newHolderID() string {
	return uuid.NewString()
}
