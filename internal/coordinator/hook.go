package coordinator

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hanlabs/hookd/internal/circuitbreaker"
	"github.com/hanlabs/hookd/internal/config"
	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/fingerprint"
	"github.com/hanlabs/hookd/internal/hookrunner"
	"github.com/hanlabs/hookd/internal/logging"
	"github.com/hanlabs/hookd/internal/observability"
)

// breakerKey identifies one circuit breaker, keyed the way the
// Registry's Get expects: plugin\x00hookName\x00directory.
func breakerKey(plugin, hookName, directory string) string {
	return plugin + "\x00" + hookName + "\x00" + directory
}

func attemptKey(spec HookSpec) domain.AttemptKey {
	scope := spec.SessionOrProject
	if scope == "" {
		scope = spec.Directory
	}
	return domain.AttemptKey{SessionOrProject: scope, Plugin: spec.Plugin, HookName: spec.HookName, Directory: spec.Directory}
}

// runHook drives one hook through Accept → Fingerprint → CacheLookup →
// (slot → run → bookkeeping), per spec §4.5, and returns its final
// complete frame. It always emits exactly one FrameComplete to sink,
// whatever the outcome, so the caller never needs to synthesize one.
func (c *Coordinator) runHook(ctx context.Context, req OrchestrationRequest, spec HookSpec, sink Sink) OutputFrame {
	ctx, span := observability.StartSpan(ctx, "coordinator.runHook",
		observability.AttrPlugin.String(spec.Plugin),
		observability.AttrHookName.String(spec.HookName),
		observability.AttrDirectory.String(spec.Directory),
	)
	defer span.End()

	emit := func(f OutputFrame) {
		f.HookID = spec.HookID
		sink(f)
	}

	if config.HooksDisabled() {
		complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: domain.ExitSuccess}
		emit(complete)
		observability.SetSpanOK(span)
		return complete
	}

	idleTimeout := time.Duration(spec.IdleTimeoutMs) * time.Millisecond
	if idleTimeout <= 0 {
		idleTimeout = time.Duration(c.cfg.DefaultIdleTimeoutMs) * time.Millisecond
	}
	wallTimeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if wallTimeout <= 0 {
		wallTimeout = time.Duration(c.cfg.DefaultWallTimeoutMs) * time.Millisecond
	}

	fp, err := fingerprint.Compute(fingerprint.Inputs{
		Plugin:          spec.Plugin,
		HookName:        spec.HookName,
		Command:         spec.Command,
		Directory:       spec.Directory,
		EffectiveConfig: spec.EffectiveConfig,
		IfChanged:       spec.IfChanged,
		EnvWhitelist:    append(append([]string(nil), c.cfg.EnvWhitelist...), spec.EnvWhitelist...),
	})
	if err != nil {
		// Caller error per §7: surfaced as a dedicated error frame, no
		// state mutated.
		complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: domain.ExitGenericError, Error: "invalid_fingerprint_inputs: " + err.Error()}
		emit(complete)
		observability.SetSpanError(span, err)
		return complete
	}

	c.mu.Lock()
	if run, ok := c.dedup[fp]; ok {
		c.mu.Unlock()
		return c.followRun(run, emit)
	}
	run := newInflightRun()
	c.dedup[fp] = run
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.dedup, fp)
		c.mu.Unlock()
		run.builderDone()
	}()

	broadcastEmit := func(f OutputFrame) {
		run.publish(f)
		emit(f)
	}

	if entry, hit, err := c.cacheLookup(ctx, fp); err != nil {
		logging.Op().Warn("cache lookup failed, treating as miss", "fingerprint", fp, "error", err)
	} else if hit {
		c.recordMetric("cache_hit")
		complete := c.replayCache(ctx, spec, entry, broadcastEmit)
		observability.SetSpanOK(span)
		return complete
	} else {
		c.recordMetric("cache_miss")
	}

	if b := c.breakerFor(spec); b != nil && !b.Allow() {
		complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: domain.ExitGenericError, Error: "circuit_open"}
		broadcastEmit(complete)
		observability.SetSpanError(span, errCircuitOpen)
		return complete
	}

	complete := c.runAndRecord(ctx, req, spec, fp, idleTimeout, wallTimeout, broadcastEmit)
	if b := c.breakerFor(spec); b != nil {
		if complete.ExitCode == 0 {
			b.RecordSuccess()
		} else {
			b.RecordFailure()
		}
	}
	if complete.ExitCode == 0 {
		observability.SetSpanOK(span)
	}
	return complete
}

var errCircuitOpen = errors.New("circuit breaker open")

func (c *Coordinator) breakerFor(spec HookSpec) *circuitbreaker.Breaker {
	if !c.cb.Enabled {
		return nil
	}
	return c.breakers.Get(breakerKey(spec.Plugin, spec.HookName, spec.Directory), circuitbreaker.Config{
		ErrorPct:       c.cb.ErrorPct,
		WindowDuration: c.cb.WindowDuration,
		OpenDuration:   c.cb.OpenDuration,
		HalfOpenProbes: c.cb.HalfOpenProbes,
	})
}

func (c *Coordinator) cacheLookup(ctx context.Context, fp fingerprint.Digest) (*domain.CacheEntry, bool, error) {
	type result struct {
		entry *domain.CacheEntry
		hit   bool
	}
	r, err := withRetry(ctx, func() (result, error) {
		entry, hit, err := c.store.CacheLookup(ctx, string(fp))
		return result{entry, hit}, err
	})
	return r.entry, r.hit, err
}

// replayCache emits the cached stdout/stderr lines and a cached
// complete frame without touching the SlotManager or HookRunner, per
// §4.3's "cached hooks neither read nor write the working tree" rule.
// StdoutRef/StderrRef are resolved through the blob store first if
// runAndRecord spilled them there.
func (c *Coordinator) replayCache(ctx context.Context, spec HookSpec, entry *domain.CacheEntry, emit func(OutputFrame)) OutputFrame {
	for _, line := range splitNonEmptyLines(c.resolveOutputRef(ctx, entry.StdoutRef)) {
		emit(OutputFrame{Kind: hookrunner.FrameStdout, Line: line})
	}
	for _, line := range splitNonEmptyLines(c.resolveOutputRef(ctx, entry.StderrRef)) {
		emit(OutputFrame{Kind: hookrunner.FrameStderr, Line: line})
	}
	complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: entry.ExitCode, Cached: true}
	emit(complete)
	return complete
}

// isBlobRef reports whether ref is a DurableBlobStore reference rather
// than literal inline output.
func isBlobRef(ref string) bool {
	return strings.HasPrefix(ref, "s3://") || strings.HasPrefix(ref, "file://")
}

// resolveOutputRef returns ref's literal content, fetching it from the
// blob store first when ref looks like a spilled reference.
func (c *Coordinator) resolveOutputRef(ctx context.Context, ref string) string {
	if c.blobStore == nil || !isBlobRef(ref) {
		return ref
	}
	data, err := c.blobStore.Get(ctx, ref)
	if err != nil {
		logging.Op().Warn("blob store fetch failed, output unavailable", "ref", ref, "error", err)
		return ""
	}
	return string(data)
}

// spillIfLarge stores data in the blob store and returns its reference
// when data exceeds c.inlineMaxBytes, otherwise returns data unchanged.
// Falls back to inline on any blob store error so a cache write never
// fails outright over an output-storage hiccup.
func (c *Coordinator) spillIfLarge(ctx context.Context, key string, data []byte) string {
	if c.blobStore == nil || int64(len(data)) <= c.inlineMaxBytes {
		return string(data)
	}
	ref, err := c.blobStore.Put(ctx, key, data)
	if err != nil {
		logging.Op().Warn("blob store spill failed, keeping output inline", "key", key, "error", err)
		return string(data)
	}
	return ref
}

func splitNonEmptyLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// runAndRecord acquires the directory slot, spawns the hook, forwards
// its frames, and performs every piece of durable bookkeeping the
// outcome requires (cache store, attempts, deferred queue, invocation
// row, slot release). Slot release happens unconditionally via defer
// so invariant 7 ("release on every exit path") holds even if a later
// step panics.
func (c *Coordinator) runAndRecord(ctx context.Context, req OrchestrationRequest, spec HookSpec, fp fingerprint.Digest, idleTimeout, wallTimeout time.Duration, emit func(OutputFrame)) OutputFrame {
	invocationID := uuid.NewString()
	holderID := newHolderID()

	slotCtx := ctx
	var cancelSlotWait context.CancelFunc
	if wallTimeout > 0 {
		slotCtx, cancelSlotWait = context.WithTimeout(ctx, wallTimeout)
		defer cancelSlotWait()
	}

	waitStart := time.Now()
	lease, err := c.slots.Acquire(slotCtx, spec.Directory, holderID, idleTimeout+wallTimeout)
	c.observeSlotWait(time.Since(waitStart))
	if err != nil {
		// ctx itself cancelled (fail-fast sibling kill, client disconnect)
		// reports 130 like any other cooperative cancel; only slotCtx's
		// own wallTimeout deadline expiring is a genuine slot-wait timeout.
		exitCode, reason := domain.ExitSlotWaitTimeout, "slot_wait_timeout"
		if ctx.Err() != nil {
			exitCode, reason = domain.ExitKilledByCancel, "cancel"
		}
		complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: exitCode, Error: reason}
		emit(complete)
		return complete
	}

	if _, err := c.store.SlotTryAcquire(ctx, spec.Directory, holderID, lease.Deadline.Sub(time.Now())); err != nil {
		logging.Op().Warn("durable slot record failed; proceeding on in-process exclusivity", "directory", spec.Directory, "error", err)
	}
	defer func() {
		_ = c.store.SlotRelease(ctx, &domain.SlotLease{Directory: spec.Directory, HolderID: holderID})
		if err := c.slots.Release(spec.Directory, holderID); err != nil {
			logging.Op().Warn("slot release after expiry", "directory", spec.Directory, "holder", holderID)
		}
	}()

	inv := &domain.HookInvocation{
		ID:              invocationID,
		OrchestrationID: req.OrchestrationID,
		Plugin:          spec.Plugin,
		HookName:        spec.HookName,
		Directory:       spec.Directory,
		Command:         spec.Command,
		Status:          domain.StatusRunning,
		Fingerprint:     string(fp),
	}
	startedAt := time.Now()
	inv.StartedAt = &startedAt
	if err := c.store.RecordInvocation(ctx, inv); err != nil {
		complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: domain.ExitGenericError, Error: err.Error()}
		emit(complete)
		return complete
	}

	out := make(chan hookrunner.Frame, 64)
	runReq := hookrunner.Request{
		Command:     spec.Command,
		WorkingDir:  spec.Directory,
		Env:         resolveEnv(append(append([]string(nil), c.cfg.EnvWhitelist...), spec.EnvWhitelist...)),
		IdleTimeout: idleTimeout,
		WallTimeout: wallTimeout,
	}

	go func() {
		_ = hookrunner.Run(ctx, runReq, out)
	}()

	var stdoutBuf, stderrBuf strings.Builder
	var stdoutBytes, stderrBytes int64
	var final hookrunner.Frame
	for f := range out {
		switch f.Kind {
		case hookrunner.FrameStdout:
			stdoutBuf.WriteString(f.Line)
			stdoutBuf.WriteByte('\n')
			stdoutBytes += int64(len(f.Line)) + 1
			emit(OutputFrame{Kind: hookrunner.FrameStdout, Line: f.Line})
		case hookrunner.FrameStderr:
			stderrBuf.WriteString(f.Line)
			stderrBuf.WriteByte('\n')
			stderrBytes += int64(len(f.Line)) + 1
			emit(OutputFrame{Kind: hookrunner.FrameStderr, Line: f.Line})
		case hookrunner.FrameComplete:
			final = f
		}
	}

	endedAt := time.Now()
	inv.EndedAt = &endedAt
	inv.DurationMs = final.DurationMs
	inv.ExitCode = &final.ExitCode
	inv.StdoutBytes = stdoutBytes
	inv.StderrBytes = stderrBytes
	inv.Error = final.Error

	key := attemptKey(spec)

	if final.ExitCode == domain.ExitSuccess {
		inv.Status = domain.StatusSucceeded
		_ = c.store.CacheStore(ctx, &domain.CacheEntry{
			Fingerprint: string(fp),
			ExitCode:    0,
			StdoutRef:   c.spillIfLarge(ctx, string(fp)+":stdout", []byte(stdoutBuf.String())),
			StderrRef:   c.spillIfLarge(ctx, string(fp)+":stderr", []byte(stderrBuf.String())),
			ProducedAt:  time.Now(),
		})
		_ = c.store.AttemptsReset(ctx, key)
	} else {
		inv.Status = statusForFailure(final)
		if inv.Status == domain.StatusKilled && c.metrics != nil {
			reason := final.Error
			if reason == "" {
				reason = "signal"
			}
			c.metrics.RecordKilled(reason)
		}
		if _, aerr := c.store.AttemptsGetOrCreate(ctx, key); aerr != nil {
			logging.Op().Warn("attempt counter init failed", "key", key, "error", aerr)
		}
		counter, aerr := c.store.AttemptsIncrement(ctx, key)
		if aerr == nil && counter.IsStuck && spec.Deferrable {
			inv.Status = domain.StatusDeferred
			_ = c.store.DeferredQueue(ctx, &domain.DeferredHook{
				ID:              invocationID,
				OrchestrationID: req.OrchestrationID,
				Plugin:          spec.Plugin,
				HookName:        spec.HookName,
				Directory:       spec.Directory,
				Command:         spec.Command,
				Status:          domain.DeferredPending,
				QueuedAt:        time.Now(),
				LastError:       final.Error,
			})
			c.recordMetric("deferred")
		}
	}

	if err := c.store.UpdateInvocation(ctx, inv); err != nil {
		logging.Op().Warn("invocation update failed", "invocation", invocationID, "error", err)
	}

	c.logInvocation(inv)
	c.recordInvocationMetrics(spec, inv)

	complete := OutputFrame{Kind: hookrunner.FrameComplete, ExitCode: final.ExitCode, DurationMs: final.DurationMs, Error: final.Error}
	emit(complete)
	return complete
}

func statusForFailure(f hookrunner.Frame) domain.InvocationStatus {
	switch f.Error {
	case "idle_timeout", "wall_timeout":
		return domain.StatusKilled
	}
	if f.ExitCode == domain.ExitKilledByCancel || f.ExitCode == domain.ExitKilledHard || f.ExitCode == domain.ExitTerminated {
		return domain.StatusKilled
	}
	return domain.StatusFailed
}

func (c *Coordinator) followRun(run *inflightRun, emit func(OutputFrame)) OutputFrame {
	buffered, live := run.follow()
	var last OutputFrame
	for _, f := range buffered {
		emit(f)
		last = f
	}
	for f := range live {
		emit(f)
		last = f
	}
	return last
}

// resolveEnv materializes whitelisted variable names into "KEY=VALUE"
// pairs from the current process environment; unset names are simply
// omitted rather than forwarded as empty, matching the spec's "never
// inherit ambient secrets beyond the whitelist" rule.
func resolveEnv(whitelist []string) []string {
	seen := make(map[string]struct{}, len(whitelist))
	env := make([]string, 0, len(whitelist))
	for _, name := range whitelist {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func (c *Coordinator) observeSlotWait(d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveSlotWait(float64(d.Milliseconds()))
	}
}

func (c *Coordinator) recordMetric(kind string) {
	if c.metrics == nil {
		return
	}
	switch kind {
	case "cache_hit":
		c.metrics.RecordCacheHit()
	case "cache_miss":
		c.metrics.RecordCacheMiss()
	case "deferred":
		c.metrics.RecordDeferred()
	}
}

func (c *Coordinator) recordInvocationMetrics(spec HookSpec, inv *domain.HookInvocation) {
	if c.metrics != nil {
		c.metrics.RecordInvocation(spec.Plugin, spec.HookName, string(inv.Status), inv.DurationMs)
	}
}

func (c *Coordinator) logInvocation(inv *domain.HookInvocation) {
	if c.invLog == nil {
		return
	}
	exitCode := 0
	if inv.ExitCode != nil {
		exitCode = *inv.ExitCode
	}
	c.invLog.Log(&logging.InvocationLog{
		Timestamp:       time.Now(),
		InvocationID:    inv.ID,
		OrchestrationID: inv.OrchestrationID,
		Plugin:          inv.Plugin,
		HookName:        inv.HookName,
		Directory:       inv.Directory,
		DurationMs:      inv.DurationMs,
		ExitCode:        exitCode,
		Success:         inv.Status == domain.StatusSucceeded,
		Cached:          inv.Status == domain.StatusCached,
		Deferred:        inv.Status == domain.StatusDeferred,
		Error:           inv.Error,
		StdoutBytes:     inv.StdoutBytes,
		StderrBytes:     inv.StderrBytes,
	})
}
