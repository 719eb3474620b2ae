// Package store is the durable metadata store for the hook coordination
// engine: orchestrations, invocations, fingerprint cache, attempt
// counters, deferred hooks, and slot leases (spec §4.1).
package store

import (
	"context"
	"time"

	"github.com/hanlabs/hookd/internal/domain"
)

// Store is the narrow persistence contract the Coordinator and
// SlotManager drive every state transition through. Every method must
// be safe for concurrent use; callers never hold an external lock
// across a Store call.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// RecordInvocation is an atomic insert. It returns ErrConflict if a
	// non-terminal row already exists for
	// (orchestrationId, plugin, hookName, directory).
	RecordInvocation(ctx context.Context, inv *domain.HookInvocation) error
	// UpdateInvocation transitions an existing row to a new terminal or
	// non-terminal status.
	UpdateInvocation(ctx context.Context, inv *domain.HookInvocation) error
	GetInvocation(ctx context.Context, id string) (*domain.HookInvocation, error)

	RecordEvent(ctx context.Context, rec *domain.HookEventRecord) error
	RecordOrchestration(ctx context.Context, o *domain.Orchestration) error
	UpdateOrchestration(ctx context.Context, o *domain.Orchestration) error
	// QueryOrchestration returns the orchestration row and every
	// invocation recorded under it, for RpcGateway's QueryOrchestration
	// RPC.
	QueryOrchestration(ctx context.Context, id string) (*domain.Orchestration, []*domain.HookInvocation, error)

	// CacheLookup returns (entry, true, nil) on a hit, (nil, false, nil)
	// on a miss.
	CacheLookup(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool, error)
	// CacheStore is last-writer-wins on fingerprint collision.
	CacheStore(ctx context.Context, entry *domain.CacheEntry) error

	AttemptsGetOrCreate(ctx context.Context, key domain.AttemptKey) (*domain.AttemptCounter, error)
	// AttemptsIncrement atomically bumps ConsecutiveFailures and
	// recomputes IsStuck.
	AttemptsIncrement(ctx context.Context, key domain.AttemptKey) (*domain.AttemptCounter, error)
	AttemptsReset(ctx context.Context, key domain.AttemptKey) error
	AttemptsRaiseMax(ctx context.Context, key domain.AttemptKey, delta int) (*domain.AttemptCounter, error)

	DeferredQueue(ctx context.Context, hook *domain.DeferredHook) error
	DeferredComplete(ctx context.Context, id string) error
	// DeferredList returns only rows in statuses {pending, running, failed}
	// for the given orchestrationID, the DeferredHook.OrchestrationID that
	// queued them, not a session- or project-wide scope.
	DeferredList(ctx context.Context, orchestrationID string) ([]*domain.DeferredHook, error)

	// SlotTryAcquire returns ErrSlotBusy if directory is already leased.
	SlotTryAcquire(ctx context.Context, directory, holder string, ttl time.Duration) (*domain.SlotLease, error)
	SlotRelease(ctx context.Context, lease *domain.SlotLease) error
	// SlotExpireSweep reclaims every lease whose deadline has passed as
	// of now, returning the count reclaimed.
	SlotExpireSweep(ctx context.Context, now time.Time) (int, error)

	// FailureLatch implements the FailureBus's durable first-writer-wins
	// token for backends where Redis is unavailable (embedded mode);
	// the Postgres/Redis-backed FailureBus normally owns this instead.
	FailureLatch(ctx context.Context, orchestrationID, invocationID string) (*domain.FailureToken, bool, error)
}

// Open constructs the configured Store backend. Embedded selects the
// in-memory backend; otherwise it dials Postgres via dsn.
func Open(ctx context.Context, dsn string, embedded bool) (Store, error) {
	if embedded {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, dsn)
}
