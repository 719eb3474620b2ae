package store

import (
	"context"
	"sync"
	"time"

	"github.com/hanlabs/hookd/internal/domain"
)

// MemoryStore is the in-process backend used for tests and
// single-node "embedded" deployments. One mutex guards all tables, so
// every operation is atomic with respect to every other; the resources
// §5 "Shared resources" lists (Orchestration, Invocation, Attempts,
// Cache, Slot) are not locked independently here.
type MemoryStore struct {
	mu             sync.Mutex
	orchestrations map[string]*domain.Orchestration
	events         []*domain.HookEventRecord
	invocations    map[string]*domain.HookInvocation
	cache          map[string]*domain.CacheEntry
	attempts       map[domain.AttemptKey]*domain.AttemptCounter
	deferred       map[string]*domain.DeferredHook
	slots          map[string]*domain.SlotLease
	failures       map[string]*domain.FailureToken
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orchestrations: make(map[string]*domain.Orchestration),
		invocations:    make(map[string]*domain.HookInvocation),
		cache:          make(map[string]*domain.CacheEntry),
		attempts:       make(map[domain.AttemptKey]*domain.AttemptCounter),
		deferred:       make(map[string]*domain.DeferredHook),
		slots:          make(map[string]*domain.SlotLease),
		failures:       make(map[string]*domain.FailureToken),
	}
}

func (s *MemoryStore) Close() error               { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) RecordInvocation(ctx context.Context, inv *domain.HookInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.invocations {
		if existing.OrchestrationID == inv.OrchestrationID && existing.Plugin == inv.Plugin &&
			existing.HookName == inv.HookName && existing.Directory == inv.Directory &&
			!existing.Status.IsTerminal() {
			return ErrConflict
		}
	}
	cp := *inv
	s.invocations[inv.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateInvocation(ctx context.Context, inv *domain.HookInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invocations[inv.ID]; !ok {
		return ErrNotFound
	}
	cp := *inv
	s.invocations[inv.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInvocation(ctx context.Context, id string) (*domain.HookInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, rec *domain.HookEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) RecordOrchestration(ctx context.Context, o *domain.Orchestration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orchestrations[o.ID]; ok {
		return nil
	}
	cp := *o
	s.orchestrations[o.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOrchestration(ctx context.Context, o *domain.Orchestration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orchestrations[o.ID]
	if !ok {
		return ErrNotFound
	}
	existing.EndedAt = o.EndedAt
	existing.WorstExitCode = o.WorstExitCode
	return nil
}

func (s *MemoryStore) QueryOrchestration(ctx context.Context, id string) (*domain.Orchestration, []*domain.HookInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orchestrations[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	oCopy := *o
	var invocations []*domain.HookInvocation
	for _, inv := range s.invocations {
		if inv.OrchestrationID == id {
			cp := *inv
			invocations = append(invocations, &cp)
		}
	}
	return &oCopy, invocations, nil
}

func (s *MemoryStore) CacheLookup(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[fingerprint]
	if !ok {
		return nil, false, nil
	}
	cp := *entry
	return &cp, true, nil
}

func (s *MemoryStore) CacheStore(ctx context.Context, entry *domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.cache[entry.Fingerprint] = &cp
	return nil
}

func (s *MemoryStore) AttemptsGetOrCreate(ctx context.Context, key domain.AttemptKey) (*domain.AttemptCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		a = &domain.AttemptCounter{Key: key, MaxAttempts: domain.DefaultMaxAttempts}
		s.attempts[key] = a
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AttemptsIncrement(ctx context.Context, key domain.AttemptKey) (*domain.AttemptCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return nil, ErrNotFound
	}
	a.ConsecutiveFailures++
	a.Recompute()
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AttemptsReset(ctx context.Context, key domain.AttemptKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return ErrNotFound
	}
	a.ConsecutiveFailures = 0
	a.Recompute()
	return nil
}

func (s *MemoryStore) AttemptsRaiseMax(ctx context.Context, key domain.AttemptKey, delta int) (*domain.AttemptCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return nil, ErrNotFound
	}
	a.MaxAttempts += delta
	a.Recompute()
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DeferredQueue(ctx context.Context, hook *domain.DeferredHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hook
	s.deferred[hook.ID] = &cp
	return nil
}

func (s *MemoryStore) DeferredComplete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deferred[id]; !ok {
		return ErrNotFound
	}
	delete(s.deferred, id)
	return nil
}

func (s *MemoryStore) DeferredList(ctx context.Context, orchestrationID string) ([]*domain.DeferredHook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeferredHook
	for _, h := range s.deferred {
		if h.OrchestrationID == orchestrationID && h.Status.IsOpen() {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SlotTryAcquire(ctx context.Context, directory, holder string, ttl time.Duration) (*domain.SlotLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.slots[directory]; ok && !existing.Expired(now) {
		return nil, &ErrSlotBusy{Holder: existing.HolderID, ETA: existing.Deadline}
	}
	lease := &domain.SlotLease{Directory: directory, HolderID: holder, AcquiredAt: now, Deadline: now.Add(ttl)}
	s.slots[directory] = lease
	cp := *lease
	return &cp, nil
}

func (s *MemoryStore) SlotRelease(ctx context.Context, lease *domain.SlotLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.slots[lease.Directory]; ok && existing.HolderID == lease.HolderID {
		delete(s.slots, lease.Directory)
	}
	return nil
}

func (s *MemoryStore) SlotExpireSweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for dir, lease := range s.slots {
		if lease.Expired(now) {
			delete(s.slots, dir)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FailureLatch(ctx context.Context, orchestrationID, invocationID string) (*domain.FailureToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.failures[orchestrationID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	tok := &domain.FailureToken{OrchestrationID: orchestrationID, FirstFailureAt: time.Now(), FailedInvocationID: invocationID}
	s.failures[orchestrationID] = tok
	cp := *tok
	return &cp, true, nil
}
