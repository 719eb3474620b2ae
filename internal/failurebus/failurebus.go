// Package failurebus implements the cross-process first-failure latch
// an orchestration's fan-out group subscribes to for cooperative
// cancellation. It generalizes the teacher's RedisNotifier
// (internal/queue/redis_notifier.go): the same PUBLISH/SUBSCRIBE
// broadcast shape, but carrying a durable SETNX-guarded payload
// instead of a bare wakeup signal, since a sibling that subscribes
// after the latch already fired still needs to observe it.
package failurebus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/store"
)

// Bus is the cross-process first-failure signal contract (spec §4.7):
// latch is first-writer-wins, observe reads the current token (if
// any), Subscribe wakes local waiters cooperatively, and Reap drops
// the latch once the owning orchestration ends.
type Bus interface {
	Latch(ctx context.Context, orchestrationID string, token domain.FailureToken) (won bool, err error)
	Observe(ctx context.Context, orchestrationID string) (*domain.FailureToken, bool, error)
	// Subscribe returns a channel that receives one value after Latch
	// first succeeds for orchestrationID. Callers must not block the
	// channel; it is closed on Reap.
	Subscribe(orchestrationID string) <-chan struct{}
	Reap(ctx context.Context, orchestrationID string) error
}

const redisKeyPrefix = "hookd:failure:latch:"
const redisChannelPrefix = "hookd:failure:notify:"

// latchTTL bounds how long a latch can outlive its orchestration if
// Reap is never called (e.g. the daemon crashes mid-orchestration).
const latchTTL = 24 * time.Hour

// RedisBus is the durable cross-process Bus backed by Redis SETNX for
// the latch and Pub/Sub for waking local subscribers, mirroring the
// teacher's RedisNotifier topology one-for-one.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// NewRedisBus returns a Bus backed by client.
func NewRedisBus(client *redis.Client) *RedisBus {
	b := &RedisBus{client: client, subs: make(map[string][]chan struct{})}
	return b
}

func (b *RedisBus) Latch(ctx context.Context, orchestrationID string, token domain.FailureToken) (bool, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return false, err
	}
	won, err := b.client.SetNX(ctx, redisKeyPrefix+orchestrationID, raw, latchTTL).Result()
	if err != nil {
		return false, err
	}
	if won {
		_ = b.client.Publish(ctx, redisChannelPrefix+orchestrationID, string(raw)).Err()
	}
	return won, nil
}

func (b *RedisBus) Observe(ctx context.Context, orchestrationID string) (*domain.FailureToken, bool, error) {
	raw, err := b.client.Get(ctx, redisKeyPrefix+orchestrationID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var token domain.FailureToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, false, err
	}
	return &token, true, nil
}

// Subscribe starts a background Redis Pub/Sub listener scoped to
// orchestrationID and returns a locally-fanned-out channel, the same
// per-topic fan-out RedisNotifier.Subscribe performs.
func (b *RedisBus) Subscribe(orchestrationID string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.subs[orchestrationID] = append(b.subs[orchestrationID], ch)
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, redisChannelPrefix+orchestrationID)

	go func() {
		defer cancel()
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for range msgCh {
			select {
			case ch <- struct{}{}:
			default:
			}
			return
		}
	}()

	return ch
}

func (b *RedisBus) Reap(ctx context.Context, orchestrationID string) error {
	b.mu.Lock()
	for _, ch := range b.subs[orchestrationID] {
		close(ch)
	}
	delete(b.subs, orchestrationID)
	b.mu.Unlock()

	return b.client.Del(ctx, redisKeyPrefix+orchestrationID, redisChannelPrefix+orchestrationID).Err()
}

// StoreBus is the embedded-mode Bus: it delegates the durable latch to
// Store.FailureLatch (already a first-writer-wins atomic operation per
// store's own backend) and fans out wakeups to local subscribers only,
// since embedded mode is single-process by definition.
//
// Store.FailureLatch has no side-effect-free peek: every call either
// wins the latch or returns the existing winner's token. Observe must
// never itself attempt to win, so StoreBus mirrors every Latch
// outcome (won or lost) into a local cache and serves Observe from
// that cache instead of calling through to the store. The cache is
// lost across a process restart, same as any other embedded-mode
// in-memory state; a restarted orchestration starts its failure
// tracking clean.
type StoreBus struct {
	store store.Store

	mu    sync.Mutex
	subs  map[string][]chan struct{}
	cache map[string]*domain.FailureToken
}

// NewStoreBus returns a Bus backed by s, for single-process/embedded
// deployments with no Redis available.
func NewStoreBus(s store.Store) *StoreBus {
	return &StoreBus{store: s, subs: make(map[string][]chan struct{}), cache: make(map[string]*domain.FailureToken)}
}

func (b *StoreBus) Latch(ctx context.Context, orchestrationID string, token domain.FailureToken) (bool, error) {
	authoritative, won, err := b.store.FailureLatch(ctx, orchestrationID, token.FailedInvocationID)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	b.cache[orchestrationID] = authoritative
	if won {
		for _, ch := range b.subs[orchestrationID] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	b.mu.Unlock()

	return won, nil
}

func (b *StoreBus) Observe(ctx context.Context, orchestrationID string) (*domain.FailureToken, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	token, ok := b.cache[orchestrationID]
	if !ok {
		return nil, false, nil
	}
	cp := *token
	return &cp, true, nil
}

func (b *StoreBus) Subscribe(orchestrationID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[orchestrationID] = append(b.subs[orchestrationID], ch)
	b.mu.Unlock()
	return ch
}

func (b *StoreBus) Reap(ctx context.Context, orchestrationID string) error {
	b.mu.Lock()
	for _, ch := range b.subs[orchestrationID] {
		close(ch)
	}
	delete(b.subs, orchestrationID)
	delete(b.cache, orchestrationID)
	b.mu.Unlock()
	return nil
}
