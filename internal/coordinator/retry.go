package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// transientMaxTries is the small bound §7's Transient policy calls
// for ("retries with exponential backoff up to a small bound, then
// escalates") — a handful of attempts over at most a couple of
// seconds, not an open-ended retry loop.
const transientMaxTries = 3

// withRetry runs op with bounded exponential backoff for transient
// Store/cache I/O errors, then escalates (returns the last error) per
// spec §7. Wrap a non-retryable error in backoff.Permanent to escalate
// immediately instead of burning the retry budget.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(ctx, func() (T, error) {
		return op()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(transientMaxTries))
}
