package conversationports

import "context"

// RateLimiter gates work per key. Implementations either block until the key
// is free (leases) or fail fast once a budget is spent (token buckets).
// release must be called exactly once after a successful Acquire.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
