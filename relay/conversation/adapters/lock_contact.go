package adapters

import (
	"context"
	"sync"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

// ContactLock hands out one lease per key at a time. Waiters block until the
// holder releases or their context ends. Leases are process-local.
type ContactLock struct {
	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	ch      chan struct{} // capacity 1; holding the slot = holding the lease
	waiters int
}

func NewContactLock() *ContactLock {
	return &ContactLock{leases: make(map[string]*lease)}
}

// Acquire blocks until the lease for key is free.
func (l *ContactLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ls, ok := l.leases[key]
	if !ok {
		ls = &lease{ch: make(chan struct{}, 1)}
		l.leases[key] = ls
	}
	ls.waiters++
	l.mu.Unlock()

	select {
	case ls.ch <- struct{}{}:
	case <-ctx.Done():
		l.done(key, ls)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ls.ch
			l.done(key, ls)
		})
	}, nil
}

// done drops the entry once nobody holds or waits for it.
func (l *ContactLock) done(key string, ls *lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls.waiters--
	if ls.waiters == 0 {
		delete(l.leases, key)
	}
}

// Held reports how many keys currently have a holder or waiter.
func (l *ContactLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leases)
}

// Ensure ContactLock implements the RateLimiter interface.
var _ ports.RateLimiter = (*ContactLock)(nil)
