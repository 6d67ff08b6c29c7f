package whatsapp

import (
	"context"
	"sync"
)

// keyedLocks serializes mutations per session id with a FIFO wait
// queue. Create, cleanup, and reconnect all funnel through Acquire for
// the same id; operations on different ids proceed independently.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]bool
	// FIFO queue of waiters per key. The head is woken on release.
	queues map[string][]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		held:   make(map[string]bool),
		queues: make(map[string][]chan struct{}),
	}
}

// Acquire blocks until the lock for key is held or ctx is done. The
// returned release must be called exactly once.
func (k *keyedLocks) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if !k.held[key] {
		k.held[key] = true
		k.mu.Unlock()
		return func() { k.release(key) }, nil
	}

	wait := make(chan struct{})
	k.queues[key] = append(k.queues[key], wait)
	k.mu.Unlock()

	select {
	case <-wait:
		return func() { k.release(key) }, nil
	case <-ctx.Done():
		k.abandon(key, wait)
		return nil, ctx.Err()
	}
}

// release wakes the next FIFO waiter or frees the key.
func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	queue := k.queues[key]
	if len(queue) == 0 {
		delete(k.held, key)
		delete(k.queues, key)
		return
	}
	next := queue[0]
	k.queues[key] = queue[1:]
	close(next) // hand the lock to the next waiter
}

// abandon removes a waiter whose context expired. If the waiter was
// signalled concurrently, the lock is passed on instead of leaked.
func (k *keyedLocks) abandon(key string, wait chan struct{}) {
	k.mu.Lock()
	queue := k.queues[key]
	for i, w := range queue {
		if w == wait {
			k.queues[key] = append(queue[:i:i], queue[i+1:]...)
			k.mu.Unlock()
			return
		}
	}
	k.mu.Unlock()
	// Not found in the queue: release already handed us the lock.
	k.release(key)
}
