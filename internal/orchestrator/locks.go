package orchestrator

import (
	"context"
	"sync"
)

// keyedLocks is a per-campaign mutex. Each campaign gets a one-slot channel so
// callers can either give up immediately or wait with a context.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]chan struct{})}
}

func (k *keyedLocks) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

// TryLock returns a release func when the key was free.
func (k *keyedLocks) TryLock(key string) (func(), bool) {
	ch := k.slot(key)
	select {
	case ch <- struct{}{}:
		return releaser(ch), true
	default:
		return nil, false
	}
}

// Lock waits for the key or for ctx to end.
func (k *keyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.slot(key)
	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
