// Package syncutil holds small locking helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultStripes is the stripe count used by NewKeyLock when n <= 0.
const DefaultStripes = 64

// KeyLock serialises work per string key using a bounded set of stripes.
// Distinct keys may share a stripe. Waiting honours context cancellation.
type KeyLock struct {
	stripes []chan struct{}
}

// NewKeyLock returns a KeyLock with n stripes.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultStripes
	}
	l := &KeyLock{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until key's stripe is free or ctx is done. On success the
// returned func releases the stripe and must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := l.stripes[l.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's stripe only if it is free right now.
func (l *KeyLock) TryLock(key string) (func(), bool) {
	ch := l.stripes[l.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (l *KeyLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.stripes)))
}
