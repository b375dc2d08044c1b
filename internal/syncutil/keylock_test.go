package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock(8)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "ws_1")
			if !assert.NoError(t, err) {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLock_ContextDeadline(t *testing.T) {
	l := NewKeyLock(0)
	unlock, err := l.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_CancelledBeforeLock(t *testing.T) {
	l := NewKeyLock(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Lock(ctx, "free")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyLock_TryLock(t *testing.T) {
	l := NewKeyLock(1)
	unlock, ok := l.TryLock("a")
	require.True(t, ok)

	_, ok = l.TryLock("b")
	assert.False(t, ok, "single stripe is shared by every key")

	unlock()
	unlock, ok = l.TryLock("b")
	require.True(t, ok)
	unlock()
}

func TestKeyLock_UnlockHandsOver(t *testing.T) {
	l := NewKeyLock(4)
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second waiter acquired before release")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second waiter never acquired")
	}
}
