package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(capacity int, wait time.Duration) *Registry {
	return New(Config{Capacity: capacity, WaitTimeout: wait, StaleAfter: 30 * time.Minute})
}

func TestAcquireRequiresUser(t *testing.T) {
	r := newTestRegistry(1, time.Second)
	_, err := r.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
	assert.Equal(t, 0, r.Count())
}

func TestAcquireUpToCapacity(t *testing.T) {
	r := newTestRegistry(3, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := r.Acquire(context.Background(), "user-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 3, r.UserConnectionCount("user-1"))

	start := time.Now()
	_, err := r.Acquire(context.Background(), "user-2")
	assert.ErrorIs(t, err, types.ErrAdmissionRejected)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 3, r.Count())
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	r := newTestRegistry(1, time.Second)

	first, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Release(first)
	}()

	second, err := r.Acquire(context.Background(), "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, r.Count())
}

func TestAcquireHonorsCallerContext(t *testing.T) {
	r := newTestRegistry(1, time.Second)
	_, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Acquire(ctx, "user-2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReleaseExactlyOnce(t *testing.T) {
	r := newTestRegistry(2, 20*time.Millisecond)

	var hookCalls, closerCalls atomic.Int32
	r.OnRelease(func(conn *types.Connection) { hookCalls.Add(1) })

	conn, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	conn.SetCloser(func() { closerCalls.Add(1) })

	var wg sync.WaitGroup
	var released atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Release(conn) {
				released.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), released.Load())
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, int32(1), closerCalls.Load())
	assert.True(t, conn.Closed())

	// Double release must not inflate capacity beyond 2
	_, err = r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "b")
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "c")
	assert.ErrorIs(t, err, types.ErrAdmissionRejected)
}

func TestReleaseHookPanicIsContained(t *testing.T) {
	r := newTestRegistry(1, 20*time.Millisecond)
	r.OnRelease(func(conn *types.Connection) { panic("boom") })

	var later atomic.Bool
	r.OnRelease(func(conn *types.Connection) { later.Store(true) })

	conn, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	assert.NotPanics(t, func() { r.Release(conn) })
	assert.True(t, later.Load())

	_, err = r.Acquire(context.Background(), "user-2")
	assert.NoError(t, err)
}

func TestUserGoneRunsOnLastConnection(t *testing.T) {
	r := newTestRegistry(3, 20*time.Millisecond)

	var mu sync.Mutex
	var gone []string
	r.OnUserGone(func(userID string) {
		mu.Lock()
		gone = append(gone, userID)
		mu.Unlock()
	})

	first, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	second, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)

	r.Release(first)
	mu.Lock()
	assert.Empty(t, gone)
	mu.Unlock()

	r.Release(second)
	r.Release(second)
	mu.Lock()
	assert.Equal(t, []string{"user-1"}, gone)
	mu.Unlock()
}

func TestUserGoneBlocksAdmissionUntilDone(t *testing.T) {
	r := newTestRegistry(2, time.Second)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	r.OnUserGone(func(userID string) {
		close(entered)
		<-unblock
	})

	conn, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	go r.Release(conn)
	<-entered

	var admitted atomic.Bool
	go func() {
		if _, err := r.Acquire(context.Background(), "user-1"); err == nil {
			admitted.Store(true)
		}
	}()

	assert.Never(t, admitted.Load, 100*time.Millisecond, 10*time.Millisecond)
	close(unblock)
	assert.Eventually(t, admitted.Load, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.UserConnectionCount("user-1"))
}

func TestServeReleasesOnError(t *testing.T) {
	r := newTestRegistry(1, 20*time.Millisecond)
	boom := errors.New("handler failed")

	err := r.Serve(context.Background(), "user-1", func(ctx context.Context, conn *types.Connection) error {
		assert.Equal(t, 1, r.Count())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Count())
}

func TestServeReleasesOnPanic(t *testing.T) {
	r := newTestRegistry(1, 20*time.Millisecond)

	assert.Panics(t, func() {
		_ = r.Serve(context.Background(), "user-1", func(ctx context.Context, conn *types.Connection) error {
			panic("handler crashed")
		})
	})
	assert.Equal(t, 0, r.Count())

	_, err := r.Acquire(context.Background(), "user-2")
	assert.NoError(t, err)
}

func TestNeverExceedsCapacity(t *testing.T) {
	const capacity = 5
	r := newTestRegistry(capacity, 200*time.Millisecond)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Serve(context.Background(), "user", func(ctx context.Context, conn *types.Connection) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(capacity))
	assert.Equal(t, 0, r.Count())
}

func TestSweepReleasesStaleConnections(t *testing.T) {
	r := newTestRegistry(4, 20*time.Millisecond)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	stale, err := r.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	fresh, err := r.Acquire(context.Background(), "user-2")
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(25 * time.Minute) }
	r.Touch(fresh)

	swept := r.Sweep(base.Add(31 * time.Minute))
	assert.Equal(t, 1, swept)
	assert.True(t, stale.Closed())
	assert.False(t, fresh.Closed())

	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 0, r.UserConnectionCount("user-1"))
}

func TestStartStopsOnCancel(t *testing.T) {
	r := New(Config{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}
