package pathlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A second TryAcquire on an already-held pair must fail.
func Test_Unit_TryAcquire_MutualExclusion(t *testing.T) {
	t.Parallel()

	table := New()

	require.True(t, table.TryAcquire("/mirror", "a.txt"))
	require.False(t, table.TryAcquire("/mirror", "a.txt"))

	table.Release("/mirror", "a.txt")
	require.True(t, table.TryAcquire("/mirror", "a.txt"))
}

// Locks are scoped per (mirror, rel); the same rel under a different mirror
// is independent.
func Test_Unit_TryAcquire_ScopedPerMirror(t *testing.T) {
	t.Parallel()

	table := New()

	require.True(t, table.TryAcquire("/mirror-a", "a.txt"))
	require.True(t, table.TryAcquire("/mirror-b", "a.txt"))
}

// WaitAcquire must block until the holder releases, then succeed.
func Test_Unit_WaitAcquire_BlocksUntilReleased(t *testing.T) {
	t.Parallel()

	table := New()
	require.True(t, table.TryAcquire("/mirror", "a.txt"))

	done := make(chan bool, 1)

	go func() {
		ctx := context.Background()
		done <- table.WaitAcquire(ctx, "/mirror", "a.txt")
	}()

	time.Sleep(50 * time.Millisecond)
	table.Release("/mirror", "a.txt")

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAcquire did not return after release")
	}
}

// WaitAcquire must return false promptly when its context is canceled.
func Test_Unit_WaitAcquire_CancelReturnsFalse(t *testing.T) {
	t.Parallel()

	table := New()
	require.True(t, table.TryAcquire("/mirror", "a.txt"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.False(t, table.WaitAcquire(ctx, "/mirror", "a.txt"))
}

// Under concurrent contention, at most one goroutine may hold the lock at
// any instant.
func Test_Unit_Table_ConcurrentContention_AtMostOneHolder(t *testing.T) {
	t.Parallel()

	table := New()

	var active int32
	var violations int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if !table.WaitAcquire(ctx, "/mirror", "a.txt") {
				return
			}
			defer table.Release("/mirror", "a.txt")

			if atomic.AddInt32(&active, 1) > 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}

	wg.Wait()
	require.Zero(t, violations)
}
