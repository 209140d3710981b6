// Package pathlock implements the process-wide mutual exclusion over
// (mirror, relative-path) pairs that is the sole mechanism preventing the
// full-sweep worker and the live change follower from racing on the same
// file.
package pathlock

import (
	"context"
	"sync"
	"time"
)

const backoff = 25 * time.Millisecond

type key struct {
	mirror string
	rel    string
}

// Table is a process-scoped registry of held (mirror, relative-path) locks.
// A single Table instance is meant to be constructed once and shared by
// every reconciler (mirror worker and change follower alike) within the
// engine; there is no hidden global state.
type Table struct {
	mu   sync.Mutex
	held map[key]struct{}
}

// New returns an empty, ready-to-use Table.
func New() *Table {
	return &Table{held: make(map[key]struct{})}
}

// TryAcquire attempts to atomically claim (mirror, rel). It returns true on
// success; false if another reconcile already holds it.
func (t *Table) TryAcquire(mirror, rel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{mirror, rel}
	if _, busy := t.held[k]; busy {
		return false
	}

	t.held[k] = struct{}{}

	return true
}

// WaitAcquire loops TryAcquire with a short backoff until it succeeds or ctx
// is canceled, in which case it returns false.
func (t *Table) WaitAcquire(ctx context.Context, mirror, rel string) bool {
	if t.TryAcquire(mirror, rel) {
		return true
	}

	ticker := time.NewTicker(backoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if t.TryAcquire(mirror, rel) {
				return true
			}
		}
	}
}

// Release frees a previously acquired (mirror, rel) pair. Releasing a pair
// that is not held is a no-op.
func (t *Table) Release(mirror, rel string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.held, key{mirror, rel})
}

// Held reports whether (mirror, rel) is currently locked. Intended for tests
// exercising the mutual-exclusion invariant.
func (t *Table) Held(mirror, rel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, busy := t.held[key{mirror, rel}]

	return busy
}
