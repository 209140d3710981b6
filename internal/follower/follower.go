// Package follower implements the change follower: a recursive filesystem
// watch on a profile's ground tree that coalesces bursts of events into a
// single reconcile per settled relative path.
package follower

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

// debounce is the quiet period an event must go unrepeated for before its
// relative path is dispatched for reconciliation, matching the wait the
// original GUI client used to absorb editor save bursts and rename pairs.
const debounce = 200 * time.Millisecond

// Worker is the subset of mirrorsync.Worker the follower depends on,
// satisfied by *mirrorsync.Worker; narrowed to ease testing without a real
// notify watch.
type Worker interface {
	SyncPath(ctx context.Context, rel string) error
	MirrorPath() string
}

// Watcher abstracts the recursive OS watch so the debounce/dispatch logic
// can be exercised without touching a real directory tree. realWatcher is
// the production implementation, backed by rjeczalik/notify.
type Watcher interface {
	Watch(path string, c chan<- notify.EventInfo, events ...notify.Event) error
	Stop(c chan<- notify.EventInfo)
}

type realWatcher struct{}

func (realWatcher) Watch(path string, c chan<- notify.EventInfo, events ...notify.Event) error {
	return notify.Watch(path, c, events...)
}

func (realWatcher) Stop(c chan<- notify.EventInfo) {
	notify.Stop(c)
}

// Option configures a Follower at construction time.
type Option func(*Follower)

// WithWatcher overrides the watch backend, normally only used by tests to
// substitute a fake that never touches the real filesystem.
func WithWatcher(w Watcher) Option {
	return func(f *Follower) { f.watcher = w }
}

// Follower watches a ground directory tree and dispatches a Worker.SyncPath
// call for every relative path that settles after a burst of filesystem
// events.
type Follower struct {
	ground  string
	workers []Worker
	watcher Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	events chan notify.EventInfo
	stop   chan struct{}
	done   chan struct{}

	onError func(mirrorPath string, err error)
}

// New constructs a Follower over ground, dispatching settled paths to every
// given worker (one worker per mirror the profile replicates to). onError,
// if non-nil, is called for every per-file reconcile error a worker returns,
// so the caller can log it; a per-file error is otherwise caught and the
// reconcile of that one file is skipped, never propagated further.
func New(ground string, workers []Worker, onError func(mirrorPath string, err error), opts ...Option) *Follower {
	f := &Follower{
		ground:  ground,
		workers: workers,
		watcher: realWatcher{},
		pending: make(map[string]*time.Timer),
		events:  make(chan notify.EventInfo, 1024),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Start begins watching the ground tree recursively and returns once the
// watch is registered. Call Stop to tear it down.
func (f *Follower) Start(ctx context.Context) error {
	recursivePath := filepath.Join(f.ground, "...")

	if err := f.watcher.Watch(recursivePath, f.events, notify.All); err != nil {
		return err
	}

	go f.loop(ctx)

	return nil
}

// Stop halts the watch and waits for its goroutine to exit.
func (f *Follower) Stop() {
	close(f.stop)
	<-f.done

	f.watcher.Stop(f.events)
}

func (f *Follower) loop(ctx context.Context) {
	defer close(f.done)

	for {
		select {
		case <-f.stop:
			f.flushAll()

			return
		case <-ctx.Done():
			f.flushAll()

			return
		case ev := <-f.events:
			f.schedule(ctx, ev.Path())
		}
	}
}

// schedule (re)arms the debounce timer for the relative path derived from an
// absolute event path. Each new event for the same path resets the timer,
// so only a settled burst produces a dispatch.
func (f *Follower) schedule(ctx context.Context, absPath string) {
	rel, err := filepath.Rel(f.ground, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	rel = filepath.ToSlash(rel)

	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.pending[rel]; ok {
		t.Stop()
	}

	f.pending[rel] = time.AfterFunc(debounce, func() {
		f.mu.Lock()
		delete(f.pending, rel)
		f.mu.Unlock()

		f.dispatch(ctx, rel)
	})
}

// dispatch does not special-case a directory's own modified event; it
// reaches SyncPath like any other settled path, which just re-MkdirAlls an
// already-present directory. Harmless, so not worth filtering out here.
func (f *Follower) dispatch(ctx context.Context, rel string) {
	for _, w := range f.workers {
		if err := w.SyncPath(ctx, rel); err != nil && f.onError != nil {
			f.onError(w.MirrorPath(), fmt.Errorf("failed to sync: %q (%w)", rel, err))
		}
	}
}

// flushAll cancels any timers still pending at shutdown; their events are
// dropped rather than forced through, matching the original client's
// behavior of abandoning in-flight debounces on stop.
func (f *Follower) flushAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for rel, t := range f.pending {
		t.Stop()
		delete(f.pending, rel)
	}
}
