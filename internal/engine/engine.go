// Package engine implements the profile engine: the top-level lifecycle
// object that, per profile, composes one mirror worker per mirror path, a
// single change follower on the ground path, and a snapshot scheduler loop,
// sharing one path lock table across all of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/watchback/watchback/internal/follower"
	"github.com/watchback/watchback/internal/idreg"
	"github.com/watchback/watchback/internal/mirrorsync"
	"github.com/watchback/watchback/internal/objstore"
	"github.com/watchback/watchback/internal/pathlock"
	"github.com/watchback/watchback/internal/profileconf"
	"github.com/watchback/watchback/internal/scheduler"
	"github.com/watchback/watchback/internal/snapstore"
)

const (
	workerJoinTimeout    = 5 * time.Second
	followerJoinTimeout  = 3 * time.Second
	schedulerJoinTimeout = 3 * time.Second
)

var ErrAlreadyRunning = errors.New("profile is already running")

// Callbacks are the events an Engine publishes for a running profile,
// addressed by mirror path where applicable.
type Callbacks struct {
	Status         func(mirrorPath, status string)
	Progress       func(mirrorPath string, percent int)
	SnapshotCommit func(mirrorPath, ts string)
	SnapshotStatus func(text string)
	Error          func(mirrorPath string, err error)
}

// PersistLastSnapshotTime is invoked whenever a profile's monotonic
// last-snapshot-time setter advances, so the caller can write it back to the
// profile document on disk.
type PersistLastSnapshotTime func(profileName string, ts time.Time)

// Engine owns the running state of every profile it has been asked to
// start, and the process-wide path lock table all of their reconcilers
// share.
type Engine struct {
	fsys  afero.Fs
	locks *pathlock.Table
	ids   *idreg.Registry

	persist PersistLastSnapshotTime

	followerOpts []follower.Option

	mu       sync.Mutex
	profiles map[string]*runningProfile
}

// New constructs an Engine operating against fsys. persist, if non-nil, is
// called whenever a profile's cached last-snapshot time advances.
// followerOpts is normally empty in production; tests may pass
// follower.WithWatcher to avoid touching the real filesystem.
func New(fsys afero.Fs, persist PersistLastSnapshotTime, followerOpts ...follower.Option) *Engine {
	return &Engine{
		fsys:         fsys,
		locks:        pathlock.New(),
		ids:          idreg.New(),
		persist:      persist,
		followerOpts: followerOpts,
		profiles:     make(map[string]*runningProfile),
	}
}

type runningProfile struct {
	workers  []*mirrorsync.Worker
	follower *follower.Follower
	sched    *scheduler.Loop

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start validates the profile, performs an initial full sweep of every
// mirror, then launches the change follower and the snapshot scheduler
// loop. It returns once the initial sweep has completed.
func (e *Engine) Start(ctx context.Context, p *profileconf.Profile, cb Callbacks) error {
	if err := p.Validate(e.fsys); err != nil {
		return fmt.Errorf("failed to validate profile: %q (%w)", p.Name, err)
	}

	e.mu.Lock()
	if _, exists := e.profiles[p.Name]; exists {
		e.mu.Unlock()

		return fmt.Errorf("%w: %q", ErrAlreadyRunning, p.Name)
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	rp := &runningProfile{cancel: cancel}

	ground := p.Ground()
	mirrors := p.Mirrors()

	workers := make([]*mirrorsync.Worker, 0, len(mirrors))
	targets := make([]scheduler.Target, 0, len(mirrors))
	followerWorkers := make([]follower.Worker, 0, len(mirrors))
	snaps := make([]*snapstore.Store, 0, len(mirrors))

	for _, mirror := range mirrors {
		w := mirrorsync.New(e.fsys, e.locks, ground, mirror)
		workers = append(workers, w)
		followerWorkers = append(followerWorkers, w)

		objs := objstore.New(e.fsys, mirror)
		snap := snapstore.New(e.fsys, mirror, objs)
		snaps = append(snaps, snap)

		targets = append(targets, scheduler.Target{
			Fsys:             e.fsys,
			MirrorPath:       mirror,
			Snapshotter:      snap,
			RetentionSeconds: p.RetentionSeconds,
		})
	}

	rp.workers = workers

	if err := e.runInitialSweep(runCtx, p, workers, cb); err != nil {
		cancel()

		return err
	}

	// Seed the cached last-snapshot time with the profile's persisted value,
	// then raise it through the loop's monotonic setter to the newest on-disk
	// snapshot across every mirror (the initial sweep above may have just
	// committed one), so that an advance also reaches the persist hook.
	// Leaving it nil when an on-disk snapshot already matches the
	// just-reconciled tree makes nextBoundary() treat "now" as the last
	// snapshot and the loop spins at zero delay forever, since MaybeCommit
	// keeps suppressing an unchanged tree without ever calling
	// SetLastSnapshotTime.
	var initial *time.Time

	if p.LastSnapshotTime != nil {
		t := time.Unix(int64(*p.LastSnapshotTime), 0).UTC()
		initial = &t
	}

	onPersist := func(ts time.Time) {
		if e.persist != nil {
			e.persist(p.Name, ts)
		}
	}

	rp.sched = scheduler.New(targets, time.Duration(p.SnapshotInterval)*time.Second, initial, onPersist)

	for _, snap := range snaps {
		ts, ok, err := snap.Newest()
		if err != nil {
			cancel()

			return fmt.Errorf("failed to read newest snapshot: %w", err)
		}

		if ok {
			rp.sched.SetLastSnapshotTime(ts)
		}
	}

	rp.wg.Add(1)

	go func() {
		defer rp.wg.Done()
		rp.sched.Run(runCtx, scheduler.Callbacks{
			SnapshotCommitted: cb.SnapshotCommit,
			SnapshotStatus:    cb.SnapshotStatus,
			RetentionError:    cb.Error,
		})
	}()

	rp.sched.Nudge()

	followerOnError := func(mirrorPath string, err error) {
		if cb.Error != nil {
			cb.Error(mirrorPath, err)
		}
	}

	fw := follower.New(ground, followerWorkers, followerOnError, e.followerOpts...)
	if err := fw.Start(runCtx); err != nil {
		rp.sched.Stop()
		cancel()

		return fmt.Errorf("failed to start follower: %q (%w)", ground, err)
	}

	rp.follower = fw

	e.mu.Lock()
	e.profiles[p.Name] = rp
	e.mu.Unlock()

	for _, mirror := range mirrors {
		if cb.Status != nil {
			cb.Status(mirror, string(mirrorsync.StatusSynced))
		}
	}

	return nil
}

// runInitialSweep runs one full sweep per mirror concurrently, registering
// each in-flight worker under an explicit ID so the finished-handler below
// can look the worker back up by ID rather than via a closure capturing it
// directly — avoiding the cyclic worker<->callback references the original
// Qt client carried.
func (e *Engine) runInitialSweep(ctx context.Context, p *profileconf.Profile, workers []*mirrorsync.Worker, cb Callbacks) error {
	opts := mirrorsync.Options{
		CreateSnapshot:   true,
		RetentionSeconds: p.RetentionSeconds,
	}

	workerCb := mirrorsync.Callbacks{
		Status:         cb.Status,
		Progress:       cb.Progress,
		SnapshotCommit: cb.SnapshotCommit,
		Error:          cb.Error,
	}

	if workerCb.Status == nil {
		workerCb.Status = func(string, string) {}
	}

	if workerCb.Progress == nil {
		workerCb.Progress = func(string, int) {}
	}

	type finished struct {
		id  uuid.UUID
		err error
	}

	results := make(chan finished, len(workers))

	for _, w := range workers {
		id := e.ids.Register(w)

		go func(id uuid.UUID, w *mirrorsync.Worker) {
			results <- finished{id: id, err: w.Run(ctx, opts, workerCb)}
		}(id, w)
	}

	var firstErr error

	for range workers {
		f := <-results

		e.ids.Forget(f.id)

		if f.err != nil && firstErr == nil {
			firstErr = f.err
		}
	}

	return firstErr
}

// Stop halts the named profile's follower, scheduler loop, and any
// in-flight worker sweeps, waiting up to a bounded timeout for each before
// moving on. Go's cooperative cancellation cannot force-terminate a
// goroutine still blocked on I/O; Stop cancels the shared context and waits,
// accepting that a worker stuck past its timeout will still finish writing
// in the background even though Stop has returned.
func (e *Engine) Stop(name string) {
	e.mu.Lock()
	rp, ok := e.profiles[name]
	if ok {
		delete(e.profiles, name)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	if rp.follower != nil {
		stopped := make(chan struct{})

		go func() {
			rp.follower.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(followerJoinTimeout):
		}
	}

	if rp.sched != nil {
		stopped := make(chan struct{})

		go func() {
			rp.sched.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(schedulerJoinTimeout):
		}
	}

	rp.cancel()

	done := make(chan struct{})

	go func() {
		rp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(workerJoinTimeout):
	}
}

// Running reports whether a profile is currently started.
func (e *Engine) Running(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.profiles[name]

	return ok
}
