// Package scheduler implements the snapshot scheduler (a long-lived loop
// that wakes on wall-clock interval boundaries, commits a snapshot per
// mirror, and runs retention) and the retention/garbage-collection pass
// itself, which is also invoked directly by the mirror worker after its
// initial sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/watchback/watchback/internal/objstore"
	"github.com/watchback/watchback/internal/snapstore"
	"github.com/watchback/watchback/internal/versionstore"
)

// Retain runs one retention/GC pass against a single mirror: expired
// snapshots and version records older than the cutoff are deleted, then any
// object no longer referenced by a remaining snapshot or version is
// garbage-collected. It is best-effort: individual deletion failures are
// swallowed rather than aborting the pass, so it stays idempotent and safe
// to retry on the next interval. onError, if non-nil, is called once per
// swallowed error so the caller can log it; passing nil discards them, same
// as before this parameter existed.
func Retain(fsys afero.Fs, mirrorRoot string, retentionSeconds int, onError func(error)) error {
	result := RetainWithErrors(fsys, mirrorRoot, retentionSeconds, time.Now())

	if onError != nil {
		for _, err := range result.Errors {
			onError(err)
		}
	}

	return nil
}

// RetainResult reports what a retention pass did, including any per-item
// errors it chose to swallow rather than abort on.
type RetainResult struct {
	SnapshotsRemoved int
	VersionsRemoved  int
	ObjectsRemoved   int
	Errors           []error
}

// RetainWithErrors is the detailed form of Retain, returning counts and any
// swallowed per-item errors for callers (the scheduler loop, the mirror
// worker) that want to log them.
func RetainWithErrors(fsys afero.Fs, mirrorRoot string, retentionSeconds int, now time.Time) RetainResult {
	var result RetainResult

	cutoff := now.Add(-time.Duration(retentionSeconds) * time.Second)

	snaps := snapstore.New(fsys, mirrorRoot, objstore.New(fsys, mirrorRoot))
	vers := versionstore.New(fsys, mirrorRoot, objstore.New(fsys, mirrorRoot))

	removeExpiredSnapshots(snaps, cutoff, &result)
	removeExpiredVersions(vers, cutoff, &result)
	gcObjects(fsys, mirrorRoot, snaps, vers, &result)

	return result
}

func removeExpiredSnapshots(snaps *snapstore.Store, cutoff time.Time, result *RetainResult) {
	names, err := snaps.List()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to list snapshots: %w", err))

		return
	}

	for _, name := range names {
		modTime, err := snaps.ModTime(name)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to stat snapshot: %q (%w)", name, err))

			continue
		}

		if modTime.Before(cutoff) {
			if err := snaps.Remove(name); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("failed to remove snapshot: %q (%w)", name, err))

				continue
			}

			result.SnapshotsRemoved++
		}
	}
}

func removeExpiredVersions(vers *versionstore.Store, cutoff time.Time, result *RetainResult) {
	type target struct{ rel, filename string }

	var stale []target

	if err := vers.WalkAll(func(rel, filename string, _ versionstore.Record) error {
		ts, ok := versionstore.ParseTimestamp(filename)
		if ok && ts.Before(cutoff) {
			stale = append(stale, target{rel, filename})
		}

		return nil
	}); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to walk versions: %w", err))

		return
	}

	for _, t := range stale {
		if err := vers.Remove(t.rel, t.filename); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to remove version: %q/%q (%w)", t.rel, t.filename, err))

			continue
		}

		result.VersionsRemoved++
	}
}

func gcObjects(fsys afero.Fs, mirrorRoot string, snaps *snapstore.Store, vers *versionstore.Store, result *RetainResult) {
	live := make(map[string]struct{})

	names, err := snaps.List()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to list snapshots: %w", err))
	} else {
		for _, name := range names {
			manifest, err := snaps.Load(name)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("failed to load snapshot: %q (%w)", name, err))

				continue
			}

			for _, hash := range manifest.Files {
				live[hash] = struct{}{}
			}
		}
	}

	if err := vers.WalkAll(func(_, _ string, rec versionstore.Record) error {
		live[rec.Hash] = struct{}{}

		return nil
	}); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to walk versions: %w", err))
	}

	objs := objstore.New(fsys, mirrorRoot)

	var toRemove []string

	if err := objs.Walk(func(hash string) error {
		if _, ok := live[hash]; !ok {
			toRemove = append(toRemove, hash)
		}

		return nil
	}); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to walk objects: %w", err))

		return
	}

	for _, hash := range toRemove {
		if err := objs.Unlink(hash); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to unlink object: %q (%w)", hash, err))

			continue
		}

		result.ObjectsRemoved++
	}
}

// MirrorSnapshotter is the subset of snapstore.Store the scheduler loop
// needs, satisfied by *snapstore.Store; factored out so the loop can be
// exercised against fakes in tests without a real afero.Fs round-trip.
type MirrorSnapshotter interface {
	MaybeCommit() (time.Time, bool, error)
}

// Target is one mirror the scheduler loop manages snapshots and retention
// for.
type Target struct {
	Fsys             afero.Fs
	MirrorPath       string
	Snapshotter      MirrorSnapshotter
	RetentionSeconds *int
}

// Callbacks are the events a Loop publishes.
type Callbacks struct {
	SnapshotCommitted func(mirrorPath, ts string)
	SnapshotStatus    func(text string)
	RetentionError    func(mirrorPath string, err error)
}

// Loop is the long-lived per-profile scheduler: it wakes on wall-clock
// multiples of an interval (or an explicit nudge) and asks every mirror to
// commit a snapshot and run retention.
type Loop struct {
	targets  []Target
	interval time.Duration

	nudge chan struct{}
	stop  chan struct{}
	done  chan struct{}

	mu               sync.Mutex
	lastSnapshotTime *time.Time
	onPersist        func(t time.Time)

	now func() time.Time
}

// New constructs a Loop for the given targets and interval. onPersist, if
// non-nil, is invoked whenever the cached last-snapshot time advances, so a
// caller can persist it back to the profile document.
func New(targets []Target, interval time.Duration, initial *time.Time, onPersist func(time.Time)) *Loop {
	return &Loop{
		targets:          targets,
		interval:         interval,
		nudge:            make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		lastSnapshotTime: initial,
		onPersist:        onPersist,
		now:              time.Now,
	}
}

// Nudge requests that the scheduler evaluate a snapshot opportunity
// immediately, rather than waiting for the next interval boundary. Used
// after an initial sweep completes.
func (l *Loop) Nudge() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// SetLastSnapshotTime applies the monotonic setter: a new value is accepted
// only if strictly greater than the cached value. It is exported so the
// engine can seed the loop with the max of the cached profile time and the
// newest on-disk snapshot mtime at start.
func (l *Loop) SetLastSnapshotTime(ts time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastSnapshotTime != nil && !ts.After(*l.lastSnapshotTime) {
		return false
	}

	l.lastSnapshotTime = &ts
	if l.onPersist != nil {
		l.onPersist(ts)
	}

	return true
}

func (l *Loop) snapshotOf() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastSnapshotTime
}

// nextBoundary computes the next wall-clock multiple of interval following
// the cached last-snapshot time, or "now" if there is no cached time yet.
func (l *Loop) nextBoundary() time.Time {
	last := l.snapshotOf()
	now := l.now()

	if last == nil {
		return now
	}

	age := now.Sub(*last)
	periods := int64(age / l.interval)

	return last.Add(time.Duration(periods+1) * l.interval)
}

// Run executes the scheduler loop until Stop is called. It is meant to be
// launched in its own goroutine.
func (l *Loop) Run(ctx context.Context, cb Callbacks) {
	defer close(l.done)

	for {
		boundary := l.nextBoundary()
		wait := time.Until(boundary)

		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)

		select {
		case <-l.stop:
			timer.Stop()

			return
		case <-ctx.Done():
			timer.Stop()

			return
		case <-l.nudge:
			timer.Stop()
		case <-timer.C:
		}

		l.fireOnce(cb)
	}
}

func (l *Loop) fireOnce(cb Callbacks) {
	for _, target := range l.targets {
		ts, committed, err := target.Snapshotter.MaybeCommit()
		if err != nil {
			continue
		}

		if committed {
			if l.SetLastSnapshotTime(ts) && cb.SnapshotCommitted != nil {
				cb.SnapshotCommitted(target.MirrorPath, ts.UTC().Format("2006-01-02_15-04-05"))
			}
		}

		if target.RetentionSeconds != nil {
			result := RetainWithErrors(target.Fsys, target.MirrorPath, *target.RetentionSeconds, l.now())

			if cb.RetentionError != nil {
				for _, err := range result.Errors {
					cb.RetentionError(target.MirrorPath, err)
				}
			}
		}
	}

	if cb.SnapshotStatus != nil {
		cb.SnapshotStatus(l.StatusText())
	}
}

// StatusText renders the human-readable "age (next in ...)" status string.
func (l *Loop) StatusText() string {
	last := l.snapshotOf()
	if last == nil {
		return "Waiting for first snapshot"
	}

	now := l.now()
	age := now.Sub(*last)
	boundary := l.nextBoundary()
	nextIn := boundary.Sub(now)

	ageText := "Just Now"
	if age >= time.Minute {
		ageText = fmtDuration(age) + " ago"
	}

	return fmt.Sprintf("%s (next in %s)", ageText, fmtDuration(nextIn))
}

func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	totalMinutes := int64(d / time.Minute)
	days := totalMinutes / (24 * 60)
	hours := (totalMinutes / 60) % 24
	minutes := totalMinutes % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}

	return fmt.Sprintf("%dm", minutes)
}
