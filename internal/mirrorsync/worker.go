// Package mirrorsync implements the one-shot mirror worker: the full-tree
// initial reconciliation sweep of a single (ground, mirror) pair, plus the
// coarse size/mtime difference predicate shared by the worker and the
// change follower.
package mirrorsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/watchback/watchback/internal/objstore"
	"github.com/watchback/watchback/internal/pathlock"
	"github.com/watchback/watchback/internal/scheduler"
	"github.com/watchback/watchback/internal/snapstore"
	"github.com/watchback/watchback/internal/versionstore"
)

const (
	dirPerm        = 0o777
	mtimeTolerance = 1 // seconds
)

// Status is the per-mirror state string published by the worker.
type Status string

const (
	StatusSyncing Status = "SYNCING"
	StatusSynced  Status = "SYNCED"
)

// ErrorStatus formats the ERROR: <msg> status string for a failed sweep.
func ErrorStatus(err error) string {
	return fmt.Sprintf("ERROR: %s", err)
}

// Callbacks are the events a Worker publishes while running.
type Callbacks struct {
	Status         func(mirrorPath string, status string)
	Progress       func(mirrorPath string, percent int)
	SnapshotCommit func(mirrorPath string, ts string)
	Error          func(mirrorPath string, err error)
}

// Options configures a single Run.
type Options struct {
	CreateSnapshot   bool
	RetentionSeconds *int
}

// Worker performs a full reconciliation sweep for one (ground, mirror) pair.
type Worker struct {
	fsys   afero.Fs
	locks  *pathlock.Table
	ground string
	mirror string

	objs *objstore.Store
	vers *versionstore.Store
	snap *snapstore.Store
}

// New constructs a Worker for the given ground/mirror pair, sharing the
// process-wide path lock table.
func New(fsys afero.Fs, locks *pathlock.Table, ground, mirror string) *Worker {
	objs := objstore.New(fsys, mirror)

	return &Worker{
		fsys:   fsys,
		locks:  locks,
		ground: ground,
		mirror: mirror,
		objs:   objs,
		vers:   versionstore.New(fsys, mirror, objs),
		snap:   snapstore.New(fsys, mirror, objs),
	}
}

func (w *Worker) currentRoot() string {
	return filepath.Join(w.mirror, "current")
}

// MirrorPath returns the mirror root this Worker reconciles into.
func (w *Worker) MirrorPath() string {
	return w.mirror
}

// Differs reports whether dst needs to be re-synced from src: true
// iff dst does not exist, sizes differ, or modification times differ by
// more than the tolerance. It is deliberately coarse, trading occasional
// missed version history (false negative) or redundant copies (false
// positive) for a cheap sweep; content-addressed versioning makes either
// outcome safe.
func Differs(fsys afero.Fs, src, dst string) (bool, error) {
	srcInfo, err := fsys.Stat(src)
	if err != nil {
		return false, fmt.Errorf("failed to stat: %q (%w)", src, err)
	}

	dstInfo, err := fsys.Stat(dst)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat: %q (%w)", dst, err)
	}

	if srcInfo.Size() != dstInfo.Size() {
		return true, nil
	}

	delta := srcInfo.ModTime().Sub(dstInfo.ModTime())
	if delta < 0 {
		delta = -delta
	}

	return delta.Seconds() > mtimeTolerance, nil
}

// Run performs the full sweep: directory scaffolding, per-file
// reconcile-and-version, stale-file retirement, stale-directory pruning,
// and an optional terminal snapshot + retention pass. It honors ctx
// cancellation between file-level iterations.
func (w *Worker) Run(ctx context.Context, opts Options, cb Callbacks) error {
	cb.Status(w.mirror, string(StatusSyncing))

	if err := w.run(ctx, opts, cb); err != nil {
		cb.Status(w.mirror, ErrorStatus(err))

		return err
	}

	cb.Status(w.mirror, string(StatusSynced))

	return nil
}

func (w *Worker) run(ctx context.Context, opts Options, cb Callbacks) error {
	if err := w.fsys.MkdirAll(w.currentRoot(), dirPerm); err != nil {
		return fmt.Errorf("failed to create: %q (%w)", w.currentRoot(), err)
	}

	dirs, files, err := w.scanGround(ctx)
	if err != nil {
		return err
	}

	if err := w.scaffoldDirs(ctx, dirs); err != nil {
		return err
	}

	if err := w.reconcileFiles(ctx, files, cb); err != nil {
		return err
	}

	if err := w.retireStaleFiles(ctx); err != nil {
		return err
	}

	if err := w.pruneStaleDirs(ctx); err != nil {
		return err
	}

	cb.Progress(w.mirror, 100)

	if opts.CreateSnapshot {
		ts, committed, err := w.snap.MaybeCommit()
		if err != nil {
			return fmt.Errorf("failed to commit snapshot: %w", err)
		}

		if committed && cb.SnapshotCommit != nil {
			cb.SnapshotCommit(w.mirror, ts.UTC().Format("2006-01-02_15-04-05"))
		}
	}

	if opts.RetentionSeconds != nil {
		onError := func(err error) {
			if cb.Error != nil {
				cb.Error(w.mirror, fmt.Errorf("retention: %w", err))
			}
		}

		if err := scheduler.Retain(w.fsys, w.mirror, *opts.RetentionSeconds, onError); err != nil {
			return fmt.Errorf("failed to run retention: %w", err)
		}
	}

	return nil
}

func (w *Worker) scanGround(ctx context.Context) (dirs, files []string, retErr error) {
	err := afero.Walk(w.fsys, w.ground, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("canceled: %w", ctxErr)
		}

		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if info.IsDir() {
			dirs = append(dirs, path)

			return nil
		}

		files = append(files, path)

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return dirs, files, nil
}

func (w *Worker) scaffoldDirs(ctx context.Context, dirs []string) error {
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		rel, err := filepath.Rel(w.ground, d)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", d, err)
		}

		if err := w.fsys.MkdirAll(filepath.Join(w.currentRoot(), rel), dirPerm); err != nil {
			return fmt.Errorf("failed to create: %q (%w)", d, err)
		}
	}

	return nil
}

func (w *Worker) reconcileFiles(ctx context.Context, files []string, cb Callbacks) error {
	total := len(files)

	for i, src := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		rel, err := filepath.Rel(w.ground, src)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", src, err)
		}

		dst := filepath.Join(w.currentRoot(), rel)

		if !w.locks.WaitAcquire(ctx, w.mirror, rel) {
			return fmt.Errorf("canceled while waiting for path lock: %q", rel)
		}

		err = w.reconcileOneFile(ctx, rel, src, dst)
		w.locks.Release(w.mirror, rel)

		if err != nil {
			return err
		}

		percent := 99
		if total > 0 {
			if p := (i + 1) * 100 / total; p < percent {
				percent = p
			}
		}

		cb.Progress(w.mirror, percent)
	}

	return nil
}

func (w *Worker) reconcileOneFile(ctx context.Context, rel, src, dst string) error {
	differs, err := Differs(w.fsys, src, dst)
	if err != nil {
		return err
	}

	if !differs {
		return nil
	}

	if exists, err := afero.Exists(w.fsys, dst); err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", dst, err)
	} else if exists {
		if err := w.vers.RecordVersion(filepath.ToSlash(rel), dst); err != nil {
			return fmt.Errorf("failed to record version: %q (%w)", rel, err)
		}
	}

	if err := w.fsys.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("failed to create: %q (%w)", filepath.Dir(dst), err)
	}

	if err := copyPreservingMTime(ctx, w.fsys, src, dst); err != nil {
		return fmt.Errorf("failed to copy: %q -> %q (%w)", src, dst, err)
	}

	return nil
}

// SyncPath reconciles a single relative path against ground: a present
// ground file is versioned-then-copied if it differs from current/, a
// present ground directory is scaffolded, and an absent ground entry is
// retired from current/ (a file is versioned then unlinked, a directory is
// removed outright since directories carry no content of their own to
// preserve). It is the change follower's per-event counterpart to the full
// sweep performed by Run.
func (w *Worker) SyncPath(ctx context.Context, rel string) error {
	rel = filepath.ToSlash(rel)
	src := filepath.Join(w.ground, filepath.FromSlash(rel))
	dst := filepath.Join(w.currentRoot(), filepath.FromSlash(rel))

	if !w.locks.WaitAcquire(ctx, w.mirror, rel) {
		return fmt.Errorf("canceled while waiting for path lock: %q", rel)
	}
	defer w.locks.Release(w.mirror, rel)

	srcInfo, err := w.fsys.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return w.retirePath(dst)
	} else if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", src, err)
	}

	if srcInfo.IsDir() {
		if err := w.fsys.MkdirAll(dst, dirPerm); err != nil {
			return fmt.Errorf("failed to create: %q (%w)", dst, err)
		}

		return nil
	}

	return w.reconcileOneFile(ctx, rel, src, dst)
}

// retirePath removes a current/ entry whose ground counterpart has gone:
// a directory is simply removed, a file is versioned first.
func (w *Worker) retirePath(dst string) error {
	info, err := w.fsys.Stat(dst)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", dst, err)
	}

	if info.IsDir() {
		if err := w.fsys.RemoveAll(dst); err != nil {
			return fmt.Errorf("failed to remove: %q (%w)", dst, err)
		}

		return nil
	}

	rel, err := filepath.Rel(w.currentRoot(), dst)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %q (%w)", dst, err)
	}

	if err := w.vers.RecordVersion(filepath.ToSlash(rel), dst); err != nil {
		return fmt.Errorf("failed to record version: %q (%w)", rel, err)
	}

	if err := w.fsys.Remove(dst); err != nil {
		return fmt.Errorf("failed to remove: %q (%w)", dst, err)
	}

	return nil
}

// retireStaleFiles versions and unlinks any file under current/ whose ground
// counterpart no longer exists. This implementation chooses the
// "gone after reconcile" behavior: the stale file's last content remains
// recoverable through its version record, but the file itself is removed
// from current/ so current/ stays byte-equal to ground.
func (w *Worker) retireStaleFiles(ctx context.Context) error {
	exists, err := afero.DirExists(w.fsys, w.currentRoot())
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", w.currentRoot(), err)
	}

	if !exists {
		return nil
	}

	var stale []string

	if err := afero.Walk(w.fsys, w.currentRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(w.currentRoot(), path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
		}

		if exists, err := afero.Exists(w.fsys, filepath.Join(w.ground, rel)); err != nil {
			return fmt.Errorf("failed to stat: %q (%w)", filepath.Join(w.ground, rel), err)
		} else if !exists {
			stale = append(stale, path)
		}

		return nil
	}); err != nil {
		return err
	}

	for _, path := range stale {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		rel, err := filepath.Rel(w.currentRoot(), path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
		}

		relSlash := filepath.ToSlash(rel)

		if !w.locks.WaitAcquire(ctx, w.mirror, relSlash) {
			return fmt.Errorf("canceled while waiting for path lock: %q", relSlash)
		}

		err = func() error {
			defer w.locks.Release(w.mirror, relSlash)

			if err := w.vers.RecordVersion(relSlash, path); err != nil {
				return fmt.Errorf("failed to record version: %q (%w)", rel, err)
			}

			if err := w.fsys.Remove(path); err != nil {
				return fmt.Errorf("failed to remove: %q (%w)", path, err)
			}

			return nil
		}()
		if err != nil {
			return err
		}
	}

	return nil
}

// pruneStaleDirs removes any directory under current/ whose ground
// counterpart no longer exists, deepest-first so that nested removals never
// hit a non-empty parent.
func (w *Worker) pruneStaleDirs(ctx context.Context) error {
	exists, err := afero.DirExists(w.fsys, w.currentRoot())
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", w.currentRoot(), err)
	}

	if !exists {
		return nil
	}

	var dirs []string

	if err := afero.Walk(w.fsys, w.currentRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if info.IsDir() && path != w.currentRoot() {
			dirs = append(dirs, path)
		}

		return nil
	}); err != nil {
		return err
	}

	// Walk visits top-down; reverse to prune children before parents.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		path := dirs[i]

		rel, err := filepath.Rel(w.currentRoot(), path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
		}

		if exists, err := afero.Exists(w.fsys, filepath.Join(w.ground, rel)); err != nil {
			return fmt.Errorf("failed to stat: %q (%w)", filepath.Join(w.ground, rel), err)
		} else if !exists {
			if err := w.fsys.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove: %q (%w)", path, err)
			}
		}
	}

	return nil
}

// contextReader wraps an [io.Reader] so a mid-copy context cancellation
// interrupts the transfer instead of running it to completion.
type contextReader struct {
	ctx    context.Context //nolint:containedctx
	reader io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, context.Canceled
	default:
		return cr.reader.Read(p)
	}
}

// copyPreservingMTime copies src to dst, then applies src's modification
// time to dst so that a subsequent Differs check sees them as matching.
func copyPreservingMTime(ctx context.Context, fsys afero.Fs, src, dst string) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", src, err)
	}

	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open: %q (%w)", src, err)
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create: %q (%w)", dst, err)
	}

	if _, err := io.Copy(out, &contextReader{ctx: ctx, reader: in}); err != nil {
		out.Close()

		return fmt.Errorf("failed to copy: %q -> %q (%w)", src, dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close: %q (%w)", dst, err)
	}

	if err := fsys.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set mtime: %q (%w)", dst, err)
	}

	return nil
}
