package mirrorsync

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/watchback/watchback/internal/pathlock"
)

func noopCallbacks() Callbacks {
	return Callbacks{
		Status:   func(string, string) {},
		Progress: func(string, int) {},
	}
}

// A fresh sweep of a populated ground tree must reproduce it byte-for-byte
// under current/.
func Test_Integ_Run_FreshSweep_PopulatesCurrent(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground/sub", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ground/sub/b.txt", []byte("world"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")

	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	got, err := afero.ReadFile(fsys, "/mirror/current/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = afero.ReadFile(fsys, "/mirror/current/sub/b.txt")
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

// An edited ground file must be re-copied to current/ and its prior content
// preserved as a version record.
func Test_Integ_Run_EditedFile_VersionsPriorContent(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("version-one"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	require.NoError(t, fsys.Chtimes("/ground/a.txt", time.Now().Add(time.Hour), time.Now().Add(time.Hour)))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("version-two-longer"), 0o644))
	require.NoError(t, fsys.Chtimes("/ground/a.txt", time.Now().Add(time.Hour), time.Now().Add(time.Hour)))

	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	got, err := afero.ReadFile(fsys, "/mirror/current/a.txt")
	require.NoError(t, err)
	require.Equal(t, "version-two-longer", string(got))

	names, err := w.vers.List("a.txt")
	require.NoError(t, err)
	require.Len(t, names, 1)

	rec, err := w.vers.Load("a.txt", names[0])
	require.NoError(t, err)
	require.Equal(t, int64(len("version-one")), rec.Size)
}

// A ground file removed between sweeps must disappear from current/, with
// its last content preserved as a version record rather than discarded.
func Test_Integ_Run_DeletedFile_RetiredFromCurrent(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("gone-soon"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	require.NoError(t, fsys.Remove("/ground/a.txt"))
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	exists, err := afero.Exists(fsys, "/mirror/current/a.txt")
	require.NoError(t, err)
	require.False(t, exists)

	names, err := w.vers.List("a.txt")
	require.NoError(t, err)
	require.Len(t, names, 1)
}

// A ground directory removed between sweeps must be pruned from current/,
// deepest entries first.
func Test_Integ_Run_DeletedDirectory_PrunedFromCurrent(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground/sub/nested", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/sub/nested/c.txt", []byte("x"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	require.NoError(t, fsys.RemoveAll("/ground/sub"))
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	exists, err := afero.DirExists(fsys, "/mirror/current/sub")
	require.NoError(t, err)
	require.False(t, exists)
}

// Run must emit a SYNCING status, then SYNCED on success.
func Test_Unit_Run_EmitsSyncingThenSynced(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))

	var statuses []string

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	cb := Callbacks{
		Status:   func(_ string, status string) { statuses = append(statuses, status) },
		Progress: func(string, int) {},
	}

	require.NoError(t, w.Run(context.Background(), Options{}, cb))
	require.Equal(t, []string{string(StatusSyncing), string(StatusSynced)}, statuses)
}

// An already-canceled context must abort the sweep and report ERROR status.
func Test_Unit_Run_CanceledContext_ReportsError(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("x"), 0o644))

	var statuses []string

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	cb := Callbacks{
		Status:   func(_ string, status string) { statuses = append(statuses, status) },
		Progress: func(string, int) {},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Run(ctx, Options{}, cb)
	require.Error(t, err)
	require.Equal(t, string(StatusSyncing), statuses[0])
	require.Contains(t, statuses[1], "ERROR")
}

// CreateSnapshot must commit a snapshot and invoke SnapshotCommit once the
// sweep settles.
func Test_Integ_Run_CreateSnapshot_CommitsAndNotifies(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("hello"), 0o644))

	var committedMirror, committedTS string

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	cb := Callbacks{
		Status:   func(string, string) {},
		Progress: func(string, int) {},
		SnapshotCommit: func(mirrorPath, ts string) {
			committedMirror = mirrorPath
			committedTS = ts
		},
	}

	require.NoError(t, w.Run(context.Background(), Options{CreateSnapshot: true}, cb))

	require.Equal(t, "/mirror", committedMirror)
	require.NotEmpty(t, committedTS)

	names, err := w.snap.List()
	require.NoError(t, err)
	require.Len(t, names, 1)
}

// A retention pass configured on Options must reclaim a version record that
// already sits outside its window.
func Test_Integ_Run_Retention_ReclaimsOldVersions(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("one"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	require.NoError(t, fsys.Chtimes("/ground/a.txt", time.Now().Add(time.Hour), time.Now().Add(time.Hour)))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("two-longer"), 0o644))
	require.NoError(t, fsys.Chtimes("/ground/a.txt", time.Now().Add(time.Hour), time.Now().Add(time.Hour)))
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	names, err := w.vers.List("a.txt")
	require.NoError(t, err)
	require.Len(t, names, 1)

	retention := 0
	require.NoError(t, w.Run(context.Background(), Options{RetentionSeconds: &retention}, noopCallbacks()))

	names, err = w.vers.List("a.txt")
	require.NoError(t, err)
	require.Empty(t, names)
}

// SyncPath must copy a newly created ground file into current/.
func Test_Unit_SyncPath_CreatedFile_Copied(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("hi"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.SyncPath(context.Background(), "a.txt"))

	got, err := afero.ReadFile(fsys, "/mirror/current/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))
}

// SyncPath must scaffold a newly created ground directory.
func Test_Unit_SyncPath_CreatedDirectory_Scaffolded(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground/newdir", 0o777))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.SyncPath(context.Background(), "newdir"))

	exists, err := afero.DirExists(fsys, "/mirror/current/newdir")
	require.NoError(t, err)
	require.True(t, exists)
}

// SyncPath must version-then-remove a current/ file whose ground
// counterpart has disappeared.
func Test_Unit_SyncPath_DeletedFile_VersionedThenRemoved(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/a.txt", []byte("hi"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.SyncPath(context.Background(), "a.txt"))

	require.NoError(t, fsys.Remove("/ground/a.txt"))
	require.NoError(t, w.SyncPath(context.Background(), "a.txt"))

	exists, err := afero.Exists(fsys, "/mirror/current/a.txt")
	require.NoError(t, err)
	require.False(t, exists)

	names, err := w.vers.List("a.txt")
	require.NoError(t, err)
	require.Len(t, names, 1)
}

// SyncPath must remove a current/ directory outright (no versioning) once
// its ground counterpart has disappeared.
func Test_Unit_SyncPath_DeletedDirectory_RemovedWithoutVersioning(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground/sub", 0o777))
	require.NoError(t, afero.WriteFile(fsys, "/ground/sub/c.txt", []byte("x"), 0o644))

	w := New(fsys, pathlock.New(), "/ground", "/mirror")
	require.NoError(t, w.Run(context.Background(), Options{}, noopCallbacks()))

	require.NoError(t, fsys.RemoveAll("/ground/sub"))
	require.NoError(t, w.SyncPath(context.Background(), "sub"))

	exists, err := afero.DirExists(fsys, "/mirror/current/sub")
	require.NoError(t, err)
	require.False(t, exists)
}

// Differs must report true when the destination is absent, when sizes
// differ, and when mtimes differ beyond tolerance; false when content and
// timestamps match within tolerance.
func Test_Unit_Differs_Predicate(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/src.txt", []byte("hello"), 0o644))

	differs, err := Differs(fsys, "/src.txt", "/dst.txt")
	require.NoError(t, err)
	require.True(t, differs, "absent destination must differ")

	require.NoError(t, afero.WriteFile(fsys, "/dst.txt", []byte("hello!"), 0o644))

	differs, err = Differs(fsys, "/src.txt", "/dst.txt")
	require.NoError(t, err)
	require.True(t, differs, "size mismatch must differ")

	require.NoError(t, afero.WriteFile(fsys, "/dst.txt", []byte("hello"), 0o644))

	srcInfo, err := fsys.Stat("/src.txt")
	require.NoError(t, err)
	require.NoError(t, fsys.Chtimes("/dst.txt", srcInfo.ModTime(), srcInfo.ModTime()))

	differs, err = Differs(fsys, "/src.txt", "/dst.txt")
	require.NoError(t, err)
	require.False(t, differs, "identical size and mtime must not differ")

	require.NoError(t, fsys.Chtimes("/dst.txt", srcInfo.ModTime().Add(10*time.Second), srcInfo.ModTime().Add(10*time.Second)))

	differs, err = Differs(fsys, "/src.txt", "/dst.txt")
	require.NoError(t, err)
	require.True(t, differs, "mtime beyond tolerance must differ")
}
