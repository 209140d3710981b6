package snapstore

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/watchback/watchback/internal/objstore"
)

func setup(t *testing.T) (*Store, afero.Fs) {
	t.Helper()

	fsys := afero.NewMemMapFs()
	objs := objstore.New(fsys, "/mirror")
	store := New(fsys, "/mirror", objs)

	return store, fsys
}

// Building a snapshot of an empty current tree yields an empty files map but
// does not error.
func Test_Unit_Build_EmptyCurrent_EmptyManifest(t *testing.T) {
	t.Parallel()

	store, _ := setup(t)

	m, err := store.Build()
	require.NoError(t, err)
	require.Empty(t, m.Files)
}

// A fresh sweep scenario: current has two files, the snapshot lists both by
// forward-slash relative path.
func Test_Unit_Build_ListsAllFilesBySlashPath(t *testing.T) {
	t.Parallel()

	store, fsys := setup(t)
	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/dir/b.txt", []byte("world"), 0o644))

	m, err := store.Build()
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	require.Contains(t, m.Files, "a.txt")
	require.Contains(t, m.Files, "dir/b.txt")
}

// MaybeCommit must write a manifest the first time, and suppress a second
// commit when nothing under current has changed (idempotence).
func Test_Unit_MaybeCommit_Idempotent_WhenUnchanged(t *testing.T) {
	t.Parallel()

	store, fsys := setup(t)
	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("hello"), 0o644))

	_, committed, err := store.MaybeCommit()
	require.NoError(t, err)
	require.True(t, committed)

	names, err := store.List()
	require.NoError(t, err)
	require.Len(t, names, 1)

	_, committed, err = store.MaybeCommit()
	require.NoError(t, err)
	require.False(t, committed)

	names, err = store.List()
	require.NoError(t, err)
	require.Len(t, names, 1, "no second manifest should appear for an unchanged tree")
}

// Changing content under current must produce a new committed snapshot.
func Test_Unit_MaybeCommit_CommitsOnChange(t *testing.T) {
	t.Parallel()

	store, fsys := setup(t)
	ticks := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
	}
	i := 0
	store.now = func() time.Time {
		t := ticks[i]
		if i < len(ticks)-1 {
			i++
		}

		return t
	}

	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("hello"), 0o644))

	_, committed, err := store.MaybeCommit()
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("changed"), 0o644))

	_, committed, err = store.MaybeCommit()
	require.NoError(t, err)
	require.True(t, committed)

	names, err := store.List()
	require.NoError(t, err)
	require.Len(t, names, 2)
}

// LastDigest with no snapshots present reports false, not an error.
func Test_Unit_LastDigest_NoSnapshots_False(t *testing.T) {
	t.Parallel()

	store, _ := setup(t)

	_, ok, err := store.LastDigest()
	require.NoError(t, err)
	require.False(t, ok)
}
