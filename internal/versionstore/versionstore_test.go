package versionstore

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

// Recording a version must ingest the displaced content into the object
// store, such that the version's recorded hash resolves to that content.
func Test_Unit_RecordVersion_ResolvesToPriorContent(t *testing.T) {
	t.Parallel()

	store, fsys := setup(t)
	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("hello"), 0o644))

	require.NoError(t, store.RecordVersion("a.txt", "/mirror/current/a.txt"))

	names, err := store.List("a.txt")
	require.NoError(t, err)
	require.Len(t, names, 1)

	rec, err := store.Load("a.txt", names[0])
	require.NoError(t, err)
	require.Equal(t, int64(5), rec.Size)

	objs := objstore.New(fsys, "/mirror")
	exists, err := objs.Exists(rec.Hash)
	require.NoError(t, err)
	require.True(t, exists)
}

// Two versions recorded in the same wall-clock second must both survive,
// sorted in the order they were written.
func Test_Unit_RecordVersion_SameSecondCollision_Disambiguated(t *testing.T) {
	t.Parallel()

	store, fsys := setup(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("one"), 0o644))
	require.NoError(t, store.RecordVersion("a.txt", "/mirror/current/a.txt"))

	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("two"), 0o644))
	require.NoError(t, store.RecordVersion("a.txt", "/mirror/current/a.txt"))

	names, err := store.List("a.txt")
	require.NoError(t, err)
	require.Len(t, names, 2)
	require.Equal(t, "2024-01-02_03-04-05.json", names[0])
	require.Equal(t, "2024-01-02_03-04-05_1.json", names[1])
}

// ParseTimestamp must recover the encoded time from both plain and
// disambiguated filenames.
func Test_Unit_ParseTimestamp_PlainAndDisambiguated(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got, ok := ParseTimestamp("2024-01-02_03-04-05.json")
	require.True(t, ok)
	require.True(t, want.Equal(got))

	got, ok = ParseTimestamp("2024-01-02_03-04-05_7.json")
	require.True(t, ok)
	require.True(t, want.Equal(got))

	_, ok = ParseTimestamp("not-a-timestamp.json")
	require.False(t, ok)
}

// WalkAll must visit every version record across every relative path.
func Test_Unit_WalkAll_VisitsAllRecords(t *testing.T) {
	t.Parallel()

	store, fsys := setup(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/a.txt", []byte("one"), 0o644))
	require.NoError(t, store.RecordVersion("a.txt", "/mirror/current/a.txt"))

	require.NoError(t, afero.WriteFile(fsys, "/mirror/current/dir/b.txt", []byte("two"), 0o644))
	require.NoError(t, store.RecordVersion("dir/b.txt", "/mirror/current/dir/b.txt"))

	var seen []string
	require.NoError(t, store.WalkAll(func(rel, filename string, rec Record) error {
		seen = append(seen, rel+"/"+filename)

		return nil
	}))

	require.Len(t, seen, 2)
}

// Removing an already-absent version record must not error.
func Test_Unit_Remove_Absent_NoError(t *testing.T) {
	t.Parallel()

	store, _ := setup(t)
	require.NoError(t, store.Remove("a.txt", "2024-01-01_00-00-00.json"))
}
