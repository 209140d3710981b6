package profileconf

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func validProfile() *Profile {
	return &Profile{
		Name: "backup",
		Paths: []Path{
			{Path: "/ground", Role: RoleGround},
			{Path: "/mirror", Role: RoleMirror},
		},
		SnapshotInterval: 3600,
	}
}

// A well-formed profile with an existing ground directory validates.
func Test_Unit_Validate_WellFormed_Succeeds(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))

	require.NoError(t, validProfile().Validate(fsys))
}

// A profile missing a ground path must be rejected.
func Test_Unit_Validate_MissingGround_Rejected(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	p := validProfile()
	p.Paths = []Path{{Path: "/mirror", Role: RoleMirror}}

	require.ErrorIs(t, p.Validate(fsys), ErrNoGround)
}

// A profile with no mirrors must be rejected.
func Test_Unit_Validate_NoMirrors_Rejected(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))

	p := validProfile()
	p.Paths = []Path{{Path: "/ground", Role: RoleGround}}

	require.ErrorIs(t, p.Validate(fsys), ErrNoMirrors)
}

// An interval below the 60-second floor must be rejected.
func Test_Unit_Validate_IntervalTooSmall_Rejected(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/ground", 0o777))

	p := validProfile()
	p.SnapshotInterval = 10

	require.ErrorIs(t, p.Validate(fsys), ErrIntervalTooSmall)
}

// A ground path that does not exist on disk must be rejected.
func Test_Unit_Validate_GroundNotOnDisk_Rejected(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.ErrorIs(t, validProfile().Validate(fsys), ErrGroundMissing)
}

// Saving then loading a document must round-trip.
func Test_Unit_SaveLoad_RoundTrips(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	doc := &Document{Profiles: []*Profile{validProfile()}}

	require.NoError(t, Save(fsys, "/config/profiles.json", doc))

	loaded, err := Load(fsys, "/config/profiles.json")
	require.NoError(t, err)
	require.Len(t, loaded.Profiles, 1)
	require.Equal(t, "backup", loaded.Profiles[0].Name)
}

// A directory is a mirror iff at least one layout subtree exists beneath it.
func Test_Unit_IsMirror_DetectsAnyLayoutEntry(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/not-a-mirror", 0o777))
	require.NoError(t, fsys.MkdirAll("/mirror/objects", 0o777))

	require.False(t, IsMirror(fsys, "/not-a-mirror"))
	require.True(t, IsMirror(fsys, "/mirror"))
}
