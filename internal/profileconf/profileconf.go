// Package profileconf is the minimal configuration collaborator consumed by
// the engine: a document keyed by profile with name, roles, interval, and
// retention. Editing and multi-profile management are left to the caller;
// this package only carries the shape the engine reads, plus Load and Save
// of a whole document. It has no hook of its own for writing back
// last_snapshot_time.
package profileconf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const minSnapshotInterval = 60

var (
	ErrNoGround         = errors.New("profile must have exactly one ground path")
	ErrNoMirrors        = errors.New("profile must have at least one mirror path")
	ErrIntervalTooSmall = errors.New("snapshot_interval must be at least 60 seconds")
	ErrGroundMissing    = errors.New("ground path does not exist")
	ErrUnknownRole      = errors.New("path role must be 'ground' or 'mirror'")
)

// Role is a profile path's function within the replication topology.
type Role string

const (
	RoleGround Role = "ground"
	RoleMirror Role = "mirror"
)

// Path is one entry of a Profile's ordered path list.
type Path struct {
	Path string `json:"path"`
	Role Role   `json:"role"`
}

// Profile is one replication topology with its own snapshot cadence and
// retention policy.
type Profile struct {
	Name             string   `json:"name"`
	Paths            []Path   `json:"paths"`
	SnapshotInterval int      `json:"snapshot_interval"`
	RetentionSeconds *int     `json:"retention_seconds,omitempty"`
	LastSnapshotTime *float64 `json:"last_snapshot_time,omitempty"`
}

// Document is the top-level profile document shape.
type Document struct {
	Profiles []*Profile `json:"profiles"`
}

// Ground returns the profile's single ground path.
func (p *Profile) Ground() string {
	for _, e := range p.Paths {
		if e.Role == RoleGround {
			return e.Path
		}
	}

	return ""
}

// Mirrors returns the profile's mirror paths, in configured order.
func (p *Profile) Mirrors() []string {
	var out []string

	for _, e := range p.Paths {
		if e.Role == RoleMirror {
			out = append(out, e.Path)
		}
	}

	return out
}

// Validate rejects shape violations at ingress: ground missing, fewer than
// two paths overall, an interval below the 60-second floor, and ground
// paths that are not actually present on disk.
func (p *Profile) Validate(fsys afero.Fs) error {
	var grounds, mirrors int

	for _, e := range p.Paths {
		switch e.Role {
		case RoleGround:
			grounds++
		case RoleMirror:
			mirrors++
		default:
			return fmt.Errorf("%w: %q", ErrUnknownRole, e.Role)
		}
	}

	if grounds != 1 {
		return ErrNoGround
	}

	if mirrors < 1 {
		return ErrNoMirrors
	}

	if p.SnapshotInterval < minSnapshotInterval {
		return ErrIntervalTooSmall
	}

	if _, err := fsys.Stat(p.Ground()); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrGroundMissing, p.Ground())
	}

	return nil
}

// Load reads and parses a profile document from path. It does not validate
// the profiles it contains; that is Profile.Validate's job.
func Load(fsys afero.Fs, path string) (*Document, error) {
	buf, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %q (%w)", path, err)
	}

	var doc Document
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %q (%w)", path, err)
	}

	return &doc, nil
}

// Save writes a profile document to path as indented JSON.
func Save(fsys afero.Fs, path string, doc *Document) error {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile document: %w", err)
	}

	if err := fsys.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return fmt.Errorf("failed to create: %q (%w)", filepath.Dir(path), err)
	}

	if err := afero.WriteFile(fsys, path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write: %q (%w)", path, err)
	}

	return nil
}

// mirrorLayoutEntries are the subtrees whose presence identifies a directory
// as a watchback mirror.
var mirrorLayoutEntries = []string{"current", "versions", "snapshots", "objects"}

// IsMirror implements the mirror-detection contract exposed to the restore
// collaborator: a directory is a watchback mirror iff at least one of
// current/versions/snapshots/objects exists beneath it.
func IsMirror(fsys afero.Fs, path string) bool {
	isDir, err := afero.IsDir(fsys, path)
	if err != nil || !isDir {
		return false
	}

	for _, name := range mirrorLayoutEntries {
		if exists, err := afero.Exists(fsys, filepath.Join(path, name)); err == nil && exists {
			return true
		}
	}

	return false
}
