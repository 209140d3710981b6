// Package versionstore records the ordered per-relative-path history of
// superseded file content. Each record is a small JSON file pointing into the
// mirror's object store; the version filename itself is the wall-clock
// timestamp at which the prior content was displaced.
package versionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/watchback/watchback/internal/objstore"
)

const (
	dirPerm    = 0o777
	filePerm   = 0o644
	timeLayout = "2006-01-02_15-04-05"
)

// Record is the metadata stored at versions/<rel>/<ts>.json.
type Record struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Store records and retires versioned content under a mirror's "versions"
// subtree.
type Store struct {
	fsys afero.Fs
	root string
	objs *objstore.Store

	now func() time.Time // overridable for deterministic collision tests
}

// New returns a Store rooted at mirrorRoot, backed by objs for blob storage.
func New(fsys afero.Fs, mirrorRoot string, objs *objstore.Store) *Store {
	return &Store{fsys: fsys, root: mirrorRoot, objs: objs, now: time.Now}
}

// VersionsRoot returns the "versions" directory beneath the mirror root.
func (s *Store) VersionsRoot() string {
	return filepath.Join(s.root, "versions")
}

func (s *Store) dirFor(rel string) string {
	return filepath.Join(s.VersionsRoot(), filepath.FromSlash(rel))
}

// RecordVersion ingests the bytes at srcPath (which must exist and be a
// regular file — the content about to be displaced at relative path rel)
// into the object store, then writes a version record naming the current
// wall-clock second. Same-second collisions are disambiguated with a
// "_N" suffix that preserves lexicographic (and thus chronological) sort
// order of the directory listing.
func (s *Store) RecordVersion(rel string, srcPath string) error {
	info, err := s.fsys.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", srcPath, err)
	}

	hash, err := s.objs.Store(srcPath)
	if err != nil {
		return fmt.Errorf("failed to store object for version: %q (%w)", srcPath, err)
	}

	dir := s.dirFor(rel)
	if err := s.fsys.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create: %q (%w)", dir, err)
	}

	name := s.now().UTC().Format(timeLayout)

	dst, err := s.disambiguate(dir, name)
	if err != nil {
		return err
	}

	rec := Record{Hash: hash, Size: info.Size()}

	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal version record: %w", err)
	}

	if err := afero.WriteFile(s.fsys, dst, buf, filePerm); err != nil {
		return fmt.Errorf("failed to write: %q (%w)", dst, err)
	}

	return nil
}

// disambiguate returns the path for a new version file named base.json,
// appending "_N" if base.json is already taken within dir.
func (s *Store) disambiguate(dir, base string) (string, error) {
	candidate := filepath.Join(dir, base+".json")

	if _, err := s.fsys.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate, nil
	} else if err != nil {
		return "", fmt.Errorf("failed to stat: %q (%w)", candidate, err)
	}

	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, n))

		if _, err := s.fsys.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("failed to stat: %q (%w)", candidate, err)
		}
	}
}

// List returns the sorted version filenames (without directory prefix, with
// ".json" extension) recorded for a relative path.
func (s *Store) List(rel string) ([]string, error) {
	dir := s.dirFor(rel)

	exists, err := afero.DirExists(s.fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %q (%w)", dir, err)
	}

	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(s.fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %q (%w)", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// Load reads the version record named filename (e.g. "2024-01-02_03-04-05.json")
// recorded for a relative path.
func (s *Store) Load(rel, filename string) (Record, error) {
	path := filepath.Join(s.dirFor(rel), filename)

	buf, err := afero.ReadFile(s.fsys, path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read: %q (%w)", path, err)
	}

	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal: %q (%w)", path, err)
	}

	return rec, nil
}

// ParseTimestamp extracts the wall-clock time encoded by a version filename,
// tolerating the "_N" disambiguation suffix.
func ParseTimestamp(filename string) (time.Time, bool) {
	name := strings.TrimSuffix(filename, ".json")

	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		if _, err := strconv.Atoi(name[idx+1:]); err == nil {
			if t, err := time.Parse(timeLayout, name[:idx]); err == nil {
				return t, true
			}
		}
	}

	t, err := time.Parse(timeLayout, name)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// WalkAll invokes fn for every version record under the versions root,
// passing the relative path it belongs to and the record's filename.
func (s *Store) WalkAll(fn func(rel, filename string, rec Record) error) error {
	exists, err := afero.DirExists(s.fsys, s.VersionsRoot())
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", s.VersionsRoot(), err)
	}

	if !exists {
		return nil
	}

	return afero.Walk(s.fsys, s.VersionsRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		rel, err := filepath.Rel(s.VersionsRoot(), filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
		}

		buf, err := afero.ReadFile(s.fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read: %q (%w)", path, err)
		}

		var rec Record
		if err := json.Unmarshal(buf, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal: %q (%w)", path, err)
		}

		return fn(filepath.ToSlash(rel), filepath.Base(path), rec)
	})
}

// Remove deletes a single version record file.
func (s *Store) Remove(rel, filename string) error {
	path := filepath.Join(s.dirFor(rel), filename)
	if err := s.fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove: %q (%w)", path, err)
	}

	return nil
}
