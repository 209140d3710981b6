// Package snapstore implements timestamp-keyed whole-tree manifests mapping
// every live relative path inside a mirror's "current" subtree to an object
// hash. Commits are idempotent: an unchanged tree produces no new manifest.
package snapstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
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

// Manifest is the on-disk shape of a snapshot file.
type Manifest struct {
	Timestamp string            `json:"timestamp"`
	Files     map[string]string `json:"files"`
}

// Store builds and commits snapshots of a mirror's "current" subtree.
type Store struct {
	fsys afero.Fs
	root string
	objs *objstore.Store

	now func() time.Time
}

// New returns a Store rooted at mirrorRoot, backed by objs for blob storage.
func New(fsys afero.Fs, mirrorRoot string, objs *objstore.Store) *Store {
	return &Store{fsys: fsys, root: mirrorRoot, objs: objs, now: time.Now}
}

// SnapshotsRoot returns the "snapshots" directory beneath the mirror root.
func (s *Store) SnapshotsRoot() string {
	return filepath.Join(s.root, "snapshots")
}

func (s *Store) currentRoot() string {
	return filepath.Join(s.root, "current")
}

// Build walks "current" (not ground) and ingests every regular file through
// the object store, returning a manifest of forward-slash relative paths to
// object hashes.
func (s *Store) Build() (Manifest, error) {
	files := make(map[string]string)

	exists, err := afero.DirExists(s.fsys, s.currentRoot())
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to stat: %q (%w)", s.currentRoot(), err)
	}

	if exists {
		if err := afero.Walk(s.fsys, s.currentRoot(), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return fmt.Errorf("failed to walk: %q (%w)", path, err)
			}

			if info.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(s.currentRoot(), path)
			if err != nil {
				return fmt.Errorf("failed to compute relative path: %q (%w)", path, err)
			}

			hash, err := s.objs.Store(path)
			if err != nil {
				return fmt.Errorf("failed to store object: %q (%w)", path, err)
			}

			files[filepath.ToSlash(rel)] = hash

			return nil
		}); err != nil {
			return Manifest{}, err
		}
	}

	return Manifest{
		Timestamp: s.now().UTC().Format(timeLayout),
		Files:     files,
	}, nil
}

// digest computes a deterministic digest over the canonical (sorted-key)
// serialization of a manifest's files map.
func digest(files map[string]string) (string, error) {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	ordered := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, files[k])
	}

	buf, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("failed to marshal digest input: %w", err)
	}

	return objstore.HashBytes(buf), nil
}

// LastDigest returns the content digest of the most recently written
// snapshot, or false if none exists.
func (s *Store) LastDigest() (string, bool, error) {
	names, err := s.List()
	if err != nil {
		return "", false, err
	}

	if len(names) == 0 {
		return "", false, nil
	}

	last, err := s.Load(names[len(names)-1])
	if err != nil {
		return "", false, err
	}

	d, err := digest(last.Files)
	if err != nil {
		return "", false, err
	}

	return d, true, nil
}

// MaybeCommit builds a manifest of the current tree and writes it to disk
// unless its content digest matches the most recent on-disk snapshot, in
// which case the commit is suppressed and MaybeCommit returns a zero time
// and false. On success it returns the snapshot file's modification time.
func (s *Store) MaybeCommit() (time.Time, bool, error) {
	manifest, err := s.Build()
	if err != nil {
		return time.Time{}, false, err
	}

	newDigest, err := digest(manifest.Files)
	if err != nil {
		return time.Time{}, false, err
	}

	if oldDigest, ok, err := s.LastDigest(); err != nil {
		return time.Time{}, false, err
	} else if ok && oldDigest == newDigest {
		return time.Time{}, false, nil
	}

	if err := s.fsys.MkdirAll(s.SnapshotsRoot(), dirPerm); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to create: %q (%w)", s.SnapshotsRoot(), err)
	}

	path := filepath.Join(s.SnapshotsRoot(), manifest.Timestamp+".json")

	buf, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := afero.WriteFile(s.fsys, path, buf, filePerm); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to write: %q (%w)", path, err)
	}

	info, err := s.fsys.Stat(path)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to stat: %q (%w)", path, err)
	}

	return info.ModTime(), true, nil
}

// List returns the sorted snapshot filenames (without directory prefix)
// currently on disk.
func (s *Store) List() ([]string, error) {
	exists, err := afero.DirExists(s.fsys, s.SnapshotsRoot())
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %q (%w)", s.SnapshotsRoot(), err)
	}

	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(s.fsys, s.SnapshotsRoot())
	if err != nil {
		return nil, fmt.Errorf("failed to read: %q (%w)", s.SnapshotsRoot(), err)
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

// Load reads a snapshot manifest by filename (e.g. "2024-01-02_03-04-05.json").
func (s *Store) Load(filename string) (Manifest, error) {
	path := filepath.Join(s.SnapshotsRoot(), filename)

	buf, err := afero.ReadFile(s.fsys, path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read: %q (%w)", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to unmarshal: %q (%w)", path, err)
	}

	return m, nil
}

// Remove deletes a single snapshot file.
func (s *Store) Remove(filename string) error {
	path := filepath.Join(s.SnapshotsRoot(), filename)
	if err := s.fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove: %q (%w)", path, err)
	}

	return nil
}

// ModTime returns the on-disk modification time of a snapshot file.
func (s *Store) ModTime(filename string) (time.Time, error) {
	info, err := s.fsys.Stat(filepath.Join(s.SnapshotsRoot(), filename))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat: %q (%w)", filename, err)
	}

	return info.ModTime(), nil
}

// Newest returns the on-disk modification time of the most recent snapshot,
// or ok=false if the mirror has never committed one. Snapshot filenames sort
// lexicographically in timestamp order, so the last listed entry is newest.
func (s *Store) Newest() (ts time.Time, ok bool, err error) {
	names, err := s.List()
	if err != nil {
		return time.Time{}, false, err
	}

	if len(names) == 0 {
		return time.Time{}, false, nil
	}

	ts, err = s.ModTime(names[len(names)-1])
	if err != nil {
		return time.Time{}, false, err
	}

	return ts, true, nil
}
