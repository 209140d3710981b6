// Package objstore implements the content-addressed blob pool backing both
// per-file versions and whole-tree snapshots. Objects are keyed by a BLAKE3
// digest of their bytes and fan out one level by the first byte of the hash
// (objects/<hash[0:2]>/<hash>), so that no single directory ever holds more
// than 256ths of the object population.
package objstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

const (
	chunkSize   = 1 << 20 // 1 MiB
	dirPerm     = 0o777
	tempSuffix  = ".wbk-tmp"
	hashPrefLen = 2
)

// Store is a content-addressed object pool rooted at a mirror directory's
// "objects" subtree.
type Store struct {
	fsys afero.Fs
	root string // absolute path to the mirror root (objects live at root/objects)
}

// New returns a Store rooted at the "objects" subtree of mirrorRoot.
func New(fsys afero.Fs, mirrorRoot string) *Store {
	return &Store{fsys: fsys, root: mirrorRoot}
}

// ObjectsRoot returns the "objects" directory beneath the mirror root.
func (s *Store) ObjectsRoot() string {
	return filepath.Join(s.root, "objects")
}

// PathOf returns the on-disk path an object with the given hash would live
// at, regardless of whether it currently exists.
func (s *Store) PathOf(hash string) string {
	if len(hash) < hashPrefLen {
		return filepath.Join(s.ObjectsRoot(), hash, hash)
	}

	return filepath.Join(s.ObjectsRoot(), hash[:hashPrefLen], hash)
}

// Hash computes the BLAKE3 digest of a file's contents, reading it in
// fixed-size chunks so memory use stays flat regardless of file size.
func Hash(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open: %q (%w)", path, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, chunkSize)

	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash: %q (%w)", path, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Store ingests the file at path into the object pool and returns its hash.
// Insertion is write-once: if an object with the same hash already exists,
// it is left untouched and path is not re-read into place. Partial writes
// never leave a half-formed object at the final path; the file is written to
// a sibling temporary name and renamed into place.
func (s *Store) Store(path string) (string, error) {
	hash, err := Hash(s.fsys, path)
	if err != nil {
		return "", err
	}

	dst := s.PathOf(hash)

	if _, err := s.fsys.Stat(dst); err == nil {
		// Object already present; content-identity means nothing more to do.
		return hash, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat: %q (%w)", dst, err)
	}

	if err := s.fsys.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create: %q (%w)", filepath.Dir(dst), err)
	}

	if err := copyPreservingMetadata(s.fsys, path, dst); err != nil {
		return "", err
	}

	return hash, nil
}

// copyPreservingMetadata copies src to dst via a temporary sibling file and
// an atomic rename, preserving the source's mode bits.
func copyPreservingMetadata(fsys afero.Fs, src, dst string) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", src, err)
	}

	tmp := dst + tempSuffix

	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open: %q (%w)", src, err)
	}
	defer in.Close()

	out, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create: %q (%w)", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = fsys.Remove(tmp)

		return fmt.Errorf("failed to copy: %q -> %q (%w)", src, tmp, err)
	}

	if err := out.Close(); err != nil {
		_ = fsys.Remove(tmp)

		return fmt.Errorf("failed to close: %q (%w)", tmp, err)
	}

	if err := fsys.Rename(tmp, dst); err != nil {
		_ = fsys.Remove(tmp)

		return fmt.Errorf("failed to rename: %q -> %q (%w)", tmp, dst, err)
	}

	return nil
}

// HashBytes computes the BLAKE3 digest of an in-memory byte slice. It is
// used for deriving deterministic digests of serialized data (e.g. a
// snapshot manifest's canonical file listing) rather than file content.
func HashBytes(buf []byte) string {
	h := blake3.New()
	h.Write(buf) //nolint:errcheck // hash.Hash.Write never returns an error

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Exists reports whether an object with the given hash is present.
func (s *Store) Exists(hash string) (bool, error) {
	_, err := s.fsys.Stat(s.PathOf(hash))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat: %q (%w)", s.PathOf(hash), err)
}

// Unlink removes the object with the given hash. It is a best-effort
// operation used by garbage collection: removing an already-absent object is
// not an error.
func (s *Store) Unlink(hash string) error {
	if err := s.fsys.Remove(s.PathOf(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove: %q (%w)", s.PathOf(hash), err)
	}

	return nil
}

// Walk invokes fn with the hash (filename) of every object currently under
// the objects root. It is used by garbage collection to enumerate
// candidates for removal.
func (s *Store) Walk(fn func(hash string) error) error {
	exists, err := afero.DirExists(s.fsys, s.ObjectsRoot())
	if err != nil {
		return fmt.Errorf("failed to stat: %q (%w)", s.ObjectsRoot(), err)
	}

	if !exists {
		return nil
	}

	return afero.Walk(s.fsys, s.ObjectsRoot(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk: %q (%w)", path, err)
		}

		if info.IsDir() {
			return nil
		}

		return fn(info.Name())
	})
}
