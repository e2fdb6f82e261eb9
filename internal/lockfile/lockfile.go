// Package lockfile reads and writes single-record lock files.
//
// A lock file is a small JSON document at a well-known path on a shared
// filesystem. Exclusive creation (O_CREATE|O_EXCL) is the only atomicity
// primitive: whichever process creates the file owns the lock. The package
// holds no policy; liveness and staleness decisions belong to callers.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
)

// ErrExists is returned by Create when the lock file is already present.
var ErrExists = errors.New("lock record already exists")

// Store reads and writes one lock record at a fixed path.
type Store struct {
	fs   billy.Filesystem
	path string
}

// NewStore returns a Store for the record at path within fsys.
func NewStore(fsys billy.Filesystem, path string) *Store {
	return &Store{fs: fsys, path: path}
}

// Path returns the record path within the store's filesystem.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the lock record is present.
func (s *Store) Exists() (bool, error) {
	_, err := s.fs.Stat(s.path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %q: %w", s.path, err)
	}
}

// Read unmarshals the record into v. It returns (false, nil) when no record
// exists and (true, err) when the record exists but cannot be parsed.
func (s *Store) Read(v any) (bool, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open %q: %w", s.path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return true, fmt.Errorf("decode %q: %w", s.path, err)
	}
	return true, nil
}

// Create writes v as a new record, failing with ErrExists if a record is
// already present. This is the acquisition primitive: the O_EXCL create is
// atomic on a shared filesystem.
func (s *Store) Create(v any) error {
	f, err := s.fs.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("create %q: %w", s.path, err)
	}

	if err := s.encodeTo(f, v); err != nil {
		// Best effort: do not leave a half-written record behind.
		_ = s.fs.Remove(s.path)
		return err
	}
	return nil
}

// Write overwrites the record in place. Lock files are single-writer by
// construction (only the current holder mutates its own record), so a plain
// truncating write is sufficient; concurrent readers observing a torn record
// treat it as corrupt and re-read.
func (s *Store) Write(v any) error {
	f, err := s.fs.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write %q: %w", s.path, err)
	}
	return s.encodeTo(f, v)
}

// Remove deletes the record. Removing an absent record is not an error.
func (s *Store) Remove() error {
	err := s.fs.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", s.path, err)
	}
	return nil
}

func (s *Store) encodeTo(f billy.File, v any) error {
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %q: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %q: %w", s.path, err)
	}
	return nil
}
