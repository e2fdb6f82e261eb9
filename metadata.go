// Package gitsync provides a local-first synchronization engine.
// This file contains the safe concurrent mutator for the shared metadata
// document: a small JSON file updated by multiple processes under a
// short-lived lock with backup/rollback semantics.
package gitsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/input-output-hk/catalyst-forge-libs/gitsync/internal/lockfile"
)

const (
	// metadataLockRetries bounds how many times a SafeUpdate call re-attempts
	// lock acquisition before surfacing ErrMetadataBusy.
	metadataLockRetries = 5

	// metadataRetryDelay is the base delay between acquisition attempts.
	metadataRetryDelay = 200 * time.Millisecond
)

// MetadataDoc is the parsed form of the shared metadata document.
// An absent file reads as an empty document.
type MetadataDoc map[string]any

// MetadataTransform produces the next document from the current one.
// Transforms must not retain the input map after returning.
type MetadataTransform func(doc MetadataDoc) (MetadataDoc, error)

// metadataLockRecord guards one atomic update; it is always deleted within
// the same SafeUpdate call that created it.
type metadataLockRecord struct {
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Mutator applies serialized read-modify-write updates to a shared JSON
// document. It is structurally parallel to the sync Locker but single-shot:
// the lock exists only for the duration of one update.
type Mutator struct {
	fs         billy.Filesystem
	ownerID    string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(time.Duration)
}

// newMutator builds a Mutator rooted at the worktree filesystem.
func newMutator(worktreeFS billy.Filesystem, opts *Options) *Mutator {
	return &Mutator{
		fs:         worktreeFS,
		ownerID:    opts.OwnerID,
		staleAfter: opts.MetadataLockTimeout,
		logger:     opts.logger(),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// SafeUpdate applies transform to the document at path under an exclusive
// metadata lock, writing the result atomically with backup/rollback.
//
// The full sequence is: acquire lock, read (absent file = empty document),
// transform, snapshot backup, write temp, re-read and validate the temp,
// rename over the real path, delete backup, release lock. The lock release
// runs on every exit path. Lock contention is retried up to a fixed bound
// with backoff before ErrMetadataBusy is surfaced.
func (m *Mutator) SafeUpdate(path string, transform MetadataTransform) error {
	lock := lockfile.NewStore(m.fs, path+".lock")

	for attempt := 0; attempt < metadataLockRetries; attempt++ {
		acquired, err := m.acquireLock(lock)
		if err != nil {
			return err
		}
		if !acquired {
			m.sleep(metadataRetryDelay * time.Duration(attempt+1))
			continue
		}

		err = m.updateLocked(path, transform)
		if releaseErr := lock.Remove(); releaseErr != nil {
			// The update itself succeeded or failed on its own terms; a
			// leftover lock record only delays the next writer until the
			// staleness bound.
			m.logger.Warn("metadata lock release failed", "path", path, "error", releaseErr)
		}
		return err
	}

	return WrapErrorf(ErrMetadataBusy, "metadata lock at %q held after %d attempts", path, metadataLockRetries)
}

// acquireLock attempts one exclusive-create acquisition, reclaiming a stale
// record first if its timestamp is beyond the staleness bound.
func (m *Mutator) acquireLock(lock *lockfile.Store) (bool, error) {
	rec := metadataLockRecord{OwnerID: m.ownerID, Timestamp: m.now()}

	err := lock.Create(&rec)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, lockfile.ErrExists) {
		return false, WrapError(err, "failed to write metadata lock")
	}

	// Inspect the existing record; a crashed writer leaves it behind.
	var existing metadataLockRecord
	exists, readErr := lock.Read(&existing)
	if readErr == nil && exists && m.now().Sub(existing.Timestamp) <= m.staleAfter {
		return false, nil // live contention
	}
	if readErr != nil && !exists {
		// Raced with the holder's release; retry on the next attempt.
		return false, nil
	}

	m.logger.Info("reclaiming stale metadata lock", "path", lock.Path(), "owner", existing.OwnerID)
	if err := lock.Remove(); err != nil {
		m.logger.Warn("stale metadata lock removal failed", "error", err)
		return false, nil
	}

	// Exactly one retry of the create after cleanup; losing the race to
	// another reclaimer counts as contention.
	if err := lock.Create(&rec); err != nil {
		if errors.Is(err, lockfile.ErrExists) {
			return false, nil
		}
		return false, WrapError(err, "failed to write metadata lock")
	}
	return true, nil
}

// updateLocked performs the read-transform-write cycle. The caller holds the
// metadata lock.
func (m *Mutator) updateLocked(path string, transform MetadataTransform) error {
	current, original, err := m.readDoc(path)
	if err != nil {
		return err
	}

	next, err := transform(current)
	if err != nil {
		return WrapError(err, "metadata transform failed")
	}

	encoded, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return WrapError(ErrAtomicWrite, "failed to encode metadata document")
	}

	return m.publish(path, encoded, original)
}

// readDoc parses the current document, returning both the parsed form and
// the raw bytes for the backup snapshot. An absent file is an empty document.
func (m *Mutator) readDoc(path string) (MetadataDoc, []byte, error) {
	raw, err := util.ReadFile(m.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return MetadataDoc{}, nil, nil
		}
		return nil, nil, WrapErrorf(err, "failed to read metadata at %q", path)
	}

	doc := MetadataDoc{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, nil, WrapErrorf(ErrMetadataCorrupt, "metadata at %q", path)
		}
	}
	return doc, raw, nil
}

// publish writes encoded to a temporary file, validates it parses back, and
// atomically renames it over path. original (nil when the document did not
// exist) is snapshotted to a backup first and restored on failure.
func (m *Mutator) publish(path string, encoded, original []byte) error {
	backupPath := path + ".bak"
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())

	if original != nil {
		if err := util.WriteFile(m.fs, backupPath, original, 0o644); err != nil {
			return WrapError(ErrAtomicWrite, "failed to snapshot metadata backup")
		}
	}

	if err := util.WriteFile(m.fs, tmpPath, encoded, 0o644); err != nil {
		m.rollback(path, backupPath, tmpPath, original)
		return WrapError(ErrAtomicWrite, "failed to write temporary metadata")
	}

	// Re-read and re-parse the temp file so a torn or truncated write is
	// caught before it replaces the real document.
	reread, err := util.ReadFile(m.fs, tmpPath)
	if err != nil || !json.Valid(reread) || len(reread) != len(encoded) {
		m.rollback(path, backupPath, tmpPath, original)
		return WrapError(ErrAtomicWrite, "temporary metadata failed validation")
	}

	if err := m.fs.Rename(tmpPath, path); err != nil {
		m.rollback(path, backupPath, tmpPath, original)
		return WrapError(ErrAtomicWrite, "failed to publish metadata")
	}

	if original != nil {
		if err := m.fs.Remove(backupPath); err != nil {
			m.logger.Warn("metadata backup cleanup failed", "path", backupPath, "error", err)
		}
	}
	return nil
}

// rollback deletes the temporary file and restores the original document
// from its backup if the real file was left inconsistent.
func (m *Mutator) rollback(path, backupPath, tmpPath string, original []byte) {
	if err := m.fs.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("temporary metadata cleanup failed", "path", tmpPath, "error", err)
	}

	if original == nil {
		return
	}

	current, err := util.ReadFile(m.fs, path)
	if err == nil && json.Valid(current) {
		// The real document was never touched; just drop the backup.
		_ = m.fs.Remove(backupPath)
		return
	}

	if err := m.fs.Rename(backupPath, path); err != nil {
		m.logger.Warn("metadata restore from backup failed", "path", path, "error", err)
	}
}
