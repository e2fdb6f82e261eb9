// Package gitsync provides sentinel errors for common sync operations.
// All errors can be checked using errors.Is() for programmatic handling.
package gitsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors that can be checked with errors.Is().
// These wrap underlying go-git and filesystem errors while providing a stable
// API for consumers.

// ErrSyncInProgress is returned when a sync is requested while another process
// holds the sync lock with a fresh heartbeat. This is the normal contention
// outcome, not a fault: the caller should wait or skip.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrStuckLock is returned when the lock record belongs to a live process that
// has stopped making progress in a network phase. Stuck locks are never
// reclaimed automatically; the caller must decide.
var ErrStuckLock = errors.New("sync lock is stuck")

// ErrMetadataCorrupt is returned when the shared metadata document cannot be
// parsed. The original file is left untouched.
var ErrMetadataCorrupt = errors.New("metadata document is corrupt")

// ErrAtomicWrite is returned when writing or validating the temporary metadata
// file failed. The previous document has been restored from its backup.
var ErrAtomicWrite = errors.New("atomic metadata write failed")

// ErrMetadataBusy is returned when the metadata lock could not be acquired
// within the bounded retry budget.
var ErrMetadataBusy = errors.New("metadata lock busy")

// ErrAuthRequired is returned when an operation requires authentication
// but no credentials were provided or available.
var ErrAuthRequired = errors.New("authentication required")

// ErrAuthFailed is returned when authentication was attempted but failed
// (invalid credentials, expired tokens, etc.). Never retried.
var ErrAuthFailed = errors.New("authentication failed")

// ErrAlreadyUpToDate is returned when fetch or push operations result in no
// changes because the local and remote states are already synchronized.
var ErrAlreadyUpToDate = errors.New("already up to date")

// ErrNotFastForward is returned when a push cannot be performed as a
// fast-forward update and requires a prior merge.
var ErrNotFastForward = errors.New("not a fast-forward")

// ErrInvalidRef is returned when a reference name or revision specification
// is malformed or invalid according to git's reference naming rules.
var ErrInvalidRef = errors.New("invalid reference")

// ErrResolveFailed is returned when a revision specification cannot be
// resolved to a valid commit hash.
var ErrResolveFailed = errors.New("cannot resolve revision")

// ErrEmptyCommit is returned when a commit is attempted with no staged
// changes and empty commits were not allowed.
var ErrEmptyCommit = errors.New("no changes staged for commit")

// ErrInvalidPointer is returned when a pointer file does not follow the
// `version`/`oid`/`size` text format.
var ErrInvalidPointer = errors.New("invalid large-object pointer")

// ErrTransferFailed is returned when one or more large-object transfers
// exhausted their retry budget. Per-object detail is carried by the
// reconcile report, not by this error.
var ErrTransferFailed = errors.New("large-object transfer failed")

// ErrNoEndpoint is returned when pointer files require transfer but no
// large-object endpoint is configured or derivable from the remote URL.
var ErrNoEndpoint = errors.New("no large-object endpoint configured")

// ErrCommitMessage is returned when commit convention enforcement is enabled
// and a commit message does not parse as a conventional commit.
var ErrCommitMessage = errors.New("commit message violates convention")

// WrapError wraps an error with additional context while preserving
// the ability to check against sentinel errors using errors.Is().
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapErrorf wraps an error with formatted additional context while preserving
// the ability to check against sentinel errors using errors.Is().
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
