// Package gitsync provides a local-first synchronization engine.
// This file contains worktree operations (stage, remove, commit).
package gitsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Signature represents an author/committer signature for commits.
type Signature struct {
	// Name is the author's or committer's name.
	Name string

	// Email is the author's or committer's email address.
	Email string

	// When is the timestamp for the signature. The zero value means "now".
	When time.Time
}

func (s Signature) toObject() *object.Signature {
	when := s.When
	if when.IsZero() {
		when = time.Now()
	}
	return &object.Signature{Name: s.Name, Email: s.Email, When: when}
}

// CommitOpts configures commit creation behavior.
type CommitOpts struct {
	// AllowEmpty allows creating commits with no changes.
	AllowEmpty bool

	// Parents overrides the commit parents, used when committing a merge.
	Parents []string
}

// Add stages files in the worktree for the next commit. Glob patterns are
// expanded; paths that don't exist are silently ignored (matching git add
// behavior).
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	var pathsToAdd []string
	for _, path := range paths {
		if path == "" {
			continue
		}

		if strings.ContainsAny(path, "*?[") {
			matches, globErr := util.Glob(r.workFS, path)
			if globErr != nil {
				return WrapErrorf(globErr, "invalid glob pattern %q", path)
			}
			pathsToAdd = append(pathsToAdd, matches...)
			continue
		}

		if _, err := r.workFS.Stat(path); err == nil {
			pathsToAdd = append(pathsToAdd, path)
		}
	}

	for _, path := range pathsToAdd {
		if _, err := r.worktree.Add(path); err != nil {
			return WrapErrorf(err, "failed to add path %q", path)
		}
	}
	return nil
}

// StageAll stages every modification, addition, and deletion in the worktree,
// skipping the engine's own lock/backup/temp files. It reports whether
// anything was staged.
func (r *Repo) StageAll(ctx context.Context) (bool, error) {
	status, err := r.worktree.Status()
	if err != nil {
		return false, WrapError(err, "failed to get worktree status")
	}

	staged := false
	for path, fileStatus := range status {
		if fileStatus.Worktree == git.Unmodified && fileStatus.Staging == git.Unmodified {
			continue
		}
		if r.isEngineArtifact(path) {
			continue
		}

		if _, err := r.worktree.Add(path); err != nil {
			return staged, WrapErrorf(err, "failed to stage path %q", path)
		}
		staged = true
	}
	return staged, nil
}

// isEngineArtifact reports whether path is engine-owned state that must never
// be committed: metadata locks, backups, temp files, and the payload store
// that only pointer files represent in version control.
func (r *Repo) isEngineArtifact(path string) bool {
	if strings.HasSuffix(path, ".lock") ||
		strings.HasSuffix(path, ".bak") ||
		strings.Contains(path, ".tmp.") {
		return true
	}

	payloadDir := r.options.PayloadDir
	return payloadDir != "" && (path == payloadDir || strings.HasPrefix(path, payloadDir+"/"))
}

// Remove removes files from the index and worktree. Untracked files are
// silently ignored (matching git rm behavior).
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Remove(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := r.worktree.Remove(path); err != nil {
			errMsg := err.Error()
			if !strings.Contains(errMsg, "entry not found") && !strings.Contains(errMsg, "does not exist") {
				return WrapErrorf(err, "failed to remove path %q", path)
			}
		}
	}
	return nil
}

// Commit creates a new commit with the specified message and author and
// returns its SHA.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Commit(ctx context.Context, msg string, who Signature, opts CommitOpts) (string, error) {
	if msg == "" {
		return "", WrapError(ErrInvalidRef, "commit message cannot be empty")
	}
	if who.Name == "" || who.Email == "" {
		return "", WrapError(ErrInvalidRef, "committer name and email are required")
	}

	status, err := r.worktree.Status()
	if err != nil {
		return "", WrapError(err, "failed to get worktree status")
	}

	stagedCount := 0
	for _, fileStatus := range status {
		if fileStatus.Staging != git.Untracked && fileStatus.Staging != git.Unmodified {
			stagedCount++
		}
	}
	if stagedCount == 0 && !opts.AllowEmpty && len(opts.Parents) < 2 {
		return "", ErrEmptyCommit
	}

	commitOpts := &git.CommitOptions{
		Author:            who.toObject(),
		Committer:         who.toObject(),
		AllowEmptyCommits: opts.AllowEmpty || len(opts.Parents) > 1,
	}
	for _, parent := range opts.Parents {
		commitOpts.Parents = append(commitOpts.Parents, plumbing.NewHash(parent))
	}

	hash, err := r.worktree.Commit(msg, commitOpts)
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return "", ErrEmptyCommit
		}
		return "", WrapError(err, "failed to create commit")
	}
	return hash.String(), nil
}
