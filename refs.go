// Package gitsync provides a local-first synchronization engine.
// This file contains reference operations: resolution, branch refs,
// merge-base computation, and blob reads.
package gitsync

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CurrentBranch returns the name of the currently checked out branch.
// It returns an error if HEAD is in a detached state.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", WrapError(err, "failed to get HEAD reference")
	}

	if !head.Name().IsBranch() {
		return "", WrapError(ErrResolveFailed, "HEAD is detached")
	}
	return head.Name().Short(), nil
}

// Resolve resolves a revision specification (branch, tag, SHA, HEAD) to a
// commit hash.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Resolve(ctx context.Context, rev string) (string, error) {
	if rev == "" {
		return "", WrapError(ErrInvalidRef, "revision cannot be empty")
	}

	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", WrapErrorf(ErrResolveFailed, "failed to resolve %q", rev)
	}
	return hash.String(), nil
}

// BranchHash returns the commit hash the named local branch points at, or
// ("", nil) when the branch does not exist.
func (r *Repo) BranchHash(name string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", WrapErrorf(err, "failed to read branch %q", name)
	}
	return ref.Hash().String(), nil
}

// RemoteBranchHash returns the commit hash of the remote-tracking ref
// refs/remotes/<remote>/<branch>, or ("", nil) when it does not exist.
func (r *Repo) RemoteBranchHash(remote, branch string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", WrapErrorf(err, "failed to read remote branch %s/%s", remote, branch)
	}
	return ref.Hash().String(), nil
}

// WriteBranchRef moves the named local branch to the given commit. When
// checkout is true the worktree is reset to match, discarding uncommitted
// changes; callers only pass checkout after conflicts are ruled out.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) WriteBranchRef(ctx context.Context, name, hash string, checkout bool) error {
	if name == "" {
		return WrapError(ErrInvalidRef, "branch name cannot be empty")
	}

	target := plumbing.NewHash(hash)
	branchRef := plumbing.NewBranchReferenceName(name)
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(branchRef, target)); err != nil {
		return WrapErrorf(err, "failed to update branch %q", name)
	}

	if !checkout {
		return nil
	}

	if err := r.worktree.Reset(&git.ResetOptions{Commit: target, Mode: git.HardReset}); err != nil {
		return WrapError(err, "failed to reset worktree to updated branch")
	}
	return nil
}

// Branches returns the names of all local branches, sorted.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Branches(ctx context.Context) ([]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, WrapError(err, "failed to list branches")
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, WrapError(err, "failed to iterate branches")
	}

	sort.Strings(names)
	return names, nil
}

// commitAt loads the commit object for a hash string.
func (r *Repo) commitAt(hash string) (*object.Commit, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, WrapErrorf(ErrResolveFailed, "no commit at %s", hash)
	}
	return commit, nil
}

// MergeBase returns the nearest common ancestor of two commits, or ("", nil)
// when the histories are unrelated.
func (r *Repo) MergeBase(ours, theirs string) (string, error) {
	oursCommit, err := r.commitAt(ours)
	if err != nil {
		return "", err
	}
	theirsCommit, err := r.commitAt(theirs)
	if err != nil {
		return "", err
	}

	bases, err := oursCommit.MergeBase(theirsCommit)
	if err != nil {
		return "", WrapError(err, "failed to compute merge base")
	}
	if len(bases) == 0 {
		return "", nil
	}
	return bases[0].Hash.String(), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	ancestorCommit, err := r.commitAt(ancestor)
	if err != nil {
		return false, err
	}
	descendantCommit, err := r.commitAt(descendant)
	if err != nil {
		return false, err
	}

	ok, err := ancestorCommit.IsAncestor(descendantCommit)
	if err != nil {
		return false, WrapError(err, "failed to walk commit history")
	}
	return ok, nil
}

// ReadBlob returns the content of path at the given commit, or (nil, nil)
// when the path does not exist there. Conflict records are assembled from
// these reads.
func (r *Repo) ReadBlob(commitHash, path string) ([]byte, error) {
	commit, err := r.commitAt(commitHash)
	if err != nil {
		return nil, err
	}

	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, nil
		}
		return nil, WrapErrorf(err, "failed to read %q at %s", path, commitHash)
	}

	reader, err := file.Blob.Reader()
	if err != nil {
		return nil, WrapErrorf(err, "failed to open blob for %q", path)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, WrapErrorf(err, "failed to read blob for %q", path)
	}
	return data, nil
}
