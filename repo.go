// Package gitsync provides a local-first synchronization engine.
// This file contains repository discovery and creation on top of go-git,
// operating exclusively through the project's native filesystem abstraction.
package gitsync

import (
	"context"

	gobilly "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/input-output-hk/catalyst-forge-libs/gitsync/internal/fsbridge"
)

// Repo is the narrow facade over go-git the sync engine consumes. It wraps a
// repository with a worktree; bare repositories are not supported because the
// engine commits and merges working-tree content.
type Repo struct {
	repo     *git.Repository
	worktree *git.Worktree

	fs      fs.Filesystem
	workFS  gobilly.Filesystem // worktree root
	gitFS   gobilly.Filesystem // control directory (.git)
	options *Options
}

// repoStorage prepares go-git storage and the worktree filesystem for the
// configured workdir.
func repoStorage(opts *Options) (*filesystem.Storage, gobilly.Filesystem, gobilly.Filesystem, error) {
	billyFS, err := fsbridge.ToBilly(opts.FS)
	if err != nil {
		return nil, nil, nil, WrapError(err, "filesystem conversion failed")
	}

	scopedFS, err := fsbridge.Scope(billyFS, opts.Workdir)
	if err != nil {
		return nil, nil, nil, WrapErrorf(err, "failed to scope to workdir %q", opts.Workdir)
	}

	dotGitFS, err := fsbridge.Scope(scopedFS, git.GitDirName)
	if err != nil {
		return nil, nil, nil, WrapError(err, "failed to access .git directory")
	}

	return fsbridge.NewStorage(dotGitFS, opts.StorerCacheSize), scopedFS, dotGitFS, nil
}

// InitRepo creates a new repository at the configured workdir.
func InitRepo(ctx context.Context, opts *Options) (*Repo, error) {
	if err := opts.Validate(); err != nil {
		return nil, WrapError(err, "invalid options")
	}
	opts.applyDefaults()

	storage, worktreeFS, dotGitFS, err := repoStorage(opts)
	if err != nil {
		return nil, err
	}

	repo, err := git.Init(storage, worktreeFS)
	if err != nil {
		return nil, WrapError(err, "failed to initialize repository")
	}

	return newRepo(repo, worktreeFS, dotGitFS, opts)
}

// OpenRepo opens an existing repository at the configured workdir.
func OpenRepo(ctx context.Context, opts *Options) (*Repo, error) {
	if err := opts.Validate(); err != nil {
		return nil, WrapError(err, "invalid options")
	}
	opts.applyDefaults()

	storage, worktreeFS, dotGitFS, err := repoStorage(opts)
	if err != nil {
		return nil, err
	}

	repo, err := git.Open(storage, worktreeFS)
	if err != nil {
		return nil, WrapError(err, "failed to open repository")
	}

	return newRepo(repo, worktreeFS, dotGitFS, opts)
}

func newRepo(repo *git.Repository, worktreeFS, dotGitFS gobilly.Filesystem, opts *Options) (*Repo, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, WrapError(err, "failed to get worktree")
	}

	return &Repo{
		repo:     repo,
		worktree: worktree,
		fs:       opts.FS,
		workFS:   worktreeFS,
		gitFS:    dotGitFS,
		options:  opts,
	}, nil
}

// WorktreeFS exposes the worktree-scoped filesystem for callers that need to
// inspect or stage produced files (the reconciler, tests).
//
//nolint:ireturn // chroot-scoped filesystems are interfaces by construction
func (r *Repo) WorktreeFS() gobilly.Filesystem {
	return r.workFS
}

// ControlFS exposes the control-directory filesystem holding the sync lock.
//
//nolint:ireturn // chroot-scoped filesystems are interfaces by construction
func (r *Repo) ControlFS() gobilly.Filesystem {
	return r.gitFS
}
