// Package gitsync provides a local-first synchronization engine.
// This file contains commit history inspection.
package gitsync

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// LogFilter narrows which commits a Log call returns.
type LogFilter struct {
	// Since includes only commits after this time.
	Since *time.Time

	// Until includes only commits before this time.
	Until *time.Time

	// Author includes only commits whose author or committer name/email
	// contains this substring.
	Author string

	// Path includes only commits that touched one of these paths.
	Path []string

	// MaxCount caps the number of commits returned. Zero means no cap.
	MaxCount int
}

// CommitIter iterates commits lazily. Next returns (nil, nil) when the
// iteration is exhausted. Close when done.
type CommitIter struct {
	iter   object.CommitIter
	author string
	max    int
	seen   int
}

// Next returns the next commit matching the filter, or (nil, nil) at the end.
func (ci *CommitIter) Next() (*object.Commit, error) {
	for {
		if ci.max > 0 && ci.seen >= ci.max {
			return nil, nil
		}

		commit, err := ci.iter.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, WrapError(err, "failed to advance commit iterator")
		}

		if ci.author != "" && !signatureMatches(commit, ci.author) {
			continue
		}

		ci.seen++
		return commit, nil
	}
}

// ForEach calls fn for every remaining commit. Iteration stops on the first
// error fn returns.
func (ci *CommitIter) ForEach(fn func(*object.Commit) error) error {
	for {
		commit, err := ci.Next()
		if err != nil {
			return err
		}
		if commit == nil {
			return nil
		}
		if err := fn(commit); err != nil {
			return err
		}
	}
}

// Close releases iterator resources.
func (ci *CommitIter) Close() {
	ci.iter.Close()
}

func signatureMatches(commit *object.Commit, needle string) bool {
	return strings.Contains(commit.Author.Name, needle) ||
		strings.Contains(commit.Author.Email, needle) ||
		strings.Contains(commit.Committer.Name, needle) ||
		strings.Contains(commit.Committer.Email, needle)
}

// Log returns an iterator over commit history starting at HEAD, filtered by
// f. Close the returned iterator when done.
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) Log(ctx context.Context, f LogFilter) (*CommitIter, error) {
	logOpts := &git.LogOptions{
		Since: f.Since,
		Until: f.Until,
	}

	if len(f.Path) > 0 {
		paths := f.Path
		logOpts.PathFilter = func(path string) bool {
			for _, p := range paths {
				if path == p || strings.HasPrefix(path, p+"/") {
					return true
				}
			}
			return false
		}
	}
	if f.MaxCount > 0 {
		logOpts.Order = git.LogOrderCommitterTime
	}

	iter, err := r.repo.Log(logOpts)
	if err != nil {
		return nil, WrapError(err, "failed to read commit history")
	}

	return &CommitIter{iter: iter, author: f.Author, max: f.MaxCount}, nil
}
