// Package gitsync provides a local-first synchronization engine.
// This file contains tree comparison between commits and the filter
// combinators used to narrow comparison results.
package gitsync

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
)

// ChangeFilter is a predicate over a single tree change. Filters compose with
// AndFilter, OrFilter, and NotFilter.
type ChangeFilter func(*object.Change) bool

// ChangeKind describes what happened to a path between two commits.
type ChangeKind int

const (
	// ChangeAdded means the path exists only on the new side.
	ChangeAdded ChangeKind = iota

	// ChangeModified means the path exists on both sides with different content.
	ChangeModified

	// ChangeDeleted means the path exists only on the old side.
	ChangeDeleted
)

// FileChange is a single path-level difference between two commits.
type FileChange struct {
	// Path is the file path relative to the repository root. For renames this
	// is the new name.
	Path string

	// Kind classifies the change.
	Kind ChangeKind
}

// changePath returns the path a change applies to, preferring the new name.
func changePath(change *object.Change) string {
	if change.To.Name != "" {
		return change.To.Name
	}
	return change.From.Name
}

// changeKind classifies a raw tree change.
func changeKind(change *object.Change) ChangeKind {
	switch {
	case change.From.Name == "":
		return ChangeAdded
	case change.To.Name == "":
		return ChangeDeleted
	default:
		return ChangeModified
	}
}

// changesBetween computes the raw tree changes from one commit to another.
// An empty from hash compares against the empty tree, so every path in to is
// reported as added.
func (r *Repo) changesBetween(from, to string) (object.Changes, error) {
	var fromTree *object.Tree
	if from != "" {
		commit, err := r.commitAt(from)
		if err != nil {
			return nil, err
		}
		fromTree, err = commit.Tree()
		if err != nil {
			return nil, WrapError(err, "failed to load source tree")
		}
	}

	toCommit, err := r.commitAt(to)
	if err != nil {
		return nil, err
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, WrapError(err, "failed to load target tree")
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, WrapError(err, "failed to diff trees")
	}
	return changes, nil
}

// DiffCommits returns the file-level changes from one commit to another,
// optionally narrowed by filters (all must pass).
//
// Context timeout/cancellation is honored during the operation.
func (r *Repo) DiffCommits(ctx context.Context, from, to string, filters ...ChangeFilter) ([]FileChange, error) {
	changes, err := r.changesBetween(from, to)
	if err != nil {
		return nil, err
	}

	filter := AndFilter(filters...)
	var out []FileChange
	for _, change := range changes {
		if !filter(change) {
			continue
		}
		out = append(out, FileChange{Path: changePath(change), Kind: changeKind(change)})
	}
	return out, nil
}

// PathFilter includes changes whose path matches the glob pattern. Both old
// and new names are checked so renames match either side.
func PathFilter(pattern string) ChangeFilter {
	return func(change *object.Change) bool {
		if change.From.Name != "" {
			if matched, _ := filepath.Match(pattern, change.From.Name); matched {
				return true
			}
		}
		if change.To.Name != "" {
			if matched, _ := filepath.Match(pattern, change.To.Name); matched {
				return true
			}
		}
		return false
	}
}

// PathPrefixFilter includes changes under the given directory prefix.
func PathPrefixFilter(prefix string) ChangeFilter {
	return func(change *object.Change) bool {
		return strings.HasPrefix(change.From.Name, prefix) ||
			strings.HasPrefix(change.To.Name, prefix)
	}
}

// ExtensionFilter includes changes for files with any of the given extensions.
// Extensions include the dot (".json", ".bin").
func ExtensionFilter(extensions ...string) ChangeFilter {
	extSet := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = true
	}

	return func(change *object.Change) bool {
		if change.From.Name != "" && extSet[strings.ToLower(filepath.Ext(change.From.Name))] {
			return true
		}
		if change.To.Name != "" && extSet[strings.ToLower(filepath.Ext(change.To.Name))] {
			return true
		}
		return false
	}
}

// AndFilter combines filters with AND logic. An empty filter list passes
// everything.
func AndFilter(filters ...ChangeFilter) ChangeFilter {
	return func(change *object.Change) bool {
		for _, filter := range filters {
			if filter != nil && !filter(change) {
				return false
			}
		}
		return true
	}
}

// OrFilter combines filters with OR logic. At least one must pass.
func OrFilter(filters ...ChangeFilter) ChangeFilter {
	return func(change *object.Change) bool {
		for _, filter := range filters {
			if filter != nil && filter(change) {
				return true
			}
		}
		return false
	}
}

// NotFilter inverts a filter.
func NotFilter(filter ChangeFilter) ChangeFilter {
	return func(change *object.Change) bool {
		return filter == nil || !filter(change)
	}
}
