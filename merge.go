// Package gitsync provides a local-first synchronization engine.
// This file contains three-way merge analysis: classifying divergent
// histories into cleanly combinable changes and true conflicts.
package gitsync

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/util"
)

// Conflict describes a path that both local and remote history changed in
// incompatible ways. All three versions are included so callers can present
// a resolution UI or apply a policy without further repository reads.
type Conflict struct {
	// Path is the conflicting file path relative to the repository root.
	Path string

	// Base is the common-ancestor content, nil when the path did not exist
	// at the merge base.
	Base []byte

	// Ours is the local content, nil when the local side deleted the path.
	Ours []byte

	// Theirs is the remote content, nil when the remote side deleted the path.
	Theirs []byte

	// IsNew means both sides created the path independently; there is no
	// base version to diff against.
	IsNew bool

	// IsLFS means the path holds a large-object pointer rather than real
	// content: either a side carries pointer text, or the path lives under
	// the pointer directory (a corrupt pointer is still a pointer).
	IsLFS bool
}

// mergePlan is the outcome of three-way analysis between local and remote
// branch tips.
type mergePlan struct {
	// conflicts holds paths both sides changed to different content,
	// sorted by path.
	conflicts []Conflict

	// apply holds remote-only changes to lay into the worktree before the
	// merge commit. A nil value means the path was deleted remotely.
	apply map[string][]byte
}

// analyzeMerge classifies every path changed on either side since base.
// Paths changed on one side only are clean. Paths changed on both sides are
// clean when the final bytes converged and conflicts otherwise. An empty base
// means unrelated histories; every path is then treated as independently
// created.
func (r *Repo) analyzeMerge(base, ours, theirs string) (*mergePlan, error) {
	oursChanges, err := r.changesBetween(base, ours)
	if err != nil {
		return nil, WrapError(err, "failed to diff local history")
	}
	theirsChanges, err := r.changesBetween(base, theirs)
	if err != nil {
		return nil, WrapError(err, "failed to diff remote history")
	}

	oursTouched := make(map[string]bool, len(oursChanges))
	for _, change := range oursChanges {
		oursTouched[changePath(change)] = true
	}

	plan := &mergePlan{apply: make(map[string][]byte)}
	for _, change := range theirsChanges {
		path := changePath(change)

		theirsContent, err := r.ReadBlob(theirs, path)
		if err != nil {
			return nil, err
		}

		if !oursTouched[path] {
			plan.apply[path] = theirsContent
			continue
		}

		oursContent, err := r.ReadBlob(ours, path)
		if err != nil {
			return nil, err
		}

		// Both sides arrived at identical content (or both deleted).
		if bytes.Equal(oursContent, theirsContent) {
			continue
		}

		var baseContent []byte
		if base != "" {
			baseContent, err = r.ReadBlob(base, path)
			if err != nil {
				return nil, err
			}
		}

		plan.conflicts = append(plan.conflicts, Conflict{
			Path:   path,
			Base:   baseContent,
			Ours:   oursContent,
			Theirs: theirsContent,
			IsNew:  baseContent == nil,
			IsLFS:  r.isPointerPath(path) || IsPointerContent(oursContent) || IsPointerContent(theirsContent),
		})
	}

	sort.Slice(plan.conflicts, func(i, j int) bool {
		return plan.conflicts[i].Path < plan.conflicts[j].Path
	})
	return plan, nil
}

// isPointerPath reports whether path lies within the pointer directory.
func (r *Repo) isPointerPath(path string) bool {
	dir := r.options.PointerDir
	return dir != "" && strings.HasPrefix(path, dir+"/")
}

// applyFiles writes the given path contents into the worktree and stages
// them. A nil content deletes the path. Used both for clean merge application
// and for caller-supplied conflict resolutions.
func (r *Repo) applyFiles(ctx context.Context, files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		content := files[path]
		if content == nil {
			if err := r.Remove(ctx, path); err != nil {
				return err
			}
			continue
		}

		if dir := filepath.Dir(path); dir != "." {
			if err := r.workFS.MkdirAll(dir, 0o755); err != nil {
				return WrapErrorf(err, "failed to create directory for %q", path)
			}
		}
		if err := util.WriteFile(r.workFS, path, content, 0o644); err != nil {
			return WrapErrorf(err, "failed to write %q", path)
		}
		if _, err := r.worktree.Add(path); err != nil {
			return WrapErrorf(err, "failed to stage %q", path)
		}
	}
	return nil
}

// mergeCommit creates a commit joining local and remote history. The worktree
// must already contain the merged content, staged.
func (r *Repo) mergeCommit(ctx context.Context, msg string, who Signature, ours, theirs string) (string, error) {
	return r.Commit(ctx, msg, who, CommitOpts{Parents: []string{ours, theirs}})
}
