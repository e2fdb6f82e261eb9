package gitsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAdd tests explicit staging, including globs and missing paths.
func TestAdd(t *testing.T) {
	tr := setupTestRepo(t)

	tr.writeFile(t, "a.txt", "a\n")
	tr.writeFile(t, "b.txt", "b\n")
	tr.writeFile(t, "c.md", "c\n")

	require.NoError(t, tr.repo.Add(tr.ctx, "*.txt"))
	require.NoError(t, tr.repo.Add(tr.ctx, "does-not-exist.txt"), "missing paths are ignored")

	sha, err := tr.repo.Commit(tr.ctx, "add text files", testSignature(), CommitOpts{})
	require.NoError(t, err)

	data, err := tr.repo.ReadBlob(sha, "a.txt")
	require.NoError(t, err)
	assert.NotNil(t, data)

	data, err = tr.repo.ReadBlob(sha, "c.md")
	require.NoError(t, err)
	assert.Nil(t, data, "unstaged file must not be committed")
}

// TestCommitEmpty tests the empty-commit guard and its overrides.
func TestCommitEmpty(t *testing.T) {
	tr := setupTestRepo(t)

	_, err := tr.repo.Commit(tr.ctx, "nothing staged", testSignature(), CommitOpts{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyCommit))

	sha, err := tr.repo.Commit(tr.ctx, "deliberately empty", testSignature(), CommitOpts{AllowEmpty: true})
	require.NoError(t, err)
	assert.NotEmpty(t, sha)
}

// TestCommitValidation tests required message and signature fields.
func TestCommitValidation(t *testing.T) {
	tr := setupTestRepo(t)

	_, err := tr.repo.Commit(tr.ctx, "", testSignature(), CommitOpts{})
	require.Error(t, err)

	_, err = tr.repo.Commit(tr.ctx, "msg", Signature{Name: "no email"}, CommitOpts{})
	require.Error(t, err)
}

// TestStageAll tests bulk staging with artifact exclusion.
func TestStageAll(t *testing.T) {
	tr := setupTestRepo(t)

	staged, err := tr.repo.StageAll(tr.ctx)
	require.NoError(t, err)
	assert.False(t, staged, "clean worktree stages nothing")

	tr.writeFile(t, "real.txt", "content\n")
	tr.writeFile(t, "meta.json.lock", "{}")

	staged, err = tr.repo.StageAll(tr.ctx)
	require.NoError(t, err)
	assert.True(t, staged)

	sha, err := tr.repo.Commit(tr.ctx, "changes", testSignature(), CommitOpts{})
	require.NoError(t, err)

	data, err := tr.repo.ReadBlob(sha, "meta.json.lock")
	require.NoError(t, err)
	assert.Nil(t, data, "lock files stay out of history")
}

// TestRemove tests staged deletion and tolerance for untracked paths.
func TestRemove(t *testing.T) {
	tr := setupTestRepo(t)

	require.NoError(t, tr.repo.Remove(tr.ctx, "README.md"))
	require.NoError(t, tr.repo.Remove(tr.ctx, "never-existed.txt"))

	sha, err := tr.repo.Commit(tr.ctx, "remove readme", testSignature(), CommitOpts{})
	require.NoError(t, err)

	data, err := tr.repo.ReadBlob(sha, "README.md")
	require.NoError(t, err)
	assert.Nil(t, data)
}

// TestMergeCommitParents tests that merge commits carry both parents even
// with an empty tree delta.
func TestMergeCommitParents(t *testing.T) {
	tr := setupTestRepo(t)
	base, err := tr.repo.BranchHash("master")
	require.NoError(t, err)

	tr.writeFile(t, "side.txt", "side\n")
	side := tr.commitAll(t, "side commit")
	tr.checkout(t, "master", base)

	tr.writeFile(t, "main.txt", "main\n")
	local := tr.commitAll(t, "main commit")

	merged, err := tr.repo.mergeCommit(tr.ctx, "join histories", testSignature(), local, side)
	require.NoError(t, err)

	commit, err := tr.repo.commitAt(merged)
	require.NoError(t, err)
	assert.Equal(t, 2, commit.NumParents())
}
