package gitsync

import (
	"context"
	"io"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	fsb "github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/stretchr/testify/require"
)

// testRepo bundles a repository over an in-memory filesystem.
type testRepo struct {
	repo *Repo
	fs   *fsb.FS
	opts *Options
	ctx  context.Context
}

// setupTestRepo creates a repository with one initial commit on master.
func setupTestRepo(t *testing.T) *testRepo {
	t.Helper()

	ctx := context.Background()
	memFS := fsb.NewInMemoryFS()

	opts := &Options{
		FS:              memFS,
		Workdir:         ".",
		OwnerID:         "test#1",
		PayloadCacheDir: t.TempDir(),
	}

	repo, err := InitRepo(ctx, opts)
	require.NoError(t, err, "failed to initialize test repository")

	tr := &testRepo{repo: repo, fs: memFS, opts: opts, ctx: ctx}
	tr.writeFile(t, "README.md", "hello\n")
	tr.commitAll(t, "initial commit")
	return tr
}

func (tr *testRepo) writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, tr.fs.WriteFile(path, []byte(content), 0o644))
}

func (tr *testRepo) removeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, tr.repo.Remove(tr.ctx, path))
}

func (tr *testRepo) readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := tr.fs.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// commitAll stages everything and commits, returning the new SHA.
func (tr *testRepo) commitAll(t *testing.T, msg string) string {
	t.Helper()

	_, err := tr.repo.StageAll(tr.ctx)
	require.NoError(t, err)

	sha, err := tr.repo.Commit(tr.ctx, msg, testSignature(), CommitOpts{AllowEmpty: true})
	require.NoError(t, err, "failed to commit")
	return sha
}

func testSignature() Signature {
	return Signature{Name: "Test", Email: "test@example.com"}
}

// setRemoteRef plants a remote-tracking ref directly, standing in for a
// fetch.
func (tr *testRepo) setRemoteRef(t *testing.T, remote, branch, hash string) {
	t.Helper()

	ref := plumbing.NewHashReference(
		plumbing.NewRemoteReferenceName(remote, branch),
		plumbing.NewHash(hash),
	)
	require.NoError(t, tr.repo.repo.Storer.SetReference(ref))
}

// checkout moves the branch and worktree to an earlier commit so a divergent
// history can be built on top.
func (tr *testRepo) checkout(t *testing.T, branch, hash string) {
	t.Helper()
	require.NoError(t, tr.repo.WriteBranchRef(tr.ctx, branch, hash, true))
}

// fakeGateway satisfies remoteGateway without any transport. Hooks run
// before the injected error is returned so tests can plant remote refs at
// fetch time.
type fakeGateway struct {
	probeErr error
	fetchErr error
	pushErr  error

	onFetch func()
	onPush  func()

	fetches int
	pushes  int
}

func (g *fakeGateway) Probe(ctx context.Context, name string) error {
	return g.probeErr
}

func (g *fakeGateway) Fetch(ctx context.Context, name string, progress io.Writer) error {
	g.fetches++
	if g.onFetch != nil {
		g.onFetch()
	}
	return g.fetchErr
}

func (g *fakeGateway) Push(ctx context.Context, name string, progress io.Writer) error {
	g.pushes++
	if g.onPush != nil {
		g.onPush()
	}
	return g.pushErr
}

// testEngine bundles an engine wired to a fake gateway.
type testEngine struct {
	*testRepo
	eng *Engine
	gw  *fakeGateway
}

// setupTestEngine builds an engine over a fresh repository with a remote
// configured and the gateway replaced by a fake.
func setupTestEngine(t *testing.T) *testEngine {
	t.Helper()

	tr := setupTestRepo(t)
	require.NoError(t, tr.repo.AddRemote(tr.ctx, "origin", "https://example.invalid/repo.git"))

	eng, err := New(tr.ctx, tr.opts)
	require.NoError(t, err, "failed to build engine")

	gw := &fakeGateway{}
	eng.gateway = gw

	// The engine opened its own view over the shared filesystem; keep using
	// it so ref updates are visible to assertions.
	tr.repo = eng.repo
	return &testEngine{testRepo: tr, eng: eng, gw: gw}
}
