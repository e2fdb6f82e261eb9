package gitsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oidOf(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func writePointer(t *testing.T, tr *testRepo, path, payload string) *Pointer {
	t.Helper()
	p := &Pointer{Oid: oidOf(payload), Size: int64(len(payload))}
	tr.writeFile(t, path, string(p.Encode()))
	return p
}

// batchTransferServer serves the batch endpoint plus direct GET/PUT hrefs
// backed by an in-memory object map.
func batchTransferServer(t *testing.T, objects map[string]string) (*httptest.Server, map[string]string) {
	t.Helper()

	uploaded := make(map[string]string)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/objects/batch":
			var req struct {
				Operation string `json:"operation"`
				Objects   []struct {
					Oid  string `json:"oid"`
					Size int64  `json:"size"`
				} `json:"objects"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			type action struct {
				Href string `json:"href"`
			}
			type respObject struct {
				Oid     string             `json:"oid"`
				Size    int64              `json:"size"`
				Actions map[string]*action `json:"actions,omitempty"`
			}
			var resp struct {
				Objects []respObject `json:"objects"`
			}
			for _, obj := range req.Objects {
				out := respObject{Oid: obj.Oid, Size: obj.Size}
				_, have := objects[obj.Oid]
				if (req.Operation == "download" && have) || req.Operation == "upload" {
					out.Actions = map[string]*action{
						req.Operation: {Href: srv.URL + "/data/" + obj.Oid},
					}
				}
				resp.Objects = append(resp.Objects, out)
			}
			w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
			require.NoError(t, json.NewEncoder(w).Encode(resp))

		case r.Method == http.MethodGet:
			oid := r.URL.Path[len("/data/"):]
			payload, ok := objects[oid]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, payload)

		case r.Method == http.MethodPut:
			oid := r.URL.Path[len("/data/"):]
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			uploaded[oid] = string(body)
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, uploaded
}

// TestScanPointersRepairsCorrupt tests pointer regeneration from an intact
// local payload, with no endpoint at all.
func TestScanPointersRepairsCorrupt(t *testing.T) {
	tr := setupTestRepo(t)
	rc := newReconciler(tr.repo, tr.opts)
	require.Nil(t, rc.client, "no remote and no endpoint means offline reconciler")

	payload := "surviving payload bytes"
	tr.writeFile(t, ".lfs-objects/data.bin", payload)
	tr.writeFile(t, "lfs/data.bin", "") // crashed writer left it empty

	pointers, recovered, failed, err := rc.ScanPointers(tr.ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	require.Equal(t, []string{"lfs/data.bin"}, recovered)
	require.Len(t, pointers, 1)

	// The rewritten pointer describes the payload exactly.
	content := tr.readFile(t, "lfs/data.bin")
	p, err := ParsePointer([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, oidOf(payload), p.Oid)
	assert.EqualValues(t, len(payload), p.Size)
}

// TestScanPointersUnrecoverable tests that a corrupt pointer with no payload
// is reported, not guessed at.
func TestScanPointersUnrecoverable(t *testing.T) {
	tr := setupTestRepo(t)
	rc := newReconciler(tr.repo, tr.opts)

	tr.writeFile(t, "lfs/ghost.bin", "not a pointer at all")

	pointers, recovered, failed, err := rc.ScanPointers(tr.ctx)
	require.NoError(t, err)
	assert.Empty(t, pointers)
	assert.Empty(t, recovered)
	require.Len(t, failed, 1)
	assert.Equal(t, "lfs/ghost.bin", failed[0].Path)
	assert.True(t, errors.Is(failed[0].Err, ErrInvalidPointer))
}

// TestReconcileDownloadsMissingPayload tests the full negotiate-then-GET
// path with hash verification and cache placement.
func TestReconcileDownloadsMissingPayload(t *testing.T) {
	payload := "big remote object"
	srv, _ := batchTransferServer(t, map[string]string{oidOf(payload): payload})

	tr := setupTestRepo(t)
	tr.opts.LFSEndpoint = srv.URL
	rc := newReconciler(tr.repo, tr.opts)

	writePointer(t, tr, "lfs/data.bin", payload)

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "failures: %v", report.Failed)
	assert.Equal(t, []string{oidOf(payload)}, report.Downloaded)

	assert.Equal(t, payload, tr.readFile(t, ".lfs-objects/data.bin"))

	// The verified payload also landed in the cache under its oid.
	cached, err := rc.cacheFS.Open(oidOf(payload))
	require.NoError(t, err)
	data, err := io.ReadAll(cached)
	require.NoError(t, err)
	require.NoError(t, cached.Close())
	assert.Equal(t, payload, string(data))
}

// TestReconcileSkipsOmittedObjects tests the non-fatal skip for objects the
// endpoint has no action for.
func TestReconcileSkipsOmittedObjects(t *testing.T) {
	srv, _ := batchTransferServer(t, map[string]string{}) // server has nothing

	tr := setupTestRepo(t)
	tr.opts.LFSEndpoint = srv.URL
	rc := newReconciler(tr.repo, tr.opts)

	p := writePointer(t, tr, "lfs/data.bin", "never uploaded anywhere")

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, []string{p.Oid}, report.Skipped)
	assert.Empty(t, report.Downloaded)
}

// TestReconcileRejectsHashMismatch tests that a payload whose bytes do not
// match the negotiated oid is discarded.
func TestReconcileRejectsHashMismatch(t *testing.T) {
	payload := "expected content"
	// Server stores tampered bytes under the oid of the expected content.
	srv, _ := batchTransferServer(t, map[string]string{oidOf(payload): "tampered content"})

	tr := setupTestRepo(t)
	tr.opts.LFSEndpoint = srv.URL
	rc := newReconciler(tr.repo, tr.opts)

	writePointer(t, tr, "lfs/data.bin", payload)

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.True(t, errors.Is(report.Failed[0].Err, ErrTransferFailed))

	_, statErr := tr.repo.workFS.Stat(".lfs-objects/data.bin")
	assert.Error(t, statErr, "tampered payload must not be placed")
}

// TestReconcileUploadsModifiedPayload tests pointer regeneration plus PUT
// for a payload edited in place.
func TestReconcileUploadsModifiedPayload(t *testing.T) {
	srv, uploaded := batchTransferServer(t, map[string]string{})

	tr := setupTestRepo(t)
	tr.opts.LFSEndpoint = srv.URL
	rc := newReconciler(tr.repo, tr.opts)

	// Pointer describes the old content; payload has since been edited.
	writePointer(t, tr, "lfs/data.bin", "old content")
	newPayload := "edited content, longer than before"
	tr.writeFile(t, ".lfs-objects/data.bin", newPayload)

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "failures: %v", report.Failed)
	assert.Equal(t, []string{oidOf(newPayload)}, report.Uploaded)

	// The pointer was rewritten before upload and reported so the caller
	// knows to commit it.
	p, err := ParsePointer([]byte(tr.readFile(t, "lfs/data.bin")))
	require.NoError(t, err)
	assert.Equal(t, oidOf(newPayload), p.Oid)
	assert.EqualValues(t, len(newPayload), p.Size)
	assert.Equal(t, []string{"lfs/data.bin"}, report.Recovered)

	assert.Equal(t, newPayload, uploaded[oidOf(newPayload)])
}

// writeBlockingFS fails writes to one path while leaving reads untouched.
type writeBlockingFS struct {
	billy.Filesystem
	blocked string
}

func (f writeBlockingFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if name == f.blocked && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, fmt.Errorf("open %s: permission denied", name)
	}
	return f.Filesystem.OpenFile(name, flag, perm)
}

// TestReconcileFailedRepairNotUploaded tests that a modified payload whose
// pointer rewrite fails is dropped from the upload batch; sending the new
// bytes under the stale oid would corrupt the server store.
func TestReconcileFailedRepairNotUploaded(t *testing.T) {
	srv, uploaded := batchTransferServer(t, map[string]string{})

	tr := setupTestRepo(t)
	tr.opts.LFSEndpoint = srv.URL
	rc := newReconciler(tr.repo, tr.opts)

	stale := writePointer(t, tr, "lfs/data.bin", "old content")
	tr.writeFile(t, ".lfs-objects/data.bin", "edited content, longer than before")

	tr.repo.workFS = writeBlockingFS{Filesystem: tr.repo.workFS, blocked: "lfs/data.bin"}

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "lfs/data.bin", report.Failed[0].Path)
	assert.Empty(t, report.Uploaded)
	assert.Empty(t, report.Recovered)
	assert.Empty(t, uploaded, "nothing may be stored under the stale oid")

	// The stale pointer is untouched on disk.
	p, err := ParsePointer([]byte(tr.readFile(t, "lfs/data.bin")))
	require.NoError(t, err)
	assert.Equal(t, stale.Oid, p.Oid)
}

// TestReconcileNoEndpoint tests that missing payloads without an endpoint
// are reported per object rather than failing the pass.
func TestReconcileNoEndpoint(t *testing.T) {
	tr := setupTestRepo(t)
	rc := newReconciler(tr.repo, tr.opts)

	p := writePointer(t, tr, "lfs/data.bin", "unreachable payload")

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, p.Oid, report.Failed[0].Oid)
	assert.True(t, errors.Is(report.Failed[0].Err, ErrNoEndpoint))
}

// TestReconcileFailureIsolation tests that one bad object does not stop the
// others from transferring.
func TestReconcileFailureIsolation(t *testing.T) {
	good := "good payload"
	bad := "bad payload"
	srv, _ := batchTransferServer(t, map[string]string{
		oidOf(good): good,
		oidOf(bad):  "corrupted on the wire",
	})

	tr := setupTestRepo(t)
	tr.opts.LFSEndpoint = srv.URL
	rc := newReconciler(tr.repo, tr.opts)

	writePointer(t, tr, "lfs/good.bin", good)
	writePointer(t, tr, "lfs/bad.bin", bad)

	report, err := rc.Reconcile(tr.ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{oidOf(good)}, report.Downloaded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, oidOf(bad), report.Failed[0].Oid)

	assert.Equal(t, good, tr.readFile(t, ".lfs-objects/good.bin"))
}
