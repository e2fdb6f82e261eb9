// Package gitsync provides a local-first synchronization engine.
// This file contains large-object reconciliation: keeping the payload store
// consistent with the pointer files under version control.
package gitsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/input-output-hk/catalyst-forge-libs/gitsync/internal/lfsapi"
)

// PointerFile pairs a pointer file in the worktree with its parsed content
// and the payload path it maps to.
type PointerFile struct {
	// PointerPath is the pointer file path relative to the worktree root.
	PointerPath string

	// PayloadPath is where the payload lives, mirroring the pointer tree
	// under the payload directory.
	PayloadPath string

	// Pointer is the parsed pointer, nil when the pointer file is corrupt.
	Pointer *Pointer
}

// TransferError records one object that failed to reconcile. Failures are
// isolated per object so one bad transfer cannot sink the rest.
type TransferError struct {
	Oid  string
	Path string
	Err  error
}

func (e TransferError) Error() string {
	return fmt.Sprintf("transfer failed for %s (%s): %v", e.Path, e.Oid, e.Err)
}

func (e TransferError) Unwrap() error { return e.Err }

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	// Downloaded lists object ids fetched into the payload store.
	Downloaded []string

	// Uploaded lists object ids sent to the endpoint.
	Uploaded []string

	// Recovered lists pointer paths whose pointer file was regenerated to
	// match the local payload, either during the scan (crash recovery) or
	// because the payload was edited in place. Recovered pointers need a
	// commit to enter history.
	Recovered []string

	// Skipped lists object ids the endpoint had no transfer action for.
	Skipped []string

	// Failed lists per-object transfer failures.
	Failed []TransferError
}

// Clean reports whether the pass completed without per-object failures.
func (r *ReconcileReport) Clean() bool { return len(r.Failed) == 0 }

// Reconciler keeps payloads and pointer files consistent, transferring
// missing objects through the batch endpoint when one is configured.
type Reconciler struct {
	repo       *Repo
	client     *lfsapi.Client
	cacheFS    billy.Filesystem
	pointerDir string
	payloadDir string
	logger     *slog.Logger
}

// transferHeaderProvider is implemented by auth providers that can supply
// static headers for payload transfers.
type transferHeaderProvider interface {
	TransferHeader() map[string]string
}

// newReconciler wires a reconciler from engine options. A missing endpoint is
// not an error; the reconciler then works offline and reports undownloadable
// objects instead of transferring them.
func newReconciler(repo *Repo, opts *Options) *Reconciler {
	endpoint := opts.LFSEndpoint
	if endpoint == "" {
		if url, err := repo.RemoteURL(opts.Remote); err == nil {
			if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
				endpoint = strings.TrimSuffix(url, "/") + "/info/lfs"
			}
		}
	}

	var client *lfsapi.Client
	if endpoint != "" {
		var header map[string]string
		if hp, ok := opts.Auth.(transferHeaderProvider); ok {
			header = hp.TransferHeader()
		}
		client = lfsapi.New(endpoint, opts.HTTPClient, header, opts.logger())
	}

	cacheDir := opts.PayloadCacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(xdg.CacheHome, "gitsync", "objects")
	}

	return &Reconciler{
		repo:       repo,
		client:     client,
		cacheFS:    osfs.New(cacheDir),
		pointerDir: opts.PointerDir,
		payloadDir: opts.PayloadDir,
		logger:     opts.logger(),
	}
}

// payloadPathFor maps a pointer path to its payload path by swapping the
// directory prefix.
func (rc *Reconciler) payloadPathFor(pointerPath string) string {
	rel := strings.TrimPrefix(pointerPath, rc.pointerDir+"/")
	return rc.payloadDir + "/" + rel
}

// ScanPointers walks the pointer directory and classifies every pointer file.
// Corrupt or empty pointer files whose payload survived locally are repaired
// in place; this is the recovery path after a crashed writer, and it needs no
// network. Returns the healthy pointer files needing a payload check, the
// repaired pointer paths, and the unrecoverable failures.
func (rc *Reconciler) ScanPointers(ctx context.Context) ([]PointerFile, []string, []TransferError, error) {
	if _, err := rc.repo.workFS.Stat(rc.pointerDir); err != nil {
		return nil, nil, nil, nil
	}

	var (
		pointers  []PointerFile
		recovered []string
		failed    []TransferError
	)

	err := util.Walk(rc.repo.workFS, rc.pointerDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		content, err := util.ReadFile(rc.repo.workFS, path)
		if err != nil {
			return WrapErrorf(err, "failed to read pointer %q", path)
		}

		pf := PointerFile{PointerPath: path, PayloadPath: rc.payloadPathFor(path)}

		ptr, parseErr := ParsePointer(content)
		if parseErr != nil {
			repairedPtr, repairErr := rc.repairPointer(pf)
			if repairErr != nil {
				rc.logger.Warn("unrecoverable pointer file", "path", path, "error", parseErr)
				failed = append(failed, TransferError{Path: path, Err: WrapError(ErrInvalidPointer, parseErr.Error())})
				return nil
			}
			recovered = append(recovered, path)
			pf.Pointer = repairedPtr
			pointers = append(pointers, pf)
			return nil
		}

		pf.Pointer = ptr
		pointers = append(pointers, pf)
		return nil
	})
	if err != nil {
		return nil, nil, nil, WrapError(err, "failed to scan pointer directory")
	}

	return pointers, recovered, failed, nil
}

// repairPointer rebuilds a pointer file from its local payload. Only the
// pointer is rewritten; the payload already matches what the pointer should
// describe, so nothing is transferred.
func (rc *Reconciler) repairPointer(pf PointerFile) (*Pointer, error) {
	payload, err := rc.repo.workFS.Open(pf.PayloadPath)
	if err != nil {
		return nil, WrapErrorf(err, "no payload to repair %q from", pf.PointerPath)
	}
	defer payload.Close()

	ptr, err := PointerFromPayload(payload)
	if err != nil {
		return nil, WrapErrorf(err, "failed to hash payload for %q", pf.PointerPath)
	}

	if err := util.WriteFile(rc.repo.workFS, pf.PointerPath, ptr.Encode(), 0o644); err != nil {
		return nil, WrapErrorf(err, "failed to rewrite pointer %q", pf.PointerPath)
	}

	rc.logger.Info("repaired pointer file from local payload",
		"path", pf.PointerPath, "oid", ptr.Oid)
	return ptr, nil
}

// Reconcile brings the payload store in line with the pointer files. Missing
// payloads are downloaded through the batch endpoint; payloads modified
// locally get their pointer regenerated and are uploaded. Per-object failures
// land in the report, not in the returned error.
//
// Context timeout/cancellation is honored during transfers.
func (rc *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	pointers, recovered, scanFailed, err := rc.ScanPointers(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Recovered: recovered, Failed: scanFailed}

	var missing, modified []PointerFile
	for _, pf := range pointers {
		info, statErr := rc.repo.workFS.Stat(pf.PayloadPath)
		switch {
		case statErr != nil:
			missing = append(missing, pf)
		case info.Size() != pf.Pointer.Size:
			modified = append(modified, pf)
		}
	}

	// Modified payloads get a fresh pointer before upload so the committed
	// pointer always describes the bytes that were actually stored. A failed
	// rewrite drops the object from the batch; uploading the new bytes under
	// the stale oid would poison the server store.
	uploads := make([]PointerFile, 0, len(modified))
	for _, pf := range modified {
		ptr, repairErr := rc.repairPointer(pf)
		if repairErr != nil {
			report.Failed = append(report.Failed, TransferError{
				Oid: pf.Pointer.Oid, Path: pf.PointerPath, Err: repairErr,
			})
			continue
		}
		pf.Pointer = ptr
		uploads = append(uploads, pf)
		report.Recovered = append(report.Recovered, pf.PointerPath)
	}

	if err := rc.download(ctx, missing, report); err != nil {
		return report, err
	}
	if err := rc.upload(ctx, uploads, report); err != nil {
		return report, err
	}
	return report, nil
}

// download fetches the payloads for the given pointer files. Objects the
// endpoint omits from the batch response are recorded as skipped.
func (rc *Reconciler) download(ctx context.Context, missing []PointerFile, report *ReconcileReport) error {
	if len(missing) == 0 {
		return nil
	}
	if rc.client == nil {
		for _, pf := range missing {
			report.Failed = append(report.Failed, TransferError{
				Oid: pf.Pointer.Oid, Path: pf.PointerPath, Err: ErrNoEndpoint,
			})
		}
		return nil
	}

	objs := make([]lfsapi.Object, 0, len(missing))
	byOid := make(map[string][]PointerFile, len(missing))
	for _, pf := range missing {
		if _, seen := byOid[pf.Pointer.Oid]; !seen {
			objs = append(objs, lfsapi.Object{Oid: pf.Pointer.Oid, Size: pf.Pointer.Size})
		}
		byOid[pf.Pointer.Oid] = append(byOid[pf.Pointer.Oid], pf)
	}

	descriptors, err := rc.client.Batch(ctx, lfsapi.Download, objs)
	if err != nil {
		return WrapError(ErrTransferFailed, err.Error())
	}

	offered := make(map[string]lfsapi.Descriptor, len(descriptors))
	for _, d := range descriptors {
		offered[d.Oid] = d
	}

	for _, obj := range objs {
		files := byOid[obj.Oid]
		d, ok := offered[obj.Oid]
		if !ok {
			report.Skipped = append(report.Skipped, obj.Oid)
			continue
		}

		if err := rc.fetchIntoCache(ctx, d); err != nil {
			report.Failed = append(report.Failed, TransferError{Oid: obj.Oid, Path: files[0].PointerPath, Err: err})
			continue
		}

		placedAll := true
		for _, pf := range files {
			if err := rc.placeFromCache(pf); err != nil {
				report.Failed = append(report.Failed, TransferError{Oid: obj.Oid, Path: pf.PointerPath, Err: err})
				placedAll = false
			}
		}
		if placedAll {
			report.Downloaded = append(report.Downloaded, obj.Oid)
		}
	}
	return nil
}

// fetchIntoCache ensures the cache holds a verified payload for d. A cached
// copy with a matching hash short-circuits the download entirely.
func (rc *Reconciler) fetchIntoCache(ctx context.Context, d lfsapi.Descriptor) error {
	if ok, _ := rc.cacheHas(d.Oid); ok {
		return nil
	}

	tmpName := d.Oid + ".partial"
	tmp, err := rc.cacheFS.Create(tmpName)
	if err != nil {
		return WrapError(err, "failed to create cache file")
	}

	if err := rc.client.Download(ctx, d, tmp); err != nil {
		tmp.Close()
		_ = rc.cacheFS.Remove(tmpName)
		return WrapError(ErrTransferFailed, err.Error())
	}
	if err := tmp.Close(); err != nil {
		_ = rc.cacheFS.Remove(tmpName)
		return WrapError(err, "failed to finish cache write")
	}

	sum, err := rc.hashCacheFile(tmpName)
	if err != nil {
		_ = rc.cacheFS.Remove(tmpName)
		return err
	}
	if sum != d.Oid {
		_ = rc.cacheFS.Remove(tmpName)
		return WrapErrorf(ErrTransferFailed, "payload hash %s does not match oid %s", sum, d.Oid)
	}

	if err := rc.cacheFS.Rename(tmpName, d.Oid); err != nil {
		return WrapError(err, "failed to publish cache file")
	}
	return nil
}

// cacheHas reports whether a verified payload for oid is already cached.
func (rc *Reconciler) cacheHas(oid string) (bool, error) {
	if _, err := rc.cacheFS.Stat(oid); err != nil {
		return false, err
	}
	sum, err := rc.hashCacheFile(oid)
	if err != nil {
		return false, err
	}
	return sum == oid, nil
}

func (rc *Reconciler) hashCacheFile(name string) (string, error) {
	f, err := rc.cacheFS.Open(name)
	if err != nil {
		return "", WrapError(err, "failed to open cache file")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", WrapError(err, "failed to hash cache file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// placeFromCache copies the cached payload for pf into its payload path.
func (rc *Reconciler) placeFromCache(pf PointerFile) error {
	src, err := rc.cacheFS.Open(pf.Pointer.Oid)
	if err != nil {
		return WrapError(err, "failed to open cached payload")
	}
	defer src.Close()

	if dir := filepath.Dir(pf.PayloadPath); dir != "." {
		if err := rc.repo.workFS.MkdirAll(dir, 0o755); err != nil {
			return WrapError(err, "failed to create payload directory")
		}
	}

	dst, err := rc.repo.workFS.Create(pf.PayloadPath)
	if err != nil {
		return WrapError(err, "failed to create payload file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return WrapError(err, "failed to write payload file")
	}
	return WrapError(dst.Close(), "failed to finish payload write")
}

// upload sends locally modified payloads to the endpoint. Objects the server
// already has are omitted from the batch response and need no transfer.
func (rc *Reconciler) upload(ctx context.Context, modified []PointerFile, report *ReconcileReport) error {
	if len(modified) == 0 {
		return nil
	}
	if rc.client == nil {
		for _, pf := range modified {
			report.Failed = append(report.Failed, TransferError{
				Oid: pf.Pointer.Oid, Path: pf.PointerPath, Err: ErrNoEndpoint,
			})
		}
		return nil
	}

	objs := make([]lfsapi.Object, 0, len(modified))
	byOid := make(map[string]PointerFile, len(modified))
	for _, pf := range modified {
		if _, seen := byOid[pf.Pointer.Oid]; seen {
			continue
		}
		objs = append(objs, lfsapi.Object{Oid: pf.Pointer.Oid, Size: pf.Pointer.Size})
		byOid[pf.Pointer.Oid] = pf
	}

	descriptors, err := rc.client.Batch(ctx, lfsapi.Upload, objs)
	if err != nil {
		return WrapError(ErrTransferFailed, err.Error())
	}

	for _, d := range descriptors {
		pf := byOid[d.Oid]
		open := func() (io.ReadCloser, error) {
			return rc.repo.workFS.Open(pf.PayloadPath)
		}
		if err := rc.client.Upload(ctx, d, open); err != nil {
			report.Failed = append(report.Failed, TransferError{
				Oid: d.Oid, Path: pf.PointerPath, Err: WrapError(ErrTransferFailed, err.Error()),
			})
			continue
		}
		report.Uploaded = append(report.Uploaded, d.Oid)
	}
	return nil
}
