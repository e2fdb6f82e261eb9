// Package gitsync provides a local-first synchronization engine.
// This file contains the Engine and the sync orchestration: commit local
// work, fetch, merge or surface conflicts, reconcile large objects, push.
package gitsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// remoteGateway is the slice of remote behavior the orchestrator depends on.
// *Repo implements it over real transports.
type remoteGateway interface {
	Probe(ctx context.Context, name string) error
	Fetch(ctx context.Context, name string, progress io.Writer) error
	Push(ctx context.Context, name string, progress io.Writer) error
}

// Engine coordinates synchronization of one repository shared between
// processes. Construct one Engine per repository path; concurrent syncs of
// the same path are serialized through the on-disk sync lock, not through
// the Engine.
type Engine struct {
	repo       *Repo
	locker     *Locker
	mutator    *Mutator
	reconciler *Reconciler
	gateway    remoteGateway

	branch string
	opts   *Options
	logger *slog.Logger
}

// SyncRequest describes one sync pass.
type SyncRequest struct {
	// Author signs the commits this sync creates. Empty fields select the
	// engine's default identity.
	Author Signature

	// Message is the commit message for locally captured changes. Empty
	// selects a default; with EnforceCommitConvention set, a non-empty
	// message must parse as a conventional commit.
	Message string

	// Background marks an automatic sync. Lock contention then yields a
	// skipped result instead of ErrSyncInProgress, so periodic callers need
	// no special-case handling.
	Background bool
}

// SyncResult reports what one sync pass did.
type SyncResult struct {
	// LocalCommit is the commit capturing local changes, empty when the
	// worktree was clean.
	LocalCommit string

	// MergedCommit is the merge commit joining local and remote history,
	// empty when no merge was needed.
	MergedCommit string

	// PushedCommit is the branch tip confirmed on the remote, empty when
	// nothing was pushed.
	PushedCommit string

	// HadConflicts means the merge stopped before touching the worktree;
	// Conflicts carries the full three-way content for each path.
	HadConflicts bool
	Conflicts    []Conflict

	// Skipped means a background sync found the lock taken and did nothing.
	Skipped bool

	// Offline means no remote was reachable; local capture and pointer
	// repair still ran.
	Offline bool

	// Reconcile summarizes the large-object pass, nil when it did not run.
	Reconcile *ReconcileReport
}

// New opens the repository described by opts and assembles an engine around
// it. Stale sync locks left by crashed processes are cleaned up eagerly so a
// crash never wedges the repository until its next sync attempt.
func New(ctx context.Context, opts *Options) (*Engine, error) {
	repo, err := OpenRepo(ctx, opts)
	if err != nil {
		return nil, err
	}

	branch := opts.Branch
	if branch == "" {
		if current, err := repo.CurrentBranch(ctx); err == nil {
			branch = current
		} else {
			branch = DefaultBranch
		}
	}

	locker := newLocker(repo.gitFS, opts)
	if removed, err := locker.CleanupStale(); err != nil {
		return nil, WrapError(err, "failed to inspect sync lock")
	} else if removed {
		opts.logger().Info("removed stale sync lock from crashed process")
	}

	eng := &Engine{
		repo:       repo,
		locker:     locker,
		mutator:    newMutator(repo.workFS, opts),
		reconciler: newReconciler(repo, opts),
		branch:     branch,
		opts:       opts,
		logger:     opts.logger(),
	}
	eng.gateway = repo
	return eng, nil
}

// Repo exposes the underlying repository facade for direct inspection.
func (e *Engine) Repo() *Repo { return e.repo }

// Locker exposes the sync lock manager so applications can take the lock
// around their own repository operations, emit heartbeats from long-running
// work, and clean up after crashed peers. Sync and CompleteMerge manage the
// same lock internally; holding it through the accessor makes them contend.
func (e *Engine) Locker() *Locker { return e.locker }

// LockStatus reports the current sync lock state without taking the lock.
func (e *Engine) LockStatus() (*LockStatus, error) {
	return e.locker.Status()
}

// defaultAuthor is used when a request does not carry a signature.
func defaultAuthor() Signature {
	return Signature{Name: "gitsync", Email: "gitsync@localhost"}
}

// transferProgress feeds fetch/push progress into the lock record so stuck
// detection can tell a stalled transfer from a slow one.
type transferProgress struct {
	locker *Locker
}

func (p transferProgress) Write(b []byte) (int, error) {
	p.locker.Heartbeat(HeartbeatUpdate{MarkProgress: true})
	return len(b), nil
}

// acquireOrExplain takes the sync lock or returns the sentinel describing why
// it could not: ErrSyncInProgress for an active holder, ErrStuckLock for a
// live holder stalled in a network phase.
func (e *Engine) acquireOrExplain() error {
	acquired, err := e.locker.Acquire()
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}

	status, err := e.locker.Status()
	if err != nil {
		return err
	}
	if status.IsStuck {
		return WrapErrorf(ErrStuckLock, "holder stalled in %s phase", status.Phase)
	}
	return ErrSyncInProgress
}

// Sync runs one full synchronization pass: capture local changes as a
// commit, fetch, merge cleanly or report conflicts, reconcile large objects,
// and push. Conflicts are data, not an error; callers resolve them and call
// CompleteMerge. A second concurrent sync fails fast with ErrSyncInProgress,
// or returns a skipped result when the request is marked Background.
//
// Context timeout/cancellation is honored throughout.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	msg := req.Message
	if msg == "" {
		msg = defaultSyncMessage
	}
	if e.opts.EnforceCommitConvention {
		if err := ValidateCommitMessage(msg); err != nil {
			return nil, err
		}
	}
	author := req.Author
	if author.Name == "" || author.Email == "" {
		author = defaultAuthor()
	}

	if err := e.acquireOrExplain(); err != nil {
		if req.Background && (errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrStuckLock)) {
			e.logger.Info("background sync skipped, lock taken", "reason", err)
			return &SyncResult{Skipped: true}, nil
		}
		return nil, err
	}
	defer func() {
		if err := e.locker.Release(); err != nil {
			e.logger.Warn("sync lock release failed", "error", err)
		}
	}()

	stop := e.locker.KeepAlive(ctx, e.opts.HeartbeatInterval)
	defer stop()

	result := &SyncResult{}

	// Capture local changes before anything touches the network, so a
	// failure further down never loses work.
	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseCommitting})
	if err := e.captureLocal(ctx, msg, author, result); err != nil {
		return nil, err
	}

	if offline := e.probeRemote(ctx); offline {
		result.Offline = true
		result.Reconcile = e.reconcileOffline(ctx)
		e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseIdle})
		return result, nil
	}

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseFetching})
	if err := e.fetchRemote(ctx, result); err != nil {
		return nil, err
	}
	if result.Offline {
		result.Reconcile = e.reconcileOffline(ctx)
		e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseIdle})
		return result, nil
	}

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseMerging})
	done, err := e.integrate(ctx, author, result)
	if err != nil {
		return nil, err
	}
	if done {
		// Conflicts stop the pass before any worktree mutation.
		e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseIdle})
		return result, nil
	}

	report, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	result.Reconcile = report
	if err := e.commitRepairs(ctx, author, report); err != nil {
		return nil, err
	}

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhasePushing})
	if err := e.pushBranch(ctx, result); err != nil {
		return nil, err
	}

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseIdle})
	return result, nil
}

// captureLocal stages and commits any outstanding worktree changes.
func (e *Engine) captureLocal(ctx context.Context, msg string, author Signature, result *SyncResult) error {
	staged, err := e.repo.StageAll(ctx)
	if err != nil {
		return err
	}
	if !staged {
		return nil
	}

	sha, err := e.repo.Commit(ctx, msg, author, CommitOpts{})
	if err != nil {
		if errors.Is(err, ErrEmptyCommit) {
			return nil
		}
		return err
	}
	result.LocalCommit = sha
	e.logger.Info("captured local changes", "commit", sha)
	return nil
}

// probeRemote reports whether the pass must run offline. A missing remote
// counts as offline; auth failures do not reach here (they surface from
// fetch or push, which retry the handshake anyway).
func (e *Engine) probeRemote(ctx context.Context) bool {
	if _, err := e.repo.RemoteURL(e.opts.Remote); err != nil {
		e.logger.Info("no remote configured, syncing offline")
		return true
	}

	if err := e.gateway.Probe(ctx, e.opts.Remote); err != nil {
		if errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrAuthFailed) {
			// Let the fetch surface the authoritative auth error.
			return false
		}
		e.logger.Warn("remote unreachable, syncing offline", "error", err)
		return true
	}
	return false
}

// fetchRemote updates remote-tracking refs. A network failure here flips the
// pass to offline rather than failing it; auth failures are fatal.
func (e *Engine) fetchRemote(ctx context.Context, result *SyncResult) error {
	err := e.gateway.Fetch(ctx, e.opts.Remote, transferProgress{e.locker})
	switch {
	case err == nil, errors.Is(err, ErrAlreadyUpToDate):
		return nil
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthFailed):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		e.logger.Warn("fetch failed, syncing offline", "error", err)
		result.Offline = true
		return nil
	}
}

// integrate reconciles local and remote branch tips. It returns done=true
// when the pass should stop early (conflicts found).
func (e *Engine) integrate(ctx context.Context, author Signature, result *SyncResult) (bool, error) {
	local, err := e.repo.BranchHash(e.branch)
	if err != nil {
		return false, err
	}
	remote, err := e.repo.RemoteBranchHash(e.opts.Remote, e.branch)
	if err != nil {
		return false, err
	}

	switch {
	case remote == "" || remote == local:
		// Nothing to integrate; push decides whether the remote is behind.
		return false, nil

	case local == "":
		// First sync into an existing remote branch.
		return false, e.repo.WriteBranchRef(ctx, e.branch, remote, true)
	}

	localAhead, err := e.repo.IsAncestor(remote, local)
	if err != nil {
		return false, err
	}
	if localAhead {
		return false, nil
	}

	remoteAhead, err := e.repo.IsAncestor(local, remote)
	if err != nil {
		return false, err
	}
	if remoteAhead {
		e.logger.Info("fast-forwarding to remote", "branch", e.branch, "to", remote)
		return false, e.repo.WriteBranchRef(ctx, e.branch, remote, true)
	}

	// Diverged histories; classify every doubly-changed path.
	base, err := e.repo.MergeBase(local, remote)
	if err != nil {
		return false, err
	}

	plan, err := e.repo.analyzeMerge(base, local, remote)
	if err != nil {
		return false, err
	}

	if len(plan.conflicts) > 0 {
		result.HadConflicts = true
		result.Conflicts = plan.conflicts
		e.logger.Info("sync stopped on conflicts", "count", len(plan.conflicts))
		return true, nil
	}

	if err := e.repo.applyFiles(ctx, plan.apply); err != nil {
		return false, err
	}
	merged, err := e.repo.mergeCommit(ctx, defaultMergeMessage, author, local, remote)
	if err != nil {
		return false, err
	}
	result.MergedCommit = merged
	e.logger.Info("merged remote changes", "commit", merged)
	return false, nil
}

// reconcileOffline runs only the local half of reconciliation: pointer files
// repairable from intact payloads are repaired, nothing is transferred.
func (e *Engine) reconcileOffline(ctx context.Context) *ReconcileReport {
	_, recovered, failed, err := e.reconciler.ScanPointers(ctx)
	if err != nil {
		e.logger.Warn("offline pointer scan failed", "error", err)
		return nil
	}
	return &ReconcileReport{Recovered: recovered, Failed: failed}
}

// commitRepairs captures pointer files the reconciler rewrote.
func (e *Engine) commitRepairs(ctx context.Context, author Signature, report *ReconcileReport) error {
	if report == nil || len(report.Recovered) == 0 {
		return nil
	}

	staged, err := e.repo.StageAll(ctx)
	if err != nil {
		return err
	}
	if !staged {
		return nil
	}

	_, err = e.repo.Commit(ctx, "chore(sync): repair large object pointers", author, CommitOpts{})
	if err != nil && !errors.Is(err, ErrEmptyCommit) {
		return err
	}
	return nil
}

// pushBranch publishes the local branch tip. Losing a push race is reported
// by leaving PushedCommit empty; the next sync pass merges and retries.
func (e *Engine) pushBranch(ctx context.Context, result *SyncResult) error {
	err := e.gateway.Push(ctx, e.opts.Remote, transferProgress{e.locker})
	switch {
	case err == nil:
		tip, hashErr := e.repo.BranchHash(e.branch)
		if hashErr != nil {
			return hashErr
		}
		result.PushedCommit = tip
		return nil
	case errors.Is(err, ErrAlreadyUpToDate):
		tip, hashErr := e.repo.BranchHash(e.branch)
		if hashErr != nil {
			return hashErr
		}
		result.PushedCommit = tip
		return nil
	case errors.Is(err, ErrNotFastForward):
		e.logger.Info("push lost a race, deferring to next sync")
		return nil
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthFailed):
		return err
	default:
		e.logger.Warn("push failed", "error", err)
		result.Offline = true
		return nil
	}
}

// CompleteMerge finishes a sync that stopped on conflicts. resolved maps
// each conflicted path to its final content (nil deletes the path); every
// conflict from the interrupted pass must be present. The merge commit joins
// the same local and remote tips the conflicts were computed against, then
// the pass pushes as usual.
//
// Context timeout/cancellation is honored throughout.
func (e *Engine) CompleteMerge(ctx context.Context, resolved map[string][]byte, req SyncRequest) (*SyncResult, error) {
	if len(resolved) == 0 {
		return nil, WrapError(ErrInvalidRef, "no resolutions provided")
	}

	author := req.Author
	if author.Name == "" || author.Email == "" {
		author = defaultAuthor()
	}
	msg := req.Message
	if msg == "" {
		msg = defaultMergeMessage
	}
	if e.opts.EnforceCommitConvention {
		if err := ValidateCommitMessage(msg); err != nil {
			return nil, err
		}
	}

	if err := e.acquireOrExplain(); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.locker.Release(); err != nil {
			e.logger.Warn("sync lock release failed", "error", err)
		}
	}()

	stop := e.locker.KeepAlive(ctx, e.opts.HeartbeatInterval)
	defer stop()

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseMerging})

	local, err := e.repo.BranchHash(e.branch)
	if err != nil {
		return nil, err
	}
	remote, err := e.repo.RemoteBranchHash(e.opts.Remote, e.branch)
	if err != nil {
		return nil, err
	}
	if local == "" || remote == "" {
		return nil, WrapError(ErrResolveFailed, "no diverged histories to merge")
	}

	// Re-run the analysis so resolutions are checked against the current
	// tips, not the ones from a stale conflict report.
	base, err := e.repo.MergeBase(local, remote)
	if err != nil {
		return nil, err
	}
	plan, err := e.repo.analyzeMerge(base, local, remote)
	if err != nil {
		return nil, err
	}
	for _, conflict := range plan.conflicts {
		if _, ok := resolved[conflict.Path]; !ok {
			return nil, WrapErrorf(ErrInvalidRef, "missing resolution for %q", conflict.Path)
		}
	}

	if err := e.repo.applyFiles(ctx, plan.apply); err != nil {
		return nil, err
	}
	if err := e.repo.applyFiles(ctx, resolved); err != nil {
		return nil, err
	}

	result := &SyncResult{}
	merged, err := e.repo.mergeCommit(ctx, msg, author, local, remote)
	if err != nil {
		return nil, err
	}
	result.MergedCommit = merged

	report, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	result.Reconcile = report
	if err := e.commitRepairs(ctx, author, report); err != nil {
		return nil, err
	}

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhasePushing})
	if err := e.pushBranch(ctx, result); err != nil {
		return nil, err
	}

	e.locker.Heartbeat(HeartbeatUpdate{Phase: PhaseIdle})
	return result, nil
}

// UpdateMetadata applies transform to the JSON document at path (relative to
// the worktree root) under the metadata lock, with atomic replace and
// automatic rollback. Safe to call concurrently from multiple processes.
func (e *Engine) UpdateMetadata(path string, transform MetadataTransform) error {
	return e.mutator.SafeUpdate(path, transform)
}

// PackRepository consolidates the object database. It takes the sync lock so
// repacking never races a concurrent sync.
func (e *Engine) PackRepository(ctx context.Context) error {
	if err := e.acquireOrExplain(); err != nil {
		return err
	}
	defer func() {
		if err := e.locker.Release(); err != nil {
			e.logger.Warn("sync lock release failed", "error", err)
		}
	}()

	return e.repo.Repack(ctx)
}
