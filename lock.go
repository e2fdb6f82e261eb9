// Package gitsync provides a local-first synchronization engine.
// This file contains the cross-process sync lock: a heartbeat-carrying record
// in the repository control directory that serializes sync operations between
// cooperating processes without a coordinator.
package gitsync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/input-output-hk/catalyst-forge-libs/gitsync/internal/lockfile"
)

// LockFileName is the sync lock path relative to the repository control
// directory (.git).
const LockFileName = "sync.lock"

// LockPhase names the stage a sync holder is currently executing.
type LockPhase string

// Lock phases, in the order the orchestrator moves through them.
const (
	PhaseIdle       LockPhase = "idle"
	PhaseCommitting LockPhase = "committing"
	PhaseFetching   LockPhase = "fetching"
	PhaseMerging    LockPhase = "merging"
	PhasePushing    LockPhase = "pushing"
)

// isNetworkPhase reports whether the phase can stall on a remote peer.
// Only network phases participate in stuck detection.
func (p LockPhase) isNetworkPhase() bool {
	return p == PhaseFetching || p == PhasePushing
}

// LockProgress describes progress through a long-running phase.
type LockProgress struct {
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	Description string `json:"description,omitempty"`
}

// LockRecord is the persisted sync lock. The record on disk is the sole
// source of truth for liveness; there is no in-memory coordinator.
type LockRecord struct {
	OwnerID         string        `json:"owner_id"`
	PID             int           `json:"pid"`
	AcquiredAt      time.Time     `json:"acquired_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	LastProgressAt  time.Time     `json:"last_progress_at"`
	Phase           LockPhase     `json:"phase"`
	PhaseChangedAt  time.Time     `json:"phase_changed_at"`
	Progress        *LockProgress `json:"progress,omitempty"`
}

// LockState classifies a lock record's liveness.
type LockState int

const (
	// LockAbsent means no record exists; the lock is free.
	LockAbsent LockState = iota

	// LockActive means the holder is alive and making progress.
	LockActive

	// LockStuck means the holder is alive (fresh heartbeat) but a network
	// phase has gone too long without transfer progress.
	LockStuck

	// LockDead means the heartbeat has been silent past the timeout; the
	// holder is presumed crashed and the record may be discarded.
	LockDead
)

// String returns a human-readable string representation of the LockState.
func (s LockState) String() string {
	switch s {
	case LockAbsent:
		return "absent"
	case LockActive:
		return "active"
	case LockStuck:
		return "stuck"
	case LockDead:
		return "dead"
	default:
		return "unknown"
	}
}

// classifyLock derives the liveness state of a record at the given instant.
// It is a pure function of its inputs so the state machine can be tested
// without any filesystem.
func classifyLock(rec *LockRecord, now time.Time, heartbeatTimeout, progressTimeout time.Duration) LockState {
	if rec == nil {
		return LockAbsent
	}

	if now.Sub(rec.LastHeartbeatAt) > heartbeatTimeout {
		return LockDead
	}

	if rec.Phase.isNetworkPhase() && now.Sub(rec.LastProgressAt) > progressTimeout {
		return LockStuck
	}

	return LockActive
}

// LockStatus is the derived, caller-facing view of the sync lock.
type LockStatus struct {
	// Exists reports whether a lock record is present at all.
	Exists bool

	// State is the liveness classification at read time.
	State LockState

	// Age is the time since the lock was acquired.
	Age time.Duration

	// IsStuck mirrors State == LockStuck for callers that only branch on it.
	IsStuck bool

	// Phase and Progress echo the holder's last reported position.
	Phase    LockPhase
	Progress *LockProgress
}

// HeartbeatUpdate carries the fields merged into the lock record by a
// heartbeat. Zero-valued fields leave the record unchanged.
type HeartbeatUpdate struct {
	// Phase, if non-empty, records a phase transition.
	Phase LockPhase

	// Progress, if non-nil, replaces the reported progress.
	Progress *LockProgress

	// MarkProgress bumps the last-progress timestamp. Set by transfer
	// callbacks during fetch and push so stalls are distinguishable from
	// long-but-moving transfers.
	MarkProgress bool
}

// Locker manages the sync lock for one repository. All coordination happens
// through the lock record; a Locker never blocks waiting for another process.
type Locker struct {
	store   *lockfile.Store
	ownerID string
	pid     int

	heartbeatTimeout time.Duration
	progressTimeout  time.Duration

	logger *slog.Logger
	now    func() time.Time

	held bool
}

// newLocker builds a Locker storing its record in the given control-directory
// filesystem.
func newLocker(controlFS billy.Filesystem, opts *Options) *Locker {
	return &Locker{
		store:            lockfile.NewStore(controlFS, LockFileName),
		ownerID:          opts.OwnerID,
		pid:              os.Getpid(),
		heartbeatTimeout: opts.HeartbeatTimeout,
		progressTimeout:  opts.ProgressTimeout,
		logger:           opts.logger(),
		now:              time.Now,
	}
}

// Acquire attempts to take the sync lock. It returns false when another
// holder is active or stuck; contention is a normal outcome, not an error.
// Dead records are cleaned up and acquisition retried exactly once.
func (l *Locker) Acquire() (bool, error) {
	if l.held {
		// A second acquire from the same engine observably fails, matching
		// the cross-process contract.
		return false, nil
	}

	acquired, err := l.tryCreate()
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	// The record exists. Reclaim it only if its holder is provably dead.
	status, err := l.Status()
	if err != nil {
		return false, err
	}
	if status.State != LockDead {
		return false, nil
	}

	if removed, err := l.CleanupStale(); err != nil || !removed {
		return false, err
	}
	l.logger.Info("recovered stale sync lock", "path", l.store.Path())

	return l.tryCreate()
}

// tryCreate performs the exclusive-create acquisition primitive.
func (l *Locker) tryCreate() (bool, error) {
	now := l.now()
	rec := &LockRecord{
		OwnerID:         l.ownerID,
		PID:             l.pid,
		AcquiredAt:      now,
		LastHeartbeatAt: now,
		LastProgressAt:  now,
		Phase:           PhaseIdle,
		PhaseChangedAt:  now,
	}

	err := l.store.Create(rec)
	switch {
	case err == nil:
		l.held = true
		return true, nil
	case errors.Is(err, lockfile.ErrExists):
		return false, nil
	default:
		return false, WrapError(err, "failed to write sync lock")
	}
}

// Heartbeat merges the update into the held lock record. Failures are logged
// and swallowed: a missed heartbeat write must never abort the sync it is
// reporting on.
func (l *Locker) Heartbeat(update HeartbeatUpdate) {
	if !l.held {
		l.logger.Warn("heartbeat without held sync lock", "owner", l.ownerID)
		return
	}

	var rec LockRecord
	exists, err := l.store.Read(&rec)
	if err != nil || !exists {
		l.logger.Warn("heartbeat could not read sync lock", "error", err, "exists", exists)
		return
	}
	if !l.owns(&rec) {
		// The record was reclaimed while this holder stalled; writing to it
		// now would corrupt the successor's liveness data.
		l.held = false
		l.logger.Warn("sync lock reclaimed by another process, stopping heartbeats",
			"owner", rec.OwnerID, "pid", rec.PID)
		return
	}

	now := l.now()
	rec.LastHeartbeatAt = now
	if update.MarkProgress {
		rec.LastProgressAt = now
	}
	if update.Phase != "" && update.Phase != rec.Phase {
		rec.Phase = update.Phase
		rec.PhaseChangedAt = now
		// Entering a new phase counts as progress.
		rec.LastProgressAt = now
	}
	if update.Progress != nil {
		rec.Progress = update.Progress
	}

	if err := l.store.Write(&rec); err != nil {
		l.logger.Warn("heartbeat write failed", "error", err)
	}
}

// Status reads and classifies the lock record without mutating it.
func (l *Locker) Status() (*LockStatus, error) {
	var rec LockRecord
	exists, err := l.store.Read(&rec)
	if err != nil {
		if !exists {
			return nil, WrapError(err, "failed to read sync lock")
		}
		// A torn or corrupt record cannot prove a live holder. Treat it as
		// dead so a future acquire can self-heal.
		l.logger.Warn("sync lock record unreadable, classifying dead", "error", err)
		return &LockStatus{Exists: true, State: LockDead}, nil
	}
	if !exists {
		return &LockStatus{State: LockAbsent}, nil
	}

	now := l.now()
	state := classifyLock(&rec, now, l.heartbeatTimeout, l.progressTimeout)
	return &LockStatus{
		Exists:   true,
		State:    state,
		Age:      now.Sub(rec.AcquiredAt),
		IsStuck:  state == LockStuck,
		Phase:    rec.Phase,
		Progress: rec.Progress,
	}, nil
}

// Release deletes the lock record if this engine holds it. It is idempotent;
// releasing an unheld lock is a no-op. The on-disk record is verified before
// removal: a holder whose dead lock was reclaimed by another process must not
// destroy the successor's record.
func (l *Locker) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	var rec LockRecord
	exists, err := l.store.Read(&rec)
	if err == nil && exists && !l.owns(&rec) {
		l.logger.Warn("sync lock no longer owned at release, leaving record",
			"owner", rec.OwnerID, "pid", rec.PID)
		return nil
	}

	if err := l.store.Remove(); err != nil {
		return WrapError(err, "failed to release sync lock")
	}
	return nil
}

// owns reports whether the record was written by this locker.
func (l *Locker) owns(rec *LockRecord) bool {
	return rec.OwnerID == l.ownerID && rec.PID == l.pid
}

// CleanupStale removes the lock record if, and only if, its holder is
// presumed dead. It reports whether a record was removed. Called
// opportunistically by Acquire and proactively at engine construction to
// clear leftovers from a crashed session.
func (l *Locker) CleanupStale() (bool, error) {
	status, err := l.Status()
	if err != nil {
		return false, err
	}
	if status.State != LockDead {
		return false, nil
	}

	if err := l.store.Remove(); err != nil {
		// Another process may have won the cleanup race; that is fine.
		l.logger.Warn("stale lock cleanup failed", "error", err)
		return false, nil
	}
	return true, nil
}

// KeepAlive emits heartbeats at the given interval until the returned stop
// function is called or ctx is cancelled. The orchestrator runs it for the
// duration of a sync so crash detection stays seconds-scale even through
// long phases.
func (l *Locker) KeepAlive(ctx context.Context, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Heartbeat(HeartbeatUpdate{})
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
