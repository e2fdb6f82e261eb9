package gitsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	fsb "github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockOptions(owner string) *Options {
	opts := &Options{
		FS:               fsb.NewInMemoryFS(),
		OwnerID:          owner,
		HeartbeatTimeout: 10 * time.Second,
		ProgressTimeout:  5 * time.Minute,
	}
	return opts
}

func newTestLocker(t *testing.T, controlFS billy.Filesystem, owner string) *Locker {
	t.Helper()
	return newLocker(controlFS, testLockOptions(owner))
}

// TestClassifyLock tests the liveness state machine in isolation.
func TestClassifyLock(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	heartbeatTimeout := 10 * time.Second
	progressTimeout := 5 * time.Minute

	tests := []struct {
		name string
		rec  *LockRecord
		want LockState
	}{
		{
			name: "nil record is absent",
			rec:  nil,
			want: LockAbsent,
		},
		{
			name: "fresh heartbeat idle is active",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-time.Second),
				LastProgressAt:  now.Add(-time.Second),
				Phase:           PhaseIdle,
			},
			want: LockActive,
		},
		{
			name: "silent heartbeat is dead",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-50 * time.Second),
				LastProgressAt:  now.Add(-50 * time.Second),
				Phase:           PhaseIdle,
			},
			want: LockDead,
		},
		{
			name: "heartbeat exactly at timeout is still active",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-heartbeatTimeout),
				LastProgressAt:  now.Add(-time.Second),
				Phase:           PhaseIdle,
			},
			want: LockActive,
		},
		{
			name: "fresh heartbeat with stalled fetch is stuck",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-time.Second),
				LastProgressAt:  now.Add(-6 * time.Minute),
				Phase:           PhaseFetching,
			},
			want: LockStuck,
		},
		{
			name: "fresh heartbeat with stalled push is stuck",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-time.Second),
				LastProgressAt:  now.Add(-6 * time.Minute),
				Phase:           PhasePushing,
			},
			want: LockStuck,
		},
		{
			name: "stalled progress outside network phase is active",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-time.Second),
				LastProgressAt:  now.Add(-6 * time.Minute),
				Phase:           PhaseMerging,
			},
			want: LockActive,
		},
		{
			name: "dead wins over stuck",
			rec: &LockRecord{
				LastHeartbeatAt: now.Add(-time.Minute),
				LastProgressAt:  now.Add(-10 * time.Minute),
				Phase:           PhaseFetching,
			},
			want: LockDead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyLock(tt.rec, now, heartbeatTimeout, progressTimeout)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestLockerAcquireRelease tests the basic lock lifecycle.
func TestLockerAcquireRelease(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	locker := newTestLocker(t, controlFS, "owner-a")

	acquired, err := locker.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired, "first acquire should succeed")

	// Acquiring again while held observably fails.
	acquired, err = locker.Acquire()
	require.NoError(t, err)
	assert.False(t, acquired, "re-acquire while held should fail")

	require.NoError(t, locker.Release())
	require.NoError(t, locker.Release(), "release is idempotent")

	acquired, err = locker.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired, "acquire after release should succeed")
}

// TestLockerContention tests that two processes never hold the lock at once.
func TestLockerContention(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	first := newTestLocker(t, controlFS, "owner-a")
	second := newTestLocker(t, controlFS, "owner-b")

	acquired, err := first.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.Acquire()
	require.NoError(t, err)
	assert.False(t, acquired, "contender must not acquire a live lock")

	status, err := second.Status()
	require.NoError(t, err)
	assert.Equal(t, LockActive, status.State)

	require.NoError(t, first.Release())

	acquired, err = second.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired, "lock should be free after release")
}

// TestLockerDeadReclaim tests self-healing after a crashed holder.
func TestLockerDeadReclaim(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	crashed := newTestLocker(t, controlFS, "owner-crashed")

	acquired, err := crashed.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)
	// No release: the holder "crashes" here and its heartbeat goes silent.

	successor := newTestLocker(t, controlFS, "owner-b")
	successor.now = func() time.Time { return time.Now().Add(50 * time.Second) }

	status, err := successor.Status()
	require.NoError(t, err)
	assert.Equal(t, LockDead, status.State)

	acquired, err = successor.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired, "dead lock should be reclaimed in one acquire call")
}

// TestLockerReleaseAfterReclaim tests that a stalled holder whose dead lock
// was reclaimed cannot destroy the successor's record on its late release.
func TestLockerReleaseAfterReclaim(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()

	zombie := newTestLocker(t, controlFS, "owner-zombie")
	acquired, err := zombie.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	// The zombie's heartbeat goes silent long enough for a successor to
	// reclaim the record.
	successor := newTestLocker(t, controlFS, "owner-successor")
	successor.now = func() time.Time { return time.Now().Add(50 * time.Second) }
	acquired, err = successor.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	// The zombie wakes up and releases; the successor's record must survive.
	require.NoError(t, zombie.Release())

	var rec LockRecord
	exists, err := successor.store.Read(&rec)
	require.NoError(t, err)
	require.True(t, exists, "successor's record must survive the zombie release")
	assert.Equal(t, "owner-successor", rec.OwnerID)

	// No third process can slip in while the successor holds the lock.
	third := newTestLocker(t, controlFS, "owner-third")
	third.now = successor.now
	acquired, err = third.Acquire()
	require.NoError(t, err)
	assert.False(t, acquired, "lock must stay exclusive after the zombie release")
}

// TestLockerHeartbeatAfterReclaim tests that a stalled holder stops writing
// once its record has been reclaimed by another process.
func TestLockerHeartbeatAfterReclaim(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()

	zombie := newTestLocker(t, controlFS, "owner-zombie")
	acquired, err := zombie.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	successor := newTestLocker(t, controlFS, "owner-successor")
	successor.now = func() time.Time { return time.Now().Add(50 * time.Second) }
	acquired, err = successor.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	zombie.Heartbeat(HeartbeatUpdate{Phase: PhasePushing})

	var rec LockRecord
	exists, err := successor.store.Read(&rec)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "owner-successor", rec.OwnerID, "zombie heartbeat must not touch the record")
	assert.Equal(t, PhaseIdle, rec.Phase)
	assert.False(t, zombie.held, "zombie must notice it lost the lock")
}

// TestLockerStuckNotReclaimed tests that a live-but-stalled holder keeps the
// lock; reclaiming it would race a transfer that might still complete.
func TestLockerStuckNotReclaimed(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	holder := newTestLocker(t, controlFS, "owner-a")

	acquired, err := holder.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)
	holder.Heartbeat(HeartbeatUpdate{Phase: PhaseFetching})

	contender := newTestLocker(t, controlFS, "owner-b")
	base := time.Now()
	elapsed := time.Duration(0)
	contender.now = func() time.Time { return base.Add(elapsed) }

	// Keep the heartbeat fresh but let progress stall past its timeout.
	elapsed = 6 * time.Minute
	holder.now = func() time.Time { return base.Add(elapsed) }
	holder.Heartbeat(HeartbeatUpdate{})

	status, err := contender.Status()
	require.NoError(t, err)
	assert.Equal(t, LockStuck, status.State)
	assert.True(t, status.IsStuck)

	acquired, err = contender.Acquire()
	require.NoError(t, err)
	assert.False(t, acquired, "stuck locks are never auto-reclaimed")

	removed, err := contender.CleanupStale()
	require.NoError(t, err)
	assert.False(t, removed, "cleanup must not touch a stuck lock")
}

// TestLockerHeartbeatPhases tests phase and progress tracking through a sync.
func TestLockerHeartbeatPhases(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	locker := newTestLocker(t, controlFS, "owner-a")

	base := time.Now()
	elapsed := time.Duration(0)
	locker.now = func() time.Time { return base.Add(elapsed) }

	acquired, err := locker.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	elapsed = 2 * time.Second
	locker.Heartbeat(HeartbeatUpdate{Phase: PhaseFetching})

	var rec LockRecord
	exists, err := locker.store.Read(&rec)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, PhaseFetching, rec.Phase)
	assert.Equal(t, base.Add(2*time.Second).Unix(), rec.PhaseChangedAt.Unix())
	// A phase transition counts as progress.
	assert.Equal(t, base.Add(2*time.Second).Unix(), rec.LastProgressAt.Unix())

	elapsed = 4 * time.Second
	locker.Heartbeat(HeartbeatUpdate{
		MarkProgress: true,
		Progress:     &LockProgress{Current: 3, Total: 10, Description: "objects"},
	})

	exists, err = locker.store.Read(&rec)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, PhaseFetching, rec.Phase, "phase unchanged without a transition")
	assert.Equal(t, base.Add(4*time.Second).Unix(), rec.LastProgressAt.Unix())
	require.NotNil(t, rec.Progress)
	assert.Equal(t, 3, rec.Progress.Current)
	assert.Equal(t, 10, rec.Progress.Total)

	// A plain heartbeat refreshes liveness but not progress.
	elapsed = 6 * time.Second
	locker.Heartbeat(HeartbeatUpdate{})

	exists, err = locker.store.Read(&rec)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, base.Add(6*time.Second).Unix(), rec.LastHeartbeatAt.Unix())
	assert.Equal(t, base.Add(4*time.Second).Unix(), rec.LastProgressAt.Unix())
}

// TestLockerCorruptRecord tests that an unreadable record classifies dead and
// is reclaimable, since it cannot prove a live holder.
func TestLockerCorruptRecord(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	require.NoError(t, util.WriteFile(controlFS, LockFileName, []byte("{torn"), 0o644))

	locker := newTestLocker(t, controlFS, "owner-a")

	status, err := locker.Status()
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Equal(t, LockDead, status.State)

	acquired, err := locker.Acquire()
	require.NoError(t, err)
	assert.True(t, acquired, "corrupt record should self-heal on acquire")
}

// TestLockerKeepAlive tests the background heartbeat ticker.
func TestLockerKeepAlive(t *testing.T) {
	controlFS := fsb.NewInMemoryFS().Raw()
	locker := newTestLocker(t, controlFS, "owner-a")

	acquired, err := locker.Acquire()
	require.NoError(t, err)
	require.True(t, acquired)

	var before LockRecord
	exists, err := locker.store.Read(&before)
	require.NoError(t, err)
	require.True(t, exists)

	stop := locker.KeepAlive(context.Background(), 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stop()
	stop() // idempotent

	var after LockRecord
	exists, err = locker.store.Read(&after)
	require.NoError(t, err)
	require.True(t, exists)
	assert.True(t, after.LastHeartbeatAt.After(before.LastHeartbeatAt),
		"keepalive should refresh the heartbeat")
}
