package lockstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglockd/internal/store"
)

// fakeClock is a settable time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixedGuard bool

func (g fixedGuard) Running() bool { return bool(g) }

func newTestMachine(t *testing.T) (*Machine, *store.Store, *fakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSingletons())

	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	m := New(s, nil)
	m.SetClock(clock.Now)
	return m, s, clock
}

func setUnlockDelay(t *testing.T, s *store.Store, d time.Duration) {
	t.Helper()
	st, err := s.GetSettings()
	require.NoError(t, err)
	require.NoError(t, s.UpdateSettings(d.Milliseconds(), st.BlockSettingsWhenLocked, st.SetupCompleted))
}

func TestToggleIsInvolution(t *testing.T) {
	m, _, _ := newTestMachine(t)

	start, err := m.IsLocked()
	require.NoError(t, err)

	first, err := m.Toggle()
	require.NoError(t, err)
	assert.Equal(t, !start, first)

	second, err := m.Toggle()
	require.NoError(t, err)
	assert.Equal(t, start, second)
}

func TestLockStampsLockedAt(t *testing.T) {
	m, s, clock := newTestMachine(t)

	require.NoError(t, m.Lock())

	ls, err := s.GetLockState()
	require.NoError(t, err)
	assert.True(t, ls.IsLocked)
	assert.Equal(t, clock.now.UnixMilli(), ls.LockedAt)
}

func TestLockWhileLockedIsNoop(t *testing.T) {
	m, s, clock := newTestMachine(t)

	require.NoError(t, m.Lock())
	before, _ := s.GetLockState()

	clock.Advance(time.Minute)
	require.NoError(t, m.Lock())

	after, _ := s.GetLockState()
	assert.Equal(t, before.LockedAt, after.LockedAt, "second Lock must not restamp")
}

func TestUnlockClearsEmergencyRequest(t *testing.T) {
	m, s, _ := newTestMachine(t)

	require.NoError(t, m.Lock())
	require.NoError(t, m.RequestEmergencyUnlock())

	ls, _ := s.GetLockState()
	require.NotZero(t, ls.EmergencyRequestedAt)

	require.NoError(t, m.Unlock())

	ls, _ = s.GetLockState()
	assert.False(t, ls.IsLocked)
	assert.Zero(t, ls.EmergencyRequestedAt, "unlocking must clear the emergency request")
	assert.Zero(t, ls.LockedAt)
}

func TestToggleClearsEmergencyRequest(t *testing.T) {
	m, s, _ := newTestMachine(t)

	require.NoError(t, m.Lock())
	require.NoError(t, m.RequestEmergencyUnlock())

	locked, err := m.Toggle()
	require.NoError(t, err)
	assert.False(t, locked)

	ls, _ := s.GetLockState()
	assert.Zero(t, ls.EmergencyRequestedAt)
}

func TestRequestEmergencyUnlockWhileUnlocked(t *testing.T) {
	m, _, _ := newTestMachine(t)

	err := m.RequestEmergencyUnlock()
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestRequestEmergencyUnlockKeepsOriginalTimestamp(t *testing.T) {
	m, s, clock := newTestMachine(t)

	require.NoError(t, m.Lock())
	require.NoError(t, m.RequestEmergencyUnlock())

	first, _ := s.GetLockState()

	clock.Advance(time.Minute)
	require.NoError(t, m.RequestEmergencyUnlock())

	second, _ := s.GetLockState()
	assert.Equal(t, first.EmergencyRequestedAt, second.EmergencyRequestedAt,
		"re-requesting must not restamp and extend the wait")
}

func TestCancelEmergencyUnlock(t *testing.T) {
	m, s, _ := newTestMachine(t)

	require.NoError(t, m.Lock())
	require.NoError(t, m.RequestEmergencyUnlock())
	require.NoError(t, m.CancelEmergencyUnlock())

	ls, _ := s.GetLockState()
	assert.True(t, ls.IsLocked, "cancel must not unlock")
	assert.Zero(t, ls.EmergencyRequestedAt)

	// Cancel with nothing pending is a no-op.
	require.NoError(t, m.CancelEmergencyUnlock())
}

func TestPerformEmergencyUnlockTiming(t *testing.T) {
	m, s, clock := newTestMachine(t)
	setUnlockDelay(t, s, 100*time.Millisecond)

	require.NoError(t, m.Lock())
	require.NoError(t, m.RequestEmergencyUnlock())

	// Immediately: not yet.
	ok, err := m.PerformEmergencyUnlock()
	require.NoError(t, err)
	assert.False(t, ok)
	locked, _ := m.IsLocked()
	assert.True(t, locked, "failed perform must leave the device locked")

	// Just before the boundary: still not yet.
	clock.Advance(99 * time.Millisecond)
	ok, err = m.PerformEmergencyUnlock()
	require.NoError(t, err)
	assert.False(t, ok)

	// Exactly at the boundary: available (inclusive).
	clock.Advance(1 * time.Millisecond)
	ok, err = m.PerformEmergencyUnlock()
	require.NoError(t, err)
	assert.True(t, ok)

	ls, _ := s.GetLockState()
	assert.False(t, ls.IsLocked)
	assert.Zero(t, ls.EmergencyRequestedAt)
}

func TestPerformEmergencyUnlockWithoutRequest(t *testing.T) {
	m, _, _ := newTestMachine(t)

	require.NoError(t, m.Lock())
	ok, err := m.PerformEmergencyUnlock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmergencyStatus(t *testing.T) {
	m, s, clock := newTestMachine(t)
	setUnlockDelay(t, s, time.Minute)

	st, err := m.EmergencyStatus()
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.False(t, st.Requested)

	require.NoError(t, m.Lock())
	st, err = m.EmergencyStatus()
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.False(t, st.Requested, "status must tolerate an absent request")

	require.NoError(t, m.RequestEmergencyUnlock())
	clock.Advance(20 * time.Second)

	st, err = m.EmergencyStatus()
	require.NoError(t, err)
	assert.True(t, st.Requested)
	assert.False(t, st.Available)
	assert.Equal(t, 40*time.Second, st.Remaining)

	clock.Advance(40 * time.Second)
	st, err = m.EmergencyStatus()
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.Zero(t, st.Remaining)
}

func TestCanLockGuard(t *testing.T) {
	m, _, _ := newTestMachine(t)
	assert.False(t, m.CanLock(), "no guard wired means not confirmed")

	s, err := store.Open(filepath.Join(t.TempDir(), "guard.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.EnsureSingletons())

	assert.True(t, New(s, fixedGuard(true)).CanLock())
	assert.False(t, New(s, fixedGuard(false)).CanLock())

	// The guard is advisory: Lock still succeeds when it reports false.
	blocked := New(s, fixedGuard(false))
	require.NoError(t, blocked.Lock())
	locked, err := blocked.IsLocked()
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestLockSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSingletons())

	m := New(s, nil)
	require.NoError(t, m.Lock())
	require.NoError(t, s.Close())

	// Reopen: the boot contract leaves the lock exactly as persisted.
	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.EnsureSingletons())

	locked, err := New(s2, nil).IsLocked()
	require.NoError(t, err)
	assert.True(t, locked, "lock must survive restart")
}
