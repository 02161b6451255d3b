package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglockd/internal/logging"
	"taglockd/internal/observe"
	"taglockd/internal/policy"
	"taglockd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSingletons())
	return s
}

func newTestMonitor(t *testing.T, s *store.Store, cooldown time.Duration) (*Monitor, *observe.NullRedirector) {
	t.Helper()
	redirect := observe.NewNullRedirector()
	m := New(Config{
		OwnIdentity: "org.taglockd",
		Cooldown:    cooldown,
	}, s, redirect, logging.Default())
	return m, redirect
}

// lockWithBlocklist sets up an active blocklist profile containing the
// given packages and locks the device.
func lockWithBlocklist(t *testing.T, s *store.Store, pkgs ...string) {
	t.Helper()
	id, err := s.InsertProfile("test", policy.ModeBlocklist, 1)
	require.NoError(t, err)
	for _, pkg := range pkgs {
		require.NoError(t, s.AddMember(id, pkg, ""))
	}
	require.NoError(t, s.SetActiveProfile(id))
	require.NoError(t, s.SetLockState(&store.LockState{IsLocked: true, LockedAt: 1}))
}

func TestBlockedMemberTriggersRedirect(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, 500*time.Millisecond)

	m.Evaluate("app.x")
	assert.EqualValues(t, 1, redirect.Calls())
}

func TestNonMemberAllowed(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, 500*time.Millisecond)

	m.Evaluate("app.y")
	assert.Zero(t, redirect.Calls())
}

func TestUnlockedAllowsEverything(t *testing.T) {
	s := newTestStore(t)
	id, err := s.InsertProfile("test", policy.ModeBlocklist, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddMember(id, "app.x", ""))
	require.NoError(t, s.SetActiveProfile(id))
	m, redirect := newTestMonitor(t, s, 500*time.Millisecond)

	m.Evaluate("app.x")
	assert.Zero(t, redirect.Calls())
}

func TestAllowlistBlocksNonMembers(t *testing.T) {
	s := newTestStore(t)
	id, err := s.InsertProfile("focus", policy.ModeAllowlist, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddMember(id, "app.x", ""))
	require.NoError(t, s.SetActiveProfile(id))
	require.NoError(t, s.SetLockState(&store.LockState{IsLocked: true, LockedAt: 1}))
	m, redirect := newTestMonitor(t, s, 500*time.Millisecond)

	m.Evaluate("app.x")
	assert.Zero(t, redirect.Calls(), "allowlist member must be allowed")

	m.Evaluate("app.y")
	assert.EqualValues(t, 1, redirect.Calls(), "allowlist non-member must be blocked")
}

func TestNoActiveProfileFailsOpen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetLockState(&store.LockState{IsLocked: true, LockedAt: 1}))
	m, redirect := newTestMonitor(t, s, 500*time.Millisecond)

	m.Evaluate("app.x")
	assert.Zero(t, redirect.Calls(), "locked with no profile must not brick the device")
}

func TestDebounceSuppressesRepeats(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, time.Second)

	m.Evaluate("app.x")
	m.Evaluate("app.x")
	assert.EqualValues(t, 1, redirect.Calls(), "two events inside the cooldown produce one redirect")
}

func TestDebounceExpires(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, 30*time.Millisecond)

	m.Evaluate("app.x")
	time.Sleep(50 * time.Millisecond)
	m.Evaluate("app.x")
	assert.EqualValues(t, 2, redirect.Calls())
}

func TestDebounceIsPerCandidate(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x", "app.y")
	m, redirect := newTestMonitor(t, s, time.Second)

	m.Evaluate("app.x")
	m.Evaluate("app.y")
	assert.EqualValues(t, 2, redirect.Calls(), "a different candidate is not debounced")
}

func TestDebounceAtomicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Evaluate("app.x")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, redirect.Calls(),
		"concurrent evaluations must not both pass the debounce check")
}

func TestSkipListShortCircuitsBeforeStateRead(t *testing.T) {
	// A nil store proves the skip happens before any state read: an
	// evaluation that got past the skip would panic.
	redirect := observe.NewNullRedirector()
	m := New(Config{
		OwnIdentity: "org.taglockd",
		Cooldown:    500 * time.Millisecond,
		ExtraSkip:   []string{"com.example.kiosk"},
	}, nil, redirect, logging.Default())

	m.Evaluate("org.taglockd")
	m.Evaluate("com.android.launcher3")
	m.Evaluate("com.android.systemui")
	m.Evaluate("com.example.kiosk")
	m.Evaluate("")

	assert.Zero(t, redirect.Calls())
}

func TestFailOpenOnStoreError(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.EnsureSingletons())
	m, redirect := newTestMonitor(t, s, 500*time.Millisecond)

	// Close the store underneath the monitor: the snapshot read fails
	// and the verdict must fall back to Allow without panicking.
	require.NoError(t, s.Close())

	m.Evaluate("app.x")
	assert.Zero(t, redirect.Calls())
}

func TestSettingsSurfaceBlockedWhenLocked(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, time.Second)

	m.Evaluate("com.android.settings")
	assert.EqualValues(t, 1, redirect.Calls(), "settings surface blocked independent of membership")
}

func TestSettingsSurfaceAllowedWhenGuardOff(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	st, err := s.GetSettings()
	require.NoError(t, err)
	require.NoError(t, s.UpdateSettings(st.UnlockDelayMillis, false, st.SetupCompleted))
	m, redirect := newTestMonitor(t, s, time.Second)

	m.Evaluate("com.android.settings")
	assert.Zero(t, redirect.Calls())
}

func TestRunConsumesUntilContextCancelled(t *testing.T) {
	s := newTestStore(t)
	lockWithBlocklist(t, s, "app.x")
	m, redirect := newTestMonitor(t, s, time.Second)

	events := make(chan string, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()

	events <- "app.x"
	assert.Eventually(t, func() bool { return redirect.Calls() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	s := newTestStore(t)
	m, _ := newTestMonitor(t, s, time.Second)

	events := make(chan string)
	close(events)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after channel close")
	}
}

func TestLockToggleScenario(t *testing.T) {
	s := newTestStore(t)
	id, err := s.InsertProfile("P1", policy.ModeBlocklist, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddMember(id, "app.x", ""))
	require.NoError(t, s.SetActiveProfile(id))
	m, redirect := newTestMonitor(t, s, 10*time.Millisecond)

	// Unlocked: everything allowed.
	m.Evaluate("app.x")
	assert.Zero(t, redirect.Calls())

	// Locked: member blocked, non-member allowed.
	require.NoError(t, s.SetLockState(&store.LockState{IsLocked: true, LockedAt: 1}))
	time.Sleep(20 * time.Millisecond)
	m.Evaluate("app.x")
	m.Evaluate("app.y")
	assert.EqualValues(t, 1, redirect.Calls())

	// Unlocked again: member allowed.
	require.NoError(t, s.SetLockState(&store.LockState{}))
	time.Sleep(20 * time.Millisecond)
	m.Evaluate("app.x")
	assert.EqualValues(t, 1, redirect.Calls())
}
