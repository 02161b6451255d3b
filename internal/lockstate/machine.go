// Package lockstate implements the locked/unlocked state machine and
// the time-delayed emergency unlock.
//
// The machine has three states: Unlocked, Locked, and Locked with an
// emergency unlock pending. A token tap toggles between locked and
// unlocked; every transition to unlocked clears any pending emergency
// request. Emergency availability is computed on demand from the
// request timestamp and the configured delay, so there is no running
// timer to cancel.
package lockstate

import (
	"errors"
	"time"

	"taglockd/internal/store"
)

// ErrNotLocked is returned when an emergency unlock is requested while
// the device is not locked.
var ErrNotLocked = errors.New("device is not locked")

// ObservationGuard reports whether the OS observation facility is
// confirmed active. Consulted by CanLock as an advisory pre-condition;
// the machine itself accepts every Lock call since it cannot verify the
// facility independently.
type ObservationGuard interface {
	Running() bool
}

// Machine owns lock transitions. All state lives in the store's
// singleton lock row; the machine holds no cached copy.
type Machine struct {
	store *store.Store
	guard ObservationGuard
	now   func() time.Time
}

// Status describes the emergency unlock availability at one instant.
type Status struct {
	Locked    bool
	Requested bool
	Available bool
	Remaining time.Duration
}

// New creates a machine backed by the given store. guard may be nil
// when no observation facility is wired (CanLock then reports false).
func New(s *store.Store, guard ObservationGuard) *Machine {
	return &Machine{store: s, guard: guard, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// IsLocked reports the persisted lock state.
func (m *Machine) IsLocked() (bool, error) {
	ls, err := m.store.GetLockState()
	if err != nil {
		return false, err
	}
	return ls.IsLocked, nil
}

// CanLock reports whether the observation facility is confirmed active.
// Advisory only: callers are expected to consult it before locking, but
// Lock itself never rejects.
func (m *Machine) CanLock() bool {
	return m.guard != nil && m.guard.Running()
}

// Toggle flips the lock state and returns the new locked value. This is
// the token tap contract: a tap always toggles, it is never lock-only
// or unlock-only.
func (m *Machine) Toggle() (bool, error) {
	ls, err := m.store.GetLockState()
	if err != nil {
		return false, err
	}
	if ls.IsLocked {
		return false, m.unlock()
	}
	return true, m.lock()
}

// Lock transitions to Locked. A no-op when already locked.
func (m *Machine) Lock() error {
	ls, err := m.store.GetLockState()
	if err != nil {
		return err
	}
	if ls.IsLocked {
		return nil
	}
	return m.lock()
}

// Unlock transitions to Unlocked and clears any pending emergency
// request unconditionally. A no-op when already unlocked.
func (m *Machine) Unlock() error {
	return m.unlock()
}

func (m *Machine) lock() error {
	return m.store.SetLockState(&store.LockState{
		IsLocked: true,
		LockedAt: m.now().UnixMilli(),
	})
}

func (m *Machine) unlock() error {
	return m.store.SetLockState(&store.LockState{})
}

// RequestEmergencyUnlock stamps the emergency request time. Returns
// ErrNotLocked when the device is unlocked. A second request while one
// is already pending keeps the original timestamp; restamping would
// extend the wait.
func (m *Machine) RequestEmergencyUnlock() error {
	ls, err := m.store.GetLockState()
	if err != nil {
		return err
	}
	if !ls.IsLocked {
		return ErrNotLocked
	}
	if ls.EmergencyRequestedAt != 0 {
		return nil
	}
	ls.EmergencyRequestedAt = m.now().UnixMilli()
	return m.store.SetLockState(ls)
}

// CancelEmergencyUnlock clears a pending request. A no-op when none is
// pending.
func (m *Machine) CancelEmergencyUnlock() error {
	ls, err := m.store.GetLockState()
	if err != nil {
		return err
	}
	if ls.EmergencyRequestedAt == 0 {
		return nil
	}
	ls.EmergencyRequestedAt = 0
	return m.store.SetLockState(ls)
}

// PerformEmergencyUnlock unlocks if the configured delay has elapsed
// since the request. Returns false when no request is pending or the
// delay has not yet elapsed; "not yet" is an expected outcome, not an
// error. The boundary is inclusive: elapsed equal to the delay unlocks.
func (m *Machine) PerformEmergencyUnlock() (bool, error) {
	ls, err := m.store.GetLockState()
	if err != nil {
		return false, err
	}
	if !ls.IsLocked || ls.EmergencyRequestedAt == 0 {
		return false, nil
	}

	st, err := m.store.GetSettings()
	if err != nil {
		return false, err
	}

	elapsed := m.now().UnixMilli() - ls.EmergencyRequestedAt
	if elapsed < st.UnlockDelayMillis {
		return false, nil
	}

	return true, m.unlock()
}

// EmergencyStatus derives the emergency unlock availability from the
// persisted request time, the configured delay, and the current time.
// Pure read side: it never mutates state and tolerates an absent
// request.
func (m *Machine) EmergencyStatus() (*Status, error) {
	ls, err := m.store.GetLockState()
	if err != nil {
		return nil, err
	}

	status := &Status{Locked: ls.IsLocked}
	if !ls.IsLocked || ls.EmergencyRequestedAt == 0 {
		return status, nil
	}
	status.Requested = true

	st, err := m.store.GetSettings()
	if err != nil {
		return nil, err
	}

	elapsed := m.now().UnixMilli() - ls.EmergencyRequestedAt
	if elapsed >= st.UnlockDelayMillis {
		status.Available = true
		return status, nil
	}

	status.Remaining = time.Duration(st.UnlockDelayMillis-elapsed) * time.Millisecond
	return status, nil
}
