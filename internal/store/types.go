package store

import "taglockd/internal/policy"

// Profile is a named blocking configuration. At most one profile is
// active at any moment.
type Profile struct {
	ID        int64
	Name      string
	Mode      policy.Mode
	IsActive  bool
	CreatedAt int64 // Unix milliseconds
}

// Member is one (profile, package) membership row. Row presence is the
// operative signal; Blocked is kept for forward compatibility and is
// always true on current rows.
type Member struct {
	ProfileID   int64
	PackageID   string
	DisplayName string
	Blocked     bool
}

// LockState is the singleton lock row.
type LockState struct {
	IsLocked             bool
	LockedAt             int64 // Unix milliseconds; 0 when unlocked
	EmergencyRequestedAt int64 // Unix milliseconds; 0 when no request pending
}

// Settings is the singleton settings row. ActiveProfileID mirrors the
// profile marked is_active and is maintained by the same transactions.
type Settings struct {
	ActiveProfileID         int64 // 0 when no profile is active
	UnlockDelayMillis       int64
	BlockSettingsWhenLocked bool
	SetupCompleted          bool
}

// Token is a registered authorization tag. Any registered token toggles
// the lock identically.
type Token struct {
	TokenID      string
	DisplayName  string
	RegisteredAt int64 // Unix milliseconds
}

// Snapshot is a single consistent read of everything the decision
// function needs for one candidate package. All fields are read inside
// one transaction so a reader never mixes an old lock state with a new
// profile's mode.
type Snapshot struct {
	Locked                  bool
	HasProfile              bool
	Mode                    policy.Mode
	IsMember                bool
	BlockSettingsWhenLocked bool
}

// ChangeKind names a category of persisted state change.
type ChangeKind string

const (
	ChangeLock       ChangeKind = "lock"
	ChangeProfile    ChangeKind = "profile"
	ChangeMembership ChangeKind = "membership"
	ChangeSettings   ChangeKind = "settings"
	ChangeToken      ChangeKind = "token"
)

// Change is delivered to subscribers after a successful commit that
// touched the named category.
type Change struct {
	Kind ChangeKind
}
