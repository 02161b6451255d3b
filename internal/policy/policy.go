// Package policy implements the allow/block decision for foreground
// application candidates.
//
// The decision is a pure function of three inputs: whether the device is
// locked, the active profile's mode, and whether the candidate package is
// a member of the active profile. All state reads happen before this
// package is consulted; callers are responsible for taking the three
// inputs from a single consistent snapshot.
package policy

// Mode selects the membership semantics of a profile.
type Mode string

const (
	// ModeBlocklist blocks members of the profile while locked.
	ModeBlocklist Mode = "blocklist"
	// ModeAllowlist blocks everything except members while locked.
	ModeAllowlist Mode = "allowlist"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBlocklist || m == ModeAllowlist
}

// Verdict is the outcome of a decision.
type Verdict int

const (
	Allow Verdict = iota
	Block
)

// String returns "allow" or "block".
func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "allow"
}

// Decide evaluates a candidate against the lock state and active profile.
//
// Unlocked devices allow everything. A locked blocklist blocks members; a
// locked allowlist blocks non-members. An unknown mode falls open to Allow
// so that a corrupted settings row can never brick the device.
func Decide(locked bool, mode Mode, isMember bool) Verdict {
	if !locked {
		return Allow
	}
	switch mode {
	case ModeBlocklist:
		if isMember {
			return Block
		}
		return Allow
	case ModeAllowlist:
		if isMember {
			return Allow
		}
		return Block
	default:
		return Allow
	}
}

// DecideSettings evaluates the parallel rule for system settings surfaces.
// These are blocked while locked whenever the user enabled that guard,
// independent of any profile: disabling protections from inside the
// system settings UI is the primary bypass vector.
func DecideSettings(locked, blockSettingsWhenLocked bool) Verdict {
	if locked && blockSettingsWhenLocked {
		return Block
	}
	return Allow
}

// settingsSurfaces is the fixed set of settings-like package identities
// covered by DecideSettings.
var settingsSurfaces = func() map[string]struct{} {
	ids := []string{
		"com.android.settings",
		"com.android.packageinstaller",
		"com.google.android.packageinstaller",
		"com.android.permissioncontroller",
		"com.google.android.permissioncontroller",
	}
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}()

// IsSettingsSurface reports whether pkg belongs to the fixed set of
// settings-like identities.
func IsSettingsSurface(pkg string) bool {
	_, ok := settingsSurfaces[pkg]
	return ok
}
