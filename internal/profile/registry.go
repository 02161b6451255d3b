// Package profile owns profile lifecycle and the invariants around it:
// at most one profile is active at any moment, and the profile count
// never drops to zero through a delete or prune.
package profile

import (
	"errors"
	"fmt"
	"time"

	"taglockd/internal/policy"
	"taglockd/internal/store"
)

// ErrEmptyName is returned by Create when the profile name is empty.
var ErrEmptyName = errors.New("profile name must not be empty")

// ErrNotFound is returned when an operation references a profile that
// does not exist.
var ErrNotFound = store.ErrNotFound

// Registry manages profiles on top of the state store. The multi-row
// invariants are enforced by the store's compound transactions; the
// registry adds validation and the engine-facing contract.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// New creates a registry backed by the given store.
func New(s *store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// Create inserts a new inactive profile and returns its ID. The only
// rejected input is an empty name.
func (r *Registry) Create(name string, mode policy.Mode) (int64, error) {
	if name == "" {
		return 0, ErrEmptyName
	}
	if !mode.Valid() {
		return 0, fmt.Errorf("unknown profile mode %q", mode)
	}
	return r.store.InsertProfile(name, mode, r.now().UnixMilli())
}

// SetActive makes the given profile the single active one and mirrors
// it into settings, atomically. Returns ErrNotFound for a missing ID.
func (r *Registry) SetActive(id int64) error {
	return r.store.SetActiveProfile(id)
}

// Delete removes a profile and its memberships. Returns false without
// mutation when the profile is the last one remaining; deleting the
// last profile is an expected, rejected outcome rather than a fault.
// If the deleted profile was active, the remaining profile with the
// lowest ID becomes active.
func (r *Registry) Delete(id int64) (bool, error) {
	return r.store.DeleteProfileAndReassignActive(id)
}

// Duplicate copies a profile's mode and membership set into a new,
// inactive profile and returns the new ID. Returns ErrNotFound for a
// missing source.
func (r *Registry) Duplicate(id int64, newName string) (int64, error) {
	if newName == "" {
		return 0, ErrEmptyName
	}
	return r.store.DuplicateProfile(id, newName, r.now().UnixMilli())
}

// PruneEmpty deletes every profile with zero memberships, never
// dropping the count below one, and only when more than one profile
// exists. Intended to run at process start to clean up drafts abandoned
// mid-creation. Returns the number of profiles deleted.
func (r *Registry) PruneEmpty() (int, error) {
	return r.store.PruneEmptyProfiles()
}

// Get retrieves a profile by ID, or nil if it does not exist.
func (r *Registry) Get(id int64) (*store.Profile, error) {
	return r.store.GetProfile(id)
}

// List retrieves all profiles ordered by ID.
func (r *Registry) List() ([]store.Profile, error) {
	return r.store.ListProfiles()
}

// Active returns the currently active profile, or nil if none is
// active.
func (r *Registry) Active() (*store.Profile, error) {
	profiles, err := r.store.ListProfiles()
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].IsActive {
			return &profiles[i], nil
		}
	}
	return nil, nil
}

// AddMember adds a package to a profile's membership set. Returns
// ErrNotFound for a missing profile.
func (r *Registry) AddMember(profileID int64, packageID, displayName string) error {
	if packageID == "" {
		return errors.New("package id must not be empty")
	}
	p, err := r.store.GetProfile(profileID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotFound
	}
	return r.store.AddMember(profileID, packageID, displayName)
}

// RemoveMember removes a package from a profile's membership set.
// Returns false if it was not a member.
func (r *Registry) RemoveMember(profileID int64, packageID string) (bool, error) {
	return r.store.RemoveMember(profileID, packageID)
}

// Members retrieves a profile's membership set.
func (r *Registry) Members(profileID int64) ([]store.Member, error) {
	return r.store.ListMembers(profileID)
}
