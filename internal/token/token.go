// Package token manages the set of registered authorization tags and
// resolves tag presentations into engine actions.
//
// Possession of a registered tag's identifier is the entire security
// model: comparison is exact-match only, with no cryptographic proof.
package token

import (
	"errors"
	"time"

	"taglockd/internal/store"
)

// Outcome is the resolution of a tag presentation.
type Outcome int

const (
	// OutcomeToggle means the token is registered; the lock toggles.
	OutcomeToggle Outcome = iota
	// OutcomeOfferRegister means no token is registered yet; the
	// surrounding app should offer to register this one.
	OutcomeOfferRegister
	// OutcomeIgnore means the token is unknown and at least one other
	// token is already registered.
	OutcomeIgnore
)

func (o Outcome) String() string {
	switch o {
	case OutcomeToggle:
		return "toggle"
	case OutcomeOfferRegister:
		return "offer-register"
	default:
		return "ignore"
	}
}

// Resolver resolves tag identifiers against the registered set.
type Resolver struct {
	store *store.Store
	now   func() time.Time
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s, now: time.Now}
}

// Resolve maps a presented token ID to an outcome. Zero registered
// tokens is a distinguished state in which the engine offers to
// self-register the next tag seen.
func (r *Resolver) Resolve(tokenID string) (Outcome, error) {
	if tokenID == "" {
		return OutcomeIgnore, errors.New("empty token id")
	}

	t, err := r.store.GetToken(tokenID)
	if err != nil {
		return OutcomeIgnore, err
	}
	if t != nil {
		return OutcomeToggle, nil
	}

	n, err := r.store.CountTokens()
	if err != nil {
		return OutcomeIgnore, err
	}
	if n == 0 {
		return OutcomeOfferRegister, nil
	}
	return OutcomeIgnore, nil
}

// Register adds a token to the registered set.
func (r *Resolver) Register(tokenID, displayName string) error {
	if tokenID == "" {
		return errors.New("empty token id")
	}
	return r.store.InsertToken(tokenID, displayName, r.now().UnixMilli())
}

// Remove deletes a registered token. Returns false if it was not
// registered.
func (r *Resolver) Remove(tokenID string) (bool, error) {
	return r.store.DeleteToken(tokenID)
}

// List retrieves all registered tokens.
func (r *Resolver) List() ([]store.Token, error) {
	return r.store.ListTokens()
}
