package token

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglockd/internal/store"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSingletons())
	return NewResolver(s)
}

func TestResolveNoTokensOffersRegistration(t *testing.T) {
	r := newTestResolver(t)

	outcome, err := r.Resolve("04:a2:9f")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOfferRegister, outcome)
}

func TestResolveRegisteredTogglesAnyToken(t *testing.T) {
	r := newTestResolver(t)

	require.NoError(t, r.Register("04:a2:9f", "keychain"))
	require.NoError(t, r.Register("04:b3:11", "wallet"))

	for _, id := range []string{"04:a2:9f", "04:b3:11"} {
		outcome, err := r.Resolve(id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeToggle, outcome, "every registered token toggles identically")
	}
}

func TestResolveUnknownWithExistingTokensIgnores(t *testing.T) {
	r := newTestResolver(t)

	require.NoError(t, r.Register("04:a2:9f", ""))

	outcome, err := r.Resolve("ff:ff:ff")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnore, outcome)
}

func TestResolveEmptyID(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve("")
	assert.Error(t, err)
}

func TestRegisterEmptyID(t *testing.T) {
	r := newTestResolver(t)
	assert.Error(t, r.Register("", "x"))
}

func TestRemove(t *testing.T) {
	r := newTestResolver(t)

	require.NoError(t, r.Register("04:a2:9f", ""))

	ok, err := r.Remove("04:a2:9f")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Remove("04:a2:9f")
	require.NoError(t, err)
	assert.False(t, ok, "removing an unregistered token reports false")

	// Back to the distinguished zero-token state.
	outcome, err := r.Resolve("04:a2:9f")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOfferRegister, outcome)
}

func TestList(t *testing.T) {
	r := newTestResolver(t)

	require.NoError(t, r.Register("a", "first"))
	require.NoError(t, r.Register("b", "second"))

	tokens, err := r.List()
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "toggle", OutcomeToggle.String())
	assert.Equal(t, "offer-register", OutcomeOfferRegister.String())
	assert.Equal(t, "ignore", OutcomeIgnore.String())
}
