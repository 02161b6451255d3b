// Package monitor consumes foreground candidate events, evaluates them
// against a consistent state snapshot, and emits bounded redirect
// requests.
//
// The notification source may deliver events faster than evaluation
// completes, so each event is handled in its own goroutine and the
// only cross-evaluation state, the redirect debounce record, is a
// single mutex-guarded check-and-set. Two concurrent evaluations for
// the same candidate can never both pass the debounce check.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"taglockd/internal/logging"
	"taglockd/internal/observe"
	"taglockd/internal/policy"
	"taglockd/internal/store"
)

// builtinSkip are shell/launcher/dialer identities that must never be
// redirected. Redirecting the launcher itself would make the device
// unusable.
var builtinSkip = []string{
	"com.android.systemui",
	"com.android.launcher",
	"com.android.launcher3",
	"com.google.android.apps.nexuslauncher",
	"com.android.dialer",
	"com.google.android.dialer",
	"android",
}

// Config holds monitor options.
type Config struct {
	// OwnIdentity is the engine's own package identity.
	OwnIdentity string

	// Cooldown is the redirect debounce window for a repeated blocked
	// candidate.
	Cooldown time.Duration

	// ExtraSkip are additional identities to skip before evaluation.
	ExtraSkip []string
}

// Monitor evaluates foreground candidates and requests redirects.
type Monitor struct {
	cfg      Config
	store    *store.Store
	redirect observe.Redirector
	log      *logging.Logger
	skip     map[string]struct{}

	// debounce is shared across concurrently running evaluations. The
	// check and the update happen inside one critical section.
	debounce struct {
		sync.Mutex
		lastPkg string
		lastAt  time.Time
	}

	wg sync.WaitGroup
}

// New creates a monitor.
func New(cfg Config, s *store.Store, redirect observe.Redirector, log *logging.Logger) *Monitor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 500 * time.Millisecond
	}

	skip := make(map[string]struct{}, len(builtinSkip)+len(cfg.ExtraSkip)+1)
	for _, id := range builtinSkip {
		skip[id] = struct{}{}
	}
	for _, id := range cfg.ExtraSkip {
		skip[id] = struct{}{}
	}
	if cfg.OwnIdentity != "" {
		skip[cfg.OwnIdentity] = struct{}{}
	}

	return &Monitor{
		cfg:      cfg,
		store:    s,
		redirect: redirect,
		log:      log.WithComponent("monitor"),
		skip:     skip,
	}
}

// Run consumes events until ctx is cancelled or the channel closes.
// Each event is evaluated in its own goroutine; a failed evaluation is
// logged and dropped without stopping the loop.
func (m *Monitor) Run(ctx context.Context, events <-chan string) {
	changes, cancel := m.store.Subscribe(store.ChangeLock, store.ChangeProfile)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return

		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.log.Debug("state changed", "kind", string(ch.Kind))

		case identity, ok := <-events:
			if !ok {
				m.wg.Wait()
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.Evaluate(identity)
			}()
		}
	}
}

// Evaluate runs the decision for one candidate identity and requests a
// redirect on Block. Safe for concurrent use.
func (m *Monitor) Evaluate(identity string) {
	if identity == "" {
		return
	}

	// Fast skip before any state read.
	if _, ok := m.skip[identity]; ok {
		return
	}

	trace := uuid.NewString()

	snap, err := m.store.DecisionSnapshot(identity)
	if err != nil {
		// Fail open: an internal fault must never block the user out of
		// their own device.
		m.log.Error("snapshot read failed, allowing", "pkg", identity, "trace", trace, "err", err)
		return
	}

	verdict := m.decide(identity, snap)
	if verdict != policy.Block {
		return
	}

	if !m.shouldRedirect(identity) {
		m.log.Debug("redirect suppressed by cooldown", "pkg", identity, "trace", trace)
		return
	}

	m.log.Info("blocking foreground candidate", "pkg", identity, "trace", trace)
	if err := m.redirect.RequestRedirectHome(); err != nil {
		// Fire-and-forget: the next foreground event re-triggers if the
		// block persists.
		m.log.Warn("redirect request failed", "pkg", identity, "trace", trace, "err", err)
	}
}

func (m *Monitor) decide(identity string, snap *store.Snapshot) policy.Verdict {
	if policy.IsSettingsSurface(identity) {
		if policy.DecideSettings(snap.Locked, snap.BlockSettingsWhenLocked) == policy.Block {
			return policy.Block
		}
	}
	if !snap.HasProfile {
		// No active profile: fail open regardless of lock state.
		return policy.Allow
	}
	return policy.Decide(snap.Locked, snap.Mode, snap.IsMember)
}

// SetCooldown updates the debounce window for subsequent evaluations.
// Used by config hot-reload.
func (m *Monitor) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	m.debounce.Lock()
	m.cfg.Cooldown = d
	m.debounce.Unlock()
}

// shouldRedirect is the atomic debounce check-and-set. Returns true
// exactly once per cooldown window for a given candidate.
func (m *Monitor) shouldRedirect(identity string) bool {
	now := time.Now()

	m.debounce.Lock()
	defer m.debounce.Unlock()

	if m.debounce.lastPkg == identity && now.Sub(m.debounce.lastAt) < m.cfg.Cooldown {
		return false
	}
	m.debounce.lastPkg = identity
	m.debounce.lastAt = now
	return true
}
