// Package observe adapts the OS-level observation and redirect
// facilities to in-process contracts.
//
// The engine never talks to the OS directly: it consumes a stream of
// foreground candidate identities from an Observer and asks a
// Redirector to navigate away. Platform implementations live in
// observe_*.go files; unsupported platforms get a null observer whose
// channel never fires and whose Running flag stays false, which keeps
// the rest of the engine testable everywhere.
package observe

import (
	"context"
	"sync/atomic"
	"time"
)

// Observer delivers foreground candidate identities at unspecified,
// possibly high frequency.
type Observer interface {
	// Start begins observation. The events channel is valid after a
	// successful Start.
	Start(ctx context.Context) error

	// Stop ends observation and closes the events channel.
	Stop() error

	// Events returns the stream of foreground candidate identities.
	Events() <-chan string

	// Running reports whether the OS facility is confirmed active. This
	// is the explicit state behind the lock machine's advisory guard;
	// it is owned here at the adapter boundary, never read as ambient
	// global state.
	Running() bool
}

// Redirector enacts "navigate away" for a blocked candidate.
// Fire-and-forget: failures are silent and the next foreground event
// naturally re-triggers if the block persists.
type Redirector interface {
	RequestRedirectHome() error
}

// Config holds adapter options.
type Config struct {
	// PollInterval is the fallback polling cadence for platforms
	// without a push signal.
	PollInterval time.Duration
}

// DefaultConfig returns default adapter options.
func DefaultConfig() Config {
	return Config{PollInterval: 200 * time.Millisecond}
}

// New creates the platform-appropriate observer.
func New(cfg Config) Observer {
	return newPlatformObserver(cfg)
}

// NullObserver is an Observer whose channel never fires. It is the
// implementation for unsupported platforms and a convenient test
// double: tests may feed its channel directly via Inject.
type NullObserver struct {
	events  chan string
	running atomic.Bool
}

// NewNull creates a NullObserver.
func NewNull() *NullObserver {
	return &NullObserver{events: make(chan string, 64)}
}

func (n *NullObserver) Start(ctx context.Context) error {
	n.running.Store(false)
	return nil
}

func (n *NullObserver) Stop() error {
	if n.events != nil {
		close(n.events)
		n.events = nil
	}
	return nil
}

func (n *NullObserver) Events() <-chan string { return n.events }

func (n *NullObserver) Running() bool { return n.running.Load() }

// Inject places an identity on the event stream. Test hook.
func (n *NullObserver) Inject(identity string) {
	n.events <- identity
}

// SetRunning overrides the running flag. Test hook.
func (n *NullObserver) SetRunning(v bool) {
	n.running.Store(v)
}

// NullRedirector counts redirect requests and otherwise does nothing.
type NullRedirector struct {
	calls atomic.Int64
}

// NewNullRedirector creates a NullRedirector.
func NewNullRedirector() *NullRedirector {
	return &NullRedirector{}
}

func (r *NullRedirector) RequestRedirectHome() error {
	r.calls.Add(1)
	return nil
}

// Calls returns the number of redirect requests seen.
func (r *NullRedirector) Calls() int64 {
	return r.calls.Load()
}
