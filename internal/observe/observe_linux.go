//go:build linux

package observe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// D-Bus names for the companion shell extension that announces
// foreground window changes and performs the go-home action.
const (
	monitorBusName   = "org.taglockd.WindowMonitor"
	monitorPath      = "/org/taglockd/WindowMonitor"
	monitorInterface = "org.taglockd.WindowMonitor"
	monitorSignal    = "ActiveWindowChanged"
	goHomeMethod     = monitorInterface + ".GoHome"
)

// dbusObserver listens on the session bus for active-window signals
// emitted by the companion shell extension.
type dbusObserver struct {
	mu      sync.Mutex
	cfg     Config
	conn    *dbus.Conn
	events  chan string
	cancel  context.CancelFunc
	running atomic.Bool
}

func newPlatformObserver(cfg Config) Observer {
	return &dbusObserver{
		cfg:    cfg,
		events: make(chan string, 64),
	}
}

// Start connects to the session bus and subscribes to active-window
// signals.
func (o *dbusObserver) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(monitorPath),
		dbus.WithMatchInterface(monitorInterface),
		dbus.WithMatchMember(monitorSignal),
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("add match signal: %w", err)
	}

	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)

	ctx, cancel := context.WithCancel(ctx)
	o.conn = conn
	o.cancel = cancel
	o.running.Store(true)

	go o.loop(ctx, signals)

	return nil
}

func (o *dbusObserver) loop(ctx context.Context, signals chan *dbus.Signal) {
	// The loop owns the events channel: closing it here, after the last
	// send, keeps Stop from racing an in-flight send.
	defer close(o.events)
	defer o.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig == nil || len(sig.Body) == 0 {
				continue
			}
			identity, ok := sig.Body[0].(string)
			if !ok || identity == "" {
				continue
			}
			select {
			case o.events <- identity:
			default:
				// Monitor is behind; the OS re-announces window state,
				// so a dropped event is recovered by the next one.
			}
		}
	}
}

// Stop ends observation. The event channel closes once the signal
// loop drains.
func (o *dbusObserver) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
	o.running.Store(false)
	return nil
}

func (o *dbusObserver) Events() <-chan string { return o.events }

func (o *dbusObserver) Running() bool { return o.running.Load() }

// dbusRedirector asks the shell extension to send the user home.
type dbusRedirector struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewRedirector creates the platform redirector.
func NewRedirector() Redirector {
	return &dbusRedirector{}
}

// RequestRedirectHome fires the go-home call. Fire-and-forget: errors
// are returned for logging only, never retried.
func (r *dbusRedirector) RequestRedirectHome() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return fmt.Errorf("connect session bus: %w", err)
		}
		r.conn = conn
	}

	obj := r.conn.Object(monitorBusName, monitorPath)
	if call := obj.Call(goHomeMethod, dbus.FlagNoReplyExpected); call.Err != nil {
		return fmt.Errorf("go home call: %w", call.Err)
	}
	return nil
}
