//go:build !linux

package observe

func newPlatformObserver(cfg Config) Observer {
	return NewNull()
}

// NewRedirector creates the platform redirector. No-op off Linux.
func NewRedirector() Redirector {
	return NewNullRedirector()
}
