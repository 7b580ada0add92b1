// Package host provides the host context a session controller is attached
// to: the OS-level VPN capability probe and an operator consent flow.
package host

import (
	"log/slog"
	"sync"

	"github.com/rennerdo30/ovpn-bridge/internal/logging"
)

// Options configures a System host.
type Options struct {
	// RequireConsent makes the capability depend on an explicit operator
	// approval in addition to the OS probe.
	RequireConsent bool

	// Probe overrides the OS capability check.
	Probe func() bool

	// OnRequest is called when a new consent request becomes pending.
	OnRequest func()
	// OnResult is called with the effective capability after Resolve.
	OnResult func(granted bool)

	Logger *slog.Logger
}

// State is a snapshot of the host capability.
type State struct {
	Granted        bool `json:"granted"`
	Pending        bool `json:"pending"`
	RequireConsent bool `json:"require_consent"`
	Privileged     bool `json:"privileged"`
}

// System is the host context of the local machine.
type System struct {
	probe          func() bool
	requireConsent bool
	onRequest      func()
	onResult       func(bool)
	logger         *slog.Logger

	mu       sync.Mutex
	approved bool
	pending  bool
}

// NewSystem creates a host bound to the running process.
func NewSystem(opts Options) *System {
	probe := opts.Probe
	if probe == nil {
		probe = HasNetAdmin
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("host")
	}
	return &System{
		probe:          probe,
		requireConsent: opts.RequireConsent,
		onRequest:      opts.OnRequest,
		onResult:       opts.OnResult,
		logger:         logger,
	}
}

// SetOnResult replaces the result callback.
func (s *System) SetOnResult(fn func(granted bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// CapabilityGranted implements session.Host.
func (s *System) CapabilityGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grantedLocked()
}

func (s *System) grantedLocked() bool {
	if !s.probe() {
		return false
	}
	return !s.requireConsent || s.approved
}

// RequestCapability implements session.Host. It only marks the request
// pending; repeated calls while pending do not notify again.
func (s *System) RequestCapability() error {
	s.mu.Lock()
	if s.grantedLocked() || s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = true
	notify := s.onRequest
	privileged := s.probe()
	s.mu.Unlock()

	if !privileged {
		s.logger.Warn("process lacks CAP_NET_ADMIN; openvpn will not be able to configure the tunnel")
	}
	s.logger.Info("VPN capability requested, waiting for operator")
	if notify != nil {
		notify()
	}
	return nil
}

// Resolve delivers the consent result and clears the pending request.
func (s *System) Resolve(granted bool) {
	s.mu.Lock()
	s.pending = false
	s.approved = granted
	effective := s.grantedLocked()
	notify := s.onResult
	s.mu.Unlock()

	s.logger.Info("VPN capability resolved", "approved", granted, "granted", effective)
	if notify != nil {
		notify(effective)
	}
}

// Pending reports whether a request awaits resolution.
func (s *System) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// State returns a snapshot for status reporting.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Granted:        s.grantedLocked(),
		Pending:        s.pending,
		RequireConsent: s.requireConsent,
		Privileged:     s.probe(),
	}
}
