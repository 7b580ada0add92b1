package session

import "time"

// Engine is the wrapped VPN implementation. Start and Stop must not block on
// tunnel completion; outcomes are reported through the Listener.
type Engine interface {
	Start(cfg SessionConfig) error
	Stop() error
	// Status returns the last raw status the engine reported, "" if none.
	Status() string
	SetListener(l Listener)
	Close() error
}

// Listener receives engine callbacks. Calls may arrive on any goroutine,
// including synchronously from within Start or Stop.
type Listener interface {
	OnStatusChanged(raw string)
	OnTrafficChanged(t Traffic)
}

// EngineFactory builds an engine bound to the attached host.
type EngineFactory func(host Host) (Engine, error)

// Traffic is the latest byte counters reported by the engine.
type Traffic struct {
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Host is the attached host context that grants the OS-level VPN capability.
type Host interface {
	CapabilityGranted() bool
	// RequestCapability starts the consent flow. It must not block waiting
	// for the user; the result arrives out of band.
	RequestCapability() error
}
