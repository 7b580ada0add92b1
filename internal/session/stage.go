// Package session implements the VPN session controller: a passive relay that
// owns at most one engine handle, forwards control commands to it and fans
// engine status transitions out to a single observer.
package session

import "strings"

// Stage is the controller's normalized view of connection progress. The set
// of values is defined by the engine; the controller treats it as an opaque
// lowercase token.
type Stage string

// Well-known stages. Engines may report others.
const (
	// StageIdle is the default stage when the engine has never reported one.
	StageIdle          Stage = "idle"
	StageConnecting    Stage = "connecting"
	StageConnected     Stage = "connected"
	StageDisconnecting Stage = "disconnecting"
	StageDisconnected  Stage = "disconnected"
	StageReconnecting  Stage = "reconnecting"
	StageError         Stage = "error"
)

// NormalizeStage converts a raw engine status into a Stage. An empty status
// (the engine reported nothing) becomes StageIdle.
func NormalizeStage(raw string) Stage {
	if raw == "" {
		return StageIdle
	}
	return Stage(strings.ToLower(raw))
}

// String returns the stage token.
func (s Stage) String() string {
	return string(s)
}
