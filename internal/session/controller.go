package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rennerdo30/ovpn-bridge/internal/logging"
)

// ConnectOutcome is the non-error result of Connect.
type ConnectOutcome int

const (
	// Started means the configuration was handed to the engine.
	Started ConnectOutcome = iota + 1
	// PermissionRequired means a capability request was issued instead; the
	// caller retries once the host reports the grant.
	PermissionRequired
)

func (o ConnectOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case PermissionRequired:
		return "permission_required"
	default:
		return "unknown"
	}
}

// CapabilityState is the result of RequestCapability.
type CapabilityState int

const (
	// Granted means the OS-level VPN capability is already available.
	Granted CapabilityState = iota + 1
	// PermissionPending means the consent flow was started.
	PermissionPending
)

func (s CapabilityState) String() string {
	switch s {
	case Granted:
		return "granted"
	case PermissionPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Transition is a stage change as seen by the transition tap.
type Transition struct {
	AttemptID string    `json:"attempt_id"`
	Stage     Stage     `json:"stage"`
	At        time.Time `json:"at"`
}

// Options configures a Controller.
type Options struct {
	// NewEngine builds the engine on Initialize. Required.
	NewEngine EngineFactory
	Logger    *slog.Logger

	// OnTransition is called, with the controller lock held, for every
	// stage the controller stores. It must not block.
	OnTransition func(Transition)
	// OnTraffic is called for every traffic update from the engine.
	OnTraffic func(Traffic)

	Now func() time.Time
}

// Controller owns at most one engine handle and relays its status to at most
// one observer. The zero value is not usable; create one with New.
type Controller struct {
	newEngine    EngineFactory
	logger       *slog.Logger
	onTransition func(Transition)
	onTraffic    func(Traffic)
	now          func() time.Time

	// initMu serializes engine replacement so two Initialize calls cannot
	// both install an engine.
	initMu sync.Mutex

	mu        sync.Mutex
	host      Host
	engine    Engine
	stage     Stage // "" until the engine reports or a default is persisted
	observer  Observer
	pending   *SessionConfig
	attemptID string
	traffic   Traffic
}

// New creates a controller.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("session")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		newEngine:    opts.NewEngine,
		logger:       logger,
		onTransition: opts.OnTransition,
		onTraffic:    opts.OnTraffic,
		now:          now,
	}
}

// Attach sets the host context.
func (c *Controller) Attach(host Host) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
}

// Detach clears the host context. The engine handle is kept.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = nil
}

// Initialize constructs the engine handle and registers the controller as its
// listener. An existing handle is stopped and released first. It returns the
// current stage, which is also emitted to the observer.
func (c *Controller) Initialize() (Stage, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	host := c.host
	if host == nil {
		c.mu.Unlock()
		return "", ErrNotAttached
	}
	old := c.engine
	c.engine = nil
	c.mu.Unlock()

	if old != nil {
		c.logger.Info("replacing existing engine handle")
		if err := old.Close(); err != nil {
			c.logger.Warn("failed to release previous engine", "error", err)
		}
	}

	if c.newEngine == nil {
		return "", Unexpected(fmt.Errorf("no engine factory configured"))
	}
	engine, err := c.newEngine(host)
	if err != nil {
		return "", Unexpected(fmt.Errorf("create engine: %w", err))
	}
	engine.SetListener(&engineListener{c: c, engine: engine})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = engine
	stage := c.replayLocked()
	c.logger.Info("engine initialized", "stage", stage)
	return stage, nil
}

// Connect validates cfg and hands it to the engine, or starts the consent
// flow when the host has not granted the VPN capability yet.
func (c *Controller) Connect(cfg SessionConfig) (ConnectOutcome, error) {
	c.mu.Lock()
	engine := c.engine
	host := c.host
	c.mu.Unlock()

	if engine == nil {
		return 0, ErrNotInitialized
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if host == nil {
		return 0, ErrNotAttached
	}

	cfg = cfg.clone()
	if !host.CapabilityGranted() {
		c.mu.Lock()
		c.pending = &cfg
		c.mu.Unlock()

		c.logger.Info("VPN capability not granted, requesting consent", "name", cfg.Name)
		if err := host.RequestCapability(); err != nil {
			return 0, Unexpected(fmt.Errorf("request capability: %w", err))
		}
		return PermissionRequired, nil
	}

	if err := c.start(engine, cfg); err != nil {
		return 0, err
	}
	return Started, nil
}

// OnCapabilityResult delivers the out-of-band consent result. A granted
// result starts the configuration stashed by the last PermissionRequired
// connect; the stash is discarded either way.
func (c *Controller) OnCapabilityResult(granted bool) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	engine := c.engine
	c.mu.Unlock()

	switch {
	case !granted:
		c.logger.Info("VPN capability denied")
		return nil
	case pending == nil:
		c.logger.Debug("VPN capability granted, no pending session")
		return nil
	case engine == nil:
		c.logger.Warn("VPN capability granted but engine is not initialized")
		return nil
	}
	return c.start(engine, *pending)
}

func (c *Controller) start(engine Engine, cfg SessionConfig) error {
	id := uuid.NewString()
	c.mu.Lock()
	c.attemptID = id
	c.mu.Unlock()

	c.logger.Info("starting VPN session",
		"attempt", id,
		"name", cfg.Name,
		"bypass_entries", len(cfg.BypassPackages),
		"has_credentials", cfg.Username != "",
	)
	if err := engine.Start(cfg); err != nil {
		return Unexpected(fmt.Errorf("start engine: %w", err))
	}
	return nil
}

// Disconnect stops the engine and immediately reports StageDisconnected,
// without waiting for the engine to confirm.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	if engine == nil {
		return ErrNotInitialized
	}
	if err := engine.Stop(); err != nil {
		return Unexpected(fmt.Errorf("stop engine: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStageLocked(StageDisconnected)
	return nil
}

// Status returns the engine's last raw status without side effects.
func (c *Controller) Status() (string, error) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	if engine == nil {
		return "", ErrNotInitialized
	}
	return engine.Status(), nil
}

// Stage returns the last known stage, persisting StageIdle if none was ever
// reported, and replays it to the observer.
func (c *Controller) Stage() (Stage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine == nil {
		return "", ErrNotInitialized
	}
	return c.replayLocked(), nil
}

// RequestCapability reports whether the VPN capability is granted and starts
// the consent flow when it is not.
func (c *Controller) RequestCapability() (CapabilityState, error) {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()

	if host == nil {
		return 0, ErrNotAttached
	}
	if host.CapabilityGranted() {
		return Granted, nil
	}
	if err := host.RequestCapability(); err != nil {
		return 0, Unexpected(fmt.Errorf("request capability: %w", err))
	}
	return PermissionPending, nil
}

// RegisterObserver installs o as the single observer and returns the one it
// replaced, which receives no further notifications.
func (c *Controller) RegisterObserver(o Observer) Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.observer
	c.observer = o
	return prev
}

// UnregisterObserver clears the observer, delivering exactly one EndOfStream
// to it before returning. It reports whether an observer was registered.
func (c *Controller) UnregisterObserver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detachLocked()
}

// Unsubscribe is UnregisterObserver restricted to o: it does nothing if o has
// already been replaced.
func (c *Controller) Unsubscribe(o Observer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil || c.observer != o {
		return false
	}
	return c.detachLocked()
}

func (c *Controller) detachLocked() bool {
	obs := c.observer
	if obs == nil {
		return false
	}
	c.observer = nil
	obs.EndOfStream()
	return true
}

// OnStatusChanged implements Listener. It normalizes raw, stores it and
// pushes it to the observer; without an observer the value is only stored.
func (c *Controller) OnStatusChanged(raw string) {
	c.applyStatus(nil, raw)
}

// OnTrafficChanged implements Listener.
func (c *Controller) OnTrafficChanged(t Traffic) {
	c.applyTraffic(nil, t)
}

// applyStatus drops callbacks from an engine that is no longer current.
func (c *Controller) applyStatus(from Engine, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from != nil && c.engine != from {
		c.logger.Debug("dropping status from released engine", "status", raw)
		return
	}
	c.setStageLocked(NormalizeStage(raw))
}

func (c *Controller) applyTraffic(from Engine, t Traffic) {
	c.mu.Lock()
	if from != nil && c.engine != from {
		c.mu.Unlock()
		return
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = c.now()
	}
	c.traffic = t
	c.mu.Unlock()

	if c.onTraffic != nil {
		c.onTraffic(t)
	}
}

// Traffic returns the latest byte counters reported by the engine.
func (c *Controller) Traffic() Traffic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traffic
}

// AttemptID returns the identifier of the most recent session start.
func (c *Controller) AttemptID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptID
}

// Initialized reports whether an engine handle exists.
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil
}

// HasObserver reports whether an observer is registered.
func (c *Controller) HasObserver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer != nil
}

// Close releases the engine handle and ends the observer stream.
func (c *Controller) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.pending = nil
	c.detachLocked()
	c.mu.Unlock()

	if engine == nil {
		return nil
	}
	if err := engine.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

func (c *Controller) replayLocked() Stage {
	if c.stage == "" {
		c.stage = StageIdle
		c.tapLocked(StageIdle)
	}
	c.notifyLocked(c.stage)
	return c.stage
}

func (c *Controller) setStageLocked(stage Stage) {
	c.stage = stage
	c.notifyLocked(stage)
	c.tapLocked(stage)
}

func (c *Controller) notifyLocked(stage Stage) {
	if c.observer != nil {
		c.observer.OnStage(stage)
	}
}

func (c *Controller) tapLocked(stage Stage) {
	if c.onTransition != nil {
		c.onTransition(Transition{AttemptID: c.attemptID, Stage: stage, At: c.now()})
	}
}

// engineListener binds callbacks to the engine that produced them.
type engineListener struct {
	c      *Controller
	engine Engine
}

func (l *engineListener) OnStatusChanged(raw string) {
	l.c.applyStatus(l.engine, raw)
}

func (l *engineListener) OnTrafficChanged(t Traffic) {
	l.c.applyTraffic(l.engine, t)
}
