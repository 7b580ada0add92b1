package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	listener Listener
	status   string
	started  []SessionConfig
	stops    int
	closed   bool
	startErr error
	stopErr  error
	// reportOnStart is pushed to the listener synchronously from Start.
	reportOnStart string
}

func (e *fakeEngine) Start(cfg SessionConfig) error {
	e.mu.Lock()
	if e.startErr != nil {
		e.mu.Unlock()
		return e.startErr
	}
	e.started = append(e.started, cfg)
	l := e.listener
	raw := e.reportOnStart
	if raw != "" {
		e.status = raw
	}
	e.mu.Unlock()

	if l != nil && raw != "" {
		l.OnStatusChanged(raw)
	}
	return nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return e.stopErr
}

func (e *fakeEngine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *fakeEngine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) emit(raw string) {
	e.mu.Lock()
	e.status = raw
	l := e.listener
	e.mu.Unlock()
	l.OnStatusChanged(raw)
}

func (e *fakeEngine) startedConfigs() []SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SessionConfig(nil), e.started...)
}

type fakeHost struct {
	mu       sync.Mutex
	granted  bool
	requests int
	err      error
}

func (h *fakeHost) CapabilityGranted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.granted
}

func (h *fakeHost) RequestCapability() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	return h.err
}

type recorder struct {
	mu     sync.Mutex
	stages []Stage
	ends   int
}

func (r *recorder) OnStage(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, s)
}

func (r *recorder) EndOfStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func (r *recorder) snapshot() ([]Stage, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stages...), r.ends
}

type harness struct {
	c       *Controller
	host    *fakeHost
	engines []*fakeEngine
	mu      sync.Mutex
}

func newHarness(t *testing.T, granted bool) *harness {
	t.Helper()
	h := &harness{host: &fakeHost{granted: granted}}
	h.c = New(Options{
		NewEngine: func(Host) (Engine, error) {
			e := &fakeEngine{}
			h.mu.Lock()
			h.engines = append(h.engines, e)
			h.mu.Unlock()
			return e, nil
		},
	})
	h.c.Attach(h.host)
	return h
}

func (h *harness) engine() *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[len(h.engines)-1]
}

func validConfig() SessionConfig {
	return SessionConfig{ConfigBlob: "client\nremote vpn.example.com 1194\n"}
}

func TestInitialize_DefaultsToIdle(t *testing.T) {
	h := newHarness(t, true)
	obs := &recorder{}
	h.c.RegisterObserver(obs)

	stage, err := h.c.Initialize()
	require.NoError(t, err)
	assert.Equal(t, StageIdle, stage)

	stages, _ := obs.snapshot()
	assert.Equal(t, []Stage{StageIdle}, stages)

	stage, err = h.c.Stage()
	require.NoError(t, err)
	assert.Equal(t, StageIdle, stage)
}

func TestInitialize_WithoutHost(t *testing.T) {
	c := New(Options{NewEngine: func(Host) (Engine, error) { return &fakeEngine{}, nil }})

	_, err := c.Initialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAttached)
	assert.False(t, c.Initialized())
}

func TestInitialize_FactoryError(t *testing.T) {
	c := New(Options{NewEngine: func(Host) (Engine, error) { return nil, errors.New("boom") }})
	c.Attach(&fakeHost{})

	_, err := c.Initialize()
	require.Error(t, err)
	assert.Equal(t, CodeUnexpected, CodeOf(err))
}

func TestInitialize_ReplacesEngine(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	first := h.engine()

	_, err = h.c.Initialize()
	require.NoError(t, err)
	second := h.engine()

	assert.NotSame(t, first, second)
	assert.True(t, first.closed)
	assert.False(t, second.closed)

	// Late callbacks from the released engine are ignored.
	first.listener.OnStatusChanged("CONNECTED")
	stage, err := h.c.Stage()
	require.NoError(t, err)
	assert.Equal(t, StageIdle, stage)
}

func TestInitialize_KeepsReportedStage(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.engine().emit("CONNECTED")

	stage, err := h.c.Initialize()
	require.NoError(t, err)
	assert.Equal(t, StageConnected, stage)
}

func TestOperations_NotInitialized(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.c.Connect(validConfig())
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.ErrorIs(t, h.c.Disconnect(), ErrNotInitialized)

	_, err = h.c.Status()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = h.c.Stage()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestConnect_InvalidConfig(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	_, err = h.c.Connect(SessionConfig{
		Username:       "alice",
		Password:       "secret",
		Name:           "work",
		BypassPackages: []string{"10.0.0.0/8"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, h.engine().startedConfigs())
}

func TestConnect_NotAttached(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.c.Detach()

	_, err = h.c.Connect(validConfig())
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestConnect_Started(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	bypass := []string{"com.example.app"}
	cfg := validConfig()
	cfg.Name = "office"
	cfg.BypassPackages = bypass

	outcome, err := h.c.Connect(cfg)
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	assert.NotEmpty(t, h.c.AttemptID())

	started := h.engine().startedConfigs()
	require.Len(t, started, 1)
	assert.Equal(t, "office", started[0].Name)

	// The controller keeps its own copy of the bypass list.
	bypass[0] = "mutated"
	assert.Equal(t, "com.example.app", started[0].BypassPackages[0])
}

func TestConnect_SynchronousCallback(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.engine().reportOnStart = "CONNECTING"

	obs := &recorder{}
	h.c.RegisterObserver(obs)

	_, err = h.c.Connect(validConfig())
	require.NoError(t, err)

	stages, _ := obs.snapshot()
	assert.Equal(t, []Stage{StageConnecting}, stages)
}

func TestConnect_EngineError(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.engine().startErr = errors.New("exec failed")

	outcome, err := h.c.Connect(validConfig())
	require.Error(t, err)
	assert.Zero(t, outcome)
	assert.Equal(t, CodeUnexpected, CodeOf(err))
}

func TestConnect_PermissionRequired(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.engine().emit("DISCONNECTED")

	obs := &recorder{}
	h.c.RegisterObserver(obs)

	outcome, err := h.c.Connect(validConfig())
	require.NoError(t, err)
	assert.Equal(t, PermissionRequired, outcome)
	assert.Equal(t, 1, h.host.requests)
	assert.Empty(t, h.engine().startedConfigs())

	stages, _ := obs.snapshot()
	assert.Empty(t, stages)
	stage, err := h.c.Stage()
	require.NoError(t, err)
	assert.Equal(t, StageDisconnected, stage)
}

func TestOnCapabilityResult_StartsPending(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	cfg := validConfig()
	cfg.Name = "pending"
	_, err = h.c.Connect(cfg)
	require.NoError(t, err)

	require.NoError(t, h.c.OnCapabilityResult(true))
	started := h.engine().startedConfigs()
	require.Len(t, started, 1)
	assert.Equal(t, "pending", started[0].Name)

	// The stash is consumed.
	require.NoError(t, h.c.OnCapabilityResult(true))
	assert.Len(t, h.engine().startedConfigs(), 1)
}

func TestOnCapabilityResult_Denied(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	_, err = h.c.Connect(validConfig())
	require.NoError(t, err)

	require.NoError(t, h.c.OnCapabilityResult(false))
	require.NoError(t, h.c.OnCapabilityResult(true))
	assert.Empty(t, h.engine().startedConfigs())
}

func TestDisconnect_ReportsDisconnected(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.engine().emit("CONNECTED")

	obs := &recorder{}
	h.c.RegisterObserver(obs)

	require.NoError(t, h.c.Disconnect())
	assert.Equal(t, 1, h.engine().stops)

	stage, err := h.c.Stage()
	require.NoError(t, err)
	assert.Equal(t, StageDisconnected, stage)

	stages, _ := obs.snapshot()
	assert.Equal(t, []Stage{StageDisconnected, StageDisconnected}, stages)
}

func TestDisconnect_StopError(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	h.engine().stopErr = errors.New("signal failed")

	err = h.c.Disconnect()
	require.Error(t, err)
	assert.Equal(t, CodeUnexpected, CodeOf(err))
}

func TestStatus_ReturnsRaw(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	status, err := h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, "", status)

	h.engine().emit("WAIT")
	status, err = h.c.Status()
	require.NoError(t, err)
	assert.Equal(t, "WAIT", status)
}

func TestOnStatusChanged_Normalizes(t *testing.T) {
	tests := []struct {
		raw  string
		want Stage
	}{
		{"", StageIdle},
		{"CONNECTED", StageConnected},
		{"Connecting", StageConnecting},
		{"AUTH_FAILED", Stage("auth_failed")},
		{"reconnecting", StageReconnecting},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			h := newHarness(t, true)
			_, err := h.c.Initialize()
			require.NoError(t, err)

			obs := &recorder{}
			h.c.RegisterObserver(obs)
			h.c.OnStatusChanged(tt.raw)

			stages, _ := obs.snapshot()
			assert.Equal(t, []Stage{tt.want}, stages)
		})
	}
}

func TestOnStatusChanged_NoObserver(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	h.c.OnStatusChanged("CONNECTED")

	obs := &recorder{}
	h.c.RegisterObserver(obs)
	stage, err := h.c.Stage()
	require.NoError(t, err)
	assert.Equal(t, StageConnected, stage)

	stages, _ := obs.snapshot()
	assert.Equal(t, []Stage{StageConnected}, stages)
}

func TestRequestCapability(t *testing.T) {
	h := newHarness(t, true)
	state, err := h.c.RequestCapability()
	require.NoError(t, err)
	assert.Equal(t, Granted, state)
	assert.Zero(t, h.host.requests)

	h.host.granted = false
	state, err = h.c.RequestCapability()
	require.NoError(t, err)
	assert.Equal(t, PermissionPending, state)
	assert.Equal(t, 1, h.host.requests)

	h.host.err = errors.New("no consent ui")
	_, err = h.c.RequestCapability()
	assert.Equal(t, CodeUnexpected, CodeOf(err))

	h.c.Detach()
	_, err = h.c.RequestCapability()
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestRegisterObserver_Replaces(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	first := &recorder{}
	second := &recorder{}
	assert.Nil(t, h.c.RegisterObserver(first))
	prev := h.c.RegisterObserver(second)
	assert.Same(t, first, prev)

	h.c.OnStatusChanged("CONNECTED")

	firstStages, firstEnds := first.snapshot()
	assert.Empty(t, firstStages)
	assert.Zero(t, firstEnds)

	secondStages, _ := second.snapshot()
	assert.Equal(t, []Stage{StageConnected}, secondStages)
}

func TestUnregisterObserver_EndOfStream(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	obs := &recorder{}
	h.c.RegisterObserver(obs)
	assert.True(t, h.c.UnregisterObserver())
	assert.False(t, h.c.UnregisterObserver())

	h.c.OnStatusChanged("CONNECTED")
	stages, ends := obs.snapshot()
	assert.Empty(t, stages)
	assert.Equal(t, 1, ends)
	assert.False(t, h.c.HasObserver())
}

func TestUnregisterObserver_ConcurrentCallbacks(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	sub := NewSubscription(4)
	h.c.RegisterObserver(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.c.OnStatusChanged("CONNECTED")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.c.UnregisterObserver()
	}()
	wg.Wait()

	// Drain; the channel must be closed exactly once with nothing after it.
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription never closed")
		}
	}
}

func TestUnsubscribe_OnlyCurrent(t *testing.T) {
	h := newHarness(t, true)
	first := &recorder{}
	second := &recorder{}
	h.c.RegisterObserver(first)
	h.c.RegisterObserver(second)

	assert.False(t, h.c.Unsubscribe(first))
	_, ends := second.snapshot()
	assert.Zero(t, ends)

	assert.True(t, h.c.Unsubscribe(second))
	_, ends = second.snapshot()
	assert.Equal(t, 1, ends)
}

func TestUnsubscribe_ObserverFuncs(t *testing.T) {
	h := newHarness(t, true)
	ended := 0
	obs := &ObserverFuncs{End: func() { ended++ }}
	h.c.RegisterObserver(obs)

	assert.False(t, h.c.Unsubscribe(&ObserverFuncs{}))
	assert.True(t, h.c.Unsubscribe(obs))
	assert.Equal(t, 1, ended)
}

func TestTransitionTap(t *testing.T) {
	var got []Transition
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := New(Options{
		NewEngine:    func(Host) (Engine, error) { return &fakeEngine{}, nil },
		OnTransition: func(tr Transition) { got = append(got, tr) },
		Now:          func() time.Time { return fixed },
	})
	c.Attach(&fakeHost{granted: true})

	_, err := c.Initialize()
	require.NoError(t, err)
	_, err = c.Stage()
	require.NoError(t, err)
	_, err = c.Connect(validConfig())
	require.NoError(t, err)
	c.OnStatusChanged("CONNECTED")

	require.Len(t, got, 2)
	assert.Equal(t, StageIdle, got[0].Stage)
	assert.Equal(t, "", got[0].AttemptID)
	assert.Equal(t, StageConnected, got[1].Stage)
	assert.Equal(t, c.AttemptID(), got[1].AttemptID)
	assert.Equal(t, fixed, got[1].At)
}

func TestTraffic(t *testing.T) {
	var seen []Traffic
	h := &harness{host: &fakeHost{granted: true}}
	h.c = New(Options{
		NewEngine: func(Host) (Engine, error) {
			e := &fakeEngine{}
			h.engines = append(h.engines, e)
			return e, nil
		},
		OnTraffic: func(tr Traffic) { seen = append(seen, tr) },
	})
	h.c.Attach(h.host)
	_, err := h.c.Initialize()
	require.NoError(t, err)

	h.engine().listener.OnTrafficChanged(Traffic{BytesIn: 10, BytesOut: 20})

	tr := h.c.Traffic()
	assert.Equal(t, uint64(10), tr.BytesIn)
	assert.Equal(t, uint64(20), tr.BytesOut)
	assert.False(t, tr.UpdatedAt.IsZero())
	assert.Len(t, seen, 1)
}

func TestClose(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.c.Initialize()
	require.NoError(t, err)
	obs := &recorder{}
	h.c.RegisterObserver(obs)

	require.NoError(t, h.c.Close())
	assert.True(t, h.engine().closed)
	assert.False(t, h.c.Initialized())
	_, ends := obs.snapshot()
	assert.Equal(t, 1, ends)

	require.NoError(t, h.c.Close())
}

func TestSubscription(t *testing.T) {
	sub := NewSubscription(1)
	sub.OnStage(StageConnecting)
	sub.OnStage(StageConnected)
	assert.Equal(t, 1, sub.Dropped())

	sub.EndOfStream()
	sub.EndOfStream()
	sub.OnStage(StageError)

	var got []Stage
	for s := range sub.C() {
		got = append(got, s)
	}
	assert.Equal(t, []Stage{StageConnecting}, got)
}

func TestNormalizeStage(t *testing.T) {
	assert.Equal(t, StageIdle, NormalizeStage(""))
	assert.Equal(t, StageConnected, NormalizeStage("CONNECTED"))
	assert.Equal(t, Stage("get_config"), NormalizeStage("GET_CONFIG"))
	assert.Equal(t, "idle", StageIdle.String())
}

func TestErrors(t *testing.T) {
	wrapped := Unexpected(errors.New("disk full"))
	assert.Equal(t, CodeUnexpected, CodeOf(wrapped))
	assert.Equal(t, "disk full", wrapped.Details)
	assert.Contains(t, wrapped.Error(), "disk full")

	assert.Equal(t, CodeUnexpected, CodeOf(errors.New("foreign")))
	assert.Equal(t, Code(""), CodeOf(nil))

	custom := &Error{Code: CodeNotInitialized, Message: "other text"}
	assert.ErrorIs(t, custom, ErrNotInitialized)
	assert.NotErrorIs(t, custom, ErrInvalidConfig)

	assert.Equal(t, "-1", CodeNotInitialized.Legacy())
	assert.Equal(t, "-2", CodeInvalidConfig.Legacy())
	assert.Equal(t, "-3", CodeNotAttached.Legacy())
	assert.Equal(t, "-99", CodeUnexpected.Legacy())

	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "pending", PermissionPending.String())
}
