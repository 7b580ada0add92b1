package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/ovpn-bridge/internal/credentials"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

type stubEngine struct {
	mu      sync.Mutex
	started []session.SessionConfig
	status  string
}

func (e *stubEngine) Start(cfg session.SessionConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, cfg)
	return nil
}
func (e *stubEngine) Stop() error                     { return nil }
func (e *stubEngine) Status() string                  { return e.status }
func (e *stubEngine) SetListener(l session.Listener) {}
func (e *stubEngine) Close() error                    { return nil }

type stubHost struct{ granted bool }

func (h *stubHost) CapabilityGranted() bool  { return h.granted }
func (h *stubHost) RequestCapability() error { return nil }

type memCredentials struct {
	saved map[string]string
}

func (m *memCredentials) Lookup(profile, username string) (string, error) {
	pw, ok := m.saved[profile+"/"+username]
	if !ok {
		return "", credentials.ErrNotFound
	}
	return pw, nil
}

func (m *memCredentials) Save(profile, username, password string) error {
	m.saved[profile+"/"+username] = password
	return nil
}

type callRecorder struct {
	calls    []string
	connects []string
}

func (r *callRecorder) RecordCall(method, code string, _ time.Duration) {
	r.calls = append(r.calls, method+":"+code)
}

func (r *callRecorder) RecordConnect(outcome string) {
	r.connects = append(r.connects, outcome)
}

type fixture struct {
	d        *Dispatcher
	ctrl     *session.Controller
	engine   *stubEngine
	host     *stubHost
	creds    *memCredentials
	recorder *callRecorder
}

func newFixture(granted bool) *fixture {
	f := &fixture{
		engine:   &stubEngine{},
		host:     &stubHost{granted: granted},
		creds:    &memCredentials{saved: map[string]string{}},
		recorder: &callRecorder{},
	}
	f.ctrl = session.New(session.Options{
		NewEngine: func(session.Host) (session.Engine, error) { return f.engine, nil },
	})
	f.ctrl.Attach(f.host)
	f.d = New(Options{Session: f.ctrl, Credentials: f.creds, Recorder: f.recorder})
	return f
}

func (f *fixture) call(method string, args map[string]any) Result {
	return f.d.Handle(context.Background(), Call{Method: method, Args: args})
}

func TestHandle_NotInitialized(t *testing.T) {
	f := newFixture(true)

	for _, method := range []string{MethodStatus, MethodStage, MethodDisconnect, MethodConnect} {
		t.Run(method, func(t *testing.T) {
			res := f.call(method, map[string]any{"config": "client"})
			require.NotNil(t, res.Error)
			assert.Equal(t, "NOT_INITIALIZED", res.Error.Code)
			assert.Equal(t, "-1", res.Error.LegacyCode)
			assert.Equal(t, "VPN engine needs to be initialized", res.Error.Message)
			assert.False(t, res.OK())
		})
	}
}

func TestHandle_InitializeAndStage(t *testing.T) {
	f := newFixture(true)

	res := f.call(MethodInitialize, nil)
	require.True(t, res.OK())
	assert.Equal(t, "idle", res.Value)

	res = f.call(MethodStage, nil)
	require.True(t, res.OK())
	assert.Equal(t, "idle", res.Value)

	f.ctrl.OnStatusChanged("CONNECTED")
	res = f.call(MethodStage, nil)
	assert.Equal(t, "connected", res.Value)
}

func TestHandle_InitializeNotAttached(t *testing.T) {
	f := newFixture(true)
	f.ctrl.Detach()

	res := f.call(MethodInitialize, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, "NOT_ATTACHED", res.Error.Code)
	assert.Equal(t, "-3", res.Error.LegacyCode)
}

func TestHandle_ConnectFlow(t *testing.T) {
	f := newFixture(true)
	require.True(t, f.call(MethodInitialize, nil).OK())

	res := f.call(MethodConnect, map[string]any{"config": ""})
	require.NotNil(t, res.Error)
	assert.Equal(t, "INVALID_CONFIG", res.Error.Code)
	assert.Equal(t, "-2", res.Error.LegacyCode)

	res = f.call(MethodConnect, map[string]any{
		"config":          "client\nremote vpn.example.com\n",
		"name":            "office",
		"username":        "alice",
		"password":        "pw",
		"bypass_packages": []any{"com.example.app", "10.0.0.0/8"},
	})
	require.True(t, res.OK())
	assert.Equal(t, true, res.Value)

	require.Len(t, f.engine.started, 1)
	cfg := f.engine.started[0]
	assert.Equal(t, "office", cfg.Name)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, []string{"com.example.app", "10.0.0.0/8"}, cfg.BypassPackages)
	assert.Equal(t, []string{"INVALID_CONFIG", "started"}, f.recorder.connects)
}

func TestHandle_ConnectPermissionPending(t *testing.T) {
	f := newFixture(false)
	require.True(t, f.call(MethodInitialize, nil).OK())

	res := f.call(MethodConnect, map[string]any{"config": "client"})
	require.True(t, res.OK())
	assert.Equal(t, false, res.Value)
	assert.Empty(t, f.engine.started)
	assert.Equal(t, []string{"permission_required"}, f.recorder.connects)

	res = f.call(MethodStage, nil)
	assert.Equal(t, "idle", res.Value)
}

func TestHandle_ConnectMalformedArgs(t *testing.T) {
	f := newFixture(true)
	require.True(t, f.call(MethodInitialize, nil).OK())

	res := f.call(MethodConnect, map[string]any{"config": 42, "name": "x"})
	require.NotNil(t, res.Error)
	assert.Equal(t, "INVALID_CONFIG", res.Error.Code)

	res = f.call(MethodConnect, map[string]any{"config": "client", "bypass_packages": "not-a-list"})
	require.True(t, res.OK())
	require.Len(t, f.engine.started, 1)
	assert.Nil(t, f.engine.started[0].BypassPackages)
}

func TestHandle_Credentials(t *testing.T) {
	f := newFixture(true)
	require.True(t, f.call(MethodInitialize, nil).OK())

	res := f.call(MethodConnect, map[string]any{
		"config":   "client",
		"name":     "office",
		"username": "alice",
		"password": "s3cret",
		"remember": true,
	})
	require.True(t, res.OK())
	assert.Equal(t, "s3cret", f.creds.saved["office/alice"])

	res = f.call(MethodConnect, map[string]any{
		"config":   "client",
		"name":     "office",
		"username": "alice",
	})
	require.True(t, res.OK())
	require.Len(t, f.engine.started, 2)
	assert.Equal(t, "s3cret", f.engine.started[1].Password)

	// Unknown profile: connect proceeds without a password.
	res = f.call(MethodConnect, map[string]any{"config": "client", "name": "home", "username": "alice"})
	require.True(t, res.OK())
	assert.Empty(t, f.engine.started[2].Password)
}

func TestHandle_StatusAndDisconnect(t *testing.T) {
	f := newFixture(true)
	require.True(t, f.call(MethodInitialize, nil).OK())
	f.engine.status = "WAIT"

	res := f.call(MethodStatus, nil)
	assert.Equal(t, "WAIT", res.Value)

	res = f.call(MethodDisconnect, nil)
	require.True(t, res.OK())
	assert.Equal(t, true, res.Value)
	assert.Equal(t, "disconnected", f.call(MethodStage, nil).Value)
}

func TestHandle_RequestPermission(t *testing.T) {
	f := newFixture(true)
	assert.Equal(t, true, f.call(MethodRequestPermission, nil).Value)

	f.host.granted = false
	res := f.call(MethodRequestPermission, nil)
	require.True(t, res.OK())
	assert.Equal(t, false, res.Value)

	f.ctrl.Detach()
	res = f.call(MethodRequestPermission, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, "NOT_ATTACHED", res.Error.Code)
}

func TestHandle_NotImplemented(t *testing.T) {
	f := newFixture(true)
	res := f.call("reboot", nil)
	assert.True(t, res.NotImplemented)
	assert.Nil(t, res.Error)
	assert.Contains(t, f.recorder.calls, "reboot:NOT_IMPLEMENTED")
}

type panicSession struct{ Session }

func (panicSession) Status() (string, error) { panic("engine exploded") }

func TestHandle_RecoversPanic(t *testing.T) {
	rec := &callRecorder{}
	d := New(Options{Session: panicSession{}, Recorder: rec})

	res := d.Handle(context.Background(), Call{Method: MethodStatus})
	require.NotNil(t, res.Error)
	assert.Equal(t, "UNEXPECTED", res.Error.Code)
	assert.Equal(t, "-99", res.Error.LegacyCode)
	assert.Contains(t, res.Error.Details, "engine exploded")
	assert.Equal(t, []string{"status:UNEXPECTED"}, rec.calls)
}

func TestResult_JSON(t *testing.T) {
	data, err := json.Marshal(Result{Value: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":false}`, string(data))

	data, err = json.Marshal(Result{Error: &Error{Code: "NOT_ATTACHED", LegacyCode: "-3", Message: "m"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"NOT_ATTACHED","legacy_code":"-3","message":"m"}}`, string(data))
}

func TestDecodeConnect(t *testing.T) {
	cfg, remember, problems := decodeConnect(map[string]any{
		"config":          "blob",
		"bypass_packages": []string{"a"},
		"remember":        "yes",
		"password":        7,
	})
	assert.Equal(t, "blob", cfg.ConfigBlob)
	assert.Equal(t, []string{"a"}, cfg.BypassPackages)
	assert.Empty(t, cfg.Password)
	assert.False(t, remember)
	assert.Len(t, problems, 2)

	cfg, _, problems = decodeConnect(nil)
	assert.Empty(t, cfg.ConfigBlob)
	assert.Empty(t, problems)
}
