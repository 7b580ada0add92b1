package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/ovpn-bridge/internal/api/server"
	"github.com/rennerdo30/ovpn-bridge/internal/bridge"
	"github.com/rennerdo30/ovpn-bridge/internal/host"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

type nopEngine struct {
	mu sync.Mutex
	l  session.Listener
}

func (e *nopEngine) Start(session.SessionConfig) error { return nil }
func (e *nopEngine) Stop() error                       { return nil }
func (e *nopEngine) Status() string                    { return "" }
func (e *nopEngine) Close() error                      { return nil }
func (e *nopEngine) SetListener(l session.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.l = l
}

func newDaemon(t *testing.T, token string) (*httptest.Server, *session.Controller, *host.System) {
	t.Helper()
	ctrl := session.New(session.Options{
		NewEngine: func(session.Host) (session.Engine, error) { return &nopEngine{}, nil },
	})
	h := host.NewSystem(host.Options{
		RequireConsent: true,
		Probe:          func() bool { return true },
		OnResult:       func(granted bool) { _ = ctrl.OnCapabilityResult(granted) },
	})
	ctrl.Attach(h)

	api := server.New(server.Config{
		Dispatcher: bridge.New(bridge.Options{Session: ctrl}),
		Session:    ctrl,
		Host:       h,
		Token:      token,
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, ctrl, h
}

func TestNew(t *testing.T) {
	c := New("http://localhost:7390/", "tok")
	assert.Equal(t, "http://localhost:7390", c.BaseURL)
	assert.Equal(t, "tok", c.Token)
	assert.NotNil(t, c.HTTP)
}

func TestClient_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "ovpn-bridge")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	h, err := New(srv.URL, "test-token").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h["status"])
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, err.Error(), "Unauthorized")

	_, err = c.Call(context.Background(), "stage", nil)
	require.ErrorAs(t, err, &apiErr)
}

func TestClient_CallRoundTrip(t *testing.T) {
	srv, _, _ := newDaemon(t, "secret")
	c := New(srv.URL, "secret")
	ctx := context.Background()

	res, err := c.Call(ctx, bridge.MethodStage, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "NOT_INITIALIZED", res.Error.Code)

	res, err = c.Call(ctx, bridge.MethodInitialize, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", res.Value)

	res, err = c.Call(ctx, bridge.MethodConnect, map[string]any{"config": "remote vpn.example.com"})
	require.NoError(t, err)
	assert.Equal(t, false, res.Value)

	st, err := c.Permission(ctx)
	require.NoError(t, err)
	assert.True(t, st.Pending)

	st, err = c.ResolvePermission(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Granted)
	assert.False(t, st.Pending)

	res, err = c.Call(ctx, "unknown", nil)
	require.NoError(t, err)
	assert.True(t, res.NotImplemented)

	tr, err := c.Traffic(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.AttemptID)

	info, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ovpn-bridge", info.Product)

	_, err = c.History(ctx, 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestClient_Watch(t *testing.T) {
	srv, ctrl, _ := newDaemon(t, "secret")
	c := New(srv.URL, "secret")

	stages := make(chan string, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Watch(context.Background(), func(stage string) { stages <- stage })
	}()

	require.Eventually(t, ctrl.HasObserver, 2*time.Second, 10*time.Millisecond)
	ctrl.OnStatusChanged("CONNECTED")

	select {
	case s := <-stages:
		assert.Equal(t, "connected", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no stage received")
	}

	ctrl.UnregisterObserver()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrEndOfStream)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end")
	}
}

func TestClient_WatchCancel(t *testing.T) {
	srv, ctrl, _ := newDaemon(t, "")
	c := New(srv.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Watch(ctx, func(string) {}) }()

	require.Eventually(t, ctrl.HasObserver, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	require.Eventually(t, func() bool { return !ctrl.HasObserver() }, 2*time.Second, 10*time.Millisecond)
}
