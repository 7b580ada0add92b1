// Package client is a Go client for the ovpn-bridge REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/rennerdo30/ovpn-bridge/internal/api/server"
	"github.com/rennerdo30/ovpn-bridge/internal/bridge"
	"github.com/rennerdo30/ovpn-bridge/internal/history"
	"github.com/rennerdo30/ovpn-bridge/internal/host"
	"github.com/rennerdo30/ovpn-bridge/internal/version"
)

// ErrEndOfStream is returned by Watch when the daemon ends the stage stream.
var ErrEndOfStream = errors.New("end of stream")

// Client talks to a running daemon.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response that is not a call result.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d %s - %s", e.Status, http.StatusText(e.Status), strings.TrimSpace(e.Body))
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	return c.sendJSON(ctx, http.MethodGet, path, nil, v)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, v any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body) //nolint:errcheck // Best effort read for error message
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Call invokes a bridge method. Call failures come back in the Result; the
// error is only set when no Result could be read.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (bridge.Result, error) {
	var body any
	if args != nil {
		body = args
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/call/"+url.PathEscape(method), body)
	if err != nil {
		return bridge.Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return bridge.Result{}, fmt.Errorf("read response: %w", err)
	}

	var res bridge.Result
	if err := json.Unmarshal(data, &res); err != nil || (resp.StatusCode != http.StatusOK && res.Error == nil && !res.NotImplemented) {
		return bridge.Result{}, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return res, nil
}

// Permission returns the host capability state.
func (c *Client) Permission(ctx context.Context) (host.State, error) {
	var st host.State
	err := c.getJSON(ctx, "/api/v1/permission", &st)
	return st, err
}

// ResolvePermission answers a pending consent request.
func (c *Client) ResolvePermission(ctx context.Context, granted bool) (host.State, error) {
	var st host.State
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/permission", map[string]bool{"granted": granted}, &st)
	return st, err
}

// Traffic is the daemon's traffic report.
type Traffic struct {
	AttemptID string    `json:"attempt_id"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Traffic returns the latest byte counters.
func (c *Client) Traffic(ctx context.Context) (Traffic, error) {
	var t Traffic
	err := c.getJSON(ctx, "/api/v1/traffic", &t)
	return t, err
}

// History returns the most recent stage transitions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []history.Entry
	err := c.getJSON(ctx, path, &entries)
	return entries, err
}

// Health returns the daemon health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var h map[string]any
	err := c.getJSON(ctx, "/api/v1/health", &h)
	return h, err
}

// Version returns the daemon build information.
func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var info version.Info
	err := c.getJSON(ctx, "/api/v1/version", &info)
	return info, err
}

// Watch opens the stage stream and calls fn for every stage until the
// context is cancelled or the daemon ends the stream (ErrEndOfStream).
// Opening a stream replaces any other watcher.
func (c *Client) Watch(ctx context.Context, fn func(stage string)) error {
	u, err := url.Parse(c.BaseURL + "/api/v1/stage/stream")
	if err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}
	origin := *u
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	origin.Path = "/"

	cfg, err := websocket.NewConfig(u.String(), origin.String())
	if err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}
	if c.Token != "" {
		cfg.Header.Set("Authorization", "Bearer "+c.Token)
	}
	cfg.Header.Set("User-Agent", version.UserAgent())

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("open stage stream: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var msg server.StreamMessage
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stage stream: %w", err)
		}
		switch msg.Type {
		case server.MessageStage:
			fn(msg.Stage)
		case server.MessageEndOfStream:
			return ErrEndOfStream
		}
	}
}
