package openvpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

// Raw statuses the engine reports in addition to the openvpn state names.
const (
	StatusConnecting   = "CONNECTING"
	StatusDisconnected = "DISCONNECTED"
	StatusAuthFailed   = "AUTH_FAILED"
	StatusError        = "ERROR"
)

// ErrEngineClosed is returned by Start after Close.
var ErrEngineClosed = errors.New("openvpn engine closed")

// Options configures an Engine.
type Options struct {
	Binary            string
	ManagementAddr    string
	ManagementPort    int // 0 picks a free port per session
	Verb              int
	StopGrace         time.Duration
	BytecountInterval int // seconds, 0 disables traffic reports
	ExtraArgs         []string
	TempDir           string
	Logger            *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Binary == "" {
		o.Binary = "openvpn"
	}
	if o.ManagementAddr == "" {
		o.ManagementAddr = "127.0.0.1"
	}
	if o.Verb == 0 {
		o.Verb = 3
	}
	if o.StopGrace == 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent("openvpn")
	}
}

// managementRetry is the delay between management dial attempts.
var managementRetry = 500 * time.Millisecond

const managementAttempts = 60

// Engine runs one openvpn process at a time and implements session.Engine.
type Engine struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	listener session.Listener
	status   string
	current  *run
	closed   bool
}

// run is one openvpn process and the files created for it.
type run struct {
	cmd      *exec.Cmd
	files    []string
	mgmt     net.Conn
	mgmtAddr string
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:   opts,
		logger: opts.Logger,
	}
}

// SetListener implements session.Engine.
func (e *Engine) SetListener(l session.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Status implements session.Engine.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start implements session.Engine. It returns once the process is spawned.
func (e *Engine) Start(cfg session.SessionConfig) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	old := e.current
	e.current = nil
	e.mu.Unlock()

	if old != nil {
		e.logger.Info("stopping running session before restart")
		e.stopRun(old)
		select {
		case <-old.done:
		case <-time.After(e.opts.StopGrace + time.Second):
			e.logger.Warn("previous openvpn process did not exit in time")
		}
	}

	r, err := e.spawn(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.stopRun(r)
		return ErrEngineClosed
	}
	e.current = r
	e.mu.Unlock()

	e.report(r, StatusConnecting)
	return nil
}

func (e *Engine) spawn(cfg session.SessionConfig) (*run, error) {
	r := &run{done: make(chan struct{})}

	configPath, err := writeTempFile(e.opts.TempDir, "ovpn-bridge-*.conf", cfg.ConfigBlob)
	if err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	r.files = append(r.files, configPath)

	authPath := ""
	if cfg.Username != "" {
		authPath, err = CreateAuthFile(e.opts.TempDir, cfg.Username, cfg.Password)
		if err != nil {
			r.cleanup()
			return nil, err
		}
		r.files = append(r.files, authPath)
	}

	bypass, err := PlanBypass(cfg.BypassPackages)
	if err != nil {
		r.cleanup()
		return nil, fmt.Errorf("plan bypass routes: %w", err)
	}
	if len(bypass.Skipped) > 0 {
		e.logger.Info("bypass entries without an address are not routable, skipping",
			"entries", bypass.Skipped,
		)
	}

	port := e.opts.ManagementPort
	if port == 0 {
		port, err = freePort(e.opts.ManagementAddr)
		if err != nil {
			r.cleanup()
			return nil, fmt.Errorf("allocate management port: %w", err)
		}
	}
	r.mgmtAddr = net.JoinHostPort(e.opts.ManagementAddr, strconv.Itoa(port))

	args := buildArgs(configPath, authPath, e.opts.ManagementAddr, port, e.opts.Verb, bypass, e.opts.ExtraArgs)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.cmd = exec.CommandContext(ctx, e.opts.Binary, args...)
	r.cmd.Dir = filepath.Dir(configPath)
	r.cmd.Stdout = &logWriter{prefix: "openvpn", logger: e.logger}
	r.cmd.Stderr = &logWriter{prefix: "openvpn", logger: e.logger}
	r.cmd.WaitDelay = time.Second

	if err := r.cmd.Start(); err != nil {
		cancel()
		r.cleanup()
		return nil, fmt.Errorf("start openvpn: %w", err)
	}

	e.logger.Info("openvpn started",
		"pid", r.cmd.Process.Pid,
		"name", cfg.Name,
		"management", r.mgmtAddr,
		"bypass_routes", len(bypass.Prefixes),
	)

	go e.monitorManagement(ctx, r)
	go e.wait(r)
	return r, nil
}

func buildArgs(configPath, authPath, mgmtAddr string, mgmtPort, verb int, bypass Bypass, extra []string) []string {
	args := []string{
		"--config", configPath,
		"--management", mgmtAddr, strconv.Itoa(mgmtPort),
		"--verb", strconv.Itoa(verb),
	}
	if authPath != "" {
		args = append(args, "--auth-user-pass", authPath)
	}
	args = append(args, bypass.RouteArgs()...)
	return append(args, extra...)
}

func (e *Engine) wait(r *run) {
	err := r.cmd.Wait()
	r.cancel()
	r.cleanup()

	e.mu.Lock()
	if r.mgmt != nil {
		r.mgmt.Close()
		r.mgmt = nil
	}
	current := e.current == r
	if current {
		e.current = nil
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Info("openvpn exited", "error", err)
	} else {
		e.logger.Info("openvpn exited")
	}
	close(r.done)

	if current {
		e.reportStatus(StatusDisconnected)
	}
}

// Stop implements session.Engine. It asks openvpn to exit and returns
// immediately; the process is killed if it is still running after the
// configured grace period.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()

	if r == nil {
		return nil
	}
	e.stopRun(r)
	return nil
}

func (e *Engine) stopRun(r *run) {
	e.mu.Lock()
	if r.stopping {
		e.mu.Unlock()
		return
	}
	r.stopping = true
	conn := r.mgmt
	e.mu.Unlock()

	signaled := false
	if conn != nil {
		if _, err := conn.Write([]byte("signal SIGTERM\n")); err == nil {
			signaled = true
		}
	}
	if !signaled && r.cmd.Process != nil {
		if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			e.logger.Debug("failed to signal openvpn", "error", err)
		}
	}

	grace := e.opts.StopGrace
	go func() {
		select {
		case <-r.done:
		case <-time.After(grace):
			e.logger.Warn("openvpn did not exit after SIGTERM, killing", "grace", grace)
			_ = r.cmd.Process.Kill() //nolint:errcheck // Best effort kill
		}
	}()
}

// Close implements session.Engine: it stops any session and releases the
// listener.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.listener = nil
	r := e.current
	e.mu.Unlock()

	if r != nil {
		e.stopRun(r)
	}
	return nil
}

// Done returns a channel closed when the current process exits, or nil when
// nothing is running.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.done
}

func (e *Engine) monitorManagement(ctx context.Context, r *run) {
	for i := 0; i < managementAttempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(managementRetry):
		}

		conn, err := net.DialTimeout("tcp", r.mgmtAddr, time.Second)
		if err != nil {
			continue
		}

		e.mu.Lock()
		r.mgmt = conn
		stopping := r.stopping
		e.mu.Unlock()

		if stopping {
			_, _ = conn.Write([]byte("signal SIGTERM\n")) //nolint:errcheck // Best effort signal
		}
		e.handleManagement(ctx, r, conn)
		return
	}
	e.logger.Warn("management interface never became available", "addr", r.mgmtAddr)
}

func (e *Engine) handleManagement(ctx context.Context, r *run, conn net.Conn) {
	defer conn.Close()

	commands := "state on\n"
	if e.opts.BytecountInterval > 0 {
		commands += fmt.Sprintf("bytecount %d\n", e.opts.BytecountInterval)
	}
	if _, err := conn.Write([]byte(commands)); err != nil {
		e.logger.Debug("failed to send management commands", "error", err)
		return
	}

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			e.logger.Debug("failed to set read deadline on management connection",
				"remote_addr", conn.RemoteAddr(),
				"error", err,
			)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		e.dispatch(r, parseManagementLine(strings.TrimSpace(line)))
	}
}

func (e *Engine) dispatch(r *run, ev event) {
	switch ev.kind {
	case eventStatus:
		if ev.message != "" {
			e.logger.Error("openvpn fatal error", "message", ev.message)
		}
		if ev.status == "CONNECTED" {
			e.logger.Info("tunnel up", "local_ip", ev.localIP, "remote_ip", ev.remoteIP)
		}
		e.report(r, ev.status)
	case eventTraffic:
		e.mu.Lock()
		l := e.listener
		stale := r != nil && e.current != r
		e.mu.Unlock()
		if l != nil && !stale {
			l.OnTrafficChanged(ev.traffic)
		}
	case eventLog:
		e.logger.Debug("management", "message", ev.message)
	}
}

// report publishes a status from run r, dropping it if r was replaced.
func (e *Engine) report(r *run, raw string) {
	e.mu.Lock()
	if e.current != r {
		e.mu.Unlock()
		return
	}
	e.status = raw
	l := e.listener
	e.mu.Unlock()

	if l != nil {
		l.OnStatusChanged(raw)
	}
}

func (e *Engine) reportStatus(raw string) {
	e.mu.Lock()
	e.status = raw
	l := e.listener
	e.mu.Unlock()

	if l != nil {
		l.OnStatusChanged(raw)
	}
}

func (r *run) cleanup() {
	for _, f := range r.files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			logging.Debug("failed to remove temp file", "path", f, "error", err)
		}
	}
	r.files = nil
}

// logWriter writes OpenVPN output to the logger.
type logWriter struct {
	prefix string
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(strings.TrimSpace(string(p)), "\n")
	for _, line := range lines {
		if line != "" && w.logger != nil {
			w.logger.Debug(line, "source", w.prefix)
		}
	}
	return len(p), nil
}

// CreateAuthFile writes username and password to a 0600 temp file in dir
// (the default temp directory when empty) for --auth-user-pass.
func CreateAuthFile(dir, username, password string) (string, error) {
	path, err := writeTempFile(dir, "ovpn-bridge-auth-*", fmt.Sprintf("%s\n%s\n", username, password))
	if err != nil {
		return "", fmt.Errorf("write auth file: %w", err)
	}
	return path, nil
}

func writeTempFile(dir, pattern, content string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func freePort(addr string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
