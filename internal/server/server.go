// Package server wires the ovpn-bridge daemon together: session controller,
// openvpn engine, host capability, credential store, history, metrics and
// the REST API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	apiserver "github.com/rennerdo30/ovpn-bridge/internal/api/server"
	"github.com/rennerdo30/ovpn-bridge/internal/bridge"
	"github.com/rennerdo30/ovpn-bridge/internal/config"
	"github.com/rennerdo30/ovpn-bridge/internal/credentials"
	"github.com/rennerdo30/ovpn-bridge/internal/history"
	"github.com/rennerdo30/ovpn-bridge/internal/host"
	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/metrics"
	"github.com/rennerdo30/ovpn-bridge/internal/openvpn"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
	"github.com/rennerdo30/ovpn-bridge/internal/util"
)

// pruneInterval is how often expired history entries are removed.
var pruneInterval = time.Hour

// Option customizes a Server.
type Option func(*Server)

// WithEngineFactory replaces the openvpn engine factory.
func WithEngineFactory(f session.EngineFactory) Option {
	return func(s *Server) { s.engineFactory = f }
}

// WithCapabilityProbe replaces the OS capability probe.
func WithCapabilityProbe(probe func() bool) Option {
	return func(s *Server) { s.probe = probe }
}

// Server is the ovpn-bridge daemon.
type Server struct {
	config        *config.BridgeConfig
	configPath    string
	logger        *slog.Logger
	engineFactory session.EngineFactory
	probe         func() bool

	metrics          *metrics.Metrics
	metricsCollector *metrics.Collector
	history          *history.Store
	credentials      *credentials.Store
	host             *host.System
	controller       *session.Controller
	dispatcher       *bridge.Dispatcher
	api              *apiserver.API

	apiServer     *http.Server
	apiListener   net.Listener
	metricsServer *http.Server

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates a new daemon from cfg.
func New(cfg *config.BridgeConfig, opts ...Option) (*Server, error) {
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	s := &Server{
		config: cfg,
		logger: logging.WithComponent("server"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engineFactory == nil {
		s.engineFactory = s.newOpenVPNEngine
	}

	s.metrics = metrics.New()
	s.metricsCollector = metrics.NewCollector(s.metrics)
	s.metricsCollector.SetInterval(cfg.Metrics.CollectionInterval.Duration())

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		s.history = store
	}

	if cfg.Credentials.Enabled {
		s.credentials = credentials.New(cfg.Credentials.Service)
	}

	s.host = host.NewSystem(host.Options{
		RequireConsent: cfg.Host.RequireConsent,
		Probe:          s.probe,
		OnRequest:      s.metricsCollector.RecordCapabilityRequest,
	})

	s.controller = session.New(session.Options{
		NewEngine:    s.engineFactory,
		OnTransition: s.onTransition,
		OnTraffic:    s.metricsCollector.RecordTraffic,
	})
	s.host.SetOnResult(func(granted bool) {
		if err := s.controller.OnCapabilityResult(granted); err != nil {
			s.logger.Error("failed to start pending session", "error", err)
		}
	})
	s.controller.Attach(s.host)

	dopts := bridge.Options{Session: s.controller, Recorder: s.metricsCollector}
	if s.credentials != nil {
		dopts.Credentials = s.credentials
	}
	s.dispatcher = bridge.New(dopts)

	acfg := apiserver.Config{
		Dispatcher:       s.dispatcher,
		Session:          s.controller,
		Host:             s.host,
		Recorder:         s.metricsCollector,
		Token:            cfg.API.Token,
		TokenHash:        cfg.API.TokenHash,
		AuthFailureLimit: cfg.API.AuthFailureLimit,
		RequestTimeout:   cfg.API.RequestTimeout.Duration(),
		StreamBuffer:     cfg.API.WebSocketBuffer,
	}
	if s.history != nil {
		acfg.History = s.history
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		acfg.MetricsHandler = s.metrics.Handler()
		acfg.MetricsPath = cfg.Metrics.Path
	}
	s.api = apiserver.New(acfg)

	return s, nil
}

// newOpenVPNEngine builds an engine from the current openvpn settings, so a
// reloaded configuration applies on the next initialize.
func (s *Server) newOpenVPNEngine(session.Host) (session.Engine, error) {
	s.mu.RLock()
	ov := s.config.OpenVPN
	s.mu.RUnlock()

	return openvpn.NewEngine(openvpn.Options{
		Binary:            ov.Binary,
		ManagementAddr:    ov.ManagementAddr,
		ManagementPort:    ov.ManagementPort,
		Verb:              ov.Verb,
		StopGrace:         ov.StopGrace.Duration(),
		BytecountInterval: ov.BytecountInterval,
		ExtraArgs:         append([]string(nil), ov.ExtraArgs...),
		TempDir:           ov.TempDir,
	}), nil
}

// onTransition is the controller's transition tap. It runs under the
// controller lock; both sinks are non-blocking.
func (s *Server) onTransition(tr session.Transition) {
	s.metricsCollector.RecordTransition(tr)
	if s.history != nil {
		s.history.Record(tr)
	}
}

// Start starts the daemon.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting ovpn-bridge")

	listener, err := net.Listen("tcp", s.config.API.Listen)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen API: %w", err)
	}
	s.metricsCollector.Start()

	s.apiListener = listener
	if s.config.API.Token == "" && s.config.API.TokenHash == "" && !util.IsLoopbackAddress(s.config.API.Listen) {
		s.logger.Warn("API is reachable from the network without a token", "address", s.config.API.Listen)
	}

	s.apiServer = &http.Server{
		Handler:           s.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("API server listening", "address", listener.Addr().String())
		if err := s.apiServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	if s.config.Metrics.Enabled && s.config.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())

		s.metricsServer = &http.Server{
			Addr:              s.config.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("Metrics server listening", "address", s.config.Metrics.Listen)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	if s.history != nil && s.config.History.Retention > 0 {
		s.wg.Add(1)
		go s.pruneHistory(ctx)
	}

	if s.config.Host.AutoInitialize {
		stage, err := s.controller.Initialize()
		if err != nil {
			return fmt.Errorf("initialize engine: %w", err)
		}
		s.logger.Info("Engine initialized at startup", "stage", stage)
	}

	s.logger.Info("ovpn-bridge started")
	return nil
}

func (s *Server) pruneHistory(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-s.config.History.Retention.Duration())
		if n, err := s.history.PruneBefore(ctx, cutoff); err != nil {
			s.logger.Warn("History prune failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("Pruned history", "removed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// Stop gracefully stops the daemon. The openvpn session, if any, is torn
// down and the stage stream is ended.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.logger.Info("Stopping ovpn-bridge")
	errs := util.NewMultiError()

	errs.Add(util.WrapError(s.controller.Close(), "close session"))

	if s.apiServer != nil {
		errs.Add(util.WrapError(s.apiServer.Shutdown(ctx), "shutdown API server"))
	}
	if s.metricsServer != nil {
		errs.Add(util.WrapError(s.metricsServer.Shutdown(ctx), "shutdown metrics server"))
	}

	s.api.Close()

	gracePeriod := s.config.GracefulPeriod.Duration()
	if gracePeriod == 0 {
		gracePeriod = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		s.logger.Warn("Grace period exceeded, forcing shutdown")
		errs.Add(util.ErrShuttingDown)
	}

	s.metricsCollector.Stop()

	if s.history != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		if err := s.history.Flush(flushCtx); err != nil && !errors.Is(err, history.ErrClosed) {
			errs.Add(util.WrapError(err, "flush history"))
		}
		cancel()
		errs.Add(util.WrapError(s.history.Close(), "close history"))
	}

	s.logger.Info("ovpn-bridge stopped")
	return errs.Err()
}

// SetConfigPath sets the config file path for reload support.
func (s *Server) SetConfigPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configPath = path
}

// ReloadConfig re-reads the config file. Logging and openvpn settings take
// effect immediately and on the next initialize respectively; listener,
// token and storage changes require a restart.
func (s *Server) ReloadConfig() error {
	s.mu.RLock()
	path := s.configPath
	s.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("config path not set - cannot reload")
	}

	newCfg, err := config.LoadBridgeConfig(path)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if err := logging.Setup(newCfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	s.mu.Lock()
	s.config.Logging = newCfg.Logging
	s.config.OpenVPN = newCfg.OpenVPN
	s.mu.Unlock()

	s.logger.Info("Configuration reloaded", "reloaded", []string{"logging", "openvpn"})
	return nil
}

// Running reports whether the daemon is started.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// APIAddr returns the bound API address, or "" before Start.
func (s *Server) APIAddr() string {
	if s.apiListener == nil {
		return ""
	}
	return s.apiListener.Addr().String()
}

// Controller returns the session controller.
func (s *Server) Controller() *session.Controller {
	return s.controller
}

// Host returns the host capability context.
func (s *Server) Host() *host.System {
	return s.host
}
