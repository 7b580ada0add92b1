// Package bridge is the method-call surface of the session controller. It
// decodes named calls with loosely typed arguments, invokes the controller
// and converts every outcome, including panics, into a structured Result.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rennerdo30/ovpn-bridge/internal/credentials"
	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

// Method names.
const (
	MethodInitialize        = "initialize"
	MethodConnect           = "connect"
	MethodDisconnect        = "disconnect"
	MethodStatus            = "status"
	MethodStage             = "stage"
	MethodRequestPermission = "request_permission"
)

// Methods lists every supported method.
var Methods = []string{
	MethodInitialize,
	MethodConnect,
	MethodDisconnect,
	MethodStatus,
	MethodStage,
	MethodRequestPermission,
}

// Call is one inbound command.
type Call struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

// Error is the structured failure of a call.
type Error struct {
	Code       string `json:"code"`
	LegacyCode string `json:"legacy_code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of a call: exactly one of Value, Error or
// NotImplemented is meaningful.
type Result struct {
	Value          any    `json:"value,omitempty"`
	Error          *Error `json:"error,omitempty"`
	NotImplemented bool   `json:"not_implemented,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Error == nil && !r.NotImplemented
}

// Session is the controller surface the dispatcher drives.
type Session interface {
	Initialize() (session.Stage, error)
	Connect(cfg session.SessionConfig) (session.ConnectOutcome, error)
	Disconnect() error
	Status() (string, error)
	Stage() (session.Stage, error)
	RequestCapability() (session.CapabilityState, error)
}

// Credentials looks up and stores profile passwords.
type Credentials interface {
	Lookup(profile, username string) (string, error)
	Save(profile, username, password string) error
}

// Recorder receives call metrics.
type Recorder interface {
	RecordCall(method, code string, duration time.Duration)
	RecordConnect(outcome string)
}

// Options configures a Dispatcher.
type Options struct {
	Session     Session
	Credentials Credentials // optional
	Recorder    Recorder    // optional
	Logger      *slog.Logger
}

// Dispatcher routes calls to the session controller.
type Dispatcher struct {
	session     Session
	credentials Credentials
	recorder    Recorder
	logger      *slog.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("bridge")
	}
	return &Dispatcher{
		session:     opts.Session,
		credentials: opts.Credentials,
		recorder:    opts.Recorder,
		logger:      logger,
	}
}

// Handle executes call. It never panics.
func (d *Dispatcher) Handle(ctx context.Context, call Call) (res Result) {
	start := time.Now()
	logger := logging.FromContextOr(ctx, d.logger.With("method", call.Method))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling call", "panic", r)
			res = Result{Error: toError(session.Unexpected(fmt.Errorf("panic: %v", r)))}
		}
		code := ""
		switch {
		case res.Error != nil:
			code = res.Error.Code
		case res.NotImplemented:
			code = "NOT_IMPLEMENTED"
		}
		if d.recorder != nil {
			d.recorder.RecordCall(call.Method, code, time.Since(start))
		}
		if code != "" {
			logger.Debug("call failed", "code", code)
		}
	}()

	var value any
	var err error
	switch call.Method {
	case MethodInitialize:
		value, err = d.session.Initialize()
	case MethodConnect:
		value, err = d.connect(logger, call.Args)
	case MethodDisconnect:
		err = d.session.Disconnect()
		value = true
	case MethodStatus:
		value, err = d.session.Status()
	case MethodStage:
		value, err = d.session.Stage()
	case MethodRequestPermission:
		var state session.CapabilityState
		state, err = d.session.RequestCapability()
		value = state == session.Granted
	default:
		return Result{NotImplemented: true}
	}

	if err != nil {
		return Result{Error: toError(err)}
	}
	if stage, ok := value.(session.Stage); ok {
		value = string(stage)
	}
	return Result{Value: value}
}

func (d *Dispatcher) connect(logger *slog.Logger, args map[string]any) (bool, error) {
	cfg, remember, problems := decodeConnect(args)
	for _, p := range problems {
		logger.Warn("ignoring malformed connect argument", "problem", p)
	}

	if d.credentials != nil && cfg.Username != "" && cfg.Password == "" && cfg.Name != "" {
		if pw, err := d.credentials.Lookup(cfg.Name, cfg.Username); err == nil {
			cfg.Password = pw
			logger.Debug("using stored password", "name", cfg.Name)
		} else if !errors.Is(err, credentials.ErrNotFound) {
			logger.Warn("credential lookup failed", "name", cfg.Name, "error", err)
		}
	}

	outcome, err := d.session.Connect(cfg)
	if d.recorder != nil {
		if err != nil {
			d.recorder.RecordConnect(string(session.CodeOf(err)))
		} else {
			d.recorder.RecordConnect(outcome.String())
		}
	}
	if err != nil {
		return false, err
	}

	if remember && d.credentials != nil && cfg.Username != "" && cfg.Password != "" {
		if err := d.credentials.Save(cfg.Name, cfg.Username, cfg.Password); err != nil {
			logger.Warn("failed to store credentials", "name", cfg.Name, "error", err)
		}
	}
	return outcome == session.Started, nil
}

func toError(err error) *Error {
	var se *session.Error
	if !errors.As(err, &se) {
		se = session.Unexpected(err)
	}
	return &Error{
		Code:       string(se.Code),
		LegacyCode: se.Code.Legacy(),
		Message:    se.Message,
		Details:    se.Details,
	}
}
