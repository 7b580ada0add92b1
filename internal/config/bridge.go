package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/ratelimit"
)

// BridgeConfig is the daemon configuration.
type BridgeConfig struct {
	API            APIConfig         `yaml:"api" json:"api"`
	Metrics        MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging        logging.Config    `yaml:"logging" json:"logging"`
	OpenVPN        OpenVPNConfig     `yaml:"openvpn" json:"openvpn"`
	Host           HostConfig        `yaml:"host" json:"host"`
	Credentials    CredentialsConfig `yaml:"credentials" json:"credentials"`
	History        HistoryConfig     `yaml:"history" json:"history"`
	GracefulPeriod Duration          `yaml:"graceful_period" json:"graceful_period"`
}

// APIConfig contains REST API settings.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// Token is a plain bearer token. TokenHash is a bcrypt hash of one;
	// set at most one of them.
	Token           string   `yaml:"token" json:"token,omitempty"`
	TokenHash       string   `yaml:"token_hash" json:"token_hash,omitempty"`
	RequestTimeout  Duration `yaml:"request_timeout" json:"request_timeout"`
	WebSocketBuffer int      `yaml:"websocket_buffer" json:"websocket_buffer"`

	// AuthFailureLimit bounds bad-token attempts per client address.
	AuthFailureLimit ratelimit.Config `yaml:"auth_failure_limit" json:"auth_failure_limit"`
}

// MetricsConfig contains Prometheus metrics settings. An empty Listen serves
// metrics from the API listener.
type MetricsConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	Listen             string   `yaml:"listen" json:"listen"`
	Path               string   `yaml:"path" json:"path"`
	CollectionInterval Duration `yaml:"collection_interval" json:"collection_interval"`
}

// OpenVPNConfig configures the openvpn engine.
type OpenVPNConfig struct {
	Binary            string   `yaml:"binary" json:"binary"`
	ManagementAddr    string   `yaml:"management_addr" json:"management_addr"`
	ManagementPort    int      `yaml:"management_port" json:"management_port"` // 0 = pick a free port per session
	Verb              int      `yaml:"verb" json:"verb"`
	StopGrace         Duration `yaml:"stop_grace" json:"stop_grace"`
	BytecountInterval int      `yaml:"bytecount_interval" json:"bytecount_interval"` // seconds, 0 disables
	ExtraArgs         []string `yaml:"extra_args" json:"extra_args"`
	TempDir           string   `yaml:"temp_dir" json:"temp_dir"`
}

// HostConfig configures the host capability context.
type HostConfig struct {
	RequireConsent bool `yaml:"require_consent" json:"require_consent"`
	AutoInitialize bool `yaml:"auto_initialize" json:"auto_initialize"`
}

// CredentialsConfig configures the keyring-backed credential store.
type CredentialsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Service string `yaml:"service" json:"service"`
}

// HistoryConfig configures the stage transition log.
type HistoryConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Path      string   `yaml:"path" json:"path"`
	Retention Duration `yaml:"retention" json:"retention"` // 0 keeps everything
}

// DefaultBridgeConfig returns a configuration with sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		API: APIConfig{
			Listen:          "127.0.0.1:7390",
			RequestTimeout:  Duration(30 * time.Second),
			WebSocketBuffer: 32,
			AuthFailureLimit: ratelimit.Config{
				RequestsPerSecond: 0.2,
				BurstSize:         5,
			},
		},
		Metrics: MetricsConfig{
			Enabled:            true,
			Path:               "/metrics",
			CollectionInterval: Duration(15 * time.Second),
		},
		Logging: logging.DefaultConfig(),
		OpenVPN: OpenVPNConfig{
			Binary:            "openvpn",
			ManagementAddr:    "127.0.0.1",
			Verb:              3,
			StopGrace:         Duration(5 * time.Second),
			BytecountInterval: 5,
		},
		Credentials: CredentialsConfig{
			Service: "ovpn-bridge",
		},
		History: HistoryConfig{
			Path:      "/var/lib/ovpn-bridge/history.db",
			Retention: Duration(7 * 24 * time.Hour),
		},
		GracefulPeriod: Duration(10 * time.Second),
	}
}

// LoadBridgeConfig reads path over the defaults and validates the result.
func LoadBridgeConfig(path string) (BridgeConfig, error) {
	cfg := DefaultBridgeConfig()
	if err := LoadAndValidate(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

// Validate validates the bridge configuration.
func (c *BridgeConfig) Validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if err := validateListen("api.listen", c.API.Listen); err != nil {
		return err
	}
	if c.API.Token != "" && c.API.TokenHash != "" {
		return fmt.Errorf("api.token and api.token_hash are mutually exclusive")
	}
	if c.API.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.TokenHash)); err != nil {
			return fmt.Errorf("api.token_hash is not a bcrypt hash: %w", err)
		}
	}
	if c.API.WebSocketBuffer < 0 {
		return fmt.Errorf("api.websocket_buffer must not be negative")
	}
	if c.API.AuthFailureLimit.RequestsPerSecond < 0 || c.API.AuthFailureLimit.BurstSize < 0 {
		return fmt.Errorf("api.auth_failure_limit values must not be negative")
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
		if c.Metrics.Listen != "" {
			if err := validateListen("metrics.listen", c.Metrics.Listen); err != nil {
				return err
			}
		}
	}

	if c.OpenVPN.Binary == "" {
		return fmt.Errorf("openvpn.binary is required")
	}
	if c.OpenVPN.ManagementPort < 0 || c.OpenVPN.ManagementPort > 65535 {
		return fmt.Errorf("openvpn.management_port out of range: %d", c.OpenVPN.ManagementPort)
	}
	if c.OpenVPN.ManagementAddr != "" && net.ParseIP(c.OpenVPN.ManagementAddr) == nil {
		return fmt.Errorf("openvpn.management_addr must be an IP address: %q", c.OpenVPN.ManagementAddr)
	}
	if c.OpenVPN.Verb < 0 || c.OpenVPN.Verb > 11 {
		return fmt.Errorf("openvpn.verb must be between 0 and 11")
	}
	if c.OpenVPN.BytecountInterval < 0 {
		return fmt.Errorf("openvpn.bytecount_interval must not be negative")
	}

	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history.path is required when history is enabled")
	}

	return nil
}

func validateListen(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", field, addr, err)
	}
	return nil
}
