package config

// DefaultBridgeConfigTemplate is the fully commented default configuration
// written by "ovpn-bridge config init".
const DefaultBridgeConfigTemplate = `# ovpn-bridge configuration
# Environment variables like ${OVPN_BRIDGE_TOKEN} are expanded on load.

# Control API
# REST calls, the stage stream and the permission endpoints.
api:
  listen: "127.0.0.1:7390"     # Address to listen on
  # token: "${OVPN_BRIDGE_TOKEN}" # Bearer token required on every request (optional)
  # token_hash: ""             # bcrypt hash of the token, instead of token
  request_timeout: "30s"       # Max time for a single call
  websocket_buffer: 32         # Stage messages buffered per stream before dropping
  auth_failure_limit:          # Bad tokens allowed per client before 429 (only with a token)
    requests_per_second: 0.2
    burst_size: 5

# Prometheus metrics
metrics:
  enabled: true
  # listen: "127.0.0.1:9390"   # Separate listener; empty serves from the API listener
  path: "/metrics"
  collection_interval: "15s"

# Application logging
logging:
  level: info                  # debug, info, warn, error
  format: text                 # text or json
  output: stdout               # stdout, stderr, or a file path
  max_size_mb: 10              # Rotate file output after this size
  max_backups: 5               # Rotated files to keep
  max_age_days: 28             # Days to keep rotated files
  compress: false              # Gzip rotated files

# OpenVPN engine
openvpn:
  binary: openvpn              # Path to the openvpn executable
  management_addr: "127.0.0.1" # Management interface address
  management_port: 0           # 0 picks a free port per session
  verb: 3                      # openvpn log verbosity
  stop_grace: "5s"             # Kill openvpn if still running this long after disconnect
  bytecount_interval: 5        # Seconds between traffic reports, 0 disables
  # extra_args:                # Extra command line arguments
  #   - "--pull-filter"
  #   - "ignore"
  #   - "block-outside-dns"
  # temp_dir: ""               # Where session config and auth files are written

# Host capability
host:
  require_consent: false       # Require "ovpn-bridge ctl grant" before the first connect
  auto_initialize: false       # Initialize the engine when the daemon starts

# Credential store (system keyring)
credentials:
  enabled: false               # Look up and remember passwords per profile
  service: ovpn-bridge         # Keyring service name

# Stage history (SQLite)
history:
  enabled: false
  path: "/var/lib/ovpn-bridge/history.db"
  retention: "168h"            # Drop entries older than this, 0 keeps everything

graceful_period: "10s"         # Shutdown timeout
`
