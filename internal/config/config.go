// Package config provides configuration types for the MCP gateway.
//
// Configuration comes from a YAML file and MCP_GATEWAY_* environment
// variables. Durations are strings ("30s", "1h", "1d") so they read
// naturally in YAML; use Duration to parse them.
package config

import (
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Gateway configures session handling.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Backend holds defaults for backend connections.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Telemetry configures tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (debug logging, verbose errors).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:3000", ":3000").
	// Defaults to "127.0.0.1:3000" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists browser origins that may call the gateway. Other
	// origins get 403. "*" allows any origin. An entry without a port matches
	// any port.
	// Defaults to ["*"].
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// ExposeErrors puts the underlying error text in 500 responses.
	// Defaults to false; DevMode turns it on.
	ExposeErrors bool `yaml:"expose_errors" mapstructure:"expose_errors"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// GatewayConfig configures session pairing and lifetime.
type GatewayConfig struct {
	// SessionMode is "per-session" (each session owns its backend) or
	// "single-backend" (a new connection closes the previous backend).
	// Defaults to "per-session".
	SessionMode string `yaml:"session_mode" mapstructure:"session_mode" validate:"omitempty,oneof=per-session single-backend"`

	// SessionIdleTTL closes sessions idle for longer than this. "0" disables
	// the sweeper. Defaults to "30m".
	SessionIdleTTL string `yaml:"session_idle_ttl" mapstructure:"session_idle_ttl" validate:"omitempty,duration"`

	// CleanupInterval is how often idle sessions are swept. Defaults to "1m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// ConnectTimeout bounds backend start, including the SSE endpoint
	// handshake. Defaults to "30s".
	ConnectTimeout string `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"omitempty,duration"`

	// MessageEndpoint is the path SSE clients POST to. Defaults to "/message".
	MessageEndpoint string `yaml:"message_endpoint" mapstructure:"message_endpoint" validate:"omitempty,startswith=/"`
}

// BackendConfig holds defaults used when a request leaves backend
// parameters out.
type BackendConfig struct {
	// DefaultTransportType is used when transportType is omitted.
	// Defaults to "stdio".
	DefaultTransportType string `yaml:"default_transport_type" mapstructure:"default_transport_type" validate:"omitempty,oneof=stdio sse streamable-http"`

	// DefaultCommand is the stdio command used when none is given.
	DefaultCommand string `yaml:"default_command" mapstructure:"default_command"`

	// DefaultArgs is a shell-quoted argument string for DefaultCommand.
	DefaultArgs string `yaml:"default_args" mapstructure:"default_args"`

	// DefaultEnv holds KEY=VALUE entries layered over the inherited
	// environment of every stdio backend, below the caller's env. A list
	// rather than a map because Viper lowercases map keys.
	DefaultEnv []string `yaml:"default_env" mapstructure:"default_env" validate:"omitempty,dive,env_entry"`

	// HTTPTimeout bounds waiting for response headers from HTTP backends.
	// Defaults to "30s".
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"omitempty,duration"`

	// TerminateTimeout is the grace period between SIGTERM and SIGKILL for
	// stdio backends. Defaults to "5s".
	TerminateTimeout string `yaml:"terminate_timeout" mapstructure:"terminate_timeout" validate:"omitempty,duration"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// Tracing exports backend connect spans to stdout when true.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
}

// SetDevDefaults applies development defaults. It runs after SetDefaults
// and before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	c.Server.ExposeErrors = true
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:3000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1", "http://[::1]"}
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Gateway.SessionMode == "" {
		c.Gateway.SessionMode = "per-session"
	}
	if c.Gateway.SessionIdleTTL == "" {
		c.Gateway.SessionIdleTTL = "30m"
	}
	if c.Gateway.CleanupInterval == "" {
		c.Gateway.CleanupInterval = "1m"
	}
	if c.Gateway.ConnectTimeout == "" {
		c.Gateway.ConnectTimeout = "30s"
	}
	if c.Gateway.MessageEndpoint == "" {
		c.Gateway.MessageEndpoint = "/message"
	}

	if c.Backend.DefaultTransportType == "" {
		c.Backend.DefaultTransportType = "stdio"
	}
	if c.Backend.HTTPTimeout == "" {
		c.Backend.HTTPTimeout = "30s"
	}
	if c.Backend.TerminateTimeout == "" {
		c.Backend.TerminateTimeout = "5s"
	}
}

// DefaultEnvMap returns DefaultEnv as a map. Later entries win.
func (b BackendConfig) DefaultEnvMap() map[string]string {
	env := make(map[string]string, len(b.DefaultEnv))
	for _, entry := range b.DefaultEnv {
		if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Duration parses a duration string from the configuration. Empty yields 0.
// Beyond time.ParseDuration units it accepts days and weeks ("1d", "2w").
func Duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return str2duration.ParseDuration(s)
}

// MustDuration is Duration for values that already passed Validate.
func MustDuration(s string) time.Duration {
	d, err := Duration(s)
	if err != nil {
		panic(err)
	}
	return d
}
