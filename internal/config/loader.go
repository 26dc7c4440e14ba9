package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// configName is the base name searched for when no file is given.
const configName = "mcp-gateway"

// envPrefix prefixes environment overrides: MCP_GATEWAY_SERVER_HTTP_ADDR.
const envPrefix = "MCP_GATEWAY"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for mcp-gateway.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Without search paths ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as "env only".
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a config file.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcp-gateway"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, configName))
		}
	} else {
		paths = append(paths, "/etc/mcp-gateway")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for mcp-gateway.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested keys so Unmarshal sees env overrides.
// Example: MCP_GATEWAY_GATEWAY_SESSION_MODE overrides gateway.session_mode
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.allowed_origins")
	_ = viper.BindEnv("server.expose_errors")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("gateway.session_mode")
	_ = viper.BindEnv("gateway.session_idle_ttl")
	_ = viper.BindEnv("gateway.cleanup_interval")
	_ = viper.BindEnv("gateway.connect_timeout")
	_ = viper.BindEnv("gateway.message_endpoint")

	_ = viper.BindEnv("backend.default_transport_type")
	_ = viper.BindEnv("backend.default_command")
	_ = viper.BindEnv("backend.default_args")
	_ = viper.BindEnv("backend.http_timeout")
	_ = viper.BindEnv("backend.terminate_timeout")
	// Comma separated KEY=VALUE entries; values containing commas need the file.
	_ = viper.BindEnv("backend.default_env")

	_ = viper.BindEnv("telemetry.tracing")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
