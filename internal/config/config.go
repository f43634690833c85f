// Package config loads and saves the sockshell JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/codefionn/sockshell/internal/consts"
)

const appName = "sockshell"

// Environment variables that override the configuration file
const (
	EnvLogLevel = "SOCKSHELL_LOG_LEVEL"
	EnvLogPath  = "SOCKSHELL_LOG_PATH"
	EnvEndpoint = "SOCKSHELL_ENDPOINT"
)

// Config holds the shell server and client configuration
type Config struct {
	Endpoint       string            `json:"endpoint"`                  // Unix socket path, host:port or ws://host:port/path
	Prompt         string            `json:"prompt"`                    // Initial PROMPT of every connection
	Banner         string            `json:"banner,omitempty"`          // Sent on connect, followed by the prompt
	Env            map[string]string `json:"env,omitempty"`             // Extra default environment
	MaxConnections int               `json:"max_connections"`           // 0 means unlimited
	AcceptTimeout  int               `json:"accept_timeout_ms"`         // Accept deadline in milliseconds
	RecvTimeout    int               `json:"recv_timeout_ms"`           // Per-read deadline in milliseconds
	Permissions    string            `json:"socket_permissions"`        // Octal mode applied to a Unix socket file
	HistoryPath    string            `json:"history_path,omitempty"`    // sqlite history database, empty disables history
	LockPath       string            `json:"lock_path"`                 // Single instance lock of the daemon
	LogLevel       string            `json:"log_level"`                 // debug, info, warn, error, none
	LogPath        string            `json:"log_path"`                  // Log file, "-" for stderr
	Sandbox        bool              `json:"sandbox,omitempty"`         // Restrict filesystem access of the daemon (linux only)
	SandboxPaths   []string          `json:"sandbox_paths,omitempty"`   // Extra read-only paths kept visible inside the sandbox
	DebugAddr      string            `json:"debug_addr,omitempty"`      // pprof and metrics HTTP address, empty disables it
	Client         ClientConfig      `json:"client"`                    // Settings of the interactive client
}

// ClientConfig holds the settings of the interactive client
type ClientConfig struct {
	TUI            bool `json:"tui"`                // Start the full-screen client by default
	ConnectTimeout int  `json:"connect_timeout_ms"` // Dial timeout in milliseconds
	BannerWait     int  `json:"banner_wait_ms"`     // How long to wait for a banner after connecting
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// StateDir returns the directory holding the socket, history, lock and log
func StateDir() string {
	return defaultStateDir()
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	cfg := &Config{
		Endpoint:       defaultEndpoint(stateDir),
		Prompt:         consts.DefaultPrompt,
		Env:            make(map[string]string),
		MaxConnections: 0,
		AcceptTimeout:  int(consts.AcceptTimeout / time.Millisecond),
		RecvTimeout:    int(consts.RecvTimeout / time.Millisecond),
		Permissions:    "0600",
		HistoryPath:    filepath.Join(stateDir, "history.db"),
		LockPath:       filepath.Join(stateDir, appName+".lock"),
		LogLevel:       "info",
		LogPath:        filepath.Join(stateDir, appName+".log"),
		Client: ClientConfig{
			ConnectTimeout: int(consts.Timeout5Seconds / time.Millisecond),
			BannerWait:     300,
		},
	}
	return cfg
}

// defaultEndpoint is a Unix socket in the state dir, or a loopback TCP
// port where Unix sockets are unusual
func defaultEndpoint(stateDir string) string {
	if runtime.GOOS == "windows" {
		return "127.0.0.1:7878"
	}
	return filepath.Join(stateDir, appName+".sock")
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores fields that were explicitly emptied in the file
func (c *Config) fillDefaults() {
	defaults := DefaultConfig()

	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.Prompt == "" {
		c.Prompt = defaults.Prompt
	}
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = defaults.AcceptTimeout
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = defaults.RecvTimeout
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.LockPath == "" {
		c.LockPath = defaults.LockPath
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Client.ConnectTimeout <= 0 {
		c.Client.ConnectTimeout = defaults.Client.ConnectTimeout
	}
	if c.Client.BannerWait < 0 {
		c.Client.BannerWait = 0
	}
}

// ApplyEnv overrides fields from SOCKSHELL_* environment variables
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		c.Endpoint = v
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0644)
}

// AcceptTimeoutDuration returns the accept deadline
func (c *Config) AcceptTimeoutDuration() time.Duration {
	return time.Duration(c.AcceptTimeout) * time.Millisecond
}

// RecvTimeoutDuration returns the per-read deadline
func (c *Config) RecvTimeoutDuration() time.Duration {
	return time.Duration(c.RecvTimeout) * time.Millisecond
}

// ConnectTimeoutDuration returns the client dial timeout
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.Client.ConnectTimeout) * time.Millisecond
}

// BannerWaitDuration returns how long the client waits for a banner
func (c *Config) BannerWaitDuration() time.Duration {
	return time.Duration(c.Client.BannerWait) * time.Millisecond
}

// SocketFileMode parses Permissions as an octal mode, 0600 when invalid
func (c *Config) SocketFileMode() os.FileMode {
	var mode uint32
	if _, err := fmt.Sscanf(c.Permissions, "%o", &mode); err != nil || mode == 0 {
		return 0600
	}
	return os.FileMode(mode)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
