// Package config loads the plugin host configuration from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/pluginhost/internal/logger"
	"github.com/codefionn/pluginhost/internal/secrets"
)

// DefaultTokenPasswordEnv names the environment variable holding the
// password for an encrypted security token.
const DefaultTokenPasswordEnv = "PLUGINHOST_TOKEN_PASSWORD"

// ServerConfig describes the listening socket.
type ServerConfig struct {
	Address             string `json:"address"`
	Port                int    `json:"port"`
	MaxConnections      int    `json:"max_connections"`
	PingIntervalSeconds int    `json:"ping_interval_seconds"`
	WriteBuffer         int    `json:"write_buffer"`
	ReadBuffer          int    `json:"read_buffer"`
	LockFile            string `json:"lock_file,omitempty"`
}

// TLSConfig enables the secure socket layer.
type TLSConfig struct {
	Enabled            bool     `json:"enabled"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	CAFile             string   `json:"ca_file,omitempty"`
	RequireClientCert  bool     `json:"require_client_cert,omitempty"`
	PinnedFingerprints []string `json:"pinned_fingerprints,omitempty"`
}

// SecurityConfig holds the access token. Token is either plain text or an
// "enc:" payload decrypted with the password from TokenPasswordEnv.
type SecurityConfig struct {
	Token            string `json:"token,omitempty"`
	TokenPasswordEnv string `json:"token_password_env,omitempty"`
}

// WorkerConfig sizes the JSON-RPC worker pool.
type WorkerConfig struct {
	Count   int `json:"count"`
	Mailbox int `json:"mailbox"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level      string   `json:"level"` // debug, info, warn, error, none
	Path       string   `json:"path,omitempty"`
	Categories []string `json:"categories,omitempty"` // trace categories, or "all"
}

// Config represents the plugin host configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	TLS      TLSConfig      `json:"tls"`
	Security SecurityConfig `json:"security"`
	Workers  WorkerConfig   `json:"workers"`
	Log      LogConfig      `json:"log"`
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "pluginhost")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "pluginhost")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "pluginhost")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "pluginhost")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "pluginhost")
	}
}

// DefaultPath returns where the configuration file is looked up when no
// path is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pluginhost", "config.json")
	}
	return filepath.Join(defaultStateDir(), "config.json")
}

// DefaultLogPath returns where the log file goes when none is configured.
func DefaultLogPath() string {
	return filepath.Join(defaultStateDir(), "pluginhost.log")
}

// Default returns the default configuration
func Default() *Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return &Config{
		Server: ServerConfig{
			Address:             "127.0.0.1",
			Port:                9998,
			MaxConnections:      256,
			PingIntervalSeconds: 30,
			WriteBuffer:         4096,
			ReadBuffer:          4096,
		},
		Security: SecurityConfig{
			TokenPasswordEnv: DefaultTokenPasswordEnv,
		},
		Workers: WorkerConfig{
			Count:   workers,
			Mailbox: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Security.TokenPasswordEnv == "" {
		config.Security.TokenPasswordEnv = DefaultTokenPasswordEnv
	}
	return config, nil
}

// Save writes the configuration. A plain token is encrypted first when the
// token password is available.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	copyCfg := *c
	if token := c.Security.Token; token != "" && !secrets.IsEncrypted(token) {
		if password := c.tokenPassword(); password != "" {
			encrypted, err := secrets.EncryptString(token, password)
			if err != nil {
				return fmt.Errorf("encrypt token: %w", err)
			}
			copyCfg.Security.Token = encrypted
		}
	}

	data, err := json.MarshalIndent(&copyCfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports the first inconsistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.PingIntervalSeconds <= 0 {
		errs = append(errs, errors.New("server.ping_interval_seconds must be positive"))
	}
	if c.Server.WriteBuffer < 64 || c.Server.ReadBuffer < 64 {
		errs = append(errs, errors.New("server buffers must hold at least 64 bytes"))
	}
	if c.Workers.Count < 1 || c.Workers.Mailbox < 1 {
		errs = append(errs, errors.New("workers.count and workers.mailbox must be positive"))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required when tls is enabled"))
	}
	if c.TLS.RequireClientCert && c.TLS.CAFile == "" && len(c.TLS.PinnedFingerprints) == 0 {
		errs = append(errs, errors.New("tls.require_client_cert needs tls.ca_file or tls.pinned_fingerprints"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "none":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is unknown", c.Log.Level))
	}

	return errors.Join(errs...)
}

// ListenAddress returns host:port for net.Listen.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// LockPath returns the single-instance lock file.
func (c *Config) LockPath() string {
	if c.Server.LockFile != "" {
		return c.Server.LockFile
	}
	return filepath.Join(defaultStateDir(), "pluginhost.lock")
}

// PingInterval returns the keep-alive check period.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSeconds) * time.Second
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logger.Level {
	return logger.ParseLevel(strings.ToLower(c.Log.Level))
}

// LogCategories returns the parsed trace categories.
func (c *Config) LogCategories() logger.Category {
	return logger.ParseCategories(c.Log.Categories)
}

// ResolveToken returns the plain security token. An empty token disables
// token checks.
func (c *Config) ResolveToken() (string, error) {
	token := c.Security.Token
	if !secrets.IsEncrypted(token) {
		return token, nil
	}
	password := c.tokenPassword()
	if password == "" {
		return "", fmt.Errorf("security.token is encrypted but $%s is not set", c.Security.TokenPasswordEnv)
	}
	plain, _, err := secrets.DecryptString(token, password)
	if err != nil {
		return "", fmt.Errorf("decrypt security.token: %w", err)
	}
	return plain, nil
}

func (c *Config) tokenPassword() string {
	env := c.Security.TokenPasswordEnv
	if env == "" {
		env = DefaultTokenPasswordEnv
	}
	return os.Getenv(env)
}
