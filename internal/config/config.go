// Package config provides broker configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, then optionally overlaid by a YAML file for fields the
// environment left unset. Environment variables always win.
//
// Configuration categories:
//   - Network: TCP listen address, admin HTTP address
//   - Storage: data directory, derived DB and large-message paths
//   - Security: shared-secret env var, session TTL
//   - Timing: rename cooldown, name-forward TTL, message TTL, rate limits
//   - Limits: queue cap, spill threshold
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkConfig holds listener addresses.
type NetworkConfig struct {
	Host         string // TCP wire-protocol host (default 127.0.0.1)
	Port         string // TCP wire-protocol port (default 9876)
	AdminHost    string // Admin HTTP host
	AdminPort    string // Admin HTTP port ("" disables the admin surface)
	AcceptPoll   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StorageConfig holds on-disk layout.
type StorageConfig struct {
	DataDir     string // root directory, 0700
	DBPath      string // derived: DataDir/messages.db
	LargeMsgDir string // derived: DataDir/large-messages
}

// SecurityConfig holds authentication settings.
type SecurityConfig struct {
	SharedSecretEnv string // env var name carrying the shared secret
	SessionTTL      time.Duration
}

// TimingConfig holds the broker's various TTLs and cooldowns.
type TimingConfig struct {
	RenameCooldown   time.Duration // 1h
	NameForwardTTL   time.Duration // 2h
	MessageTTL       time.Duration // 7 days, for unregistered recipients
	TTLSweepInterval time.Duration
}

// RateLimitConfig holds sliding-window rate limiting.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// QueueConfig holds per-recipient queue limits.
type QueueConfig struct {
	Cap            int   // 100
	SpillThreshold int64 // 10 KiB
}

// Config holds all broker configuration.
type Config struct {
	Network   NetworkConfig
	Storage   StorageConfig
	Security  SecurityConfig
	Timing    TimingConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
}

// yamlOverlay mirrors the subset of Config an operator may want to pin
// in a checked-in file rather than the environment.
type yamlOverlay struct {
	Network struct {
		Host      string `yaml:"host"`
		Port      string `yaml:"port"`
		AdminHost string `yaml:"admin_host"`
		AdminPort string `yaml:"admin_port"`
	} `yaml:"network"`
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
	Security struct {
		SharedSecretEnv string `yaml:"shared_secret_env"`
	} `yaml:"security"`
}

// Load reads configuration from environment variables, then applies a
// YAML overlay from IPC_CONFIG_FILE (if set) for any overlay field
// whose environment variable is not set.
func Load() (*Config, error) {
	dataDir := getEnv("IPC_DATA_DIR", defaultDataDir())

	cfg := &Config{
		Network: NetworkConfig{
			Host:         getEnv("IPC_HOST", "127.0.0.1"),
			Port:         getEnv("IPC_PORT", "9876"),
			AdminHost:    getEnv("IPC_ADMIN_HOST", "127.0.0.1"),
			AdminPort:    getEnv("IPC_ADMIN_PORT", ""),
			AcceptPoll:   getEnvDuration("IPC_ACCEPT_POLL", time.Second),
			ReadTimeout:  getEnvDuration("IPC_READ_TIMEOUT", 2*time.Second),
			WriteTimeout: getEnvDuration("IPC_WRITE_TIMEOUT", 5*time.Second),
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DBPath:      filepath.Join(dataDir, "messages.db"),
			LargeMsgDir: filepath.Join(dataDir, "large-messages"),
		},
		Security: SecurityConfig{
			SharedSecretEnv: getEnv("IPC_SHARED_SECRET_ENV", "IPC_SHARED_SECRET"),
			SessionTTL:      getEnvDuration("IPC_SESSION_TTL", 24*time.Hour),
		},
		Timing: TimingConfig{
			RenameCooldown:   getEnvDuration("IPC_RENAME_COOLDOWN", time.Hour),
			NameForwardTTL:   getEnvDuration("IPC_NAME_FORWARD_TTL", 2*time.Hour),
			MessageTTL:       getEnvDuration("IPC_MESSAGE_TTL", 7*24*time.Hour),
			TTLSweepInterval: getEnvDuration("IPC_TTL_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: getEnvInt("IPC_RATE_LIMIT_REQUESTS", 100),
			Window:      getEnvDuration("IPC_RATE_LIMIT_WINDOW", time.Minute),
		},
		Queue: QueueConfig{
			Cap:            getEnvInt("IPC_QUEUE_CAP", 100),
			SpillThreshold: getEnvInt64("IPC_SPILL_THRESHOLD_BYTES", 10*1024),
		},
	}

	if err := cfg.applyYAMLOverlay(getEnv("IPC_CONFIG_FILE", "")); err != nil {
		return nil, fmt.Errorf("apply config overlay: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyYAMLOverlay fills fields from a YAML file for anything the
// environment left unset. A missing path is not an error; an
// unparsable file is.
func (c *Config) applyYAMLOverlay(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if overlay.Network.Host != "" && !isEnvSet("IPC_HOST") {
		c.Network.Host = overlay.Network.Host
	}
	if overlay.Network.Port != "" && !isEnvSet("IPC_PORT") {
		c.Network.Port = overlay.Network.Port
	}
	if overlay.Network.AdminHost != "" && !isEnvSet("IPC_ADMIN_HOST") {
		c.Network.AdminHost = overlay.Network.AdminHost
	}
	if overlay.Network.AdminPort != "" && !isEnvSet("IPC_ADMIN_PORT") {
		c.Network.AdminPort = overlay.Network.AdminPort
	}
	if overlay.Storage.DataDir != "" && !isEnvSet("IPC_DATA_DIR") {
		c.Storage.DataDir = overlay.Storage.DataDir
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "messages.db")
		c.Storage.LargeMsgDir = filepath.Join(c.Storage.DataDir, "large-messages")
	}
	if overlay.Security.SharedSecretEnv != "" && !isEnvSet("IPC_SHARED_SECRET_ENV") {
		c.Security.SharedSecretEnv = overlay.Security.SharedSecretEnv
	}

	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Network.Port == "" {
		return fmt.Errorf("IPC_PORT cannot be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("IPC_DATA_DIR cannot be empty")
	}
	if c.Queue.Cap <= 0 {
		return fmt.Errorf("IPC_QUEUE_CAP must be > 0")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("IPC_RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// SharedSecret returns the configured shared secret, or "" if auth is
// disabled for this deployment.
func (c *Config) SharedSecret() string {
	return os.Getenv(c.Security.SharedSecretEnv)
}

// ListenAddr returns the TCP wire-protocol listen address.
func (c *Config) ListenAddr() string {
	return c.Network.Host + ":" + c.Network.Port
}

// AdminAddr returns the admin HTTP listen address, or "" if disabled.
func (c *Config) AdminAddr() string {
	if c.Network.AdminPort == "" {
		return ""
	}
	return c.Network.AdminHost + ":" + c.Network.AdminPort
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude-ipc-data"
	}
	return filepath.Join(home, ".claude-ipc-data")
}

func isEnvSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
