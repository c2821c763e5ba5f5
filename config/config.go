// Package config provides configuration loading and validation for the hub
// daemon. Configuration files may be JSON or YAML; defaults are applied
// before validation so a minimal file is enough to boot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c360/contexthub/errors"
)

// HubConfig is the identity the daemon reports in hub info responses.
type HubConfig struct {
	Name                   string  `json:"name" yaml:"name"`
	Vendor                 string  `json:"vendor" yaml:"vendor"`
	Toolchain              string  `json:"toolchain" yaml:"toolchain"`
	LegacyPlatformVersion  uint32  `json:"legacy_platform_version" yaml:"legacy_platform_version"`
	LegacyToolchainVersion uint32  `json:"legacy_toolchain_version" yaml:"legacy_toolchain_version"`
	PeakMips               float32 `json:"peak_mips" yaml:"peak_mips"`
	StoppedPowerMw         float32 `json:"stopped_power_mw" yaml:"stopped_power_mw"`
	SleepPowerMw           float32 `json:"sleep_power_mw" yaml:"sleep_power_mw"`
	PeakPowerMw            float32 `json:"peak_power_mw" yaml:"peak_power_mw"`
	PlatformID             uint64  `json:"platform_id" yaml:"platform_id"`
	Version                uint32  `json:"version" yaml:"version"`
}

// EventLoopConfig sizes the loop's bounded resources.
type EventLoopConfig struct {
	EventPoolSize    int `json:"event_pool_size" yaml:"event_pool_size"`
	InboundQueueSize int `json:"inbound_queue_size" yaml:"inbound_queue_size"`
	PerAppQueueSize  int `json:"per_app_queue_size" yaml:"per_app_queue_size"`
}

// SocketConfig locates the daemon socket.
type SocketConfig struct {
	// Name is the socket name; the socket is created under Dir.
	Name string `json:"name" yaml:"name"`
	Dir  string `json:"dir" yaml:"dir"`
}

// Path returns the full socket path.
func (s SocketConfig) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

// MonitorConfig configures the HTTP monitor service.
type MonitorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// StorageConfig locates the calibration store. An empty path disables
// persistence; calibration load and notify become no-ops.
type StorageConfig struct {
	CalibrationDBPath string `json:"calibration_db_path" yaml:"calibration_db_path"`
}

// Config is the complete daemon configuration.
type Config struct {
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	EventLoop EventLoopConfig `json:"event_loop" yaml:"event_loop"`
	Socket    SocketConfig    `json:"socket" yaml:"socket"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			Name:      "contexthub",
			Vendor:    "c360",
			Toolchain: "go",
			Version:   0x01000000,
		},
		EventLoop: EventLoopConfig{
			EventPoolSize:    96,
			InboundQueueSize: 64,
			PerAppQueueSize:  32,
		},
		Socket: SocketConfig{
			Name: "chre",
			Dir:  "/tmp",
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Addr:    "localhost:9100",
		},
	}
}

// Load reads a JSON or YAML configuration file, applies defaults for unset
// fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read file")
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "parse file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints, filling defaults where a zero value
// has a sensible one.
func (c *Config) Validate() error {
	if c.Hub.Name == "" {
		return validationError("hub.name must not be empty")
	}
	if c.Hub.Vendor == "" {
		return validationError("hub.vendor must not be empty")
	}

	if c.EventLoop.EventPoolSize <= 0 {
		c.EventLoop.EventPoolSize = Default().EventLoop.EventPoolSize
	}
	if c.EventLoop.InboundQueueSize <= 0 {
		c.EventLoop.InboundQueueSize = Default().EventLoop.InboundQueueSize
	}
	if c.EventLoop.PerAppQueueSize <= 0 {
		c.EventLoop.PerAppQueueSize = Default().EventLoop.PerAppQueueSize
	}
	if c.EventLoop.EventPoolSize < c.EventLoop.PerAppQueueSize {
		return validationError("event_loop.event_pool_size must be >= per_app_queue_size")
	}

	if c.Socket.Name == "" {
		return validationError("socket.name must not be empty")
	}
	if strings.ContainsRune(c.Socket.Name, os.PathSeparator) {
		return validationError("socket.name must not contain path separators")
	}
	if c.Socket.Dir == "" {
		c.Socket.Dir = Default().Socket.Dir
	}

	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		return validationError("monitor.addr required when monitor.enabled")
	}

	return nil
}

func validationError(msg string) error {
	return errors.WrapFatal(fmt.Errorf("%s", msg), "config", "Validate", "field check")
}

// SafeConfig provides thread-safe access to a validated configuration.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps cfg; a nil cfg falls back to Default.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (sc *SafeConfig) Get() Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return *sc.cfg
}

// Update atomically replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidState, "config", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}
