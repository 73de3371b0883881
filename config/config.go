// Package config defines and loads the feeder core configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/errors"
)

// Default policy values. The session timeout and alert cooldown are policy
// decisions recorded in DESIGN.md, not taken from device firmware.
const (
	DefaultSubjectRoot       = "feeder"
	DefaultCompletionDelta   = 30.0
	DefaultSessionTimeout    = 5 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultAlertCooldown     = 5 * time.Minute
	DefaultHighTemperature   = 40.0
	DefaultLowBattery        = 20
	DefaultStoreTimeout      = 3 * time.Second
	DefaultStoreMaxAttempts  = 5
	DefaultShutdownGrace     = 5 * time.Second
	DefaultDeviceTargetGrams = 50.0
	DefaultDeviceLowLevel    = 200.0
	DefaultDeviceCapacity    = 1000.0
)

// Duration wraps time.Duration so config files accept "5m" strings as
// well as nanosecond numbers, in both JSON and YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON renders the duration as a string ("5m0s")
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "5m" strings and nanosecond numbers
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	case int:
		*d = Duration(time.Duration(value))
	case int64:
		*d = Duration(time.Duration(value))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// Config is the complete feeder core configuration
type Config struct {
	Bus      NATSConfig    `json:"bus" yaml:"bus"`
	Store    StoreConfig   `json:"store" yaml:"store"`
	Subjects SubjectConfig `json:"subjects" yaml:"subjects"`
	Feeder   FeederConfig  `json:"feeder" yaml:"feeder"`
	Metrics  MetricsConfig `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines connection settings for one NATS endpoint
type NATSConfig struct {
	URL           string    `json:"url" yaml:"url"`
	MaxReconnects int       `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration  `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string    `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string    `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string    `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig for secure NATS connections
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// StoreConfig defines the document store connection and collections
type StoreConfig struct {
	NATSConfig `json:",inline" yaml:",inline"`

	// MaxConnectAttempts is the hard ceiling for the startup connection;
	// exhausting it is fatal. The bus connection has no such ceiling.
	MaxConnectAttempts int `json:"max_connect_attempts,omitempty" yaml:"max_connect_attempts,omitempty"`

	// Timeout bounds every store operation
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	DeviceBucket  string `json:"device_bucket,omitempty" yaml:"device_bucket,omitempty"`
	SessionBucket string `json:"session_bucket,omitempty" yaml:"session_bucket,omitempty"`
	AlertBucket   string `json:"alert_bucket,omitempty" yaml:"alert_bucket,omitempty"`
}

// SubjectConfig defines the bus subject layout. Device channels are
// "<root>.<suffix>" with the suffixes fixed by the device firmware
// (peso, servo, mac, ...).
type SubjectConfig struct {
	Root string `json:"root" yaml:"root"`
}

// FeederConfig holds the dispensation and alert policy values
type FeederConfig struct {
	// CompletionDelta is the weight increase, in grams, that marks a
	// dispensation as completed.
	CompletionDelta float64 `json:"completion_delta,omitempty" yaml:"completion_delta,omitempty"`

	// SessionTimeout abandons a session when no completing weight arrives
	SessionTimeout Duration `json:"session_timeout,omitempty" yaml:"session_timeout,omitempty"`

	// SweepInterval is how often started sessions are checked for timeout
	SweepInterval Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`

	// AlertCooldown suppresses repeated alerts per device and category
	AlertCooldown Duration `json:"alert_cooldown,omitempty" yaml:"alert_cooldown,omitempty"`

	// HighTemperature and LowBattery are the fixed sensor thresholds
	HighTemperature float64 `json:"high_temperature,omitempty" yaml:"high_temperature,omitempty"`
	LowBattery      int     `json:"low_battery,omitempty" yaml:"low_battery,omitempty"`

	// Defaults for lazily created devices
	DeviceTargetGrams float64 `json:"device_target_grams,omitempty" yaml:"device_target_grams,omitempty"`
	DeviceLowLevel    float64 `json:"device_low_level,omitempty" yaml:"device_low_level,omitempty"`
	DeviceCapacity    float64 `json:"device_capacity,omitempty" yaml:"device_capacity,omitempty"`

	// ShutdownGrace bounds the best-effort disconnect flush on exit
	ShutdownGrace Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
}

// MetricsConfig enables the prometheus scrape endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// Load reads and validates a configuration file. The format is chosen by
// extension: .yaml/.yml parse as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read file")
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse yaml")
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse json")
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	if c.Bus.URL == "" {
		c.Bus.URL = "nats://127.0.0.1:4222"
	}
	if c.Bus.ReconnectWait == 0 {
		c.Bus.ReconnectWait = Duration(2 * time.Second)
	}
	if c.Store.URL == "" {
		c.Store.URL = c.Bus.URL
	}
	if c.Store.ReconnectWait == 0 {
		c.Store.ReconnectWait = Duration(2 * time.Second)
	}
	if c.Store.MaxConnectAttempts == 0 {
		c.Store.MaxConnectAttempts = DefaultStoreMaxAttempts
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = Duration(DefaultStoreTimeout)
	}
	if c.Store.DeviceBucket == "" {
		c.Store.DeviceBucket = "feeder_devices"
	}
	if c.Store.SessionBucket == "" {
		c.Store.SessionBucket = "feeder_sessions"
	}
	if c.Store.AlertBucket == "" {
		c.Store.AlertBucket = "feeder_alerts"
	}
	if c.Subjects.Root == "" {
		c.Subjects.Root = DefaultSubjectRoot
	}
	if c.Feeder.CompletionDelta == 0 {
		c.Feeder.CompletionDelta = DefaultCompletionDelta
	}
	if c.Feeder.SessionTimeout == 0 {
		c.Feeder.SessionTimeout = Duration(DefaultSessionTimeout)
	}
	if c.Feeder.SweepInterval == 0 {
		c.Feeder.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.Feeder.AlertCooldown == 0 {
		c.Feeder.AlertCooldown = Duration(DefaultAlertCooldown)
	}
	if c.Feeder.HighTemperature == 0 {
		c.Feeder.HighTemperature = DefaultHighTemperature
	}
	if c.Feeder.LowBattery == 0 {
		c.Feeder.LowBattery = DefaultLowBattery
	}
	if c.Feeder.DeviceTargetGrams == 0 {
		c.Feeder.DeviceTargetGrams = DefaultDeviceTargetGrams
	}
	if c.Feeder.DeviceLowLevel == 0 {
		c.Feeder.DeviceLowLevel = DefaultDeviceLowLevel
	}
	if c.Feeder.DeviceCapacity == 0 {
		c.Feeder.DeviceCapacity = DefaultDeviceCapacity
	}
	if c.Feeder.ShutdownGrace == 0 {
		c.Feeder.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9091"
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "bus.url")
	}
	if c.Store.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "store.url")
	}
	if !isValidSubjectPart(c.Subjects.Root) {
		return errors.WrapInvalid(
			fmt.Errorf("subjects.root %q is not a valid NATS subject token", c.Subjects.Root),
			"config", "Validate", "subject root")
	}
	if c.Feeder.CompletionDelta <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("feeder.completion_delta must be positive, got %v", c.Feeder.CompletionDelta),
			"config", "Validate", "completion delta")
	}
	if c.Feeder.SessionTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("feeder.session_timeout must be positive"),
			"config", "Validate", "session timeout")
	}
	if c.Store.MaxConnectAttempts < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("store.max_connect_attempts must be at least 1"),
			"config", "Validate", "store connect attempts")
	}
	return nil
}

// isValidSubjectPart checks that a string is a single valid NATS subject
// token (no wildcards, no separators).
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
