// Package config defines the composition-root configuration struct for
// the admin server and a YAML loader for it. Parsing the CLI's own flags
// is the CLI entrypoint's concern; this package only owns the struct the
// core consumes and the validation that makes startup fail fast.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CipherPolicy selects which CipherSuite tags WrapAndHandshake will accept.
type CipherPolicy string

const (
	PolicyDefault   CipherPolicy = "default"
	PolicyLegacy    CipherPolicy = "legacy"
	PolicyAll       CipherPolicy = "all"
	PolicyNullDebug CipherPolicy = "null-debug"
)

// ListenConfig is the TCP bind target for the PSK-TLS admin listener.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// KeyStoreConfig selects and parameterizes a KeyStore implementation.
type KeyStoreConfig struct {
	Kind string `yaml:"kind"` // "file" | "sqlite"
	DSN  string `yaml:"dsn"`  // path for "file", DSN for "sqlite"
}

// Config is the full set of knobs the admin server's runtime behavior is
// tuned by.
type Config struct {
	Listen ListenConfig `yaml:"listen"`

	CipherPolicy      CipherPolicy `yaml:"cipherPolicy"`
	EnableNullCiphers bool         `yaml:"enableNullCiphers"`

	HandshakeTimeoutMs int `yaml:"handshakeTimeoutMs"`
	SocketTimeoutMs    int `yaml:"socketTimeoutMs"`
	SessionTimeoutSec  int `yaml:"sessionTimeoutSec"`
	SweepIntervalSec   int `yaml:"sweepIntervalSec"`

	MaxConcurrentConnections int `yaml:"maxConcurrentConnections"`

	MismatchThreshold int `yaml:"mismatchThreshold"`
	MismatchWindowSec int `yaml:"mismatchWindowSec"`

	ErrorRateWindowSec  int                `yaml:"errorRateWindowSec"`
	ErrorRateThresholds map[string]float64 `yaml:"errorRateThresholds"`

	KeyStore KeyStoreConfig `yaml:"keyStore"`

	AdminPath string `yaml:"adminPath"`

	// MetricsAddr, when non-empty, exposes a Prometheus handler (see
	// internal/metrics) in addition to the core protocol surface.
	MetricsAddr string `yaml:"metricsAddr"`
	// WebSocketBridgeAddr, when non-empty, exposes the event stream to
	// out-of-process dashboard consumers (see internal/wsbridge).
	WebSocketBridgeAddr string `yaml:"webSocketBridgeAddr"`
}

// Default returns the configuration with every documented default value.
func Default() Config {
	return Config{
		Listen:                   ListenConfig{Host: "0.0.0.0", Port: 8443},
		CipherPolicy:             PolicyDefault,
		EnableNullCiphers:        false,
		HandshakeTimeoutMs:       30_000,
		SocketTimeoutMs:          60_000,
		SessionTimeoutSec:        300,
		SweepIntervalSec:         30,
		MaxConcurrentConnections: 10,
		MismatchThreshold:        3,
		MismatchWindowSec:        60,
		ErrorRateWindowSec:       60,
		ErrorRateThresholds:      map[string]float64{},
		KeyStore:                 KeyStoreConfig{Kind: "file", DSN: "keystore.json"},
		AdminPath:                "/admin",
	}
}

// Load reads and validates a YAML configuration file, overlaying it onto
// Default() so partially-specified files still produce a valid Config.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would make the server
// unsafe or meaningless to start.
func (c Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", c.Listen.Port)
	}
	switch c.CipherPolicy {
	case PolicyDefault, PolicyLegacy, PolicyAll, PolicyNullDebug:
	default:
		return fmt.Errorf("invalid cipherPolicy %q", c.CipherPolicy)
	}
	if c.HandshakeTimeoutMs <= 0 {
		return fmt.Errorf("handshakeTimeoutMs must be positive")
	}
	if c.SessionTimeoutSec <= 0 {
		return fmt.Errorf("sessionTimeoutSec must be positive")
	}
	if c.SweepIntervalSec <= 0 || c.SweepIntervalSec > 30 {
		return fmt.Errorf("sweepIntervalSec must be in (0, 30]")
	}
	if c.MaxConcurrentConnections <= 0 {
		return fmt.Errorf("maxConcurrentConnections must be positive")
	}
	if c.MismatchThreshold <= 0 {
		return fmt.Errorf("mismatchThreshold must be positive")
	}
	if c.ErrorRateWindowSec <= 0 {
		return fmt.Errorf("errorRateWindowSec must be positive")
	}
	if c.AdminPath == "" {
		return fmt.Errorf("adminPath must not be empty")
	}
	switch c.KeyStore.Kind {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid keyStore.kind %q", c.KeyStore.Kind)
	}
	return nil
}

// HandshakeTimeout returns the handshake budget as a time.Duration.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// SocketTimeout returns the HTTP I/O budget as a time.Duration.
func (c Config) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMs) * time.Millisecond
}

// SessionTimeout returns the inactivity budget as a time.Duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

// SweepInterval returns the sweeper tick period as a time.Duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// MismatchWindow returns the mismatch tracking window as a time.Duration.
func (c Config) MismatchWindow() time.Duration {
	return time.Duration(c.MismatchWindowSec) * time.Second
}

// ErrorRateWindow returns the error-rate sliding-window span as a
// time.Duration.
func (c Config) ErrorRateWindow() time.Duration {
	return time.Duration(c.ErrorRateWindowSec) * time.Second
}
