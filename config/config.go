// Package config loads dhtnode YAML configuration files and converts them
// into client options.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/dhtcore"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"gopkg.in/yaml.v3"
)

// File represents a complete node configuration file.
type File struct {
	Node        NodeConfig        `yaml:"node"`
	DHT         DHTConfig         `yaml:"dht"`
	Session     SessionConfig     `yaml:"session"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Bootstrap   []string          `yaml:"bootstrap"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// NodeConfig holds identity and network settings.
type NodeConfig struct {
	// SecretKey is the hex encoded node secret. Empty means generate or
	// load from DataDir.
	SecretKey     string `yaml:"secret_key"`
	DataDir       string `yaml:"data_dir"`
	Listen        string `yaml:"listen"`
	AdvertiseAddr string `yaml:"advertise_addr"`
}

// DHTConfig holds routing and lookup parameters.
type DHTConfig struct {
	BucketSize     int           `yaml:"bucket_size"`
	Alpha          int           `yaml:"alpha"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRetries int           `yaml:"request_retries"`
	LookupTimeout  time.Duration `yaml:"lookup_timeout"`
	MaxRounds      int           `yaml:"max_rounds"`
}

// SessionConfig holds handshake and session lifetime parameters.
type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HandshakeRetries int           `yaml:"handshake_retries"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

// MaintenanceConfig holds routing table maintenance intervals.
type MaintenanceConfig struct {
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Listen is the HTTP address of the /metrics endpoint.
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration matching dhtcore.NewOptions.
func Default() *File {
	o := dhtcore.NewOptions()
	return &File{
		Node: NodeConfig{Listen: o.ListenAddr},
		DHT: DHTConfig{
			BucketSize:     o.BucketSize,
			Alpha:          o.Alpha,
			RequestTimeout: o.RequestTimeout,
			RequestRetries: o.RequestRetries,
			LookupTimeout:  o.LookupTimeout,
			MaxRounds:      o.MaxRounds,
		},
		Session: SessionConfig{
			HandshakeTimeout: o.HandshakeTimeout,
			HandshakeRetries: o.HandshakeRetries,
			IdleTimeout:      o.IdleTimeout,
		},
		Maintenance: MaintenanceConfig{
			RefreshInterval:    o.RefreshInterval,
			RevalidateInterval: o.RevalidateInterval,
		},
		Metrics: MetricsConfig{Enabled: o.EnableMetrics, Listen: "127.0.0.1:9100"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. Keys missing from the
// file keep their default values; environment variables take precedence.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*File, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to cfg.
func applyEnvironmentOverrides(cfg *File) {
	if key := os.Getenv("DHT_SECRET_KEY"); key != "" {
		cfg.Node.SecretKey = key
	}
	if listen := os.Getenv("DHT_LISTEN"); listen != "" {
		cfg.Node.Listen = listen
	}
	if adv := os.Getenv("DHT_ADVERTISE_ADDR"); adv != "" {
		cfg.Node.AdvertiseAddr = adv
	}
	if level := os.Getenv("DHT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Options converts the file into validated client options.
func (f *File) Options() (*dhtcore.Options, error) {
	o := dhtcore.NewOptions()
	o.DataDir = f.Node.DataDir
	o.ListenAddr = f.Node.Listen
	o.AdvertiseAddr = f.Node.AdvertiseAddr

	if f.Node.SecretKey != "" {
		id, err := crypto.IdentityFromHex(f.Node.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("node.secret_key: %w", err)
		}
		o.Identity = id
	}

	for i, s := range f.Bootstrap {
		rec, err := enode.ParseRecord(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		o.BootstrapNodes = append(o.BootstrapNodes, rec)
	}

	o.BucketSize = f.DHT.BucketSize
	o.Alpha = f.DHT.Alpha
	o.RequestTimeout = f.DHT.RequestTimeout
	o.RequestRetries = f.DHT.RequestRetries
	o.LookupTimeout = f.DHT.LookupTimeout
	o.MaxRounds = f.DHT.MaxRounds
	o.HandshakeTimeout = f.Session.HandshakeTimeout
	o.HandshakeRetries = f.Session.HandshakeRetries
	o.IdleTimeout = f.Session.IdleTimeout
	o.RefreshInterval = f.Maintenance.RefreshInterval
	o.RevalidateInterval = f.Maintenance.RevalidateInterval
	o.EnableMetrics = f.Metrics.Enabled
	o.LogLevel = f.Logging.Level

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Save writes the configuration as YAML. The file may hold a secret key and
// is created with owner-only permissions.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
