// Package config loads the shieldsync TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/colorfulnotion/shieldsync/telemetry"
)

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"

	// DevKernelURL selects the in-process development kernel.
	DevKernelURL = "inproc:dev"
)

type Config struct {
	DataDir              string    `toml:"DataDir"`
	Network              string    `toml:"Network"`
	KernelURL            string    `toml:"KernelURL"`
	KernelTimeoutSeconds int       `toml:"KernelTimeoutSeconds"`
	LogLevel             string    `toml:"LogLevel"`
	DebugModules         string    `toml:"DebugModules"`
	CheckpointInterval   uint64    `toml:"CheckpointInterval"`
	KeepCheckpoints      int       `toml:"KeepCheckpoints"`
	PollIntervalSeconds  int       `toml:"PollIntervalSeconds"`
	MetricsAddress       string    `toml:"MetricsAddress"`
	Telemetry            Telemetry `toml:"Telemetry"`
}

type Telemetry struct {
	ServiceName string `toml:"ServiceName"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers"`
	Traces      bool   `toml:"Traces"`
}

// Default returns the configuration written for a missing file.
func Default() *Config {
	return &Config{
		DataDir:              "./shieldsync-data",
		Network:              NetworkTestnet,
		KernelURL:            DevKernelURL,
		KernelTimeoutSeconds: 120,
		LogLevel:             "info",
		CheckpointInterval:   1000,
		KeepCheckpoints:      10,
		PollIntervalSeconds:  10,
		Telemetry: Telemetry{
			ServiceName: "shieldsync",
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}
	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) Validate() error {
	switch c.Network {
	case NetworkMainnet, NetworkTestnet:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if c.KernelURL != DevKernelURL && !strings.HasPrefix(c.KernelURL, "ws://") && !strings.HasPrefix(c.KernelURL, "wss://") {
		return fmt.Errorf("KernelURL must be %s or a ws:// or wss:// url, got %q", DevKernelURL, c.KernelURL)
	}
	if c.KernelTimeoutSeconds <= 0 {
		return fmt.Errorf("KernelTimeoutSeconds must be positive")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("PollIntervalSeconds must be positive")
	}
	if c.KeepCheckpoints < 0 {
		return fmt.Errorf("KeepCheckpoints must not be negative")
	}
	return nil
}

func (c *Config) IsTestnet() bool {
	return c.Network == NetworkTestnet
}

func (c *Config) KernelTimeout() time.Duration {
	return time.Duration(c.KernelTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StorePath is the leveldb directory under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "wallets")
}

// TelemetryConfig maps the [Telemetry] table onto telemetry.Config.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Telemetry.ServiceName,
		Network:     c.Network,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(c.Telemetry.Headers),
		Traces:      c.Telemetry.Traces,
	}
}
