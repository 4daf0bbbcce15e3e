// Package config provides configuration management for the SMB-Direct transport.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (SMBDIRECT_* prefix)
//  3. Configuration file (smbdirect.yaml)
//  4. Default values (lowest priority)
//
// The package uses Viper for configuration binding, supporting:
//   - YAML or TOML configuration files
//   - Environment variable overrides
//   - Type-safe configuration structs
//   - Validation and defaults
//
// Example usage:
//
//	cfg, err := config.Load("/etc/smbdirect/smbdirect.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted by RDMAConfig.Provider.
const (
	ProviderAuto       = "auto"
	ProviderInfiniBand = "infiniband"
	ProviderRoCE       = "roce"
	ProviderIWARP      = "iwarp"
	ProviderTCP        = "tcp"
)

// SMB-Direct protocol defaults.
const (
	DefaultSendCreditTarget  = 255
	DefaultReceiveCreditMax  = 255
	DefaultMaxFragmentedSize = 128 * 1024
	DefaultMaxReadWriteSize  = 1024 * 1024
	DefaultMaxReceiveSize    = 8192
	DefaultRDMAPort          = 5445
)

// Config holds all configuration for the SMB-Direct transport.
type Config struct {
	// RDMA transport and negotiation options
	RDMA RDMAConfig `mapstructure:"rdma" yaml:"rdma"`

	// Registered buffer pool sizing
	Buffers BufferConfig `mapstructure:"buffers" yaml:"buffers"`

	// Retry policy for recoverable RDMA errors
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// RDMAConfig holds RDMA transport configuration
type RDMAConfig struct {
	// Enabled enables the RDMA fast path
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the SMB-Direct port on the remote server
	Port int `mapstructure:"port" yaml:"port"`

	// Provider selects the fabric: auto, infiniband, roce, iwarp or tcp
	Provider string `mapstructure:"provider" yaml:"provider"`

	// DeviceName is the RDMA device name (e.g., "mlx5_0")
	DeviceName string `mapstructure:"device_name" yaml:"device_name"`

	// Simulated uses the in-process verbs backend instead of hardware
	Simulated bool `mapstructure:"simulated" yaml:"simulated"`

	// SysfsRoot is the sysfs mount used for device detection
	SysfsRoot string `mapstructure:"sysfs_root" yaml:"sysfs_root"`

	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// FallbackToTCP allows the TCP provider when no RDMA fabric is usable
	FallbackToTCP bool `mapstructure:"fallback_to_tcp" yaml:"fallback_to_tcp"`

	// DefaultSendCreditTarget is the number of send credits requested from the peer
	DefaultSendCreditTarget int `mapstructure:"default_send_credit_target" yaml:"default_send_credit_target"`

	// DefaultReceiveCreditMax is the maximum number of receive credits granted locally
	DefaultReceiveCreditMax int `mapstructure:"default_receive_credit_max" yaml:"default_receive_credit_max"`

	// DefaultMaxFragmentedSize is the largest reassembled upper-layer message
	DefaultMaxFragmentedSize int `mapstructure:"default_max_fragmented_size" yaml:"default_max_fragmented_size"`

	// DefaultMaxReadWriteSize is the largest single RDMA read or write
	DefaultMaxReadWriteSize int `mapstructure:"default_max_read_write_size" yaml:"default_max_read_write_size"`

	// DefaultMaxReceiveSize is the largest single message the local side accepts
	DefaultMaxReceiveSize int `mapstructure:"default_max_receive_size" yaml:"default_max_receive_size"`
}

// BufferConfig holds registered memory pool configuration
type BufferConfig struct {
	InitialSendRegions    int `mapstructure:"initial_send_regions" yaml:"initial_send_regions"`
	InitialReceiveRegions int `mapstructure:"initial_receive_regions" yaml:"initial_receive_regions"`
	SendRegionSize        int `mapstructure:"send_region_size" yaml:"send_region_size"`
	ReceiveRegionSize     int `mapstructure:"receive_region_size" yaml:"receive_region_size"`
}

// RetryConfig holds retry configuration for recoverable RDMA errors
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryDelay is the pause before each retry and each recovery attempt
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// Options holds command-line overrides
type Options struct {
	Provider  string
	Port      int
	LogLevel  string
	Simulated bool
	Enabled   bool
}

// DefaultConfig returns the default configuration without consulting viper.
func DefaultConfig() *Config {
	return &Config{
		RDMA:     DefaultRDMAConfig(),
		Buffers:  DefaultBufferConfig(),
		Retry:    DefaultRetryConfig(),
		LogLevel: "info",
	}
}

// DefaultRDMAConfig returns the default RDMA configuration.
func DefaultRDMAConfig() RDMAConfig {
	return RDMAConfig{
		Enabled:                  false,
		Port:                     DefaultRDMAPort,
		Provider:                 ProviderAuto,
		SysfsRoot:                "/sys",
		ConnectTimeout:           10 * time.Second,
		FallbackToTCP:            true,
		DefaultSendCreditTarget:  DefaultSendCreditTarget,
		DefaultReceiveCreditMax:  DefaultReceiveCreditMax,
		DefaultMaxFragmentedSize: DefaultMaxFragmentedSize,
		DefaultMaxReadWriteSize:  DefaultMaxReadWriteSize,
		DefaultMaxReceiveSize:    DefaultMaxReceiveSize,
	}
}

// DefaultBufferConfig returns the default buffer pool configuration.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		InitialSendRegions:    32,
		InitialReceiveRegions: 32,
		SendRegionSize:        64 * 1024,
		ReceiveRegionSize:     64 * 1024,
	}
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Load loads configuration from file, environment, and options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("smbdirect")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/smbdirect")
		v.AddConfigPath("$HOME/.smbdirect")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("SMBDIRECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.Provider != "" {
		v.Set("rdma.provider", opts.Provider)
	}
	if opts.Port != 0 {
		v.Set("rdma.port", opts.Port)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.Simulated {
		v.Set("rdma.simulated", true)
	}
	if opts.Enabled {
		v.Set("rdma.enabled", true)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)

	// RDMA defaults
	v.SetDefault("rdma.enabled", d.RDMA.Enabled)
	v.SetDefault("rdma.port", d.RDMA.Port)
	v.SetDefault("rdma.provider", d.RDMA.Provider)
	v.SetDefault("rdma.device_name", d.RDMA.DeviceName)
	v.SetDefault("rdma.simulated", d.RDMA.Simulated)
	v.SetDefault("rdma.sysfs_root", d.RDMA.SysfsRoot)
	v.SetDefault("rdma.connect_timeout", d.RDMA.ConnectTimeout)
	v.SetDefault("rdma.fallback_to_tcp", d.RDMA.FallbackToTCP)
	v.SetDefault("rdma.default_send_credit_target", d.RDMA.DefaultSendCreditTarget)
	v.SetDefault("rdma.default_receive_credit_max", d.RDMA.DefaultReceiveCreditMax)
	v.SetDefault("rdma.default_max_fragmented_size", d.RDMA.DefaultMaxFragmentedSize)
	v.SetDefault("rdma.default_max_read_write_size", d.RDMA.DefaultMaxReadWriteSize)
	v.SetDefault("rdma.default_max_receive_size", d.RDMA.DefaultMaxReceiveSize)

	// Buffer pool defaults
	v.SetDefault("buffers.initial_send_regions", d.Buffers.InitialSendRegions)
	v.SetDefault("buffers.initial_receive_regions", d.Buffers.InitialReceiveRegions)
	v.SetDefault("buffers.send_region_size", d.Buffers.SendRegionSize)
	v.SetDefault("buffers.receive_region_size", d.Buffers.ReceiveRegionSize)

	// Retry defaults
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.retry_delay", d.Retry.RetryDelay)
}

// Validate checks the configuration for values the transport cannot use.
func (c *Config) Validate() error {
	if err := c.RDMA.Validate(); err != nil {
		return err
	}

	if err := c.Buffers.validate(); err != nil {
		return err
	}

	if c.Buffers.ReceiveRegionSize < c.RDMA.DefaultMaxReceiveSize {
		return fmt.Errorf("buffers.receive_region_size (%d) must be at least rdma.default_max_receive_size (%d)",
			c.Buffers.ReceiveRegionSize, c.RDMA.DefaultMaxReceiveSize)
	}

	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries cannot be negative")
	}

	if c.Retry.RetryDelay < 0 {
		return errors.New("retry.retry_delay cannot be negative")
	}

	return nil
}

// Validate checks the RDMA section on its own.
func (c *RDMAConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("rdma.port must be between 1 and 65535, got %d", c.Port)
	}

	switch strings.ToLower(c.Provider) {
	case "", ProviderAuto, ProviderInfiniBand, ProviderRoCE, ProviderIWARP, ProviderTCP:
	default:
		return fmt.Errorf("unknown rdma.provider: %s", c.Provider)
	}

	sizes := []struct {
		name  string
		value int
	}{
		{"rdma.default_send_credit_target", c.DefaultSendCreditTarget},
		{"rdma.default_receive_credit_max", c.DefaultReceiveCreditMax},
		{"rdma.default_max_fragmented_size", c.DefaultMaxFragmentedSize},
		{"rdma.default_max_read_write_size", c.DefaultMaxReadWriteSize},
		{"rdma.default_max_receive_size", c.DefaultMaxReceiveSize},
	}
	for _, s := range sizes {
		if s.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", s.name, s.value)
		}
	}

	// Credits travel as 16-bit fields in the negotiate messages
	if c.DefaultSendCreditTarget > 0xFFFF || c.DefaultReceiveCreditMax > 0xFFFF {
		return errors.New("credit values must fit in 16 bits")
	}

	return nil
}

func (c *BufferConfig) validate() error {
	if c.InitialSendRegions < 0 || c.InitialReceiveRegions < 0 {
		return errors.New("initial region counts cannot be negative")
	}

	if c.SendRegionSize <= 0 || c.ReceiveRegionSize <= 0 {
		return errors.New("region sizes must be positive")
	}

	return nil
}
