// Package config loads bridge configuration from file, environment and flags
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/rayz/bridge/internal/allowlist"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".rayz"
	// ConfigFileName is the config file name without extension
	ConfigFileName = "config"
	// ConfigFileType is the format written by WriteDefault
	ConfigFileType = "yaml"
	// EnvPrefix prefixes every environment override, e.g. RAYZ_DEVICE_PORT
	EnvPrefix = "RAYZ"
)

// Config holds the bridge configuration
type Config struct {
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Device    DeviceConfig    `mapstructure:"device"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Log       LogConfig       `mapstructure:"log"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
}

// DiscoveryConfig configures mDNS browsing
type DiscoveryConfig struct {
	Service        string        `mapstructure:"service"`
	Domain         string        `mapstructure:"domain"`
	BrowseInterval time.Duration `mapstructure:"browse_interval"`
	StaleTimeout   time.Duration `mapstructure:"stale_timeout"`
	// AutoManage adds every discovered device to the registry
	AutoManage bool `mapstructure:"auto_manage"`
}

// DeviceConfig configures device connections
type DeviceConfig struct {
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ErrorCooldown    time.Duration `mapstructure:"error_cooldown"`
	AutoReconnect    bool          `mapstructure:"auto_reconnect"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

// RegistryConfig configures fleet-wide sends
type RegistryConfig struct {
	SendInterval time.Duration `mapstructure:"send_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	// Allow lists the networks (CIDR or single address) the bridge may manage
	Allow []string `mapstructure:"allow"`
}

// LogConfig configures logging and the message log
type LogConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
}

// BridgeConfig configures the HTTP and health listeners
type BridgeConfig struct {
	HTTPAddr   string `mapstructure:"http_addr"`
	HealthAddr string `mapstructure:"health_addr"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.rayz
	ConfigDir string
	// ConfigFile is ~/.rayz/config.yaml
	ConfigFile string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ConfigDirName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName+"."+ConfigFileType),
	}, nil
}

// Default returns a new Config with default values
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Service:        "_rayz._tcp",
			Domain:         "local.",
			BrowseInterval: 15 * time.Second,
			StaleTimeout:   60 * time.Second,
		},
		Device: DeviceConfig{
			Port:             80,
			Path:             "/ws",
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     2 * time.Second,
			PingInterval:     10 * time.Second,
			ErrorCooldown:    time.Second,
			AutoReconnect:    true,
			BackoffMin:       time.Second,
			BackoffMax:       30 * time.Second,
		},
		Registry: RegistryConfig{
			SendInterval: 200 * time.Millisecond,
			SettleDelay:  200 * time.Millisecond,
			Allow:        []string{},
		},
		Log: LogConfig{
			Capacity: 500,
			Level:    "info",
			Format:   "text",
		},
		Bridge: BridgeConfig{
			HTTPAddr:   ":8080",
			HealthAddr: ":50051",
		},
	}
}

// SetDefaults registers every default under its config key
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("discovery.service", d.Discovery.Service)
	v.SetDefault("discovery.domain", d.Discovery.Domain)
	v.SetDefault("discovery.browse_interval", d.Discovery.BrowseInterval)
	v.SetDefault("discovery.stale_timeout", d.Discovery.StaleTimeout)
	v.SetDefault("discovery.auto_manage", d.Discovery.AutoManage)

	v.SetDefault("device.port", d.Device.Port)
	v.SetDefault("device.path", d.Device.Path)
	v.SetDefault("device.handshake_timeout", d.Device.HandshakeTimeout)
	v.SetDefault("device.write_timeout", d.Device.WriteTimeout)
	v.SetDefault("device.ping_interval", d.Device.PingInterval)
	v.SetDefault("device.error_cooldown", d.Device.ErrorCooldown)
	v.SetDefault("device.auto_reconnect", d.Device.AutoReconnect)
	v.SetDefault("device.backoff_min", d.Device.BackoffMin)
	v.SetDefault("device.backoff_max", d.Device.BackoffMax)

	v.SetDefault("registry.send_interval", d.Registry.SendInterval)
	v.SetDefault("registry.settle_delay", d.Registry.SettleDelay)
	v.SetDefault("registry.allow", d.Registry.Allow)

	v.SetDefault("log.capacity", d.Log.Capacity)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("bridge.http_addr", d.Bridge.HTTPAddr)
	v.SetDefault("bridge.health_addr", d.Bridge.HealthAddr)
}

// NewViper returns a viper instance with defaults, environment overrides and,
// when present, the config file read in. An empty cfgFile searches ~/.rayz.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		paths, err := GetPaths()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(paths.ConfigDir)
		v.SetConfigName(ConfigFileName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bridge cannot run with
func (c *Config) Validate() error {
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"discovery.browse_interval", c.Discovery.BrowseInterval},
		{"discovery.stale_timeout", c.Discovery.StaleTimeout},
		{"device.handshake_timeout", c.Device.HandshakeTimeout},
		{"device.write_timeout", c.Device.WriteTimeout},
		{"device.ping_interval", c.Device.PingInterval},
		{"device.error_cooldown", c.Device.ErrorCooldown},
		{"device.backoff_min", c.Device.BackoffMin},
		{"device.backoff_max", c.Device.BackoffMax},
		{"registry.settle_delay", c.Registry.SettleDelay},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("config %s must be positive, got %v", d.key, d.d)
		}
	}
	if c.Registry.SendInterval < 0 {
		return fmt.Errorf("config registry.send_interval must not be negative, got %v", c.Registry.SendInterval)
	}
	if c.Device.BackoffMax < c.Device.BackoffMin {
		return fmt.Errorf("config device.backoff_max (%v) is below device.backoff_min (%v)", c.Device.BackoffMax, c.Device.BackoffMin)
	}
	if c.Discovery.StaleTimeout <= c.Discovery.BrowseInterval {
		return fmt.Errorf("config discovery.stale_timeout (%v) must exceed discovery.browse_interval (%v)",
			c.Discovery.StaleTimeout, c.Discovery.BrowseInterval)
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("config device.port %d out of range", c.Device.Port)
	}
	if !strings.HasPrefix(c.Device.Path, "/") {
		return fmt.Errorf("config device.path %q must start with /", c.Device.Path)
	}
	if c.Log.Capacity <= 0 {
		return fmt.Errorf("config log.capacity must be positive, got %d", c.Log.Capacity)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config log.format %q must be text or json", c.Log.Format)
	}
	if c.Discovery.Service == "" {
		return errors.New("config discovery.service is required")
	}
	if _, err := c.AllowList(); err != nil {
		return fmt.Errorf("config registry.allow: %w", err)
	}
	return nil
}

// AllowList parses registry.allow
func (c *Config) AllowList() (*allowlist.List, error) {
	return allowlist.New(c.Registry.Allow)
}

// WriteDefault writes the default configuration to path, refusing to
// overwrite an existing file
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType(ConfigFileType)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
