package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Usage    UsageConfig    `mapstructure:"usage_tracking"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	DNSPort      int    `mapstructure:"dns_port"`
	DNSEnableUDP bool   `mapstructure:"dns_enable_udp"`
	DNSEnableTCP bool   `mapstructure:"dns_enable_tcp"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	BindAddress  string `mapstructure:"bind_address"`
}

// DNSConfig defines DNS gate settings
type DNSConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	UpstreamServers []string `mapstructure:"upstream_servers"`
	BlockTTL        uint32   `mapstructure:"block_ttl"`
	UpstreamTimeout string   `mapstructure:"upstream_timeout"`
}

// StorageConfig defines the event log backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis", "bolt" or "sqlite"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ScheduleConfig defines the contingent scheduler settings
type ScheduleConfig struct {
	Timezone        string `mapstructure:"timezone"`
	Cadence         string `mapstructure:"cadence"`
	TimeRestriction bool   `mapstructure:"time_restriction"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	AccountingInterval string `mapstructure:"accounting_interval"`
	InactivityTimeout  string `mapstructure:"inactivity_timeout"`
	RetentionDays      int    `mapstructure:"retention_days"`
	DailyResetTime     string `mapstructure:"daily_reset_time"`
}

// PolicyConfig defines the external restriction policy settings
type PolicyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OPAPolicyDir string `mapstructure:"opa_policy_dir"`
}

// ProfilesConfig defines where devices, users and profiles come from
type ProfilesConfig struct {
	File      string `mapstructure:"file"`
	CacheSize int    `mapstructure:"cache_size"`
	CacheTTL  string `mapstructure:"cache_ttl"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.dns_port", 53)
	v.SetDefault("server.dns_enable_udp", true)
	v.SetDefault("server.dns_enable_tcp", true)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// DNS defaults
	v.SetDefault("dns.enabled", true)
	v.SetDefault("dns.upstream_servers", []string{"8.8.8.8:53", "1.1.1.1:53"})
	v.SetDefault("dns.block_ttl", 60)
	v.SetDefault("dns.upstream_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/kguard/kguard.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Schedule defaults
	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("schedule.cadence", "1m")
	v.SetDefault("schedule.time_restriction", true)

	// Usage tracking defaults
	v.SetDefault("usage_tracking.accounting_interval", "5m")
	v.SetDefault("usage_tracking.inactivity_timeout", "10m")
	v.SetDefault("usage_tracking.retention_days", 30)
	v.SetDefault("usage_tracking.daily_reset_time", "00:00")

	// Policy defaults
	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.opa_policy_dir", "/etc/kguard/policies")

	// Profile defaults
	v.SetDefault("profiles.file", "/etc/kguard/profiles.yaml")
	v.SetDefault("profiles.cache_size", 256)
	v.SetDefault("profiles.cache_ttl", "1m")
}

// Defaults returns the configuration built from default values only
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys returns the keys in the config file that no setting uses
func UnknownKeys(configPath string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(configPath)
	if err := file.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := map[string]bool{"storage.redis.password": true}
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range file.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.DNSPort <= 0 || cfg.Server.DNSPort > 65535 {
		return fmt.Errorf("invalid DNS port: %d", cfg.Server.DNSPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if net.ParseIP(cfg.Server.BindAddress) == nil {
		return fmt.Errorf("invalid bind address: %q", cfg.Server.BindAddress)
	}

	if cfg.DNS.Enabled && len(cfg.DNS.UpstreamServers) == 0 {
		return fmt.Errorf("at least one upstream DNS server is required")
	}

	if _, err := clock.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}

	durations := map[string]string{
		"dns.upstream_timeout":               cfg.DNS.UpstreamTimeout,
		"schedule.cadence":                   cfg.Schedule.Cadence,
		"usage_tracking.accounting_interval": cfg.Usage.AccountingInterval,
		"usage_tracking.inactivity_timeout":  cfg.Usage.InactivityTimeout,
		"profiles.cache_ttl":                 cfg.Profiles.CacheTTL,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if _, err := time.Parse("15:04", cfg.Usage.DailyResetTime); err != nil {
		return fmt.Errorf("invalid usage_tracking.daily_reset_time: %w", err)
	}
	if cfg.Usage.RetentionDays < 1 {
		return fmt.Errorf("usage_tracking.retention_days must be at least 1")
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	if cfg.Profiles.File == "" {
		return fmt.Errorf("profiles.file is required")
	}

	return nil
}

// Durations parsed from a validated Config.

// Cadence returns the scheduler pass interval.
func (c *Config) Cadence() time.Duration { return mustDuration(c.Schedule.Cadence) }

// AccountingInterval returns the charging granularity.
func (c *Config) AccountingInterval() time.Duration {
	return mustDuration(c.Usage.AccountingInterval)
}

// InactivityTimeout returns the idle auto-off threshold.
func (c *Config) InactivityTimeout() time.Duration {
	return mustDuration(c.Usage.InactivityTimeout)
}

// UpstreamTimeout returns the DNS forwarding timeout.
func (c *Config) UpstreamTimeout() time.Duration { return mustDuration(c.DNS.UpstreamTimeout) }

// ProfileCacheTTL returns the repository cache lifetime.
func (c *Config) ProfileCacheTTL() time.Duration { return mustDuration(c.Profiles.CacheTTL) }

// Retention returns how long usage events are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Usage.RetentionDays) * 24 * time.Hour
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
