package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/policy/opa"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/spf13/cobra"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and profiles files",
	Long:  `Validate the KGuard configuration file, the profiles file it points to and any OPA policies.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	catalog, err := profile.LoadFile(cfg.Profiles.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Profiles validation failed: %v\n", err)
		return err
	}

	if cfg.Policy.Enabled {
		if _, err := opa.NewEngine(cfg.Policy.OPAPolicyDir, quietLogger()); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Policy validation failed: %v\n", err)
			return err
		}
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)
	_, _ = fmt.Fprintf(os.Stdout, "✅ Profiles are valid: %s (%d devices, %d users, %d profiles)\n",
		cfg.Profiles.File, len(catalog.Devices), len(catalog.Users), len(catalog.Profiles))

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
		dumpCatalog(catalog)
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  dns_port", cfg.Server.DNSPort, defaultCfg.Server.DNSPort, yellow, green)
	dumpField("  dns_enable_udp", cfg.Server.DNSEnableUDP, defaultCfg.Server.DNSEnableUDP, yellow, green)
	dumpField("  dns_enable_tcp", cfg.Server.DNSEnableTCP, defaultCfg.Server.DNSEnableTCP, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)

	_, _ = cyan.Println("\n[dns]")
	dumpField("  enabled", cfg.DNS.Enabled, defaultCfg.DNS.Enabled, yellow, green)
	dumpField("  upstream_servers", cfg.DNS.UpstreamServers, defaultCfg.DNS.UpstreamServers, yellow, green)
	dumpField("  block_ttl", cfg.DNS.BlockTTL, defaultCfg.DNS.BlockTTL, yellow, green)
	dumpField("  upstream_timeout", cfg.DNS.UpstreamTimeout, defaultCfg.DNS.UpstreamTimeout, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[schedule]")
	dumpField("  timezone", cfg.Schedule.Timezone, defaultCfg.Schedule.Timezone, yellow, green)
	dumpField("  cadence", cfg.Schedule.Cadence, defaultCfg.Schedule.Cadence, yellow, green)
	dumpField("  time_restriction", cfg.Schedule.TimeRestriction, defaultCfg.Schedule.TimeRestriction, yellow, green)

	_, _ = cyan.Println("\n[usage_tracking]")
	dumpField("  accounting_interval", cfg.Usage.AccountingInterval, defaultCfg.Usage.AccountingInterval, yellow, green)
	dumpField("  inactivity_timeout", cfg.Usage.InactivityTimeout, defaultCfg.Usage.InactivityTimeout, yellow, green)
	dumpField("  retention_days", cfg.Usage.RetentionDays, defaultCfg.Usage.RetentionDays, yellow, green)
	dumpField("  daily_reset_time", cfg.Usage.DailyResetTime, defaultCfg.Usage.DailyResetTime, yellow, green)

	_, _ = cyan.Println("\n[policy]")
	dumpField("  enabled", cfg.Policy.Enabled, defaultCfg.Policy.Enabled, yellow, green)
	dumpField("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir, yellow, green)

	_, _ = cyan.Println("\n[profiles]")
	dumpField("  file", cfg.Profiles.File, defaultCfg.Profiles.File, yellow, green)
	dumpField("  cache_size", cfg.Profiles.CacheSize, defaultCfg.Profiles.CacheSize, yellow, green)
	dumpField("  cache_ttl", cfg.Profiles.CacheTTL, defaultCfg.Profiles.CacheTTL, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpCatalog lists profiles with their contingents and quotas
func dumpCatalog(catalog profile.Catalog) {
	cyan := color.New(color.FgCyan, color.Bold)

	for _, p := range catalog.Profiles {
		_, _ = cyan.Printf("\n[profile %s]\n", p.ID)
		fmt.Printf("  time_restriction = %v\n", p.ControlmodeTime)
		fmt.Printf("  max_usage        = %v\n", p.ControlmodeMaxUsage)
		for _, c := range p.Contingents {
			fmt.Printf("  contingent       = %s\n", c)
		}
		for day := 0; day < 7; day++ {
			if minutes, ok := p.MaxUsageMinutes[time.Weekday(day)]; ok {
				fmt.Printf("  quota %-10s = %dm\n", time.Weekday(day), minutes)
			}
		}
	}
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
