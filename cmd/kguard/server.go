package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/dns"
	"github.com/goodtune/kguard/internal/driver"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/systemd"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start KGuard server",
	Long:  `Start the KGuard server with the periodic scheduler, usage accounting, DNS gate and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting KGuard")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.RealClock{}
	app, err := newCore(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("timezone", cfg.Schedule.Timezone).
		Bool("opa", cfg.Policy.Enabled).
		Msg("Core components initialized")

	go logUsageChanges(ctx, app.engine.Subscribe(ctx), logger)

	// Periodic scheduler and accounting passes
	drv := driver.NewDriver(app.scheduler, app.engine, app.repo, clk, cfg.Cadence(), logger)
	drv.Start(ctx)

	retention, err := usage.NewRetentionScheduler(app.engine, cfg.Retention(), cfg.Usage.DailyResetTime, app.zone, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}
	retention.Start()

	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsConfig := dns.Config{
			ListenAddr:  fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.DNSPort),
			UpstreamDNS: cfg.DNS.UpstreamServers,
			BlockTTL:    cfg.DNS.BlockTTL,
			EnableTCP:   cfg.Server.DNSEnableTCP,
			EnableUDP:   cfg.Server.DNSEnableUDP,
			Timeout:     cfg.UpstreamTimeout(),
		}

		dnsServer, err = dns.NewServer(dnsConfig, app.repo, app.decision, app.activity, clk, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize DNS Server: %w", err)
		}

		if sdListeners.DNSUdp != nil {
			dnsServer.SetPacketConn(sdListeners.DNSUdp)
		}
		if sdListeners.DNSTcp != nil {
			dnsServer.SetListener(sdListeners.DNSTcp)
		}

		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS Server: %w", err)
		}
		go dnsServer.WatchRestrictions(ctx, app.scheduler.Subscribe(ctx))

		logger.Info().
			Str("addr", dnsConfig.ListenAddr).
			Msg("DNS Server started")
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, drv.Health, logger)

	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	logger.Info().Msg("KGuard startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	go systemd.RunWatchdog(ctx, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading configuration...")
		_ = systemd.NotifyReloading()
		if err := reloadServer(app, logger); err != nil {
			logger.Error().Err(err).Msg("Failed to reload configuration")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	drv.Stop()
	retention.Stop()

	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping DNS Server")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	if n := app.engine.PendingEvents(); n > 0 {
		logger.Warn().Int("pending", n).Msg("Usage events not persisted at shutdown")
	}

	logger.Info().Msg("KGuard stopped")

	return nil
}

// reloadServer re-reads the configuration file and applies the settings
// that can change at runtime
func reloadServer(app *core, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := app.reload(cfg); err != nil {
		return err
	}
	logger.Info().Msg("Runtime settings reloaded; listener and storage changes need a restart")
	return nil
}

// logUsageChanges records user-initiated usage transitions
func logUsageChanges(ctx context.Context, changes <-chan usage.UsageChange, logger zerolog.Logger) {
	logger = logger.With().Str("component", "usage-events").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			event := logger.Info()
			if !change.Account.Allowed {
				event = logger.Warn()
			}
			event.
				Str("user", change.UserID).
				Str("device", change.DeviceID).
				Bool("started", change.Started).
				Dur("accounted", change.Account.Accounted).
				Bool("allowed", change.Account.Allowed).
				Msg("Usage changed")
		}
	}
}
