package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/config"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Start or stop usage time for a device's user",
	Long: `Record a usage transition in the event log. With the bolt or sqlite backends
the server holds the database open, so run these while it is stopped; with redis
the server picks the transition up on its next restart.`,
}

var usageStartCmd = &cobra.Command{
	Use:   "start DEVICE",
	Short: "Start usage time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUsage(args[0], true)
	},
}

var usageStopCmd = &cobra.Command{
	Use:   "stop DEVICE",
	Short: "Stop usage time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUsage(args[0], false)
	},
}

func init() {
	usageCmd.AddCommand(usageStartCmd)
	usageCmd.AddCommand(usageStopCmd)
	rootCmd.AddCommand(usageCmd)
}

func runUsage(deviceID string, start bool) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := newCore(ctx, cfg, clock.RealClock{}, quietLogger())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	if !start {
		if err := app.engine.StopUsage(ctx, deviceID); err != nil {
			return fmt.Errorf("failed to stop usage: %w", err)
		}
		_, _ = green.Printf("Usage stopped for %s\n", deviceID)
		return nil
	}

	allowed, err := app.engine.StartUsage(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to start usage: %w", err)
	}
	if !allowed {
		_, _ = red.Printf("Usage started for %s, but today's quota is used up\n", deviceID)
		return nil
	}
	_, _ = green.Printf("Usage started for %s\n", deviceID)
	return nil
}
