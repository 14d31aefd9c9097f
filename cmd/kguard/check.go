package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/access"
	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/spf13/cobra"
)

var (
	checkDay  string
	checkTime string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check access decisions interactively",
	Long:  `Check what KGuard would decide for a device or report a user's usage for today.`,
}

var checkDeviceCmd = &cobra.Command{
	Use:   "device [flags] DEVICE",
	Short: "Check whether a device may access the network",
	Example: `  kguard -c config.yaml check device tablet
  kguard check device tablet --day saturday --time 18:30`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckDevice,
}

var checkUsageCmd = &cobra.Command{
	Use:     "usage USER",
	Short:   "Show today's usage account for a user",
	Example: `  kguard check usage alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckUsage,
}

func init() {
	checkDeviceCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkDeviceCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")

	checkCmd.AddCommand(checkDeviceCmd)
	checkCmd.AddCommand(checkUsageCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckDevice(cmd *cobra.Command, args []string) error {
	deviceID := args[0]
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	loc, err := clock.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}
	at, err := parseCheckTime(checkDay, checkTime, time.Now().In(loc))
	if err != nil {
		return err
	}

	app, err := newCore(ctx, cfg, clock.NewTestClock(at), quietLogger())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	device, err := app.repo.Device(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("unknown device %s: %w", deviceID, err)
	}

	if err := app.scheduler.Update(ctx, at); err != nil {
		return fmt.Errorf("schedule evaluation failed: %w", err)
	}

	restrictions := app.decision.Restrictions(ctx, deviceID)
	printDeviceResult(device, at, restrictions)

	return nil
}

func runCheckUsage(cmd *cobra.Command, args []string) error {
	userID := args[0]
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	now := time.Now()
	app, err := newCore(ctx, cfg, clock.RealClock{}, quietLogger())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if _, err := app.repo.User(ctx, userID); err != nil {
		return fmt.Errorf("unknown user %s: %w", userID, err)
	}
	loc, err := app.zone.Location()
	if err != nil {
		return err
	}

	p, err := app.repo.UserProfile(ctx, userID)
	if err != nil {
		p = nil
	}
	quota, limited := p.DailyQuota(now.In(loc).Weekday())

	printUsageResult(app.engine.Account(userID), quota, limited, now.In(loc))
	return nil
}

func printDeviceResult(device *profile.Device, at time.Time, restrictions access.RestrictionSet) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Println("\nAccess Decision")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Device:     %s\n", device.ID)
	if device.UserID != "" {
		fmt.Printf("User:       %s\n", device.UserID)
	} else {
		fmt.Printf("User:       (none)\n")
	}
	fmt.Printf("Check Time: %s (%s)\n", at.Format("2006-01-02 15:04 MST"), at.Weekday())
	fmt.Println(strings.Repeat("-", 50))

	fmt.Print("Access:     ")
	if len(restrictions) == 0 {
		_, _ = green.Println("PERMITTED")
		return
	}
	_, _ = red.Println("DENIED")
	fmt.Printf("Reasons:    %s\n", strings.Join(restrictions.Strings(), ", "))
}

func printUsageResult(acc usage.Account, quota time.Duration, limited bool, now time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("\nUsage Account")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("User:       %s\n", acc.UserID)
	fmt.Printf("Date:       %s (%s)\n", now.Format("2006-01-02"), now.Weekday())
	fmt.Printf("Accounted:  %s\n", acc.Accounted)
	fmt.Printf("Used:       %s\n", acc.Used)

	fmt.Print("Session:    ")
	if acc.Active {
		_, _ = yellow.Printf("running since %s\n", acc.SessionStart.In(now.Location()).Format("15:04"))
	} else {
		fmt.Println("stopped")
	}

	if !limited {
		fmt.Println("Quota:      unlimited")
	} else {
		fmt.Printf("Quota:      %s (remaining %s)\n", quota, acc.Remaining(quota))
	}

	fmt.Print("Allowed:    ")
	if acc.Allowed {
		_, _ = green.Println("YES")
	} else {
		_, _ = red.Println("NO (quota used up)")
	}
}

// parseCheckTime resolves day and time flags relative to now, in now's location
func parseCheckTime(dayStr, timeStr string, now time.Time) (time.Time, error) {
	minute := now.Hour()*60 + now.Minute()
	if timeStr != "" {
		m, err := profile.ParseMinute(timeStr)
		if err != nil || m >= 24*60 {
			return time.Time{}, fmt.Errorf("invalid time %q: must be HH:MM", timeStr)
		}
		minute = m
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		day, ok := weekdays[strings.ToLower(dayStr)]
		if !ok {
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
		targetDay = day
	}

	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	target := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(target.Year(), target.Month(), target.Day(), minute/60, minute%60, 0, 0, now.Location()), nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}
