package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	DNSUdp    net.PacketConn
	DNSTcp    net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners when not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	// false keeps LISTEN_* set so PacketConns below can read them too
	if len(activation.Files(false)) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Names come from FileDescriptorName= in kguard.socket
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if lns, ok := named["dns-tcp"]; ok && len(lns) > 0 {
		listeners.DNSTcp = lns[0]
	}
	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	packetConns, err := activation.PacketConns()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd packet sockets: %w", err)
	}
	for _, pc := range packetConns {
		if pc == nil {
			continue
		}
		if udpAddr, ok := pc.LocalAddr().(*net.UDPAddr); ok && udpAddr.Port == 53 {
			listeners.DNSUdp = pc
		}
	}

	return listeners, nil
}

func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %s: %w", state, err)
	}
	return nil
}

// NotifyReady tells systemd that startup finished
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyStopping tells systemd that shutdown began
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyReloading tells systemd that a configuration reload is running
func NotifyReloading() error {
	return notify(daemon.SdNotifyReloading)
}

// RunWatchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when no watchdog is configured.
func RunWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
		return
	}
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := notify(daemon.SdNotifyWatchdog); err != nil {
				logger.Warn().Err(err).Msg("Watchdog notification failed")
			}
		}
	}
}
