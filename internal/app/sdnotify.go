package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "chirpwatch/internal/runtime/supervisor"
	logx "chirpwatch/pkg/logx"
)

// startSystemd reports readiness and, when the unit sets WatchdogSec,
// pings the watchdog at half the interval. Outside systemd both are no-ops.
func startSystemd(sup *rtsup.Supervisor, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	log.Debug("sd_notify ready sent")

	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}
