package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobsched/pkg/logx"
)

// sdNotify sends state to systemd. Outside a Type=notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// sdWatchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns at once when the unit has no WatchdogSec.
func sdWatchdog(ctx context.Context, log logx.Logger) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog unavailable", logx.Err(err))
		return nil
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	log.Info("systemd watchdog enabled", logx.Duration("ping_every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
