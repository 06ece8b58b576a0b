package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "livedash/pkg/logx"
)

// notifier speaks the sd_notify protocol. Every call is a no-op when the
// process was not started by systemd (NOTIFY_SOCKET unset).
type notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log:  log,
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *notifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *notifier) ready()     { n.notify(daemon.SdNotifyReady) }
func (n *notifier) reloading() { n.notify(daemon.SdNotifyReloading) }
func (n *notifier) stopping()  { n.notify(daemon.SdNotifyStopping) }

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func (n *notifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
