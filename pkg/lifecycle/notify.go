package lifecycle

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/psantana5/sandboxd/pkg/logging"
)

// Notifier forwards lifecycle milestones to a host supervisor
type Notifier interface {
	Ready()
	Stopping()
	Status(msg string)
}

// NopNotifier discards notifications
type NopNotifier struct{}

func (NopNotifier) Ready()        {}
func (NopNotifier) Stopping()     {}
func (NopNotifier) Status(string) {}

// SystemdNotifier speaks the sd_notify protocol over $NOTIFY_SOCKET. Without
// a socket every call is a no-op.
type SystemdNotifier struct {
	Logger *logging.Logger
}

func (n SystemdNotifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

func (n SystemdNotifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

func (n SystemdNotifier) Status(msg string) {
	n.send("STATUS=" + msg)
}

func (n SystemdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if n.Logger == nil {
		return
	}
	if err != nil {
		n.Logger.Warn("sd_notify failed", map[string]interface{}{"state": state, "error": err.Error()})
		return
	}
	if sent {
		n.Logger.Debug("sd_notify sent", map[string]interface{}{"state": state})
	}
}
