package collab

import (
	"context"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/notify"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

// Reconnector is a Transport that can be reconnected on request
type Reconnector interface {
	OnConnectionStatusChange(fn func(transport.StatusEvent)) func()
	Reconnect(ctx context.Context) error
}

// reconnectTimeout bounds a reconnect started from a notification action
const reconnectTimeout = 30 * time.Second

// WatchConnection turns event channel transitions into notifications. It is
// installed once by the application shell, not per session.
func WatchConnection(t Reconnector, n notify.Notifier) func() {
	if n == nil {
		n = notify.Discard
	}
	reconnect := &notify.Action{
		Label: "Reconnect",
		Run: func() {
			ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
			defer cancel()
			_ = t.Reconnect(ctx)
		},
	}

	dropped := false
	first := true
	return t.OnConnectionStatusChange(func(ev transport.StatusEvent) {
		if first {
			// current status, not a transition
			first = false
			return
		}
		switch ev.Status {
		case transport.StatusConnected:
			if dropped {
				dropped = false
				n.Notify(notify.Notification{Level: notify.LevelSuccess, Title: "Reconnected"})
			}
		case transport.StatusDisconnected:
			if ev.Reason == transport.ReasonClientDisconnect {
				return
			}
			dropped = true
			if ev.ServerInitiated() {
				n.Notify(notify.Notification{
					Level:   notify.LevelWarning,
					Title:   "Disconnected",
					Message: "You were disconnected by the server.",
					Action:  reconnect,
				})
				return
			}
			n.Notify(notify.Notification{
				Level:   notify.LevelWarning,
				Title:   "Connection lost",
				Message: "Trying to reconnect...",
			})
		case transport.StatusFailed:
			dropped = true
			n.Notify(notify.Notification{
				Level:   notify.LevelError,
				Title:   "Could not reconnect",
				Message: "Automatic reconnection gave up.",
				Action:  reconnect,
			})
		case transport.StatusError:
			msg := "Could not connect to the collaboration server."
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			note := notify.Notification{Level: notify.LevelError, Title: "Connection failed", Message: msg}
			if !transport.IsAuthError(ev.Err) {
				note.Action = reconnect
			}
			n.Notify(note)
		}
	})
}
