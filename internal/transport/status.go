package transport

import (
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

// Status of the event channel.
//
//	idle → connecting → connected → disconnected → reconnecting → connected
//	                                             ↘ failed (manual reconnect)
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
	StatusError        Status = "error"
)

// Disconnect reasons
const (
	ReasonServerDisconnect = models.DisconnectReasonServer
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
)

// StatusEvent is one transition of the status stream
type StatusEvent struct {
	Status    Status
	Attempt   int    // reconnect attempt, for StatusReconnecting
	Reason    string // for StatusDisconnected
	Transport string // for StatusConnected
	Err       error
}

// ServerInitiated reports a disconnect the server asked for
func (e StatusEvent) ServerInitiated() bool {
	return e.Status == StatusDisconnected && e.Reason == ReasonServerDisconnect
}

// Connection is a snapshot of the channel state
type Connection struct {
	Connected         bool
	LastConnected     time.Time // zero when never connected
	ReconnectAttempts int
	LastError         error
	Transport         string
	User              models.AuthOK
}
