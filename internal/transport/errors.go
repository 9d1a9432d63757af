package transport

import "errors"

var (
	ErrNoCredential     = errors.New("transport: no credential available")
	ErrAuthRejected     = errors.New("transport: authentication rejected")
	ErrHandshakeTimeout = errors.New("transport: handshake timed out")
	ErrServerDisconnect = errors.New("transport: disconnected by server")
	ErrConnectionLost   = errors.New("transport: connection lost")
	ErrDisconnected     = errors.New("transport: disconnected during connect")
	ErrProtocol         = errors.New("transport: unexpected frame")
	ErrNoTransport      = errors.New("transport: no transport configured")
)

// terminal errors are not worth retrying without user action
func terminal(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrNoCredential)
}

// IsAuthError reports a failure that reconnecting alone cannot fix
func IsAuthError(err error) bool {
	return terminal(err)
}
