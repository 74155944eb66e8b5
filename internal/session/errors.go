package session

import (
	"errors"
	"fmt"
)

var (
	// ErrKicked means the server dropped this session because the same
	// identity opened another one. Terminal for this client instance.
	ErrKicked = errors.New("session: kicked, duplicate session detected")

	// ErrNotReady means the handshake has not completed on the current
	// transport.
	ErrNotReady = errors.New("session: connection not authenticated")

	// ErrClosed means the connection was released and removed from the
	// registry.
	ErrClosed = errors.New("session: connection closed")
)

// HandshakeError fails a connection attempt. AuthFatal failures require the
// caller to refresh credentials; retrying with the same token cannot succeed.
type HandshakeError struct {
	Reason    string
	Code      string // server error code, when one was given
	AuthFatal bool
}

func (e *HandshakeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("session: handshake failed (%s): %s", e.Code, e.Reason)
	}
	return "session: handshake failed: " + e.Reason
}

// IsAuthFatal reports whether err is a handshake failure that needs fresh
// credentials rather than a retry.
func IsAuthFatal(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he) && he.AuthFatal
}
