package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned when operation is attempted on closed transport
	ErrClosed = errors.New("transport closed")

	// ErrNotListening is returned by Send before Listen succeeded
	ErrNotListening = errors.New("transport not listening")

	// ErrUnsupportedNetwork is returned by New for unknown networks
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrNoTLSConfig is returned when a TLS transport has no certificates
	ErrNoTLSConfig = errors.New("tls config required")
)

// Error is a socket level failure: bind, dial, send.
type Error struct {
	Op        string
	Network   string
	Addr      string
	Err       error
	Temporary bool
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Network, e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Network, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// isTemporary checks if error is temporary and operation can be retried
func isTemporary(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
