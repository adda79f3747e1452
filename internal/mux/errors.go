package mux

import "github.com/pkg/errors"

// Caller-visible error kinds. Every other failure (decode errors, send-to
// failures, unknown-cid datagrams, expired SYNs) is handled locally with
// logging and never reaches a caller.
var (
	// ErrNotConnected is returned when a request is submitted after the
	// event loop has already exited.
	ErrNotConnected = errors.New("mux: not connected")
	// ErrTimedOut is returned when an accept_with_cid parks longer than
	// the configured await timeout, or when an accepted Stream's session
	// does not come up within the stream connect timeout.
	ErrTimedOut = errors.New("mux: timed out")
	// ErrConnectionAborted is returned when a Stream's handshake fails
	// without producing a usable session.
	ErrConnectionAborted = errors.New("mux: connection aborted")
	// ErrConnectionIdUnavailable is returned when a caller-supplied or
	// acceptor-matched cid is already present in the connection registry.
	ErrConnectionIdUnavailable = errors.New("mux: connection id unavailable")
)
