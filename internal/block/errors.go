// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import "errors"

var (
	// ErrNotOpen is returned when a command is enqueued on a connection that is not Open.
	ErrNotOpen = errors.New("connection not open")

	// ErrNotCommandable is returned when a command is enqueued on a connection
	// that cannot carry replies (accepted or subprocess connections).
	ErrNotCommandable = errors.New("connection does not accept outbound commands")

	// ErrClosed resolves commands that were pending when their connection closed.
	ErrClosed = errors.New("connection closed")

	// ErrProtocol marks a malformed or unexpected line.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth marks a failed key exchange.
	ErrAuth = errors.New("authorization failed")

	// ErrTransport marks socket or subprocess I/O failure.
	ErrTransport = errors.New("transport error")

	// ErrTimeout marks a peer presumed dead by the liveness deadline.
	ErrTimeout = errors.New("liveness timeout")

	// ErrLocalClose marks a close requested by this process.
	ErrLocalClose = errors.New("closed locally")

	// ErrUnknownPeer is returned when a peer name is not in the address book.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrSpawn is returned when a worker subprocess cannot be started.
	ErrSpawn = errors.New("spawn failed")

	// ErrStopped is returned by Do after the loop has exited.
	ErrStopped = errors.New("block stopped")
)

// closeReasonLabel maps a close cause to a metrics label.
func closeReasonLabel(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrLocalClose):
		return "local"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
