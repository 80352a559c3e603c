package tunnel

import "errors"

// Error taxonomy for tunnel operations. StartTunnel and StopTunnel return
// these synchronously; failures inside a running relay never surface as
// errors, they transition the tunnel to Failed and emit a tunnel.failed
// event instead.
var (
	// ErrSessionUnavailable means the session has no live channel transport.
	ErrSessionUnavailable = errors.New("session transport unavailable")

	// ErrPortInUse means the requested local port is already bound.
	ErrPortInUse = errors.New("local port already in use")

	// ErrChannelOpenFailed means the transport could not open the remote
	// channel.
	ErrChannelOpenFailed = errors.New("remote channel open failed")

	// ErrProtocolViolation means a malformed SOCKS5 exchange.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDestinationUnreachable means the remote side could not reach the
	// requested destination.
	ErrDestinationUnreachable = errors.New("destination unreachable")

	// ErrTunnelNotFound means no tunnel exists for the given id.
	ErrTunnelNotFound = errors.New("tunnel not found")
)
