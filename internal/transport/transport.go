// Package transport provides the channel transport the tunnel and event
// layers are built on: a yamux session multiplexed over a single
// authenticated WebSocket per remote session. Each yamux stream begins with
// a one-line header (e.g. "tunnel <id>\n") that the remote router uses to
// dispatch the stream; the tunnel/event core never interprets the session
// protocol beyond that.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
)

// Stream header verbs. The argument, when present, is separated by a
// single space and the line is terminated by '\n'.
const (
	HeaderTunnel = "tunnel"
	HeaderEvents = "events"
	HeaderPing   = "ping"
)

// Reply lines used by line-oriented sub-protocols on top of a stream.
const (
	ReplyOK          = "ok"
	ReplyUnreachable = "unreachable"
	ReplyPong        = "pong"
)

// maxHeaderLen bounds the channel header so a misbehaving peer cannot make
// the router buffer arbitrarily.
const maxHeaderLen = 256

// ChannelTransport is the per-session collaborator contract: it opens byte
// stream channels to the remote endpoint and surfaces the domain events the
// endpoint pushes.
type ChannelTransport interface {
	// Open opens a channel for the given tunnel id. The returned conn is
	// the tunnel's remote byte path.
	Open(ctx context.Context, tunnelID string) (net.Conn, error)

	// CloseChannel closes the channel previously opened for the tunnel id.
	// Closing an unknown or already-closed channel is a no-op.
	CloseChannel(tunnelID string) error

	// Connected reports whether the underlying session is usable.
	Connected() bool

	// Events returns the stream of domain events pushed by the remote
	// endpoint. The channel is closed when the session dies.
	Events() <-chan eventbus.Event

	// Close tears the whole session down.
	Close() error
}

// WriteHeader writes a stream header line ("verb\n" or "verb arg\n").
func WriteHeader(w io.Writer, verb, arg string) error {
	line := verb
	if arg != "" {
		line += " " + arg
	}
	if _, err := w.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write stream header %q: %w", verb, err)
	}
	return nil
}

// ReadLine reads a newline-terminated line one byte at a time, so nothing
// past the line is consumed from the stream.
func ReadLine(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxHeaderLen {
			return "", errors.New("stream header exceeds maximum length")
		}
	}
}
