package tunnel

import (
	"fmt"
	"net"
	"time"

	"github.com/0xmanhnv/sliver-ui/internal/transport"
)

// DerivedURLs computes the connection strings a forward tunnel exposes
// for its bound local port: the plain local endpoint and the DevTools
// front-end URL for the debug-port case. They are opaque strings; nothing
// validates that the forwarded service actually speaks either protocol.
func DerivedURLs(port int) []string {
	return []string{
		fmt.Sprintf("http://127.0.0.1:%d", port),
		fmt.Sprintf("devtools://devtools/bundled/inspector.html?ws=127.0.0.1:%d", port),
	}
}

// awaitForwardReady reads the remote dial outcome for a forward tunnel's
// channel. The peer dials the target as soon as the mode line arrives, so
// the outcome is usually waiting long before the first local connection.
// An unreachable target fails the tunnel.
func (m *Manager) awaitForwardReady(rt *running) {
	defer close(rt.ready)

	rt.channel.SetReadDeadline(time.Now().Add(m.cfg.ConnectTimeout))
	line, err := transport.ReadLine(rt.channel)
	rt.channel.SetReadDeadline(time.Time{})

	if err != nil {
		rt.readyErr = fmt.Errorf("%w: %v", ErrDestinationUnreachable, err)
	} else if line != transport.ReplyOK {
		rt.readyErr = fmt.Errorf("%w: %s", ErrDestinationUnreachable, rt.t.RemoteTarget)
	}

	if rt.readyErr != nil {
		m.failTunnel(rt, rt.readyErr)
	}
}

// serveForwardConn relays the single admitted local connection over the
// tunnel channel. The channel is the tunnel's sole byte path: when the
// relay ends cleanly the tunnel transitions to Closed, and a transport
// error transitions it to Failed instead.
func (m *Manager) serveForwardConn(rt *running, conn net.Conn) {
	defer m.wg.Done()
	defer rt.busy.Store(false)

	<-rt.ready
	if rt.readyErr != nil {
		conn.Close()
		return
	}

	err := relay(rt.t, conn, rt.channel)
	if err != nil {
		m.failTunnel(rt, err)
		return
	}
	m.closeTunnel(rt)
}
