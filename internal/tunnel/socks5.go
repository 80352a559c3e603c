package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/0xmanhnv/sliver-ui/internal/logutil"
	"github.com/0xmanhnv/sliver-ui/internal/transport"
)

// SOCKS5 wire subset: version 5, no-auth method, CONNECT command only.
const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Reply codes the front end can send.
const (
	repSucceeded           = 0x00
	repGeneralFailure      = 0x01
	repHostUnreachable     = 0x04
	repCommandNotSupported = 0x07
)

// socksHandshakeTimeout bounds the whole client handshake.
const socksHandshakeTimeout = 10 * time.Second

// socksHandshake performs method negotiation and reads the CONNECT request,
// returning the destination as "host:port". On a version byte other than 5
// it returns ErrProtocolViolation without writing anything; the protocol
// requires silence on version mismatch. Other failures reply before
// returning an error; the caller just closes the connection.
func socksHandshake(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(socksHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	// Method negotiation: VER NMETHODS METHODS…
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", fmt.Errorf("%w: read greeting: %v", ErrProtocolViolation, err)
	}
	if head[0] != socksVersion {
		return "", fmt.Errorf("%w: unsupported version %#x", ErrProtocolViolation, head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", fmt.Errorf("%w: read methods: %v", ErrProtocolViolation, err)
	}

	offered := false
	for _, m := range methods {
		if m == methodNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{socksVersion, methodNoAcceptable})
		return "", fmt.Errorf("%w: no acceptable auth method", ErrProtocolViolation)
	}
	if _, err := conn.Write([]byte{socksVersion, methodNoAuth}); err != nil {
		return "", fmt.Errorf("write method selection: %w", err)
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		writeSocksReply(conn, repGeneralFailure)
		return "", fmt.Errorf("%w: read request: %v", ErrProtocolViolation, err)
	}
	if req[0] != socksVersion {
		writeSocksReply(conn, repGeneralFailure)
		return "", fmt.Errorf("%w: bad request version %#x", ErrProtocolViolation, req[0])
	}
	if req[1] != cmdConnect {
		writeSocksReply(conn, repCommandNotSupported)
		return "", fmt.Errorf("%w: unsupported command %#x", ErrProtocolViolation, req[1])
	}

	var host string
	switch req[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			writeSocksReply(conn, repGeneralFailure)
			return "", fmt.Errorf("%w: read ipv4 address: %v", ErrProtocolViolation, err)
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			writeSocksReply(conn, repGeneralFailure)
			return "", fmt.Errorf("%w: read ipv6 address: %v", ErrProtocolViolation, err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		length := make([]byte, 1)
		if _, err := io.ReadFull(conn, length); err != nil {
			writeSocksReply(conn, repGeneralFailure)
			return "", fmt.Errorf("%w: read domain length: %v", ErrProtocolViolation, err)
		}
		name := make([]byte, length[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			writeSocksReply(conn, repGeneralFailure)
			return "", fmt.Errorf("%w: read domain: %v", ErrProtocolViolation, err)
		}
		host = string(name)
	default:
		writeSocksReply(conn, repGeneralFailure)
		return "", fmt.Errorf("%w: unknown address type %#x", ErrProtocolViolation, req[3])
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		writeSocksReply(conn, repGeneralFailure)
		return "", fmt.Errorf("%w: read port: %v", ErrProtocolViolation, err)
	}
	port := binary.BigEndian.Uint16(portBytes)

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// writeSocksReply sends a reply with a zero IPv4 bind address; the front
// end never exposes a meaningful bind endpoint.
func writeSocksReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// serveSocksConn turns one accepted local connection into a sub-stream
// multiplexed over the tunnel channel. Sub-stream teardown never touches
// sibling sub-streams or the parent tunnel; only a dead parent channel
// fails the tunnel.
func (m *Manager) serveSocksConn(rt *running, conn net.Conn) {
	defer m.wg.Done()

	dest, err := socksHandshake(conn)
	if err != nil {
		conn.Close()
		log.Printf("[tunnel] tunnel %s: socks handshake rejected: %v", rt.t.ID, logutil.SanitizeForLog(err.Error()))
		return
	}

	stream, err := rt.mux.Open()
	if err != nil {
		writeSocksReply(conn, repGeneralFailure)
		conn.Close()
		m.failTunnel(rt, fmt.Errorf("open sub-stream: %w", err))
		return
	}

	if err := transport.WriteHeader(stream, transport.SubStreamConnect, dest); err != nil {
		writeSocksReply(conn, repGeneralFailure)
		stream.Close()
		conn.Close()
		m.failTunnel(rt, err)
		return
	}

	// The remote side reports its dial outcome as a single line.
	stream.SetReadDeadline(time.Now().Add(m.cfg.ConnectTimeout))
	line, err := transport.ReadLine(stream)
	stream.SetReadDeadline(time.Time{})
	if err != nil || line != transport.ReplyOK {
		if err == nil || isTimeout(err) {
			writeSocksReply(conn, repHostUnreachable)
		} else {
			writeSocksReply(conn, repGeneralFailure)
		}
		stream.Close()
		conn.Close()
		return
	}

	if err := writeSocksReply(conn, repSucceeded); err != nil {
		stream.Close()
		conn.Close()
		return
	}

	relay(rt.t, conn, stream)
}

// isTimeout reports whether the error is a deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
