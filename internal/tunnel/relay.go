package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"
)

// relayBufSize is the per-direction copy buffer. io.CopyBuffer gives the
// flow control the relay needs: a backlogged write side stops further
// reads from the upstream until the write drains.
const relayBufSize = 32 * 1024

// relay copies bytes between the local socket and the remote channel, one
// goroutine per direction so a stall in one direction never blocks the
// other. It returns when either side closes, after tearing both down, and
// reports the first error that was not a normal close. Transfer totals are
// accumulated on the tunnel: remote→local as BytesIn, local→remote as
// BytesOut.
func relay(t *Tunnel, local, remote net.Conn) error {
	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)

	record := func(err error) {
		if err == nil || isClosedErr(err) {
			return
		}
		once.Do(func() { firstErr = err })
	}

	cp := func(dst, src net.Conn, in bool) {
		defer wg.Done()
		buf := make([]byte, relayBufSize)
		n, err := io.CopyBuffer(dst, src, buf)
		if in {
			t.addBytes(n, 0)
		} else {
			t.addBytes(0, n)
		}
		record(err)
		// Unblock the opposite direction.
		local.Close()
		remote.Close()
	}

	wg.Add(2)
	go cp(local, remote, true)
	go cp(remote, local, false)
	wg.Wait()

	return firstErr
}

// isClosedErr reports whether the error is an ordinary teardown artifact
// (EOF or a closed socket) rather than a transport failure.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
