// Package splice copies bytes between two established TCP connections
// in both directions with graceful half-close (spec component 4.D).
// Grounded on the teacher's internal/portforward.copy and its
// bidirectional-copy goroutine pair in handleConnection, split out
// into its own package since the forwarder no longer owns the copy
// loop directly.
package splice

import (
	"io"
	"net"
)

// BufferSize is the per-direction copy buffer, fixed by the spec.
const BufferSize = 32 * 1024

// halfCloser is satisfied by *net.TCPConn and *tls.Conn; used so
// splice can shut down the write half without fully closing the
// connection.
type halfCloser interface {
	CloseWrite() error
}

// Copy splices bytes between client and target until both directions
// have seen EOF or one side errors. When the client->target direction
// hits EOF, target's write half is shut down but target->client
// keeps draining until target itself closes. The outcome is never
// surfaced to callers; Copy only returns once both goroutines have
// exited, so the caller can safely close both conns afterward.
func Copy(client, target net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, BufferSize)
		io.CopyBuffer(target, client, buf)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, BufferSize)
		io.CopyBuffer(client, target, buf)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	<-done
	<-done
}
