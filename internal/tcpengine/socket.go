package tcpengine

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// socket is the interface a Connection relays payload through. The
// production implementation (fdSocket, below) is a thin wrapper over a
// raw non-blocking-then-blocking fd rather than a *net.Conn: the event
// loop drives readiness for this fd itself through its own poll set,
// so ownership of read/write timing belongs to the engine, not the Go
// runtime's netpoller. Tests substitute a fake.
type socket interface {
	SOError() error
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	Close() error
	Fd() int
	LocalPort() uint16
}

// fdSocket is the production socket implementation.
type fdSocket struct {
	fd        int
	localPort uint16
}

// openOutbound creates a stream socket, invokes protect, issues a
// non-blocking connect, restores blocking mode, and records the
// ephemeral local port. Success or "connect in progress" are both
// accepted; any other error closes the socket and returns it as the
// Connection-aborting error.
func openOutbound(serverAddr net.IP, serverPort uint16, protect func(fd int) bool) (socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("tcpengine: socket: %w", err)
	}

	// Step 2: invoke protect. Failure is logged by the caller's
	// capability implementation and never aborts the open.
	func() {
		defer func() { recover() }() // the callback must never crash the engine
		protect(fd)
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpengine: set nonblock: %w", err)
	}

	addr4 := serverAddr.To4()
	if addr4 == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpengine: server address %s is not IPv4", serverAddr)
	}
	sa := &unix.SockaddrInet4{Port: int(serverPort)}
	copy(sa.Addr[:], addr4)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpengine: connect: %w", err)
	}

	// Step 4: restore blocking mode; the multiplexer alone detects
	// connect completion via writability from here on.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcpengine: restore blocking: %w", err)
	}

	localSA, err := unix.Getsockname(fd)
	var localPort uint16
	if err == nil {
		if in4, ok := localSA.(*unix.SockaddrInet4); ok {
			localPort = uint16(in4.Port)
		}
	}

	return &fdSocket{fd: fd, localPort: localPort}, nil
}

// SOError returns the socket's pending error (SO_ERROR), or nil.
func (s *fdSocket) SOError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Read reads up to len(buf) bytes. n==0 means the peer closed cleanly.
func (s *fdSocket) Read(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

// Write sends data. This is a synchronous call on the event-loop
// goroutine: a slow outbound peer is a known head-of-line-blocking
// hazard against every other flow.
func (s *fdSocket) Write(data []byte) (int, error) {
	return unix.Write(s.fd, data)
}

// Close closes the underlying fd.
func (s *fdSocket) Close() error {
	return unix.Close(s.fd)
}

// Fd returns the raw file descriptor for the event loop's poll set.
func (s *fdSocket) Fd() int {
	return s.fd
}

// LocalPort returns the ephemeral port the kernel assigned the
// outbound socket.
func (s *fdSocket) LocalPort() uint16 {
	return s.localPort
}
