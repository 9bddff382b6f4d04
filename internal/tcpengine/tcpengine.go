// Package tcpengine implements the per-flow TCP termination state
// machine: it impersonates the remote peer toward the tun while
// re-originating accepted bytes on a real outbound socket. It never
// forwards a TCP segment end-to-end.
package tcpengine

import (
	"fmt"
	"net"
	"time"

	"github.com/qnet/tunwall/internal/checksum"
	"github.com/sirupsen/logrus"
)

// TCP flag bits, matching the on-wire layout of checksum.TCPHeader.Flags.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// State is a Connection's position in the termination state machine.
type State int

const (
	StateSynRecv State = iota
	StateSynSent
	StateEstablished
	StateLastAck
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynRecv:
		return "SYN_RECV"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Segment is the subset of a decoded IPv4 TCP packet the flow engine
// needs; it is produced by the packet decoder and is otherwise
// independent of that package to avoid an import cycle.
type Segment struct {
	ClientAddr net.IP
	ClientPort uint16
	ServerAddr net.IP
	ServerPort uint16
	Seq        uint32
	Ack        uint32
	Flags      uint8
	Payload    []byte
}

// connKey identifies a Connection by its tun-side 4-tuple client half:
// at most one Connection exists per (client_addr, client_port).
type connKey struct {
	addr [4]byte
	port uint16
}

func keyOf(addr net.IP, port uint16) connKey {
	var k connKey
	copy(k.addr[:], addr.To4())
	k.port = port
	return k
}

// Connection is one observed client 4-tuple on the tun side.
type Connection struct {
	ClientAddr net.IP
	ClientPort uint16
	ServerAddr net.IP
	ServerPort uint16

	RemoteSeq uint32
	LocalSeq  uint32
	State     State

	socket    socket
	LocalPort uint16

	// PendingOut is reserved for future retransmission; the current
	// design never reads or writes it.
	PendingOut [][]byte

	LastActivity time.Time

	key connKey
}

// Fd returns the outbound socket's file descriptor, or -1 if none is
// open yet.
func (c *Connection) Fd() int {
	if c.socket == nil {
		return -1
	}
	return c.socket.Fd()
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s:%d<-%s:%d [%s]", c.ServerAddr, c.ServerPort, c.ClientAddr, c.ClientPort, c.State)
}

// Engine owns the connection table and runs the state machine. It is
// driven exclusively by the single event-loop goroutine; it holds no
// locks.
type Engine struct {
	byKey map[connKey]*Connection
	order []*Connection

	isn     *ISNGenerator
	protect func(fd int) bool
	log     *logrus.Entry

	// dial opens the outbound socket for a new flow. It defaults to
	// openOutbound; tests substitute a fake so the state machine can be
	// exercised without real syscalls.
	dial func(serverAddr net.IP, serverPort uint16, protect func(fd int) bool) (socket, error)
}

// New creates an Engine. protect is invoked once per newly opened
// outbound socket, right after it is created and before it connects.
func New(protect func(fd int) bool, log *logrus.Entry) (*Engine, error) {
	isn, err := NewISNGenerator()
	if err != nil {
		return nil, fmt.Errorf("tcpengine: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		byKey:   make(map[connKey]*Connection),
		isn:     isn,
		protect: protect,
		log:     log,
		dial:    openOutbound,
	}, nil
}

// Connections returns every live Connection in stable (insertion)
// order, for the event loop's sweep and readiness-set construction.
func (e *Engine) Connections() []*Connection {
	return e.order
}

func (e *Engine) insert(c *Connection) {
	e.byKey[c.key] = c
	e.order = append(e.order, c)
}

// seqLess reports whether a precedes b using 32-bit modular
// comparison ((a - b) seen as signed 32-bit), so sequence numbers
// compare correctly across wraparound.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// Ingress processes one decoded IPv4 TCP segment arriving from the
// tun. It returns zero or one synthesized segment to write back to
// the tun.
func (e *Engine) Ingress(seg Segment) (toTun []byte) {
	key := keyOf(seg.ClientAddr, seg.ClientPort)
	conn, exists := e.byKey[key]

	if !exists {
		if seg.Flags&FlagSYN != 0 {
			e.createConnection(key, seg)
			return nil
		}
		e.log.WithFields(logrus.Fields{"client": seg.ClientAddr, "port": seg.ClientPort}).
			Warn("tcpengine: segment for unknown flow without SYN, dropping")
		return nil
	}

	if seg.Flags&FlagSYN != 0 {
		e.log.WithField("conn", conn.String()).Debug("tcpengine: duplicate SYN, ignoring")
		return nil
	}

	if seg.Flags&FlagRST != 0 {
		conn.State = StateClosed
		conn.LastActivity = time.Now()
		e.log.WithField("conn", conn.String()).Warn("tcpengine: RST from tun, closing")
		return nil
	}

	if seg.Flags&FlagFIN != 0 {
		if conn.State != StateEstablished {
			e.log.WithField("conn", conn.String()).Warn("tcpengine: FIN outside ESTABLISHED, ignoring")
			return nil
		}
		conn.LastActivity = time.Now()
		out := conn.buildSegment(conn.LocalSeq, conn.RemoteSeq+1, FlagACK|FlagFIN, nil)
		conn.LocalSeq++
		conn.RemoteSeq++
		conn.State = StateLastAck
		return out
	}

	if seg.Flags&FlagACK != 0 {
		return e.handleAck(conn, seg)
	}

	e.log.WithField("conn", conn.String()).Warn("tcpengine: segment with no recognized flags, dropping")
	return nil
}

func (e *Engine) createConnection(key connKey, seg Segment) {
	isn := e.isn.ISN(seg.ClientAddr, seg.ClientPort, seg.ServerAddr, seg.ServerPort)
	conn := &Connection{
		ClientAddr:   seg.ClientAddr,
		ClientPort:   seg.ClientPort,
		ServerAddr:   seg.ServerAddr,
		ServerPort:   seg.ServerPort,
		RemoteSeq:    seg.Seq,
		LocalSeq:     isn,
		State:        StateSynRecv,
		LastActivity: time.Now(),
		key:          key,
	}

	sock, err := e.dial(seg.ServerAddr, seg.ServerPort, e.protect)
	if err != nil {
		e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).
			Warn("tcpengine: outbound connect failed, dropping SYN")
		return
	}
	conn.socket = sock
	conn.LocalPort = sock.LocalPort()

	e.insert(conn)
	e.log.WithField("conn", conn.String()).Debug("tcpengine: flow created, connecting outbound")
}

func (e *Engine) handleAck(conn *Connection, seg Segment) []byte {
	switch conn.State {
	case StateSynRecv:
		e.log.WithField("conn", conn.String()).Warn("tcpengine: ACK before connect completed, ignoring")
		return nil

	case StateSynSent:
		if seg.Ack == conn.LocalSeq+1 && !seqLess(seg.Seq, conn.RemoteSeq+1) {
			conn.LocalSeq++
			conn.RemoteSeq++
			conn.State = StateEstablished
			conn.LastActivity = time.Now()
			e.log.WithField("conn", conn.String()).Debug("tcpengine: handshake complete")
			return nil
		}
		e.log.WithField("conn", conn.String()).Warn("tcpengine: unexpected ACK in SYN_SENT, ignoring")
		return nil

	case StateEstablished:
		conn.LastActivity = time.Now()
		if seg.Seq+1 == conn.RemoteSeq {
			// Keep-alive; no acknowledgment required by this design.
			return nil
		}
		if seqLess(seg.Seq, conn.RemoteSeq) {
			// Already-processed ACK.
			return nil
		}
		if len(seg.Payload) == 0 {
			return nil
		}
		if _, err := conn.socket.Write(seg.Payload); err != nil {
			e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).
				Warn("tcpengine: send to outbound socket failed, data dropped")
			return nil
		}
		out := conn.buildSegment(conn.LocalSeq, conn.RemoteSeq+uint32(len(seg.Payload)), FlagACK, nil)
		conn.RemoteSeq += uint32(len(seg.Payload))
		return out

	case StateLastAck:
		conn.State = StateClosed
		conn.LastActivity = time.Now()
		e.log.WithField("conn", conn.String()).Debug("tcpengine: closed")
		return nil

	default:
		return nil
	}
}

// OnWritable handles writable readiness for a Connection in SYN_RECV:
// the outbound connect has completed. tunWrite performs the actual
// tun write; its result drives the transition.
func (e *Engine) OnWritable(conn *Connection, tunWrite func([]byte) error) {
	if conn.State != StateSynRecv {
		return
	}
	if err := conn.socket.SOError(); err != nil {
		conn.State = StateClosed
		e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).Warn("tcpengine: connect failed")
		return
	}

	seg := conn.buildSegment(conn.LocalSeq, conn.RemoteSeq+1, FlagSYN|FlagACK, nil)
	if err := tunWrite(seg); err != nil {
		conn.State = StateClosed
		e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).Warn("tcpengine: SYN+ACK tun write failed")
		return
	}
	conn.State = StateSynSent
	conn.LastActivity = time.Now()
	e.log.WithField("conn", conn.String()).Debug("tcpengine: SYN+ACK sent")
}

// OnReadable handles readable readiness for a Connection in
// ESTABLISHED: bytes arrived from the outbound socket.
func (e *Engine) OnReadable(conn *Connection, mtu int, tunWrite func([]byte) error) {
	if conn.State != StateEstablished {
		return
	}
	buf := make([]byte, mtu)
	n, err := conn.socket.Read(buf)
	if n == 0 && err == nil {
		conn.State = StateClosed
		e.log.WithField("conn", conn.String()).Debug("tcpengine: outbound socket closed cleanly")
		return
	}
	if err != nil {
		conn.State = StateClosed
		e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).Warn("tcpengine: outbound read failed")
		return
	}

	seg := conn.buildSegment(conn.LocalSeq, conn.RemoteSeq, FlagACK, buf[:n])
	// Fire-and-forget: no retransmission, no tun-write ack.
	if err := tunWrite(seg); err != nil {
		e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).Warn("tcpengine: tun write failed for server data")
	}
	conn.LocalSeq += uint32(n)
	conn.LastActivity = time.Now()
}

// OnException handles exception readiness: the socket has a pending
// error.
func (e *Engine) OnException(conn *Connection) {
	err := conn.socket.SOError()
	conn.State = StateClosed
	e.log.WithFields(logrus.Fields{"conn": conn.String(), "err": err}).Warn("tcpengine: socket exception, closing")
}

// buildSegment synthesizes a segment from the server toward the
// client: src=server, dst=client.
func (c *Connection) buildSegment(seq, ack uint32, flags uint8, payload []byte) []byte {
	return checksum.BuildSegment(c.ServerAddr, c.ClientAddr, c.ServerPort, c.ClientPort, seq, ack, flags, payload)
}

// Sweep walks the connection table once: closed entries are reaped,
// idle entries older than idleTimeout are closed and reaped, and the
// remaining entries' readiness requirements are reported back to the
// caller.
func (e *Engine) Sweep(now time.Time, idleTimeout time.Duration) (writable, readable []*Connection) {
	var alive []*Connection
	for _, c := range e.order {
		if c.State == StateClosed {
			e.closeConn(c)
			continue
		}
		if now.Sub(c.LastActivity) > idleTimeout {
			e.log.WithField("conn", c.String()).Debug("tcpengine: idle timeout, reaping")
			e.closeConn(c)
			continue
		}
		alive = append(alive, c)
		switch c.State {
		case StateSynRecv:
			writable = append(writable, c)
		case StateEstablished:
			readable = append(readable, c)
		}
	}
	e.order = alive
	e.byKey = make(map[connKey]*Connection, len(alive))
	for _, c := range alive {
		e.byKey[c.key] = c
	}
	return writable, readable
}

func (e *Engine) closeConn(c *Connection) {
	if c.socket != nil {
		c.socket.Close()
	}
	c.PendingOut = nil
}

// Close tears down every live Connection and its outbound socket; used
// when the event loop stops.
func (e *Engine) Close() {
	for _, c := range e.order {
		e.closeConn(c)
	}
	e.order = nil
	e.byKey = make(map[connKey]*Connection)
}
