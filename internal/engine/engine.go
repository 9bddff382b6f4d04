// Package engine implements the single-threaded event loop: it owns
// the tun descriptor, the outbound sockets the flow engine opens, and
// drives readiness through golang.org/x/sys/unix.Poll.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/qnet/tunwall/internal/capability"
	"github.com/qnet/tunwall/internal/decoder"
	"github.com/qnet/tunwall/internal/tcpengine"
)

const (
	tunReadBound = 32678
	pollBoundMs  = 10_000
)

// Tun is the subset of *tun.Device the loop needs; satisfied by
// *tun.Device in production and a fake in tests.
type Tun interface {
	Fd() int
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// Engine is the single-threaded packet-plane event loop, with an
// init/start/stop/reload control surface.
type Engine struct {
	dec   *decoder.Decoder
	flows *tcpengine.Engine
	cap   capability.Capability
	log   *logrus.Entry

	idleTimeout time.Duration
	pollTimeout time.Duration
	mtu         int

	mu        sync.Mutex
	running   bool
	stopPipeR int
	stopPipeW int
	done      chan struct{}
	critical  *criticalLogger
}

// New wires a decoder, flow engine, and capability into an Engine.
// mtu bounds how many bytes OnReadable pulls from an outbound socket
// per wakeup, so a synthesized segment never exceeds the tun's own MTU;
// mtu <= 0 falls back to tunReadBound. The tun read buffer is always
// tunReadBound bytes, whatever mtu is.
func New(dec *decoder.Decoder, flows *tcpengine.Engine, cap capability.Capability, log *logrus.Entry, idleTimeout, pollTimeout time.Duration, mtu int) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if pollTimeout <= 0 {
		pollTimeout = pollBoundMs * time.Millisecond
	}
	if mtu <= 0 {
		mtu = tunReadBound
	}
	return &Engine{
		dec:         dec,
		flows:       flows,
		cap:         cap,
		log:         log,
		idleTimeout: idleTimeout,
		pollTimeout: pollTimeout,
		mtu:         mtu,
	}
}

// Start spawns the loop exactly once. A second call while already
// running is a no-op with a warning.
func (e *Engine) Start(t Tun) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.log.Warn("engine: start called while already running, ignoring")
		return nil
	}

	fds := [2]int{-1, -1}
	if err := unix.Pipe(fds[:]); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: self-pipe: %w", err)
	}
	e.stopPipeR, e.stopPipeW = fds[0], fds[1]
	e.done = make(chan struct{})
	e.critical = newCriticalLogger(e.log, e.pollTimeout*3)
	e.running = true
	e.mu.Unlock()

	go e.run(t)
	return nil
}

// Stop delivers the stop signal and joins the loop. A no-op with a
// warning if not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.log.Warn("engine: stop called while not running, ignoring")
		return
	}
	w := e.stopPipeW
	done := e.done
	e.mu.Unlock()

	unix.Write(w, []byte{1})
	<-done
}

// Reload is stop() followed by start(newTun); handover is not
// guaranteed seamless.
func (e *Engine) Reload(newTun Tun) error {
	e.Stop()
	return e.Start(newTun)
}

func (e *Engine) run(t Tun) {
	defer func() {
		e.mu.Lock()
		e.running = false
		unix.Close(e.stopPipeR)
		unix.Close(e.stopPipeW)
		e.critical.stop()
		e.flows.Close()
		close(e.done)
		e.mu.Unlock()
	}()

	buf := make([]byte, tunReadBound)

	for {
		e.critical.touch()

		writable, readable := e.flows.Sweep(time.Now(), e.idleTimeout)

		pollfds := e.buildPollSet(t, writable, readable)
		n, err := unix.Poll(pollfds, int(e.pollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			e.log.WithError(err).Warn("engine: poll error, continuing")
			continue
		}
		if n == 0 {
			continue
		}

		// pollfds[0] is always the stop pipe.
		if pollfds[0].Revents&unix.POLLIN != 0 {
			e.log.Info("engine: stop signal received, exiting loop")
			return
		}

		// pollfds[1] is always the tun fd.
		tunPoll := pollfds[1]
		if tunPoll.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			e.log.Error("engine: tun exception, engine-fatal")
			return
		}
		if tunPoll.Revents&unix.POLLIN != 0 {
			nr, err := t.Read(buf)
			if nr == 0 && err == nil {
				e.log.Error("engine: tun read returned zero, engine-fatal")
				return
			}
			if err != nil && !errors.Is(err, unix.EINTR) {
				e.log.WithError(err).Error("engine: tun read failed, engine-fatal")
				return
			}
			if nr > 0 {
				e.handleTunRead(buf[:nr], t)
			}
		}

		e.handleSocketReadiness(pollfds[2:], writable, readable, t)
	}
}

func (e *Engine) handleTunRead(pkt []byte, t Tun) {
	res := e.dec.Decode(pkt)
	if res.Segment == nil {
		return
	}
	if out := e.flows.Ingress(*res.Segment); out != nil {
		if _, err := t.Write(out); err != nil {
			e.log.WithError(err).Warn("engine: tun write failed for synthesized segment")
		}
	}
}

// tunWriter adapts Tun.Write's (int, error) signature to the
// func([]byte) error shape tcpengine's OnWritable/OnReadable expect.
func tunWriter(t Tun) func([]byte) error {
	return func(b []byte) error {
		_, err := t.Write(b)
		return err
	}
}

// buildPollSet lays out: [0]=stop pipe, [1]=tun, [2:]=one entry per
// socket-bearing connection in the same order concatenated from
// writable then readable.
func (e *Engine) buildPollSet(t Tun, writable, readable []*tcpengine.Connection) []unix.PollFd {
	pollfds := make([]unix.PollFd, 0, 2+len(writable)+len(readable))
	pollfds = append(pollfds, unix.PollFd{Fd: int32(e.stopPipeR), Events: unix.POLLIN})
	pollfds = append(pollfds, unix.PollFd{Fd: int32(t.Fd()), Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP})
	for _, c := range writable {
		pollfds = append(pollfds, unix.PollFd{Fd: int32(c.Fd()), Events: unix.POLLOUT | unix.POLLERR})
	}
	for _, c := range readable {
		pollfds = append(pollfds, unix.PollFd{Fd: int32(c.Fd()), Events: unix.POLLIN | unix.POLLERR})
	}
	return pollfds
}

func (e *Engine) handleSocketReadiness(socketFds []unix.PollFd, writable, readable []*tcpengine.Connection, t Tun) {
	write := tunWriter(t)
	i := 0
	for _, c := range writable {
		pf := socketFds[i]
		i++
		if pf.Revents&unix.POLLERR != 0 {
			e.flows.OnException(c)
			continue
		}
		if pf.Revents&unix.POLLOUT != 0 {
			e.flows.OnWritable(c, write)
		}
	}
	for _, c := range readable {
		pf := socketFds[i]
		i++
		if pf.Revents&unix.POLLERR != 0 {
			e.flows.OnException(c)
			continue
		}
		if pf.Revents&unix.POLLIN != 0 {
			e.flows.OnReadable(c, e.mtu, write)
		}
	}
}
