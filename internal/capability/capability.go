// Package capability defines the host-runtime collaborator the engine
// is handed at construction time: the "protect this socket" callback
// and the per-packet attribution sink. The engine knows nothing about
// the host's own object system; it only ever calls through this
// interface.
package capability

import "net"

// Capability is the injected host-runtime collaborator.
type Capability interface {
	// Protect exempts the socket at fd from being routed back into the
	// tun (the same shape as Android's VpnService.protect(int)).
	// Failure is non-fatal: the caller ignores the return value and
	// proceeds, so an implementation logs its own failures; it must
	// never let a panic escape here.
	Protect(fd int) (ok bool)

	// LogPacket is called exactly once per decoded packet, regardless
	// of whether it was terminated, dropped, or merely logged.
	LogPacket(version int, src net.IP, sport uint16, dst net.IP, dport uint16, protocol string, flags string, uid int, allowed bool)
}

// Noop is a Capability that protects nothing and discards every event.
// It exists for standalone/test use where no embedder is present.
type Noop struct{}

func (Noop) Protect(int) bool { return true }

func (Noop) LogPacket(int, net.IP, uint16, net.IP, uint16, string, string, int, bool) {}
