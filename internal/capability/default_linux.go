package capability

import (
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultCapability is the standalone/CLI Protect implementation: it
// marks outbound sockets with a configurable fwmark via SO_MARK so
// operator-installed `ip rule` policy can route them around the tun,
// mirroring what a real embedder's VpnService.protect(int) would do.
// LogPacket simply logs through the engine's structured logger.
type DefaultCapability struct {
	Mark int
	Log  *logrus.Entry
}

// NewDefaultCapability returns a DefaultCapability that marks sockets
// with mark and logs attribution events through log.
func NewDefaultCapability(mark int, log *logrus.Entry) *DefaultCapability {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DefaultCapability{Mark: mark, Log: log}
}

// Protect sets SO_MARK on fd. Any failure is logged and swallowed: a
// failing protect callback must not abort opening the outbound socket.
func (d *DefaultCapability) Protect(fd int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.Log.WithField("panic", r).Warn("capability: protect panicked, proceeding unprotected")
			ok = false
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, d.Mark); err != nil {
		d.Log.WithError(err).Warn("capability: SO_MARK failed, proceeding unprotected")
		return false
	}
	return true
}

// LogPacket records the attribution event at info level.
func (d *DefaultCapability) LogPacket(version int, src net.IP, sport uint16, dst net.IP, dport uint16, protocol string, flags string, uid int, allowed bool) {
	d.Log.WithFields(logrus.Fields{
		"version":  version,
		"src":      src.String(),
		"sport":    sport,
		"dst":      dst.String(),
		"dport":    dport,
		"protocol": protocol,
		"flags":    flags,
		"uid":      uid,
		"allowed":  allowed,
	}).Info("packet")
}
