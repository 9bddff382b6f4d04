// Package tun creates and drives the tun device the engine reads and
// writes L3 datagrams on.
package tun

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

// Device is an open tun interface.
type Device struct {
	file   *os.File
	name   string
	mtu    int
	mu     sync.RWMutex
	closed bool
}

// Config describes how to create and address a tun device.
type Config struct {
	Name        string // interface name, e.g. "tunwall0"
	MTU         int
	IPv4Address string // local address, e.g. "10.9.0.1"
	IPv4Peer    string // peer address, e.g. "10.9.0.2"

	// ExtraCommandArgs is run, one argv per entry, after the interface is
	// addressed and brought up (config.Config.InterfaceCommandArgs).
	ExtraCommandArgs [][]string
}

// Open creates a single-queue tun device, brings it up, sets its MTU
// and addresses, and runs any configured extra interface commands.
func Open(cfg Config) (*Device, error) {
	if cfg.MTU == 0 {
		cfg.MTU = 32678
	}

	fd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tun: %s does not exist", cloneDevicePath)
		}
		return nil, fmt.Errorf("tun: open: %w", err)
	}

	var ifr [ifReqSize]byte
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	copy(ifr[:], []byte(cfg.Name))
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = flags

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", errno)
	}

	file := os.NewFile(uintptr(fd), cloneDevicePath)
	name := string(ifr[:unix.IFNAMSIZ])
	if i := indexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	d := &Device{file: file, name: name, mtu: cfg.MTU}

	if err := d.setUp(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.setMTU(cfg.MTU); err != nil {
		d.Close()
		return nil, err
	}
	if cfg.IPv4Address != "" && cfg.IPv4Peer != "" {
		if err := d.setIPv4Addresses(cfg.IPv4Address, cfg.IPv4Peer); err != nil {
			d.Close()
			return nil, err
		}
	}
	for _, args := range cfg.ExtraCommandArgs {
		if len(args) == 0 {
			continue
		}
		if err := execCmd(args[0], args[1:]...); err != nil {
			d.Close()
			return nil, fmt.Errorf("tun: extra interface command: %w", err)
		}
	}

	return d, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the configured MTU.
func (d *Device) MTU() int { return d.mtu }

// Fd returns the raw file descriptor, for the event loop's poll set.
func (d *Device) Fd() int { return int(d.file.Fd()) }

// Read reads one L3 datagram from the device.
func (d *Device) Read(buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	return d.file.Read(buf)
}

// Write writes one L3 datagram to the device.
func (d *Device) Write(buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0, os.ErrClosed
	}
	return d.file.Write(buf)
}

// Close closes the device. Safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

func (d *Device) setUp() error {
	return execCmd("ip", "link", "set", "dev", d.name, "up")
}

func (d *Device) setMTU(mtu int) error {
	return execCmd("ip", "link", "set", "dev", d.name, "mtu", fmt.Sprintf("%d", mtu))
}

func (d *Device) setIPv4Addresses(local, peer string) error {
	return execCmd("ip", "addr", "add", local, "peer", peer, "dev", d.name)
}

func execCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}
