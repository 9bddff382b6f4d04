// Package decoder implements the packet decoder: it validates a
// single tun-read buffer, extracts the 5-tuple and flags, resolves
// the originating uid, and emits exactly one attribution event per
// decoded packet before handing v4 TCP datagrams onward to the flow
// engine.
package decoder

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/qnet/tunwall/internal/capability"
	"github.com/qnet/tunwall/internal/checksum"
	"github.com/qnet/tunwall/internal/tcpengine"
	"github.com/qnet/tunwall/internal/uidresolver"
)

// Protocol numbers relevant to attribution.
const (
	protoTCP = 6
	protoUDP = 17
)

// Decoder turns raw tun buffers into attribution events and, for v4
// TCP, a tcpengine.Segment ready for the flow engine.
type Decoder struct {
	uids *uidresolver.Resolver
	cap  capability.Capability
	log  *logrus.Entry

	capture *pcapgo.Writer
	capFile capture
}

// capture is the subset of *os.File a pcap sink needs; satisfied by
// *os.File in production and a fake in tests.
type capture interface {
	Close() error
}

// New creates a Decoder. cap must not be nil; pass capability.Noop{}
// for standalone use without a host embedder.
func New(uids *uidresolver.Resolver, cap capability.Capability, log *logrus.Entry) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{uids: uids, cap: cap, log: log}
}

// SetCapture wires a pcapgo sink that every dropped/malformed packet
// is appended to: a diagnostic capture, never consulted for
// correctness. w may be nil to disable capture.
func (d *Decoder) SetCapture(w *pcapgo.Writer, f capture) {
	d.capture = w
	d.capFile = f
}

// Result is what Decode hands back to the caller: at most one of
// Segment (v4 TCP) is set; Dropped explains why nothing was dispatched.
type Result struct {
	Segment *tcpengine.Segment
	Dropped string
}

// Decode validates and classifies a single tun-read buffer. It never
// returns an error: every rejection is a Result with Dropped set and a
// logged warning, since a malformed packet must never stop the
// engine.
func (d *Decoder) Decode(buf []byte) Result {
	if len(buf) < checksum.IPv4HeaderLen {
		d.drop(buf, "buffer shorter than minimum IPv4 header")
		return Result{Dropped: "short"}
	}

	version := buf[0] >> 4
	switch version {
	case 4:
		return d.decodeV4(buf)
	case 6:
		return d.decodeV6(buf)
	default:
		d.drop(buf, fmt.Sprintf("unknown IP version %d", version))
		return Result{Dropped: "version"}
	}
}

func (d *Decoder) decodeV4(buf []byte) Result {
	ip, err := checksum.DecodeIPv4Header(buf)
	if err != nil {
		d.drop(buf, err.Error())
		return Result{Dropped: "header"}
	}
	if int(ip.TotalLen) != len(buf) {
		d.drop(buf, fmt.Sprintf("tot_len %d disagrees with buffer length %d", ip.TotalLen, len(buf)))
		return Result{Dropped: "length"}
	}
	if checksum.IPChecksum(buf[:checksum.IPv4HeaderLen]) != 0 {
		d.drop(buf, "bad IPv4 header checksum")
		return Result{Dropped: "checksum"}
	}

	ihl := int(ip.IHL)
	if ihl < 5 {
		d.drop(buf, fmt.Sprintf("invalid ihl %d", ihl))
		return Result{Dropped: "ihl"}
	}
	payloadOff := 20 + (ihl-5)*4
	if payloadOff > len(buf) {
		d.drop(buf, "ihl exceeds buffer length")
		return Result{Dropped: "ihl"}
	}

	src := net.IP(ip.SrcAddr[:])
	dst := net.IP(ip.DstAddr[:])

	switch ip.Protocol {
	case protoTCP:
		return d.decodeV4TCP(buf, payloadOff, src, dst)
	case protoUDP:
		d.attributeOnly(4, src, dst, buf[payloadOff:])
		return Result{Dropped: ""}
	default:
		d.attributeProtocol(4, src, dst, ip.Protocol)
		return Result{Dropped: ""}
	}
}

func (d *Decoder) decodeV4TCP(buf []byte, payloadOff int, src, dst net.IP) Result {
	if payloadOff+checksum.TCPHeaderLen > len(buf) {
		d.drop(buf, "buffer too short for TCP header")
		return Result{Dropped: "tcp-header"}
	}
	tcp, err := checksum.DecodeTCPHeader(buf[payloadOff:])
	if err != nil {
		d.drop(buf, err.Error())
		return Result{Dropped: "tcp-header"}
	}

	dataOff := payloadOff + int(tcp.DataOffset)*4
	var payload []byte
	if dataOff < len(buf) {
		payload = buf[dataOff:]
	}

	uid := d.uids.Lookup(uidresolver.TCP, 4, src, tcp.SrcPort)
	d.emitAttribution(4, src, tcp.SrcPort, dst, tcp.DstPort, "tcp", flagString(tcp.Flags), uid)

	seg := tcpengine.Segment{
		ClientAddr: src,
		ClientPort: tcp.SrcPort,
		ServerAddr: dst,
		ServerPort: tcp.DstPort,
		Seq:        tcp.Seq,
		Ack:        tcp.Ack,
		Flags:      tcp.Flags,
		Payload:    payload,
	}
	return Result{Segment: &seg}
}

func (d *Decoder) decodeV6(buf []byte) Result {
	if len(buf) < 40 {
		d.drop(buf, "buffer shorter than IPv6 header")
		return Result{Dropped: "short"}
	}
	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv6, gopacket.NoCopy)
	ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		d.drop(buf, "gopacket could not decode IPv6 header")
		return Result{Dropped: "header"}
	}

	var sport, dport uint16
	proto := "other"
	var flags string
	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		sport, dport = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		proto = "tcp"
		flags = gopacketTCPFlagString(tcp)
		uid := d.uids.Lookup(uidresolver.TCP, 6, ip6.SrcIP, sport)
		d.emitAttribution(6, ip6.SrcIP, sport, ip6.DstIP, dport, proto, flags, uid)
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		sport, dport = uint16(udp.SrcPort), uint16(udp.DstPort)
		proto = "udp"
		uid := d.uids.Lookup(uidresolver.UDP, 6, ip6.SrcIP, sport)
		d.emitAttribution(6, ip6.SrcIP, sport, ip6.DstIP, dport, proto, "", uid)
	default:
		d.emitAttribution(6, ip6.SrcIP, 0, ip6.DstIP, 0, proto, "", uidresolver.UnknownUID)
	}

	// IPv6 TCP termination is not implemented; decode and attribute only.
	return Result{Dropped: ""}
}

func (d *Decoder) attributeOnly(version int, src, dst net.IP, udpBuf []byte) {
	if len(udpBuf) < 4 {
		d.emitAttribution(version, src, 0, dst, 0, "udp", "", uidresolver.UnknownUID)
		return
	}
	sport := uint16(udpBuf[0])<<8 | uint16(udpBuf[1])
	dport := uint16(udpBuf[2])<<8 | uint16(udpBuf[3])
	uid := d.uids.Lookup(uidresolver.UDP, version, src, sport)
	d.emitAttribution(version, src, sport, dst, dport, "udp", "", uid)
}

func (d *Decoder) attributeProtocol(version int, src, dst net.IP, proto uint8) {
	d.emitAttribution(version, src, 0, dst, 0, fmt.Sprintf("proto-%d", proto), "", uidresolver.UnknownUID)
}

// emitAttribution records exactly one event per decoded packet,
// through both the structured logger and the injected capability,
// regardless of outcome.
func (d *Decoder) emitAttribution(version int, src net.IP, sport uint16, dst net.IP, dport uint16, protocol, flags string, uid int) {
	d.log.WithFields(logrus.Fields{
		"version":  version,
		"src":      src.String(),
		"sport":    sport,
		"dst":      dst.String(),
		"dport":    dport,
		"protocol": protocol,
		"flags":    flags,
		"uid":      uid,
	}).Debug("decoder: attribution")
	d.cap.LogPacket(version, src, sport, dst, dport, protocol, flags, uid, false)
}

func (d *Decoder) drop(buf []byte, reason string) {
	d.log.WithField("reason", reason).Warn("decoder: dropping malformed packet")
	if d.capture != nil {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(buf),
			Length:        len(buf),
		}
		if err := d.capture.WritePacket(ci, buf); err != nil {
			d.log.WithError(err).Warn("decoder: pcap capture write failed")
		}
	}
}

// flagString renders the TCP flag bits in the canonical order the
// engine logs and tests against.
func flagString(flags uint8) string {
	var out []byte
	add := func(bit uint8, c byte) {
		if flags&bit != 0 {
			out = append(out, c)
		}
	}
	add(tcpengine.FlagSYN, 'S')
	add(tcpengine.FlagACK, 'A')
	add(tcpengine.FlagFIN, 'F')
	add(tcpengine.FlagRST, 'R')
	add(tcpengine.FlagPSH, 'P')
	add(tcpengine.FlagURG, 'U')
	if out == nil {
		return ""
	}
	return string(out)
}

func gopacketTCPFlagString(tcp *layers.TCP) string {
	var out []byte
	if tcp.SYN {
		out = append(out, 'S')
	}
	if tcp.ACK {
		out = append(out, 'A')
	}
	if tcp.FIN {
		out = append(out, 'F')
	}
	if tcp.RST {
		out = append(out, 'R')
	}
	if tcp.PSH {
		out = append(out, 'P')
	}
	if tcp.URG {
		out = append(out, 'U')
	}
	return string(out)
}
