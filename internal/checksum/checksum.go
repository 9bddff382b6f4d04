// Package checksum implements the Internet checksum and the canonical
// 20-byte IPv4/TCP header codec the rest of the engine builds on.
//
// This is the one corner of the engine that stays on plain byte
// arithmetic rather than a third-party codec: the round-trip and
// zero-sum invariants the flow engine depends on are easiest to audit
// against the RFC 791/793 text directly, field by field.
package checksum

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	// IPv4HeaderLen is the length of an IPv4 header with no options.
	IPv4HeaderLen = 20
	// TCPHeaderLen is the length of a TCP header with no options.
	TCPHeaderLen = 20

	protocolTCP = 6
)

var (
	// ErrShortHeader is returned when a buffer is too small to hold a header.
	ErrShortHeader = errors.New("checksum: buffer shorter than header")
	// ErrNotIPv4 is returned when the version nibble is not 4.
	ErrNotIPv4 = errors.New("checksum: not an IPv4 header")
)

// IPv4Header is the decoded form of a 20-byte IPv4 header. Options on
// input are skipped via IHL; no options are ever emitted.
type IPv4Header struct {
	IHL      uint8 // header length in 32-bit words, min 5
	TOS      uint8
	TotalLen uint16
	ID       uint16
	FlagsFrag uint16 // flags (3 bits) + fragment offset (13 bits), verbatim
	TTL      uint8
	Protocol uint8
	Checksum uint16
	SrcAddr  [4]byte
	DstAddr  [4]byte
}

// TCPHeader is the decoded form of a 20-byte TCP header (no options).
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // header length in 32-bit words, min 5
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
}

// IPChecksum computes the Internet checksum (RFC 1071) over data: sum
// all 16-bit big-endian words, fold carries into the low 16 bits
// twice, return the one's complement. An odd trailing byte is treated
// as the high byte of a zero-padded word. A correctly-checksummed
// header (checksum field included) sums to zero.
func IPChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < n {
		sum += uint32(data[i]) << 8
	}
	sum = (sum & 0xffff) + (sum >> 16)
	sum = (sum & 0xffff) + (sum >> 16)
	return ^uint16(sum)
}

// pseudoHeader builds the IPv4 TCP pseudo-header: {src, dst, zero,
// protocol=6, tcp_length}.
func pseudoHeader(src, dst net.IP, tcpLength int) []byte {
	buf := make([]byte, 12)
	copy(buf[0:4], src.To4())
	copy(buf[4:8], dst.To4())
	buf[8] = 0
	buf[9] = protocolTCP
	binary.BigEndian.PutUint16(buf[10:12], uint16(tcpLength))
	return buf
}

// TCPChecksum computes the TCP checksum over the pseudo-header
// followed by the TCP header (with its checksum field treated as
// zero) and the payload, right-padded to an even length. tcpHeader
// must be exactly TCPHeaderLen bytes; its on-wire checksum field is
// ignored regardless of its contents.
func TCPChecksum(src, dst net.IP, tcpHeader []byte, payload []byte) uint16 {
	tcpLen := len(tcpHeader) + len(payload)
	pseudo := pseudoHeader(src, dst, tcpLen)

	segment := make([]byte, 0, len(pseudo)+tcpLen+1)
	segment = append(segment, pseudo...)
	segment = append(segment, tcpHeader...)
	// Zero the checksum field wherever it landed in the copy.
	segment[len(pseudo)+16] = 0
	segment[len(pseudo)+17] = 0
	segment = append(segment, payload...)

	return IPChecksum(segment)
}

// DecodeIPv4Header parses the first IPv4HeaderLen bytes of buf. It does
// not validate tot_len against len(buf) or verify the checksum; that
// policy belongs to the packet decoder, not the codec.
func DecodeIPv4Header(buf []byte) (IPv4Header, error) {
	var h IPv4Header
	if len(buf) < IPv4HeaderLen {
		return h, ErrShortHeader
	}
	if buf[0]>>4 != 4 {
		return h, ErrNotIPv4
	}
	h.IHL = buf[0] & 0x0f
	h.TOS = buf[1]
	h.TotalLen = binary.BigEndian.Uint16(buf[2:4])
	h.ID = binary.BigEndian.Uint16(buf[4:6])
	h.FlagsFrag = binary.BigEndian.Uint16(buf[6:8])
	h.TTL = buf[8]
	h.Protocol = buf[9]
	h.Checksum = binary.BigEndian.Uint16(buf[10:12])
	copy(h.SrcAddr[:], buf[12:16])
	copy(h.DstAddr[:], buf[16:20])
	return h, nil
}

// EncodeIPv4Header lays out h as a canonical 20-byte header (IHL
// forced to 5, no options) and recomputes the checksum.
func EncodeIPv4Header(h IPv4Header) []byte {
	buf := make([]byte, IPv4HeaderLen)
	buf[0] = 0x40 | 5
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.FlagsFrag)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], h.SrcAddr[:])
	copy(buf[16:20], h.DstAddr[:])

	binary.BigEndian.PutUint16(buf[10:12], IPChecksum(buf))
	return buf
}

// DecodeTCPHeader parses the first TCPHeaderLen bytes of buf.
// Options, if any (per DataOffset), are left in the remainder of the
// caller's slice; this function never looks past the fixed header.
func DecodeTCPHeader(buf []byte) (TCPHeader, error) {
	var h TCPHeader
	if len(buf) < TCPHeaderLen {
		return h, ErrShortHeader
	}
	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.Seq = binary.BigEndian.Uint32(buf[4:8])
	h.Ack = binary.BigEndian.Uint32(buf[8:12])
	h.DataOffset = buf[12] >> 4
	h.Flags = buf[13]
	h.Window = binary.BigEndian.Uint16(buf[14:16])
	h.Checksum = binary.BigEndian.Uint16(buf[16:18])
	h.Urgent = binary.BigEndian.Uint16(buf[18:20])
	return h, nil
}

// EncodeTCPHeader lays out h as a canonical 20-byte header (data
// offset forced to 5, no options). The checksum field is written
// verbatim from h.Checksum; callers compute it with TCPChecksum first.
func EncodeTCPHeader(h TCPHeader) []byte {
	buf := make([]byte, TCPHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = 5 << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	return buf
}

// BuildSegment synthesizes a complete IPv4+TCP datagram the way C4
// emits segments toward the tun: ttl=64, window=2048, both checksums
// correct, no options.
func BuildSegment(src, dst net.IP, srcPort, dstPort uint16, seq, ack uint32, flags uint8, payload []byte) []byte {
	tcpHdr := TCPHeader{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  2048,
	}
	tcpBuf := EncodeTCPHeader(tcpHdr)
	tcpHdr.Checksum = TCPChecksum(src, dst, tcpBuf, payload)
	tcpBuf = EncodeTCPHeader(tcpHdr)

	ipHdr := IPv4Header{
		TotalLen: uint16(IPv4HeaderLen + TCPHeaderLen + len(payload)),
		FlagsFrag: 0x4000, // Don't Fragment
		TTL:      64,
		Protocol: protocolTCP,
	}
	copy(ipHdr.SrcAddr[:], src.To4())
	copy(ipHdr.DstAddr[:], dst.To4())
	ipBuf := EncodeIPv4Header(ipHdr)

	out := make([]byte, 0, len(ipBuf)+len(tcpBuf)+len(payload))
	out = append(out, ipBuf...)
	out = append(out, tcpBuf...)
	out = append(out, payload...)
	return out
}
