package checksum

import (
	"net"
	"testing"
)

func TestIPChecksumZeroOnValidHeader(t *testing.T) {
	h := IPv4Header{
		TotalLen: 40,
		TTL:      64,
		Protocol: protocolTCP,
		SrcAddr:  [4]byte{10, 0, 0, 1},
		DstAddr:  [4]byte{10, 0, 0, 2},
	}
	buf := EncodeIPv4Header(h)
	if got := IPChecksum(buf); got != 0 {
		t.Fatalf("IPChecksum of a valid header = %#x, want 0", got)
	}
}

func TestIPChecksumNonZeroOnCorruptedHeader(t *testing.T) {
	h := IPv4Header{
		TotalLen: 40,
		TTL:      64,
		Protocol: protocolTCP,
		SrcAddr:  [4]byte{10, 0, 0, 1},
		DstAddr:  [4]byte{10, 0, 0, 2},
	}
	buf := EncodeIPv4Header(h)
	buf[10] ^= 0xff
	buf[11] ^= 0xff
	if got := IPChecksum(buf); got == 0 {
		t.Fatalf("IPChecksum of a corrupted header = 0, want nonzero")
	}
}

func TestIPv4HeaderRoundTrip(t *testing.T) {
	h := IPv4Header{
		TOS:       0x10,
		TotalLen:  1234,
		ID:        0xbeef,
		FlagsFrag: 0x4000,
		TTL:       64,
		Protocol:  protocolTCP,
		SrcAddr:   [4]byte{192, 168, 1, 1},
		DstAddr:   [4]byte{192, 168, 1, 2},
	}
	encoded := EncodeIPv4Header(h)
	decoded, err := DecodeIPv4Header(encoded)
	if err != nil {
		t.Fatalf("DecodeIPv4Header: %v", err)
	}
	decoded.Checksum = 0 // checksum is recomputed, not preserved
	h.IHL = 5
	if decoded != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestTCPHeaderRoundTrip(t *testing.T) {
	h := TCPHeader{
		SrcPort:  443,
		DstPort:  51820,
		Seq:      1000,
		Ack:      2000,
		Flags:    0x12,
		Window:   2048,
		Checksum: 0xabcd,
		Urgent:   0,
	}
	encoded := EncodeTCPHeader(h)
	decoded, err := DecodeTCPHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeTCPHeader: %v", err)
	}
	h.DataOffset = 5
	if decoded != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestTCPChecksumDetectsCorruption(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	payload := []byte("hello")

	tcpHdr := TCPHeader{SrcPort: 1000, DstPort: 80, Seq: 1, Ack: 1, Flags: 0x10, Window: 2048}
	tcpBuf := EncodeTCPHeader(tcpHdr)
	sum := TCPChecksum(src, dst, tcpBuf, payload)
	tcpHdr.Checksum = sum
	tcpBuf = EncodeTCPHeader(tcpHdr)

	full := append(append([]byte{}, tcpBuf...), payload...)
	pseudo := pseudoHeader(src, dst, len(full))
	if IPChecksum(append(pseudo, full...)) != 0 {
		t.Fatalf("checksum over valid segment did not sum to zero")
	}

	full[len(full)-1] ^= 0xff
	if IPChecksum(append(pseudo, full...)) == 0 {
		t.Fatalf("checksum over corrupted segment summed to zero")
	}
}

func TestBuildSegmentFieldsAndChecksums(t *testing.T) {
	src := net.ParseIP("10.8.0.1")
	dst := net.ParseIP("10.8.0.2")
	payload := []byte("pong")

	seg := BuildSegment(src, dst, 443, 51820, 100, 200, 0x10, payload)

	ipHdr, err := DecodeIPv4Header(seg)
	if err != nil {
		t.Fatalf("DecodeIPv4Header: %v", err)
	}
	if ipHdr.TTL != 64 {
		t.Errorf("ttl = %d, want 64", ipHdr.TTL)
	}
	if int(ipHdr.TotalLen) != len(seg) {
		t.Errorf("tot_len = %d, want %d", ipHdr.TotalLen, len(seg))
	}
	if IPChecksum(seg[:IPv4HeaderLen]) != 0 {
		t.Errorf("IPv4 header checksum does not validate")
	}

	tcpHdr, err := DecodeTCPHeader(seg[IPv4HeaderLen:])
	if err != nil {
		t.Fatalf("DecodeTCPHeader: %v", err)
	}
	if tcpHdr.Window != 2048 {
		t.Errorf("window = %d, want 2048", tcpHdr.Window)
	}
	if tcpHdr.Seq != 100 || tcpHdr.Ack != 200 {
		t.Errorf("seq/ack = %d/%d, want 100/200", tcpHdr.Seq, tcpHdr.Ack)
	}
	gotPayload := seg[IPv4HeaderLen+TCPHeaderLen:]
	if string(gotPayload) != string(payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestIPChecksumOddLength(t *testing.T) {
	data := []byte{0x45, 0x00, 0x00}
	// Odd length must not panic and must treat the last byte as the
	// high byte of a zero-padded word.
	got := IPChecksum(data)
	want := IPChecksum([]byte{0x45, 0x00, 0x00, 0x00})
	if got != want {
		t.Fatalf("odd-length checksum = %#x, want %#x (same as zero-padded even length)", got, want)
	}
}
