package tcpengine

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"net"

	"golang.org/x/crypto/blake2b"
)

// ISNGenerator produces per-flow initial sequence numbers via a keyed
// MAC over the flow's 4-tuple, the same shape as the Linux kernel's own
// secure-ISN construction, so a hard-coded or predictable ISN never
// ships.
type ISNGenerator struct {
	key [32]byte
}

// NewISNGenerator creates a generator keyed with a fresh random secret.
// The key lives for the process lifetime; every flow gets a fresh,
// unpredictable ISN derived from it plus that flow's own identity.
func NewISNGenerator() (*ISNGenerator, error) {
	var key [32]byte
	if _, err := cryptorand.Read(key[:]); err != nil {
		return nil, err
	}
	return &ISNGenerator{key: key}, nil
}

// ISN derives the sequence number for a new flow identified by
// (clientAddr, clientPort, serverAddr, serverPort).
func (g *ISNGenerator) ISN(clientAddr net.IP, clientPort uint16, serverAddr net.IP, serverPort uint16) uint32 {
	h, _ := blake2b.New256(g.key[:])
	h.Write(clientAddr.To4())
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], clientPort)
	binary.BigEndian.PutUint16(portBuf[2:4], serverPort)
	h.Write(portBuf[:])
	h.Write(serverAddr.To4())
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}
