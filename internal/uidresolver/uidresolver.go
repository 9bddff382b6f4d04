// Package uidresolver maps a (protocol, IP version, source address,
// source port) tuple observed on the tun side to the owning user id,
// by parsing the kernel's per-protocol connection tables under /proc.
package uidresolver

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	cache "github.com/KusakabeSi/go-cache"
	"github.com/sirupsen/logrus"
)

// Protocol identifies the transport protocol of a lookup.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// UnknownUID is returned when no owning uid could be resolved.
const UnknownUID = -1

const (
	cacheTTL     = 2 * time.Second
	cacheCleanup = 10 * time.Second
	// settleDelay is how long Lookup waits before the first table read
	// for a tuple, so the kernel has published the row.
	settleDelay = 10 * time.Millisecond
)

// Resolver looks up owning uids from the kernel's /proc/net tables.
// A Resolver is safe for concurrent use, though this engine only ever
// calls it from the single event-loop goroutine.
type Resolver struct {
	root  string // usually "/proc", overridable for tests
	log   *logrus.Entry
	cache *cache.Cache
}

// New creates a Resolver rooted at procRoot (pass "/proc" in production).
func New(procRoot string, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		root:  procRoot,
		log:   log,
		cache: cache.New(cacheTTL, cacheCleanup),
	}
}

// SettleDelay returns the delay Lookup sleeps before reading the tables
// for a tuple that is not cached; callers need not wait themselves.
func (r *Resolver) SettleDelay() time.Duration {
	return settleDelay
}

// Lookup resolves the uid owning (proto, ver, addr, port). It returns
// UnknownUID, never an error, on any miss or I/O failure: attribution
// failures must never propagate into the packet plane.
//
// The first lookup for a given tuple blocks for SettleDelay before
// touching /proc: a freshly observed flow races the kernel publishing
// its row, and a result (even UnknownUID) is cached for cacheTTL, so
// every later lookup for the same tuple returns from cache without
// paying the delay again.
func (r *Resolver) Lookup(proto Protocol, ver int, addr net.IP, port uint16) int {
	if uid, ok := r.lookupCached(proto, ver, addr, port); ok {
		return uid
	}

	time.Sleep(r.SettleDelay())
	uid := r.lookupTable(proto, ver, addr, port)
	if uid == UnknownUID && ver == 4 {
		// Retry as v6 using the IPv4-mapped form, for dual-stack sockets.
		mapped := addr.To4()
		if mapped != nil {
			v6 := net.ParseIP("::ffff:" + mapped.String())
			uid = r.lookupTable(proto, 6, v6, port)
		}
	}

	r.cache.Set(cacheKey(proto, ver, addr, port), uid, cache.DefaultExpiration)
	return uid
}

func (r *Resolver) lookupCached(proto Protocol, ver int, addr net.IP, port uint16) (int, bool) {
	v, ok := r.cache.Get(cacheKey(proto, ver, addr, port))
	if !ok {
		return 0, false
	}
	uid, ok := v.(int)
	return uid, ok
}

func cacheKey(proto Protocol, ver int, addr net.IP, port uint16) string {
	return fmt.Sprintf("%s|%d|%s|%d", proto, ver, addr.String(), port)
}

func (r *Resolver) tablePath(proto Protocol, ver int) string {
	name := proto.String()
	if ver == 6 {
		name += "6"
	}
	return r.root + "/net/" + name
}

// lookupTable scans one /proc/net table, returning the first uid whose
// (addr, port) matches, or UnknownUID if the table is missing, unreadable,
// or has no matching row.
func (r *Resolver) lookupTable(proto Protocol, ver int, addr net.IP, port uint16) int {
	path := r.tablePath(proto, ver)
	f, err := os.Open(path)
	if err != nil {
		r.log.WithFields(logrus.Fields{"path": path, "err": err}).Debug("uidresolver: table unreadable")
		return UnknownUID
	}
	defer f.Close()

	want := hexLocalAddr(addr, ver)
	wantPort := fmt.Sprintf("%04X", port)

	scanner := bufio.NewScanner(f)
	scanner.Scan() // skip header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		localParts := strings.SplitN(fields[1], ":", 2)
		if len(localParts) != 2 {
			continue
		}
		if !strings.EqualFold(localParts[0], want) || !strings.EqualFold(localParts[1], wantPort) {
			continue
		}
		uid, err := strconv.Atoi(fields[7])
		if err != nil {
			continue
		}
		return uid
	}
	return UnknownUID
}

// hexLocalAddr renders addr the way /proc/net/{tcp,udp}[6] do: each
// 32-bit word of the address is byte-reversed (the kernel prints it in
// host/little-endian order) while the word order itself is preserved.
// v4 is a single word; v6 is four.
func hexLocalAddr(addr net.IP, ver int) string {
	if ver == 6 {
		a16 := addr.To16()
		if a16 == nil {
			return ""
		}
		var sb strings.Builder
		for w := 0; w < 4; w++ {
			word := a16[w*4 : w*4+4]
			fmt.Fprintf(&sb, "%02X%02X%02X%02X", word[3], word[2], word[1], word[0])
		}
		return sb.String()
	}
	a4 := addr.To4()
	if a4 == nil {
		return ""
	}
	return fmt.Sprintf("%02X%02X%02X%02X", a4[3], a4[2], a4[1], a4[0])
}
