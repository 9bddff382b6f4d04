package uidresolver

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func writeTable(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, "net")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLookupV4Match(t *testing.T) {
	root := t.TempDir()
	// 127.0.0.1:8080 -> 0100007F:1F90, uid 1000
	body := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n" +
		"   0: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0\n"
	writeTable(t, root, "tcp", body)

	r := New(root, nil)
	uid := r.Lookup(TCP, 4, net.ParseIP("127.0.0.1"), 8080)
	if uid != 1000 {
		t.Fatalf("Lookup = %d, want 1000", uid)
	}
}

func TestLookupMissReturnsUnknown(t *testing.T) {
	root := t.TempDir()
	body := "sl local_address rem_address st tx_queue rx_queue tr tm->when retrnsmt uid timeout inode\n"
	writeTable(t, root, "tcp", body)
	writeTable(t, root, "tcp6", body)

	r := New(root, nil)
	uid := r.Lookup(TCP, 4, net.ParseIP("10.0.0.5"), 5555)
	if uid != UnknownUID {
		t.Fatalf("Lookup = %d, want UnknownUID", uid)
	}
}

func TestLookupMissingTableReturnsUnknown(t *testing.T) {
	root := t.TempDir() // no files at all
	r := New(root, nil)
	uid := r.Lookup(UDP, 4, net.ParseIP("10.0.0.5"), 5555)
	if uid != UnknownUID {
		t.Fatalf("Lookup = %d, want UnknownUID", uid)
	}
}

func TestLookupV4FallsBackToV6Mapped(t *testing.T) {
	root := t.TempDir()
	v4body := "header\n"
	// ::ffff:10.1.2.3, word-reversed per 32-bit word as the kernel prints it.
	v6body := "header\n" +
		"   0: 0000000000000000FFFF00000302010A:1F90 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000  2000        0 1 1 0000000000000000 100 0 0 10 0\n"
	writeTable(t, root, "tcp", v4body)
	writeTable(t, root, "tcp6", v6body)

	r := New(root, nil)
	uid := r.Lookup(TCP, 4, net.ParseIP("10.1.2.3"), 8080)
	if uid != 2000 {
		t.Fatalf("Lookup = %d, want 2000 via v6-mapped fallback", uid)
	}
}

func TestCacheServesRepeatLookupWithoutRereadingTable(t *testing.T) {
	root := t.TempDir()
	body := "header\n" +
		"   0: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 1 1 0000000000000000 100 0 0 10 0\n"
	writeTable(t, root, "tcp", body)

	r := New(root, nil)
	first := r.Lookup(TCP, 4, net.ParseIP("127.0.0.1"), 8080)

	// Remove the table; a cached lookup must still answer correctly.
	os.Remove(filepath.Join(root, "net", "tcp"))
	second := r.Lookup(TCP, 4, net.ParseIP("127.0.0.1"), 8080)

	if first != 1000 || second != first {
		t.Fatalf("first=%d second=%d, want both 1000", first, second)
	}
}
