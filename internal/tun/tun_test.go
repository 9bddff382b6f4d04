package tun

import "testing"

func TestIndexByte(t *testing.T) {
	if got := indexByte("tun0\x00\x00", 0); got != 4 {
		t.Errorf("indexByte = %d, want 4", got)
	}
	if got := indexByte("tun0", 0); got != -1 {
		t.Errorf("indexByte = %d, want -1 (no NUL present)", got)
	}
}
