package engine

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/qnet/tunwall/internal/capability"
	"github.com/qnet/tunwall/internal/decoder"
	"github.com/qnet/tunwall/internal/tcpengine"
	"github.com/qnet/tunwall/internal/uidresolver"
)

type fakeTun struct {
	r, w    int
	written [][]byte
}

func newFakeTun(t *testing.T) *fakeTun {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	ft := &fakeTun{r: fds[0], w: fds[1]}
	t.Cleanup(func() {
		unix.Close(ft.r)
		unix.Close(ft.w)
	})
	return ft
}

func (f *fakeTun) Fd() int { return f.r }

func (f *fakeTun) Read(buf []byte) (int, error) {
	return unix.Read(f.r, buf)
}

func (f *fakeTun) Write(buf []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), buf...))
	return len(buf), nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	log := testLog()
	uids := uidresolver.New(t.TempDir(), log)
	dec := decoder.New(uids, capability.Noop{}, log)
	flows, err := tcpengine.New(func(int) bool { return true }, log)
	if err != nil {
		t.Fatalf("tcpengine.New: %v", err)
	}
	return New(dec, flows, capability.Noop{}, log, 30*time.Second, 50*time.Millisecond, 4096)
}

func TestStartStopLifecycle(t *testing.T) {
	e := testEngine(t)
	ft := newFakeTun(t)

	if err := e.Start(ft); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return, loop did not exit on stop signal")
	}

	if e.running {
		t.Error("engine still marked running after Stop")
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	e := testEngine(t)
	ft := newFakeTun(t)
	if err := e.Start(ft); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.Start(ft); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
}

func TestStopWhileNotRunningIsNoop(t *testing.T) {
	e := testEngine(t)
	e.Stop() // must not panic or block
}

func TestHandleTunReadDropsMalformedPacketWithoutCrashing(t *testing.T) {
	e := testEngine(t)
	ft := newFakeTun(t)
	e.handleTunRead([]byte{0x01, 0x02}, ft)
	if len(ft.written) != 0 {
		t.Errorf("malformed packet produced a tun write, want none")
	}
}

func TestBuildPollSetOrdering(t *testing.T) {
	e := testEngine(t)
	ft := newFakeTun(t)
	e.stopPipeR, e.stopPipeW = 101, 102

	pollfds := e.buildPollSet(ft, nil, nil)
	if len(pollfds) != 2 {
		t.Fatalf("got %d pollfds, want 2 (stop pipe + tun)", len(pollfds))
	}
	if pollfds[0].Fd != 101 {
		t.Errorf("pollfds[0].Fd = %d, want stop pipe fd", pollfds[0].Fd)
	}
	if pollfds[1].Fd != int32(ft.Fd()) {
		t.Errorf("pollfds[1].Fd = %d, want tun fd", pollfds[1].Fd)
	}
}
