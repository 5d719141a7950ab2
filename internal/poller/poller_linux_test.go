//go:build linux

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func mustPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func mustOpen(t *testing.T) *Poller {
	t.Helper()
	p, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestWaitTimesOut(t *testing.T) {
	p := mustOpen(t)
	start := time.Now()
	n, err := p.Wait(20*time.Millisecond, func(int, Event) {
		t.Error("unexpected event")
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d", n)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("Wait returned before the timeout")
	}
}

func TestReadReadiness(t *testing.T) {
	p := mustOpen(t)
	r, w := mustPipe(t)
	if err := p.Add(r, Interest{Readable: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got Event
	var gotFd int
	n, err := p.Wait(time.Second, func(fd int, ev Event) {
		gotFd, got = fd, ev
	})
	if err != nil || n != 1 {
		t.Fatalf("Wait: n=%d err=%v", n, err)
	}
	if gotFd != r || !got.Readable {
		t.Fatalf("event fd=%d %+v, want readable on %d", gotFd, got, r)
	}
}

func TestModSwitchesInterest(t *testing.T) {
	p := mustOpen(t)
	_, w := mustPipe(t)
	// Watch the write end, which is immediately writable.
	if err := p.Add(w, Interest{Writable: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, err := p.Wait(time.Second, func(fd int, ev Event) {
		if fd != w || !ev.Writable {
			t.Errorf("event fd=%d %+v", fd, ev)
		}
	})
	if err != nil || n != 1 {
		t.Fatalf("Wait: n=%d err=%v", n, err)
	}
	// Drop write interest; only read remains, and nothing is readable.
	if err := p.Mod(w, Interest{Readable: true}); err != nil {
		t.Fatalf("Mod: %v", err)
	}
	n, err = p.Wait(20*time.Millisecond, func(fd int, ev Event) {
		t.Errorf("unexpected event fd=%d %+v", fd, ev)
	})
	if err != nil || n != 0 {
		t.Fatalf("Wait after Mod: n=%d err=%v", n, err)
	}
}

func TestDelStopsEvents(t *testing.T) {
	p := mustOpen(t)
	r, w := mustPipe(t)
	if err := p.Add(r, Interest{Readable: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Del(r); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := p.Wait(20*time.Millisecond, func(fd int, ev Event) {
		t.Errorf("event after Del: fd=%d %+v", fd, ev)
	})
	if err != nil || n != 0 {
		t.Fatalf("Wait: n=%d err=%v", n, err)
	}
}

func TestPeerCloseReportsClosed(t *testing.T) {
	p := mustOpen(t)
	r, w := mustPipe(t)
	if err := p.Add(r, Interest{Readable: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	unix.Close(w)
	var got Event
	n, err := p.Wait(time.Second, func(fd int, ev Event) { got = ev })
	if err != nil || n != 1 {
		t.Fatalf("Wait: n=%d err=%v", n, err)
	}
	if !got.Closed {
		t.Fatalf("event %+v, want Closed", got)
	}
}

func TestWakeupInterruptsWait(t *testing.T) {
	p := mustOpen(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := p.Wakeup(); err != nil {
			t.Errorf("Wakeup: %v", err)
		}
	}()
	start := time.Now()
	n, err := p.Wait(5*time.Second, func(int, Event) {
		t.Error("wakeup delivered as event")
	})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d", n)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Wakeup did not interrupt Wait")
	}
}

func TestWakeupCoalesces(t *testing.T) {
	p := mustOpen(t)
	for i := 0; i < 3; i++ {
		if err := p.Wakeup(); err != nil {
			t.Fatalf("Wakeup %d: %v", i, err)
		}
	}
	// All pending wakeups drain in one pass.
	if n, err := p.Wait(100*time.Millisecond, nil); err != nil || n != 0 {
		t.Fatalf("first Wait: n=%d err=%v", n, err)
	}
	start := time.Now()
	if n, err := p.Wait(30*time.Millisecond, nil); err != nil || n != 0 {
		t.Fatalf("second Wait: n=%d err=%v", n, err)
	} else if time.Since(start) < 20*time.Millisecond {
		t.Fatal("stale wakeup leaked into the second Wait")
	}
}

func TestClosedPollerRejectsOps(t *testing.T) {
	p, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Add(0, Interest{Readable: true}); err != ErrClosed {
		t.Fatalf("Add on closed poller: %v", err)
	}
	if _, err := p.Wait(0, nil); err != ErrClosed {
		t.Fatalf("Wait on closed poller: %v", err)
	}
	if err := p.Close(); err != ErrClosed {
		t.Fatalf("double Close: %v", err)
	}
}

// Pipes and sockets coexist in one registration set.
func TestMixedFdKinds(t *testing.T) {
	p := mustOpen(t)
	pr, pw := mustPipe(t)

	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(sv[0])
	defer unix.Close(sv[1])

	if err := p.Add(pr, Interest{Readable: true}); err != nil {
		t.Fatalf("Add pipe: %v", err)
	}
	if err := p.Add(sv[0], Interest{Readable: true}); err != nil {
		t.Fatalf("Add socket: %v", err)
	}
	if _, err := unix.Write(pw, []byte("p")); err != nil {
		t.Fatalf("write pipe: %v", err)
	}
	if _, err := unix.Write(sv[1], []byte("s")); err != nil {
		t.Fatalf("write socket: %v", err)
	}

	ready := map[int]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(ready) < 2 && time.Now().Before(deadline) {
		if _, err := p.Wait(100*time.Millisecond, func(fd int, ev Event) {
			if ev.Readable {
				ready[fd] = true
			}
		}); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if !ready[pr] || !ready[sv[0]] {
		t.Fatalf("readiness seen for %v, want both pipe %d and socket %d", ready, pr, sv[0])
	}
}
