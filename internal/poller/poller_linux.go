//go:build linux

// Package poller wraps epoll behind the small readiness surface the server
// loop needs: register, re-arm, remove, wait, and a cross-goroutine wakeup.
// Registration is level-triggered, so an fd keeps reporting ready until the
// loop drains it or drops interest.
package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest selects which readiness conditions to watch for an fd.
type Interest struct {
	Readable bool
	Writable bool
}

// Event reports readiness of one fd. Closed covers error and hangup
// conditions that require tearing the fd down regardless of interest.
type Event struct {
	Readable bool
	Writable bool
	Closed   bool
}

// ErrClosed is returned by operations on a closed poller.
var ErrClosed = errors.New("poller: closed")

const maxEvents = 1024

// Poller multiplexes readiness for sockets and pipes alike. All methods
// except Wakeup must be called from the loop goroutine.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	closed bool
}

// Open creates an epoll instance with an eventfd registered for wakeups.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("register wakeup fd: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func eventBits(in Interest) uint32 {
	// Peer hangup rides with read interest; a write-only registration
	// would otherwise storm the loop with hangup events it cannot clear.
	// EPOLLERR and EPOLLHUP cannot be masked and are always delivered.
	var bits uint32
	if in.Readable {
		bits |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in.Writable {
		bits |= unix.EPOLLOUT
	}
	if bits == 0 {
		// An interest-less fd still watches for hangup, otherwise a peer
		// that disappears while the fd is parked is only discovered at
		// the next write.
		bits = unix.EPOLLRDHUP
	}
	return bits
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: eventBits(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Mod replaces the interest set of a registered fd.
func (p *Poller) Mod(fd int, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: eventBits(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Del unregisters fd. The fd must be removed before it is closed.
func (p *Poller) Del(fd int) error {
	if p.closed {
		return ErrClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one fd is ready, the timeout lapses, or a
// Wakeup arrives, and invokes fn for every ready fd. A negative timeout
// blocks indefinitely. Interrupted waits (EINTR) and wakeups report zero
// events; callers treat them like a timeout pass.
func (p *Poller) Wait(timeout time.Duration, fn func(fd int, ev Event)) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	delivered := 0
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWakeup()
			continue
		}
		var ev Event
		if raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			ev.Readable = true
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ev.Writable = true
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev.Closed = true
		}
		fn(fd, ev)
		delivered++
	}
	return delivered, nil
}

// Wakeup interrupts a concurrent Wait. It is the only method safe to call
// from outside the loop goroutine.
func (p *Poller) Wakeup() error {
	one := [8]byte{0: 1}
	for {
		_, err := unix.Write(p.wakefd, one[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is saturated; the pending wakeup
			// has not been consumed yet, so the wait will still return.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("eventfd write: %w", err)
		}
	}
}

func (p *Poller) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wakeup fd.
func (p *Poller) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
