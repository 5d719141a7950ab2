//go:build linux

package engine

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pkorzh/shrike/internal/h1"
	"github.com/pkorzh/shrike/internal/obs"
	"github.com/pkorzh/shrike/internal/poller"
)

const (
	acceptBacklog = 1024

	// listenerPause is how long accepting stays off after the process runs
	// out of file descriptors.
	listenerPause = 250 * time.Millisecond
)

// listen opens a non-blocking listening socket on addr. The host part must
// be empty or an IP literal; port 0 asks the kernel for an ephemeral port.
func listen(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return -1, fmt.Errorf("listen address %q: bad port", addr)
	}

	ip := netip.IPv4Unspecified()
	if host != "" && host != "0.0.0.0" {
		ip, err = netip.ParseAddr(host)
		if err != nil {
			return -1, fmt.Errorf("listen address %q: %w", addr, err)
		}
	}

	family := unix.AF_INET
	if ip.Is6() && !ip.Is4In6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("so_reuseaddr: %w", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: port, Addr: ip.Unmap().As4()}
	} else {
		sa = &unix.SockaddrInet6{Port: port, Addr: ip.As16()}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// boundAddr asks the kernel what the socket actually bound to, resolving
// ephemeral ports.
func boundAddr(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ""
	}
	return formatSockaddr(sa)
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port)).String()
	default:
		return "unknown"
	}
}

// acceptAll drains the accept queue until EAGAIN so the level-triggered
// listener event never goes stale.
func (e *Engine) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(e.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EMFILE, unix.ENFILE:
			e.pauseListener()
			return
		default:
			e.log.Error().Err(err).Msg("accept failed")
			return
		}

		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		remote := formatSockaddr(sa)

		if e.reg.full() || e.draining {
			e.rejectConn(nfd, remote)
			continue
		}

		c := &conn{
			fd:           nfd,
			remote:       remote,
			parser:       h1.NewParser(e.cfg.MaxHeaderBytes, e.bodyLimit),
			state:        stateReading,
			lastActivity: time.Now(),
			armedR:       true,
		}
		if err := e.poller.Add(nfd, poller.Interest{Readable: true}); err != nil {
			// Never registered, so closing straight away cannot race a
			// stale event.
			e.log.Error().Err(err).Msg("register accepted socket")
			unix.Close(nfd)
			continue
		}
		e.reg.addClient(nfd, c)
		obs.ConnOpened()
		e.log.Debug().Str("remote", remote).Int("fd", nfd).Msg("accepted")
	}
}

// rejectConn answers an over-cap or draining arrival with an inline 503 and
// closes. The socket was never registered, so a direct close is safe.
func (e *Engine) rejectConn(fd int, remote string) {
	resp := h1.NewResponse(503)
	resp.AddHeader("content-type", "text/plain")
	resp.AddHeader("retry-after", "1")
	resp.Body = []byte("service unavailable\n")
	_, _ = unix.Write(fd, resp.Encode(nil, false))
	unix.Close(fd)
	obs.ConnRejected()
	e.log.Warn().Str("remote", remote).Int("open", e.reg.clientCount()).Msg("connection rejected")
}

// pauseListener stops accepting for a short window after fd exhaustion.
func (e *Engine) pauseListener() {
	if e.listenerPaused {
		return
	}
	e.listenerPaused = true
	e.resumeAt = time.Now().Add(listenerPause)
	_ = e.poller.Del(e.listenFd)
	e.log.Warn().Msg("out of file descriptors, accepting paused")
}

func (e *Engine) maybeResumeListener(now time.Time) {
	if !e.listenerPaused || e.draining || now.Before(e.resumeAt) {
		return
	}
	if err := e.poller.Add(e.listenFd, poller.Interest{Readable: true}); err != nil {
		e.log.Error().Err(err).Msg("resume listener")
		e.resumeAt = now.Add(listenerPause)
		return
	}
	e.listenerPaused = false
	e.log.Info().Msg("accepting resumed")
}
