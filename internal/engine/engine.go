//go:build linux

// Package engine runs the event loop: one goroutine, one epoll set, every
// client socket and CGI pipe multiplexed through it. Nothing here takes a
// lock. Connections are owned by the loop goroutine; the signal handler is
// the only other goroutine and talks to the loop through atomic flags and
// an eventfd wake.
package engine

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pkorzh/shrike/internal/cgi"
	"github.com/pkorzh/shrike/internal/config"
	"github.com/pkorzh/shrike/internal/date"
	"github.com/pkorzh/shrike/internal/poller"
	"github.com/pkorzh/shrike/internal/router"
)

// Engine owns the listening socket, the poller and every connection.
type Engine struct {
	cfg    config.Config
	log    zerolog.Logger
	router *router.Router
	poller *poller.Poller
	reg    *registry

	listenFd   int
	listenHost string
	listenPort string
	addr       string

	listenerPaused bool
	resumeAt       time.Time

	// bodyLimit is the parser's body bound: the largest max_body_bytes
	// any route accepts. Routes with smaller limits reject after routing.
	bodyLimit int64

	readBuf []byte

	// pendingClose holds fds already out of the poller and the registry
	// whose close waits for the end of the current event batch. Closing
	// mid-batch would let the kernel reuse the number while stale events
	// for it are still queued.
	pendingClose []int

	// zombies are CGI children killed or abandoned but not yet reaped.
	zombies []*cgi.Session

	draining bool
	drainAt  time.Time

	stopFlag atomic.Bool
	reapFlag atomic.Bool
}

// New binds the listen address and prepares the loop. Run starts serving.
func New(cfg config.Config, log zerolog.Logger) (*Engine, error) {
	p, err := poller.Open()
	if err != nil {
		return nil, err
	}
	lfd, err := listen(cfg.Listen)
	if err != nil {
		p.Close()
		return nil, err
	}

	addr := boundAddr(lfd)
	host, port, _ := net.SplitHostPort(addr)
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		router:     router.New(cfg.Routes),
		poller:     p,
		reg:        newRegistry(cfg.MaxConnections),
		listenFd:   lfd,
		listenHost: host,
		listenPort: port,
		addr:       addr,
		bodyLimit:  cfg.BodyParseLimit(),
		readBuf:    make([]byte, cfg.ReadChunkBytes),
	}
	if err := p.Add(lfd, poller.Interest{Readable: true}); err != nil {
		unix.Close(lfd)
		p.Close()
		return nil, fmt.Errorf("register listener: %w", err)
	}
	e.reg.addListener(lfd)
	return e, nil
}

// Addr returns the bound address with any ephemeral port resolved.
func (e *Engine) Addr() string { return e.addr }

// Shutdown asks the loop to drain and exit. Safe from any goroutine.
func (e *Engine) Shutdown() {
	e.stopFlag.Store(true)
	_ = e.poller.Wakeup()
}

// Close releases the poller. Call after Run returns.
func (e *Engine) Close() error { return e.poller.Close() }

// Run drives the loop until a drain completes or the poller fails.
func (e *Engine) Run() error {
	stopDate := date.StartTicker()
	defer stopDate()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGINT, unix.SIGTERM, unix.SIGCHLD)
	sigdone := make(chan struct{})
	defer func() {
		signal.Stop(sigc)
		close(sigdone)
	}()
	go func() {
		for {
			select {
			case sig := <-sigc:
				if sig == unix.SIGCHLD {
					e.reapFlag.Store(true)
				} else {
					e.stopFlag.Store(true)
				}
				_ = e.poller.Wakeup()
			case <-sigdone:
				return
			}
		}
	}()

	e.log.Info().
		Str("addr", e.addr).
		Int("max_connections", e.cfg.MaxConnections).
		Msg("listening")

	for {
		now := time.Now()
		if _, err := e.poller.Wait(e.waitTimeout(now), e.dispatch); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		now = time.Now()

		if e.reapFlag.Swap(false) {
			e.reapChildren()
		}
		if e.stopFlag.Swap(false) && !e.draining {
			e.beginDrain(now)
		}
		e.sweep(now)
		e.maybeResumeListener(now)
		e.closePending()

		if e.draining && e.reg.clientCount() == 0 && len(e.zombies) == 0 {
			e.log.Info().Msg("drained")
			return nil
		}
	}
}

// waitTimeout picks the nearest deadline the loop has to wake for.
func (e *Engine) waitTimeout(now time.Time) time.Duration {
	d := sweepInterval
	lower := func(t time.Time) {
		if until := t.Sub(now); until < d {
			d = until
		}
	}
	if e.listenerPaused && !e.draining {
		lower(e.resumeAt)
	}
	if e.draining && e.reg.clientCount() > 0 {
		lower(e.drainAt)
	}
	e.reg.eachClient(func(c *conn) {
		if c.session != nil {
			lower(c.session.Deadline)
		}
	})
	if d < 0 {
		d = 0
	}
	return d
}

func (e *Engine) dispatch(fd int, ev poller.Event) {
	ent, ok := e.reg.lookup(fd)
	if !ok {
		// Torn down earlier in this same batch.
		return
	}
	switch ent.kind {
	case fdListener:
		e.acceptAll()
	case fdClient:
		e.onClient(ent.conn, ev)
	case fdCGIStdin:
		e.onCGIStdin(ent.conn, ev)
	case fdCGIStdout:
		e.onCGIStdout(ent.conn, ev)
	}
}

// deferClose queues fd for closing after the current event batch. The fd
// must already be out of the poller and the registry.
func (e *Engine) deferClose(fd int) {
	e.pendingClose = append(e.pendingClose, fd)
}

func (e *Engine) closePending() {
	for _, fd := range e.pendingClose {
		unix.Close(fd)
	}
	e.pendingClose = e.pendingClose[:0]
}
