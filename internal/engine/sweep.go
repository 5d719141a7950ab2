//go:build linux

package engine

import (
	"time"

	"github.com/pkorzh/shrike/internal/cgi"
	"github.com/pkorzh/shrike/internal/obs"
)

// sweepInterval caps how long deadlines can go unchecked while the loop is
// busy with traffic.
const sweepInterval = 500 * time.Millisecond

// sweep enforces idle and CGI deadlines and finishes off a drain.
func (e *Engine) sweep(now time.Time) {
	idle := e.cfg.IdleTimeout.Std()
	for _, c := range e.reg.clientList() {
		if c.state == stateClosed {
			continue
		}
		if s := c.session; s != nil && now.After(s.Deadline) {
			obs.CGITimeout()
			e.log.Warn().Int("pid", s.PID).Str("remote", c.remote).Msg("cgi deadline exceeded")
			s.Phase = cgi.PhaseTimedOut
			e.abortCGI(c, 504)
			continue
		}
		if e.draining && now.After(e.drainAt) {
			e.closeConn(c, "shutdown grace expired")
			continue
		}
		// A running CGI session is bounded by its own deadline above, not
		// by the idle clock.
		if c.session == nil && idle > 0 && now.Sub(c.lastActivity) > idle {
			obs.IdleTimeout()
			if c.state == stateReading && !c.readSome && !c.pendingOut() {
				// A quiet keep-alive connection gets the courtesy status;
				// one stalled mid-request or mid-response is cut without
				// ceremony.
				c.closeAfter = true
				e.respondStatus(c, 408, "")
				e.drive(c)
				continue
			}
			e.closeConn(c, "idle timeout")
		}
	}
	e.reapZombies()
}

// reapChildren runs on SIGCHLD and collects whoever exited, without
// blocking on anyone still alive.
func (e *Engine) reapChildren() {
	for _, c := range e.reg.clientList() {
		if c.session != nil {
			c.session.TryReap()
		}
	}
	e.reapZombies()
}

func (e *Engine) reapZombies() {
	if len(e.zombies) == 0 {
		return
	}
	kept := e.zombies[:0]
	for _, s := range e.zombies {
		if !s.TryReap() {
			kept = append(kept, s)
		}
	}
	e.zombies = kept
}

// beginDrain stops accepting and schedules the end of existing traffic.
func (e *Engine) beginDrain(now time.Time) {
	e.draining = true
	e.drainAt = now.Add(e.cfg.ShutdownGrace.Std())
	if !e.listenerPaused {
		_ = e.poller.Del(e.listenFd)
	}
	e.listenerPaused = true
	e.reg.remove(e.listenFd)
	e.deferClose(e.listenFd)
	e.log.Info().Dur("grace", e.cfg.ShutdownGrace.Std()).Msg("shutdown requested, draining")

	for _, c := range e.reg.clientList() {
		if c.state == stateReading && !c.readSome && !c.pendingOut() {
			e.closeConn(c, "shutdown")
		} else {
			c.closeAfter = true
		}
	}
}
