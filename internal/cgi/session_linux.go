//go:build linux

package cgi

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Phase tracks a session through its lifecycle.
type Phase uint8

const (
	PhaseWritingInput Phase = iota
	PhaseDrainingOutput
	PhaseDone
	PhaseTimedOut
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseWritingInput:
		return "writing-input"
	case PhaseDrainingOutput:
		return "draining-output"
	case PhaseDone:
		return "done"
	case PhaseTimedOut:
		return "timed-out"
	default:
		return "failed"
	}
}

// writeQuantum bounds a single stdin write so one greedy pipe cannot stall
// the rest of the loop.
const writeQuantum = 32 << 10

// Session is one running CGI child. All methods are loop-goroutine only.
type Session struct {
	PID      int
	Stdin    int // parent write end, -1 once closed
	Stdout   int // parent read end, -1 once closed
	Deadline time.Time
	Phase    Phase

	// Out parses the script's header block as stdout drains.
	Out Output
	// ExitCode is the reaped status, -1 before reaping (and for signals it
	// is 128 plus the signal number).
	ExitCode int

	process *os.Process
	input   []byte
	inOff   int
	reaped  bool
}

// Spawn starts the interpreter on the script with the given environment and
// request body. Both parent pipe ends come back non-blocking, ready for the
// poller; the child sees ordinary blocking stdio and the server's stderr.
func Spawn(interpreter, script string, env []string, body []byte, deadline time.Time) (*Session, error) {
	abs, err := filepath.Abs(script)
	if err != nil {
		return nil, fmt.Errorf("cgi: resolve %s: %w", script, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cgi: %s is a directory: %w", abs, fs.ErrNotExist)
	}

	var inPipe, outPipe [2]int
	if err := unix.Pipe2(inPipe[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("cgi: stdin pipe: %w", err)
	}
	if err := unix.Pipe2(outPipe[:], unix.O_CLOEXEC); err != nil {
		closeFds(inPipe[0], inPipe[1])
		return nil, fmt.Errorf("cgi: stdout pipe: %w", err)
	}
	if err := unix.SetNonblock(inPipe[1], true); err != nil {
		closeFds(inPipe[0], inPipe[1], outPipe[0], outPipe[1])
		return nil, fmt.Errorf("cgi: stdin nonblock: %w", err)
	}
	if err := unix.SetNonblock(outPipe[0], true); err != nil {
		closeFds(inPipe[0], inPipe[1], outPipe[0], outPipe[1])
		return nil, fmt.Errorf("cgi: stdout nonblock: %w", err)
	}

	childStdin := os.NewFile(uintptr(inPipe[0]), "|cgi-stdin")
	childStdout := os.NewFile(uintptr(outPipe[1]), "|cgi-stdout")
	defer childStdin.Close()
	defer childStdout.Close()

	proc, err := os.StartProcess(interpreter, []string{interpreter, abs}, &os.ProcAttr{
		Dir:   filepath.Dir(abs),
		Env:   env,
		Files: []*os.File{childStdin, childStdout, os.Stderr},
	})
	if err != nil {
		closeFds(inPipe[1], outPipe[0])
		return nil, fmt.Errorf("cgi: start %s: %w", interpreter, err)
	}

	s := &Session{
		PID:      proc.Pid,
		Stdin:    inPipe[1],
		Stdout:   outPipe[0],
		Deadline: deadline,
		Phase:    PhaseWritingInput,
		ExitCode: -1,
		process:  proc,
		input:    body,
	}
	if len(body) == 0 {
		// Nothing to send; give the child its EOF right away.
		s.CloseStdin()
		s.Phase = PhaseDrainingOutput
	}
	return s, nil
}

// StdinOpen reports whether the parent write end is still open.
func (s *Session) StdinOpen() bool { return s.Stdin >= 0 }

// StdoutOpen reports whether the parent read end is still open.
func (s *Session) StdoutOpen() bool { return s.Stdout >= 0 }

// PendingInput reports how many body bytes remain unwritten.
func (s *Session) PendingInput() int { return len(s.input) - s.inOff }

// WriteChunk pushes pending body bytes into stdin until the pipe fills or a
// quantum is spent. done means stdin has served its purpose, because the
// body is fully written or the child stopped reading, and the caller should
// deregister and close it.
func (s *Session) WriteChunk() (wrote int, done bool, err error) {
	if s.Stdin < 0 {
		return 0, true, nil
	}
	for s.inOff < len(s.input) && wrote < writeQuantum {
		chunk := s.input[s.inOff:]
		if len(chunk) > writeQuantum {
			chunk = chunk[:writeQuantum]
		}
		n, werr := unix.Write(s.Stdin, chunk)
		if n > 0 {
			s.inOff += n
			wrote += n
		}
		switch werr {
		case nil:
		case unix.EAGAIN:
			return wrote, false, nil
		case unix.EINTR:
		case unix.EPIPE:
			// Child closed its end; the rest of the body is moot.
			s.inOff = len(s.input)
			return wrote, true, nil
		default:
			return wrote, true, fmt.Errorf("cgi: write stdin: %w", werr)
		}
	}
	return wrote, s.inOff == len(s.input), nil
}

// ReadChunk performs one read from stdout. eof reports the child closed its
// end; n==0 without eof means the pipe is drained for now.
func (s *Session) ReadChunk(buf []byte) (n int, eof bool, err error) {
	if s.Stdout < 0 {
		return 0, true, nil
	}
	for {
		n, rerr := unix.Read(s.Stdout, buf)
		switch {
		case rerr == unix.EINTR:
			continue
		case rerr == unix.EAGAIN:
			return 0, false, nil
		case rerr != nil:
			return 0, false, fmt.Errorf("cgi: read stdout: %w", rerr)
		case n == 0:
			return 0, true, nil
		default:
			return n, false, nil
		}
	}
}

// DetachStdin hands ownership of the write end to the caller and forgets
// it. For loops that sequence fd closing themselves.
func (s *Session) DetachStdin() int {
	fd := s.Stdin
	s.Stdin = -1
	return fd
}

// DetachStdout is DetachStdin for the read end.
func (s *Session) DetachStdout() int {
	fd := s.Stdout
	s.Stdout = -1
	return fd
}

// CloseStdin closes the parent write end. The caller must deregister the fd
// from the poller first.
func (s *Session) CloseStdin() {
	if s.Stdin >= 0 {
		unix.Close(s.Stdin)
		s.Stdin = -1
	}
}

// CloseStdout closes the parent read end. Same deregistration rule applies.
func (s *Session) CloseStdout() {
	if s.Stdout >= 0 {
		unix.Close(s.Stdout)
		s.Stdout = -1
	}
}

// Kill sends SIGKILL. Reaping still has to happen afterwards.
func (s *Session) Kill() {
	if !s.reaped {
		_ = unix.Kill(s.PID, unix.SIGKILL)
	}
}

// Reaped reports whether the exit status has been collected.
func (s *Session) Reaped() bool { return s.reaped }

// TryReap collects the exit status without blocking and reports whether the
// child is reaped. Safe to call repeatedly.
func (s *Session) TryReap() bool {
	if s.reaped {
		return true
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(s.PID, &ws, unix.WNOHANG, nil)
	switch {
	case err == unix.ECHILD:
		// Already collected elsewhere; nothing more to learn.
		s.reaped = true
	case err != nil || pid == 0:
		return false
	default:
		s.reaped = true
		if ws.Exited() {
			s.ExitCode = ws.ExitStatus()
		} else if ws.Signaled() {
			s.ExitCode = 128 + int(ws.Signal())
		}
	}
	if s.process != nil {
		_ = s.process.Release()
		s.process = nil
	}
	return true
}

func closeFds(fds ...int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
