//go:build linux

package cgi

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func shSession(t *testing.T, script string, body []byte) *Session {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := Spawn("/bin/sh", path, []string{"PATH=/usr/bin:/bin"}, body, time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		s.Kill()
		s.CloseStdin()
		s.CloseStdout()
		for i := 0; i < 200 && !s.TryReap(); i++ {
			time.Sleep(5 * time.Millisecond)
		}
	})
	return s
}

// drive pumps both pipes the way the event loop does, never blocking on
// either side, until stdin is finished and stdout hits EOF.
func drive(t *testing.T, s *Session) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 16<<10)
	inDone := !s.StdinOpen()
	eof := false
	deadline := time.Now().Add(10 * time.Second)
	for !eof {
		if time.Now().After(deadline) {
			t.Fatalf("pipes stalled: pending input %d, collected %d bytes", s.PendingInput(), len(out))
		}
		progressed := false
		if !inDone {
			wrote, done, err := s.WriteChunk()
			if err != nil {
				t.Fatalf("WriteChunk: %v", err)
			}
			progressed = progressed || wrote > 0
			if done {
				s.CloseStdin()
				inDone = true
			}
		}
		n, e, err := s.ReadChunk(buf)
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		if n > 0 {
			out = append(out, buf[:n]...)
			progressed = true
		}
		eof = e
		if !progressed && !eof {
			time.Sleep(time.Millisecond)
		}
	}
	s.CloseStdout()
	return out
}

func reap(t *testing.T, s *Session) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if s.TryReap() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("child %d never reaped", s.PID)
}

func TestSessionEchoBody(t *testing.T) {
	body := []byte("name=value&flag=on")
	s := shSession(t, "printf 'Content-Type: text/plain\\r\\n\\r\\n'; cat\n", body)
	raw := drive(t, s)

	done, rest, err := s.Out.Feed(raw)
	if err != nil || !done {
		t.Fatalf("output parse: done=%v err=%v", done, err)
	}
	if s.Out.Status != 200 {
		t.Errorf("Status = %d, want 200", s.Out.Status)
	}
	if !bytes.Equal(rest, body) {
		t.Errorf("echoed body = %q, want %q", rest, body)
	}
	reap(t, s)
	if s.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", s.ExitCode)
	}
}

func TestSessionEmptyBodyClosesStdinAtSpawn(t *testing.T) {
	s := shSession(t, "printf 'Content-Type: text/plain\\r\\n\\r\\nhi'\n", nil)
	if s.StdinOpen() {
		t.Error("stdin still open after spawning with no body")
	}
	if s.Phase != PhaseDrainingOutput {
		t.Errorf("Phase = %v, want %v", s.Phase, PhaseDrainingOutput)
	}
	raw := drive(t, s)
	done, rest, err := s.Out.Feed(raw)
	if err != nil || !done {
		t.Fatalf("output parse: done=%v err=%v", done, err)
	}
	if string(rest) != "hi" {
		t.Errorf("body = %q, want %q", rest, "hi")
	}
	reap(t, s)
}

func TestSessionLargeBodyNeedsInterleaving(t *testing.T) {
	// Past pipe capacity in both directions the child cannot finish unless
	// the parent keeps draining stdout while it still has stdin to write.
	body := bytes.Repeat([]byte("0123456789abcdef"), 16<<10) // 256 KiB
	s := shSession(t, "printf 'Content-Type: application/octet-stream\\r\\n\\r\\n'; cat\n", body)
	raw := drive(t, s)

	done, rest, err := s.Out.Feed(raw)
	if err != nil || !done {
		t.Fatalf("output parse: done=%v err=%v", done, err)
	}
	if !bytes.Equal(rest, body) {
		t.Errorf("echo mismatch: got %d bytes, want %d", len(rest), len(body))
	}
	reap(t, s)
	if s.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", s.ExitCode)
	}
}

func TestSessionPrematureExit(t *testing.T) {
	s := shSession(t, "exit 3\n", nil)
	raw := drive(t, s)
	if s.Out.HeadersDone() {
		t.Error("headers reported done for a script that wrote nothing")
	}
	if len(raw) != 0 {
		t.Errorf("unexpected output %q", raw)
	}
	reap(t, s)
	if s.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", s.ExitCode)
	}
}

func TestSessionKillReapsWithSignalCode(t *testing.T) {
	s := shSession(t, "sleep 30\n", nil)
	s.Kill()
	reap(t, s)
	if s.ExitCode != 137 {
		t.Errorf("ExitCode = %d, want 137", s.ExitCode)
	}
	if !s.Reaped() {
		t.Error("Reaped() = false after TryReap succeeded")
	}
	// A second reap attempt must stay settled rather than block or error.
	if !s.TryReap() {
		t.Error("TryReap flipped back to false")
	}
}

func TestSessionBrokenPipeDropsRemainingInput(t *testing.T) {
	// The child never reads stdin, so once it exits the remaining body has
	// nowhere to go and the writer must give up cleanly.
	body := bytes.Repeat([]byte("x"), 256<<10)
	s := shSession(t, "exit 0\n", body)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("stdin never finished: %d bytes pending", s.PendingInput())
		}
		_, done, err := s.WriteChunk()
		if err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if s.PendingInput() != 0 {
		t.Errorf("PendingInput = %d after done", s.PendingInput())
	}
	s.CloseStdin()
	reap(t, s)
	if s.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", s.ExitCode)
	}
}

func TestSpawnRejectsMissingScript(t *testing.T) {
	_, err := Spawn("/bin/sh", filepath.Join(t.TempDir(), "absent.sh"), nil, nil, time.Time{})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestSpawnRejectsDirectory(t *testing.T) {
	_, err := Spawn("/bin/sh", t.TempDir(), nil, nil, time.Time{})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}
