//go:build linux

package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pkorzh/shrike/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.IdleTimeout = config.Duration(2 * time.Second)
	cfg.CGITimeout = config.Duration(5 * time.Second)
	cfg.ShutdownGrace = config.Duration(time.Second)
	cfg.Routes = nil
	return cfg
}

// startEngine runs an engine for the duration of the test and returns its
// bound address.
func startEngine(t *testing.T, cfg config.Config) string {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	e, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Run() }()
	t.Cleanup(func() {
		e.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("engine did not shut down")
		}
		e.Close()
	})
	return e.Addr()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(10 * time.Second))
	return c
}

type response struct {
	status  int
	headers map[string]string
	body    []byte
}

// readResponse parses one HTTP/1.1 response off br, decoding chunked or
// Content-Length framing.
func readResponse(t *testing.T, br *bufio.Reader) response {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		t.Fatalf("bad status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("bad status in %q", line)
	}

	headers := make(map[string]string)
	for {
		h, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		h = strings.TrimRight(h, "\r\n")
		if h == "" {
			break
		}
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			t.Fatalf("bad header line %q", h)
		}
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}

	var body []byte
	switch {
	case headers["transfer-encoding"] == "chunked":
		for {
			sizeLine, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read chunk size: %v", err)
			}
			size, err := strconv.ParseInt(strings.TrimRight(sizeLine, "\r\n"), 16, 64)
			if err != nil {
				t.Fatalf("bad chunk size %q", sizeLine)
			}
			if size == 0 {
				if _, err := br.ReadString('\n'); err != nil {
					t.Fatalf("read chunk terminator: %v", err)
				}
				break
			}
			chunk := make([]byte, size+2)
			if _, err := io.ReadFull(br, chunk); err != nil {
				t.Fatalf("read chunk: %v", err)
			}
			body = append(body, chunk[:size]...)
		}
	case headers["content-length"] != "":
		n, err := strconv.Atoi(headers["content-length"])
		if err != nil {
			t.Fatalf("bad content-length %q", headers["content-length"])
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return response{status: status, headers: headers, body: body}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func staticRoute(root string) config.RouteConfig {
	return config.RouteConfig{
		Prefix:  "/",
		Methods: []string{"GET", "HEAD"},
		Root:    root,
		Index:   "index.html",
	}
}

func TestServeStaticAndKeepAlive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<html>hello</html>")
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")

	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)

	fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 200 {
		t.Fatalf("status = %d, want 200", resp.status)
	}
	if string(resp.body) != "<html>hello</html>" {
		t.Errorf("body = %q", resp.body)
	}
	if ct := resp.headers["content-type"]; !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}
	if resp.headers["connection"] != "keep-alive" {
		t.Errorf("connection = %q, want keep-alive", resp.headers["connection"])
	}

	// Second exchange on the same connection.
	fmt.Fprintf(c, "GET /a.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	resp = readResponse(t, br)
	if resp.status != 200 || string(resp.body) != "alpha" {
		t.Fatalf("second exchange: status=%d body=%q", resp.status, resp.body)
	}

	// 404 keeps the connection usable too.
	fmt.Fprintf(c, "GET /missing HTTP/1.1\r\nHost: x\r\n\r\n")
	resp = readResponse(t, br)
	if resp.status != 404 {
		t.Fatalf("status = %d, want 404", resp.status)
	}
	if !bytes.Contains(resp.body, []byte("404")) {
		t.Errorf("error page body = %q", resp.body)
	}
}

func TestPipelinedRequests(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "first")
	writeFile(t, filepath.Join(root, "b.txt"), "second")

	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)

	// Both requests land in one write; responses must come back in order.
	io.WriteString(c, "GET /a.txt HTTP/1.1\r\nHost: x\r\n\r\nGET /b.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 200 || string(resp.body) != "first" {
		t.Fatalf("first response: status=%d body=%q", resp.status, resp.body)
	}
	resp = readResponse(t, br)
	if resp.status != 200 || string(resp.body) != "second" {
		t.Fatalf("second response: status=%d body=%q", resp.status, resp.body)
	}
}

func TestConnectionClose(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "x")

	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 200 {
		t.Fatalf("status = %d", resp.status)
	}
	if resp.headers["connection"] != "close" {
		t.Errorf("connection = %q, want close", resp.headers["connection"])
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("expected EOF after Connection: close, got %v", err)
	}
}

func TestHTTP10Defaults(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "x")

	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "GET / HTTP/1.0\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 200 {
		t.Fatalf("status = %d", resp.status)
	}
	if resp.headers["connection"] != "close" {
		t.Errorf("HTTP/1.0 without keep-alive: connection = %q", resp.headers["connection"])
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestBadRequestLine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "GARBAGE\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 400 {
		t.Fatalf("status = %d, want 400", resp.status)
	}
	if resp.headers["connection"] != "close" {
		t.Errorf("connection = %q, want close after protocol error", resp.headers["connection"])
	}
}

func TestUnsupportedMethod(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "BREW /coffee HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp := readResponse(t, br); resp.status != 501 {
		t.Fatalf("status = %d, want 501", resp.status)
	}
}

func TestMissingHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "GET / HTTP/1.1\r\n\r\n")
	if resp := readResponse(t, br); resp.status != 400 {
		t.Fatalf("status = %d, want 400", resp.status)
	}
}

func TestUploadBoundaryAndDelete(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.MaxBodyBytes = 1024
	cfg.Routes = []config.RouteConfig{{
		Prefix:    "/files",
		Methods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE"},
		Root:      root,
		UploadDir: root,
	}}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)

	// Exactly the limit is accepted.
	body := strings.Repeat("a", 1024)
	fmt.Fprintf(c, "PUT /files/max.txt HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := readResponse(t, br)
	if resp.status != 201 {
		t.Fatalf("PUT at limit: status = %d, want 201", resp.status)
	}
	if loc := resp.headers["location"]; loc != "/files/max.txt" {
		t.Errorf("location = %q", loc)
	}
	stored, err := os.ReadFile(filepath.Join(root, "max.txt"))
	if err != nil || string(stored) != body {
		t.Fatalf("stored file: %v, %d bytes", err, len(stored))
	}

	// A PUT to an existing file overwrites and reports 204.
	fmt.Fprintf(c, "PUT /files/max.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nnew")
	if resp = readResponse(t, br); resp.status != 204 {
		t.Fatalf("overwrite: status = %d, want 204", resp.status)
	}

	// DELETE removes it.
	fmt.Fprintf(c, "DELETE /files/max.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp = readResponse(t, br); resp.status != 204 {
		t.Fatalf("DELETE: status = %d, want 204", resp.status)
	}
	if _, err := os.Stat(filepath.Join(root, "max.txt")); !os.IsNotExist(err) {
		t.Errorf("file still present after DELETE: %v", err)
	}

	// One byte over the limit is rejected.
	over := strings.Repeat("a", 1025)
	fmt.Fprintf(c, "PUT /files/over.txt HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(over), over)
	if resp = readResponse(t, br); resp.status != 413 {
		t.Fatalf("over limit: status = %d, want 413", resp.status)
	}
}

func TestChunkedRequestBody(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{{
		Prefix:    "/files",
		Methods:   []string{"PUT"},
		Root:      root,
		UploadDir: root,
	}}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "PUT /files/c.txt HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n")
	io.WriteString(c, "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	if resp := readResponse(t, br); resp.status != 201 {
		t.Fatalf("status = %d, want 201", resp.status)
	}
	stored, err := os.ReadFile(filepath.Join(root, "c.txt"))
	if err != nil || string(stored) != "hello world" {
		t.Fatalf("stored = %q, err %v", stored, err)
	}
}

func TestExpectContinue(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{{
		Prefix:    "/files",
		Methods:   []string{"PUT"},
		Root:      root,
		UploadDir: root,
	}}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "PUT /files/e.txt HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")
	if resp := readResponse(t, br); resp.status != 100 {
		t.Fatalf("interim status = %d, want 100", resp.status)
	}
	io.WriteString(c, "data")
	if resp := readResponse(t, br); resp.status != 201 {
		t.Fatalf("final status = %d, want 201", resp.status)
	}
}

func TestRedirectRoute(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{
		staticRoute(t.TempDir()),
		{Prefix: "/old", Redirect: config.RedirectConfig{Location: "/new", Code: 301}},
	}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "GET /old/page HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 301 {
		t.Fatalf("status = %d, want 301", resp.status)
	}
	if resp.headers["location"] != "/new" {
		t.Errorf("location = %q", resp.headers["location"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "DELETE /x HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 405 {
		t.Fatalf("status = %d, want 405", resp.status)
	}
	if allow := resp.headers["allow"]; !strings.Contains(allow, "GET") {
		t.Errorf("allow = %q", allow)
	}
}

func TestConnectionCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "x")

	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c1 := dial(t, addr)
	br1 := bufio.NewReader(c1)
	io.WriteString(c1, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp := readResponse(t, br1); resp.status != 200 {
		t.Fatalf("first connection: status = %d", resp.status)
	}

	// The registry is full now; the next arrival gets an inline 503.
	c2 := dial(t, addr)
	br2 := bufio.NewReader(c2)
	resp := readResponse(t, br2)
	if resp.status != 503 {
		t.Fatalf("second connection: status = %d, want 503", resp.status)
	}
	if _, err := br2.ReadByte(); err != io.EOF {
		t.Errorf("expected EOF after 503, got %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = config.Duration(300 * time.Millisecond)
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	addr := startEngine(t, cfg)

	// No request bytes at all: the sweeper answers 408 and closes.
	c := dial(t, addr)
	br := bufio.NewReader(c)
	resp := readResponse(t, br)
	if resp.status != 408 {
		t.Fatalf("status = %d, want 408", resp.status)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("expected EOF after 408, got %v", err)
	}

	// A stalled partial request is cut without a response.
	c2 := dial(t, addr)
	io.WriteString(c2, "GET / HTTP/1.1\r\nHo")
	buf := make([]byte, 64)
	n, err := c2.Read(buf)
	if err != io.EOF {
		t.Errorf("partial request: want silent close, got %d bytes, err %v", n, err)
	}
}

// TestIdleTimeoutWhileWriting parks a connection mid-response by never
// reading it; the sweeper must cut it on the idle clock rather than keep the
// fd and the rest of the body pinned forever.
func TestIdleTimeoutWhileWriting(t *testing.T) {
	root := t.TempDir()
	body := strings.Repeat("0123456789abcdef", 1<<20) // 16MB
	writeFile(t, filepath.Join(root, "big.bin"), body)

	cfg := testConfig(t)
	cfg.IdleTimeout = config.Duration(300 * time.Millisecond)
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	io.WriteString(c, "GET /big.bin HTTP/1.1\r\nHost: x\r\n\r\n")

	// Read nothing while the idle clock runs out on the stalled writer.
	time.Sleep(1500 * time.Millisecond)

	c.SetReadDeadline(time.Now().Add(10 * time.Second))
	var total int
	buf := make([]byte, 64<<10)
	for {
		n, err := c.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	if total >= len(body) {
		t.Fatalf("read the full %d-byte response; connection outlived the idle timeout", total)
	}
}

func TestLargeFileResponse(t *testing.T) {
	root := t.TempDir()
	body := strings.Repeat("86400-seconds-in-a-day..........", 32768) // 1MB, past the stream threshold
	writeFile(t, filepath.Join(root, "big.bin"), body)

	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(root)}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	c.SetDeadline(time.Now().Add(30 * time.Second))
	br := bufio.NewReader(c)
	io.WriteString(c, "GET /big.bin HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 200 {
		t.Fatalf("status = %d", resp.status)
	}
	if resp.headers["content-length"] != strconv.Itoa(len(body)) {
		t.Errorf("content-length = %q, want %d", resp.headers["content-length"], len(body))
	}
	if string(resp.body) != body {
		t.Fatalf("streamed body differs: got %d bytes, want %d", len(resp.body), len(body))
	}

	// The connection survives a file-streamed exchange.
	io.WriteString(c, "GET /big.bin HTTP/1.1\r\nHost: x\r\n\r\n")
	resp = readResponse(t, br)
	if resp.status != 200 || len(resp.body) != len(body) {
		t.Fatalf("second request after stream: status=%d body=%d bytes", resp.status, len(resp.body))
	}
}

// TestRouteBodyLimitOverride checks a per-route max_body_bytes above the
// server-wide limit is honored, while routes without an override keep the
// server-wide bound.
func TestRouteBodyLimitOverride(t *testing.T) {
	bigRoot := t.TempDir()
	smallRoot := t.TempDir()
	cfg := testConfig(t)
	cfg.MaxBodyBytes = 1024
	cfg.Routes = []config.RouteConfig{
		{Prefix: "/big", Methods: []string{"PUT"}, Root: bigRoot, UploadDir: bigRoot, MaxBodyBytes: 4096},
		{Prefix: "/small", Methods: []string{"PUT"}, Root: smallRoot, UploadDir: smallRoot},
	}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)

	body := strings.Repeat("a", 2048)
	fmt.Fprintf(c, "PUT /big/f.txt HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	if resp := readResponse(t, br); resp.status != 201 {
		t.Fatalf("override route at 2048: status = %d, want 201", resp.status)
	}

	// The same body is over the limit on the non-override route.
	fmt.Fprintf(c, "PUT /small/f.txt HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	if resp := readResponse(t, br); resp.status != 413 {
		t.Fatalf("default route at 2048: status = %d, want 413", resp.status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsPath = "/metrics"
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	addr := startEngine(t, cfg)

	c := dial(t, addr)
	br := bufio.NewReader(c)
	io.WriteString(c, "GET /metrics HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 200 {
		t.Fatalf("status = %d", resp.status)
	}
	if !bytes.Contains(resp.body, []byte("shrike_open_connections")) {
		t.Errorf("metrics body lacks shrike gauges: %.200s", resp.body)
	}
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes = []config.RouteConfig{staticRoute(t.TempDir())}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	e, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	c := dial(t, e.Addr())
	// Give the loop a moment to accept before asking it to drain.
	time.Sleep(100 * time.Millisecond)
	e.Shutdown()

	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != io.EOF {
		t.Errorf("idle connection should close on shutdown, got %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("engine did not drain")
	}
	e.Close()
}

func TestRegistryNoDoubleRelease(t *testing.T) {
	r := newRegistry(4)
	c := &conn{fd: 7}
	r.addClient(7, c)
	if r.clientCount() != 1 {
		t.Fatalf("clients = %d", r.clientCount())
	}
	r.remove(7)
	r.remove(7)
	if r.clientCount() != 0 {
		t.Errorf("clients = %d after double remove, want 0", r.clientCount())
	}
	if _, ok := r.lookup(7); ok {
		t.Error("fd still present after remove")
	}
}
