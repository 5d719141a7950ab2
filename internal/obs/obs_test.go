package obs

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRenderMetricsIncludesServerSeries(t *testing.T) {
	ConnOpened()
	ObserveRequest("GET", "/", 200, 5*time.Millisecond, 128)
	ConnClosed()

	out, err := RenderMetrics()
	if err != nil {
		t.Fatalf("RenderMetrics: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		"shrike_http_requests_total",
		"shrike_http_request_duration_seconds",
		"shrike_open_connections",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered metrics missing %s", want)
		}
	}
	if ct := MetricsContentType(); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestSpanLifecycleWithoutProvider(t *testing.T) {
	headers := [][2]string{
		{"host", "example.com"},
		{"traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
	}
	ctx, span := StartSpan(context.Background(), "GET", "/x", "example.com", "127.0.0.1:5000", headers)
	if ctx == nil {
		t.Fatal("nil context from StartSpan")
	}
	EndSpan(span, 504, nil)

	_, span = StartSpan(context.Background(), "GET", "/y", "example.com", "127.0.0.1:5001", nil)
	EndSpan(span, 200, context.DeadlineExceeded)
}

func TestHeaderCarrier(t *testing.T) {
	hc := headerCarrier{
		{"host", "a"},
		{"x-tag", "one"},
		{"x-tag", "two"},
	}
	if got := hc.Get("X-Tag"); got != "two" {
		t.Errorf("Get = %q, want last value", got)
	}
	if got := hc.Get("absent"); got != "" {
		t.Errorf("Get(absent) = %q", got)
	}
	if keys := hc.Keys(); len(keys) != 3 || keys[0] != "host" {
		t.Errorf("Keys = %v", keys)
	}
}
