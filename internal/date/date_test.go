package date

import (
	"testing"
	"time"
)

func TestCurrentFormat(t *testing.T) {
	b := Current()
	parsed, err := time.Parse(httpTimeFormat, string(b))
	if err != nil {
		t.Fatalf("Current() = %q: %v", b, err)
	}
	if d := time.Since(parsed); d < -2*time.Second || d > 2*time.Second {
		t.Fatalf("cached date %v drifted %v from now", parsed, d)
	}
}

func TestTickerRefreshes(t *testing.T) {
	stop := StartTicker()
	defer stop()
	if len(Current()) == 0 {
		t.Fatal("empty date after StartTicker")
	}
	first := string(Current())
	if _, err := time.Parse(httpTimeFormat, first); err != nil {
		t.Fatalf("bad format %q: %v", first, err)
	}
}
