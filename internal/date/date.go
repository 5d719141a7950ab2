// Package date caches the RFC 1123 date header value so response assembly
// never formats time on the hot path.
package date

import (
	"sync/atomic"
	"time"
)

// httpTimeFormat is RFC 1123 with the GMT zone name HTTP requires.
const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var current atomic.Pointer[[]byte]

// StartTicker refreshes the cached value twice a second and returns a stop
// function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func update() {
	b := []byte(time.Now().UTC().Format(httpTimeFormat))
	current.Store(&b)
}

// Current returns the cached date bytes. Callers must not modify them.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	// Ticker not started; fall back to formatting directly.
	return []byte(time.Now().UTC().Format(httpTimeFormat))
}

// Format renders any time in the HTTP date format (Last-Modified,
// If-Modified-Since).
func Format(t time.Time) string {
	return t.UTC().Format(httpTimeFormat)
}

// Parse reads an HTTP date.
func Parse(s string) (time.Time, error) {
	return time.Parse(httpTimeFormat, s)
}
