package session

import (
	"context"
	"testing"
	"time"
)

// testContext returns a context cancelled automatically when the test ends,
// so a Worker.Run goroutine launched with `go w.Run(testContext(t))` is
// always torn down.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// waitUntil polls cond until it returns true or five seconds elapse, for
// observing a state change made on another goroutine.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
