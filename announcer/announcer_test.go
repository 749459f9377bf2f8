package announcer

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
)

func TestOptOutOnZeroInterval(t *testing.T) {
	a, err := New(Config{Iface: "127.0.0.1", MulticastAddr: DefaultIPv4MulticastAddr, Interval: 0}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Inert() {
		t.Error("zero interval should produce an inert announcer")
	}
}

func TestOptOutOnMissingIface(t *testing.T) {
	a, err := New(Config{Iface: "", MulticastAddr: DefaultIPv4MulticastAddr, Interval: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Inert() {
		t.Error("missing iface should produce an inert announcer")
	}
}

func TestOptOutOnMissingMulticastAddr(t *testing.T) {
	a, err := New(Config{Iface: "127.0.0.1", MulticastAddr: "", Interval: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Inert() {
		t.Error("missing multicast address should produce an inert announcer")
	}
}

func TestInertRunReturnsImmediately(t *testing.T) {
	a, err := New(Config{Interval: 0}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run on an inert announcer should return immediately")
	}
	// Pause/Resume must be safe no-ops on an inert announcer too.
	a.Pause()
	a.Resume()
}

func TestParseInterfaceLiteral(t *testing.T) {
	ip, zone, err := parseInterfaceLiteral("fe80::1%eth0")
	if err != nil {
		t.Fatalf("parseInterfaceLiteral: %v", err)
	}
	if zone != "eth0" {
		t.Errorf("zone = %q, want eth0", zone)
	}
	if ip.String() != "fe80::1" {
		t.Errorf("ip = %v, want fe80::1", ip)
	}
}

func TestParseInterfaceLiteralNoZone(t *testing.T) {
	ip, zone, err := parseInterfaceLiteral("127.0.0.1")
	if err != nil {
		t.Fatalf("parseInterfaceLiteral: %v", err)
	}
	if zone != "" {
		t.Errorf("zone = %q, want empty", zone)
	}
	if ip.String() != "127.0.0.1" {
		t.Errorf("ip = %v, want 127.0.0.1", ip)
	}
}

func TestParseInterfaceLiteralInvalid(t *testing.T) {
	if _, _, err := parseInterfaceLiteral("not-an-ip"); err == nil {
		t.Error("expected error for non-IP interface literal")
	}
}

func TestResolveDestinationDefaultPort(t *testing.T) {
	addr, err := resolveDestination("225.0.0.1:0")
	if err != nil {
		t.Fatalf("resolveDestination: %v", err)
	}
	if addr.Port != defaultPort {
		t.Errorf("port = %d, want %d (the library default)", addr.Port, defaultPort)
	}
}

func TestResolveDestinationExplicitPort(t *testing.T) {
	addr, err := resolveDestination(DefaultIPv6MulticastAddr)
	if err != nil {
		t.Fatalf("resolveDestination: %v", err)
	}
	if addr.Port != 64042 {
		t.Errorf("port = %d, want 64042", addr.Port)
	}
	if addr.IP.String() != "ff02::4242:beef:1" {
		t.Errorf("ip = %v, want ff02::4242:beef:1", addr.IP)
	}
}

func TestBoundAnnouncerRunsUntilCancelled(t *testing.T) {
	mock := clock.NewMock()
	a, err := New(Config{
		Hostname: "host1", Process: "proc", TCPPort: 1234,
		Interval:      time.Second,
		Iface:         "127.0.0.1",
		MulticastAddr: "225.0.0.1:0",
	}, mock, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("multicast socket unavailable in this sandbox: %v", err)
	}
	if a.Inert() {
		t.Fatal("fully configured announcer should not be inert")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	mock.Add(time.Second)
	// Give the goroutine a chance to observe the tick before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done
}
