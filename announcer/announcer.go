// Package announcer implements the UDP multicast discovery beacon: while
// no client is connected, emit one announce datagram per announce
// interval to a configured multicast destination, bound to a configured
// local interface.
//
// The pause/resume control surface sits on top of a ticker-driven loop
// that checks a piece of state on every tick before doing any work.
package announcer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/Rohde-Schwarz/libtracy/metrics"
	"github.com/Rohde-Schwarz/libtracy/wire"
)

const (
	DefaultIPv4MulticastAddr = "225.0.0.1:64042"
	DefaultIPv6MulticastAddr = "[ff02::4242:beef:1]:64042"
	defaultPort              = 64042
	defaultMulticastTTL      = 1
)

// Config carries the announcer's static configuration, set once at agent
// Init time.
type Config struct {
	Hostname string
	Process  string
	TCPPort  uint16

	// Interval between announce datagrams. Interval <= 0 opts out.
	Interval time.Duration
	// Iface is an IPv4 literal, or an IPv6 literal of the form
	// "addr%zoneid" for link-scoped addresses. Empty opts out.
	Iface string
	// MulticastAddr is "ip:port" (IPv4) or "[ip]:port" (IPv6); a port of
	// 0 requests the library default for that address family. Empty
	// opts out.
	MulticastAddr string
}

// multicastConn abstracts over ipv4.PacketConn and ipv6.PacketConn, which
// share no common interface in golang.org/x/net/ipv4 and ipv4/ipv6.
type multicastConn interface {
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	Close() error
}

// v6Conn adapts ipv6.PacketConn's differently-typed WriteTo to
// multicastConn.
type v6Conn struct {
	*ipv6.PacketConn
}

func (c v6Conn) WriteTo(b []byte, _ *ipv4.ControlMessage, dst net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, nil, dst)
}

// Announcer emits the UDP multicast announce datagram. A zero Interval,
// empty Iface, or empty MulticastAddr makes it inert: Run returns
// immediately and no datagram is ever sent.
type Announcer struct {
	cfg    Config
	dest   *net.UDPAddr
	conn   multicastConn
	inert  bool
	seq    uint64
	paused atomic.Bool
	clock  clock.Clock
	logger *zap.Logger

	doneCh chan struct{}
}

// New builds an Announcer from cfg. It never blocks longer than a few
// socket-bind retries; on persistent bind failure it returns an error,
// which the caller (tracy.New) surfaces as a ConfigError.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) (*Announcer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	a := &Announcer{cfg: cfg, clock: clk, logger: logger, doneCh: make(chan struct{})}

	if cfg.Interval <= 0 || cfg.Iface == "" || cfg.MulticastAddr == "" {
		a.inert = true
		return a, nil
	}

	dest, err := resolveDestination(cfg.MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("tracy: announce destination: %w", err)
	}
	a.dest = dest

	ip, zone, err := parseInterfaceLiteral(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("tracy: announce interface: %w", err)
	}
	ifi, err := findInterface(ip, zone)
	if err != nil {
		return nil, fmt.Errorf("tracy: announce interface: %w", err)
	}

	conn, err := bindMulticastSocket(ip, ifi, dest.IP.To4() != nil)
	if err != nil {
		return nil, fmt.Errorf("tracy: announce socket: %w", err)
	}
	a.conn = conn
	return a, nil
}

// Inert reports whether this announcer was configured to opt out.
func (a *Announcer) Inert() bool {
	return a.inert
}

// Pause suspends announcing without tearing down the socket. Called by
// the session worker on the Listening -> Connected transition.
func (a *Announcer) Pause() {
	a.paused.Store(true)
}

// Resume allows announcing again. Called by the session worker on the
// Connected -> Listening transition.
func (a *Announcer) Resume() {
	a.paused.Store(false)
}

// Done returns a channel closed once Run has returned and, for a
// non-inert announcer, its socket has been closed.
func (a *Announcer) Done() <-chan struct{} {
	return a.doneCh
}

// Run drives the announce loop until ctx is done. If the announcer is
// inert it returns immediately. It is intended to run in its own
// goroutine; it owns a.conn and closes it when ctx is done.
func (a *Announcer) Run(ctx context.Context) {
	if a.inert {
		close(a.doneCh)
		return
	}
	defer close(a.doneCh)
	defer a.conn.Close()

	ticker := a.clock.Ticker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.paused.Load() {
				continue
			}
			a.send()
		}
	}
}

func (a *Announcer) send() {
	seq := atomic.AddUint64(&a.seq, 1)
	datagram, err := wire.EncodeAnnounce(wire.Announce{
		Hostname: a.cfg.Hostname,
		Process:  a.cfg.Process,
		TCPPort:  a.cfg.TCPPort,
		Seq:      seq,
	})
	if err != nil {
		a.logger.Error("failed to encode announce datagram", zap.Error(err))
		return
	}
	if _, err := a.conn.WriteTo(datagram, nil, a.dest); err != nil {
		a.logger.Warn("failed to send announce datagram", zap.Error(err))
		return
	}
	metrics.AnnouncesSentTotal.Inc()
}

func resolveDestination(addr string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("not a literal IP address: %q", host)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = defaultPort
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	if err != nil {
		return 0, fmt.Errorf("bad port %q: %w", s, err)
	}
	return port, nil
}

// parseInterfaceLiteral parses an IPv4 literal, or an IPv6 literal of the
// form "addr%zoneid" for link-scoped addresses.
func parseInterfaceLiteral(s string) (ip net.IP, zone string, err error) {
	addr := s
	if idx := strings.IndexByte(s, '%'); idx >= 0 {
		addr = s[:idx]
		zone = s[idx+1:]
	}
	ip = net.ParseIP(addr)
	if ip == nil {
		return nil, "", fmt.Errorf("not a literal IP address: %q", s)
	}
	return ip, zone, nil
}

func findInterface(ip net.IP, zone string) (*net.Interface, error) {
	if zone != "" {
		return net.InterfaceByName(zone)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no local interface has address %s", ip)
}

// bindMulticastSocket opens a UDP socket bound to ip and pins its outgoing
// multicast interface to ifi, retrying the bind a few times: a
// freshly-exited agent's port can transiently collide with a lingering
// socket during rapid restarts (e.g. in tests).
func bindMulticastSocket(ip net.IP, ifi *net.Interface, v4 bool) (multicastConn, error) {
	network := "udp6"
	if v4 {
		network = "udp4"
	}

	var rawConn *net.UDPConn
	err := retry.Do(
		func() error {
			conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: 0})
			if err != nil {
				return err
			}
			rawConn = conn
			return nil
		},
		retry.Attempts(5),
		retry.Delay(20*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}

	if v4 {
		pc := ipv4.NewPacketConn(rawConn)
		if err := pc.SetMulticastInterface(ifi); err != nil {
			rawConn.Close()
			return nil, err
		}
		if err := pc.SetMulticastTTL(defaultMulticastTTL); err != nil {
			rawConn.Close()
			return nil, err
		}
		return pc, nil
	}

	pc := ipv6.NewPacketConn(rawConn)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		rawConn.Close()
		return nil, err
	}
	if err := pc.SetMulticastHopLimit(defaultMulticastTTL); err != nil {
		rawConn.Close()
		return nil, err
	}
	return v6Conn{pc}, nil
}
