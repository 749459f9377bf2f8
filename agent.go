// Package tracy is an in-process tracing agent: host code registers named
// tracepoints, submits small binary records against them, and a single
// TCP client (discovered over UDP multicast or dialed directly) can list,
// enable, and disable tracepoints and receive the submitted records as
// batched PUSH frames.
//
// The public surface below (New, Register, TracepointEnabled, Submit,
// Close) is the idiomatic-Go shape of a foreign entry-point table
// (init/finit/register/tracepoint_enabled/submit): Go callers get a
// *Agent and its methods instead of an opaque handle and free functions,
// but the semantics, including submit's silent-drop behaviour, are the
// same contract.
package tracy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Rohde-Schwarz/libtracy/announcer"
	"github.com/Rohde-Schwarz/libtracy/buffer"
	"github.com/Rohde-Schwarz/libtracy/internal/tlog"
	"github.com/Rohde-Schwarz/libtracy/metrics"
	"github.com/Rohde-Schwarz/libtracy/registry"
	"github.com/Rohde-Schwarz/libtracy/session"
)

// MaxSubmitPayloadLength is the largest data slice Submit will accept.
const MaxSubmitPayloadLength = 2048

// defaultHighWaterMark bounds the submit buffer's total serialised size
// between flushes.
const defaultHighWaterMark = 1 << 20 // 1 MiB

var (
	// ErrEmptyHostname is returned by New when Options.Hostname is empty.
	ErrEmptyHostname = errors.New("tracy: hostname must not be empty")
	// ErrEmptyProcessName is returned by New when Options.ProcessName is empty.
	ErrEmptyProcessName = errors.New("tracy: process name must not be empty")
	// ErrInvalidFlushInterval is returned by New when BufferFlushInterval <= 0.
	ErrInvalidFlushInterval = errors.New("tracy: buffer flush interval must be positive")
)

// Options configures a new Agent. Hostname, ProcessName and
// BufferFlushInterval are required; the three Announce* fields are
// independently optional, and leaving any one of them at its zero value
// disables multicast announcing entirely.
type Options struct {
	// Hostname and ProcessName are carried in every announce datagram.
	Hostname    string
	ProcessName string

	// ListenAddr is the local address the session listener binds. An
	// empty value binds an ephemeral port on all interfaces, matching
	// the announce protocol's expectation that the TCP port is
	// discovered, not configured.
	ListenAddr string

	// BufferFlushInterval bounds how long a submitted event can sit in
	// the buffer before being flushed to a connected client. Required,
	// must be positive.
	BufferFlushInterval time.Duration

	// BufferHighWaterMark bounds the submit buffer's total serialised
	// size. Zero selects a 1 MiB default.
	BufferHighWaterMark int

	// AnnounceInterval, AnnounceIface and AnnounceMcastAddr configure the
	// discovery beacon. Leaving AnnounceInterval at zero, AnnounceIface
	// empty, or AnnounceMcastAddr empty opts out of announcing; any one
	// of the three is sufficient.
	AnnounceInterval  time.Duration
	AnnounceIface     string
	AnnounceMcastAddr string

	// Logger receives structured diagnostics from every component. A nil
	// Logger discards everything.
	Logger *zap.Logger
}

// Agent is a running tracing agent: one TCP listener, one session worker
// goroutine, a tracepoint registry and a submit buffer. The zero value is
// not usable; construct with New.
type Agent struct {
	registry  *registry.Registry
	buf       *buffer.Buffer
	worker    *session.Worker
	announcer *announcer.Announcer
	logger    *zap.Logger

	cancel context.CancelFunc

	// listenAddr is resolved once at New time and exposed via Addr so a
	// caller can publish where to dial even when ListenAddr requested an
	// ephemeral port.
	listenAddr net.Addr
}

// New validates opts, binds the session listener and (if configured) the
// announce socket, and starts the worker goroutine. On any failure it
// releases everything it already opened and returns an error; no
// goroutine is left running.
func New(opts Options) (*Agent, error) {
	if opts.Hostname == "" {
		return nil, ErrEmptyHostname
	}
	if opts.ProcessName == "" {
		return nil, ErrEmptyProcessName
	}
	if opts.BufferFlushInterval <= 0 {
		return nil, ErrInvalidFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = tlog.Nop()
	}

	highWaterMark := opts.BufferHighWaterMark
	if highWaterMark <= 0 {
		highWaterMark = defaultHighWaterMark
	}

	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = "0.0.0.0:0"
	}
	// A freshly-restarted agent can transiently race a lingering socket
	// on the same address (common in rapid test restarts), so the bind
	// gets a few bounded retries rather than failing New outright.
	var ln net.Listener
	err := retry.Do(
		func() error {
			l, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return err
			}
			ln = l
			return nil
		},
		retry.Attempts(5),
		retry.Delay(20*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("tracy: binding session listener: %w", err)
	}

	tcpPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	ann, err := announcer.New(announcer.Config{
		Hostname:      opts.Hostname,
		Process:       opts.ProcessName,
		TCPPort:       tcpPort,
		Interval:      opts.AnnounceInterval,
		Iface:         opts.AnnounceIface,
		MulticastAddr: opts.AnnounceMcastAddr,
	}, clock.New(), logger.Named("announcer"))
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("tracy: configuring announcer: %w", err)
	}

	reg := registry.New(logger.Named("registry"))
	buf := buffer.New(highWaterMark, clock.New())
	worker := session.New(ln, reg, buf, ann, opts.BufferFlushInterval, clock.New(), logger.Named("session"))

	ctx, cancel := context.WithCancel(context.Background())
	go ann.Run(ctx)
	go worker.Run(ctx)

	logger.Info("agent started",
		zap.String("hostname", opts.Hostname),
		zap.String("process", opts.ProcessName),
		zap.Stringer("listen_addr", ln.Addr()),
	)

	return &Agent{
		registry:   reg,
		buf:        buf,
		worker:     worker,
		announcer:  ann,
		logger:     logger,
		cancel:     cancel,
		listenAddr: ln.Addr(),
	}, nil
}

// Addr returns the address the session listener is bound to.
func (a *Agent) Addr() net.Addr {
	return a.listenAddr
}

// Register adds a new tracepoint, disabled by default. name is
// canonicalised (truncated to 32 bytes, lowercased) before being stored;
// it is rejected if empty or if it contains any byte ≥ 0x80 anywhere in
// the original string. Returns registry.ErrAlreadyExists if the
// canonical name is already registered.
func (a *Agent) Register(name string) error {
	if err := a.registry.Register(name); err != nil {
		return err
	}
	metrics.RegistrySize.Set(float64(a.registry.Len()))
	return nil
}

// TracepointEnabled reports whether name is registered and currently
// enabled by the connected client. Unknown or malformed names return
// false rather than an error.
func (a *Agent) TracepointEnabled(name string) bool {
	return a.registry.IsEnabled(name)
}

// Submit stamps data with the current wall-clock time and attempts to
// enqueue it for the named tracepoint. It silently discards the event,
// never returning an error or blocking on I/O, if: name is not
// registered; the tracepoint is not enabled; data is empty or longer than
// MaxSubmitPayloadLength; or the buffer is at its high-water mark. The
// wall-clock timestamp is captured before any of those checks, so a race
// with a concurrent disable only affects whether the event is admitted,
// never its recorded time.
func (a *Agent) Submit(name string, data []byte) {
	ts := time.Now().UnixNano()

	if len(data) == 0 || len(data) > MaxSubmitPayloadLength {
		metrics.EventsDroppedTotal.WithLabelValues("input_invalid").Inc()
		return
	}
	canonical, err := registry.Canonicalize(name)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("input_invalid").Inc()
		return
	}
	if !a.worker.Connected() {
		metrics.EventsDroppedTotal.WithLabelValues("no_client").Inc()
		return
	}
	if !a.registry.IsEnabled(canonical) {
		metrics.EventsDroppedTotal.WithLabelValues("not_enabled").Inc()
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	if !a.buf.TryPush(buffer.Event{Name: canonical, Timestamp: ts, Data: cp}) {
		metrics.BufferHighWaterTrips.Inc()
		metrics.EventsDroppedTotal.WithLabelValues("buffer_full").Inc()
		return
	}
	metrics.EventsSubmittedTotal.Inc()
}

// Close signals the worker to enter Draining, waits for it to finish its
// best-effort final flush and release the listener and announce socket,
// and returns. After Close, the Agent must not be used.
func (a *Agent) Close() error {
	a.cancel()
	<-a.worker.Done()
	<-a.announcer.Done()
	a.logger.Info("agent stopped")
	return nil
}
