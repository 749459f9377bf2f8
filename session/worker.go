// Package session implements the session worker: the dedicated goroutine
// that owns the TCP listener, the accepted connection (if any), the
// submit buffer, and the announcer, and drives the
// Listening/Connected/Draining state machine.
//
// The worker is a single goroutine driving a select loop over channels fed
// by small helper goroutines (one doing blocking Accept, one doing
// blocking frame reads per connection), keeping all state mutation on one
// goroutine while blocking I/O happens elsewhere.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Rohde-Schwarz/libtracy/announcer"
	"github.com/Rohde-Schwarz/libtracy/buffer"
	"github.com/Rohde-Schwarz/libtracy/metrics"
	"github.com/Rohde-Schwarz/libtracy/registry"
	"github.com/Rohde-Schwarz/libtracy/wire"
)

// State is one of the session state machine's states.
type State int

const (
	// StateListening means no client is connected.
	StateListening State = iota
	// StateConnected means exactly one client is connected.
	StateConnected
	// StateDraining means a local shutdown has been requested.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateConnected:
		return "Connected"
	case StateDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// writeTimeout bounds a single frame write; a write that cannot complete
// within this window is treated as a session error.
const writeTimeout = 5 * time.Second

// finalFlushTimeout bounds the best-effort flush attempted on Draining.
const finalFlushTimeout = 500 * time.Millisecond

var errNoConnection = errors.New("tracy: no connected client")

type frameMsg struct {
	cmd     wire.Command
	payload []byte
}

// Worker is the session worker. Construct with New; start with Run in its
// own goroutine.
type Worker struct {
	listener      net.Listener
	registry      *registry.Registry
	buf           *buffer.Buffer
	announcer     *announcer.Announcer
	flushInterval time.Duration
	clock         clock.Clock
	logger        *zap.Logger

	// conn and state are only ever touched from the Run goroutine.
	conn  net.Conn
	state State

	// connected mirrors state == StateConnected for lock-free reads from
	// arbitrary submitter goroutines (Agent.Submit checks it on every
	// call).
	connected atomic.Bool

	doneCh chan struct{}
	stopCh chan struct{}
}

// New builds a Worker. listener, reg, buf and ann are owned by the worker
// from this point on.
func New(listener net.Listener, reg *registry.Registry, buf *buffer.Buffer, ann *announcer.Announcer, flushInterval time.Duration, clk clock.Clock, logger *zap.Logger) *Worker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		listener:      listener,
		registry:      reg,
		buf:           buf,
		announcer:     ann,
		flushInterval: flushInterval,
		clock:         clk,
		logger:        logger,
		doneCh:        make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Connected reports whether a client is currently connected. Safe to call
// from any goroutine.
func (w *Worker) Connected() bool {
	return w.connected.Load()
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Run drives the worker until ctx is cancelled, at which point it enters
// Draining: if a client is connected, it attempts one best-effort bounded
// flush, then closes the connection and the listener. Run must be called
// exactly once, in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	acceptCh := make(chan net.Conn)
	go w.acceptLoop(acceptCh)
	defer close(w.stopCh)

	var frameCh chan frameMsg
	var frameErrCh chan error

	ticker := w.clock.Ticker(w.flushInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.enterDraining()
			return

		case conn := <-acceptCh:
			if conn == nil {
				// Listener closed out from under us (shouldn't happen
				// before Draining, but don't spin on a nil conn).
				continue
			}
			if w.state == StateConnected {
				w.logger.Info("refusing additional connection while already connected",
					zap.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}
			w.handleAccept(conn)
			frameCh = make(chan frameMsg)
			frameErrCh = make(chan error, 1)
			go readFrames(conn, frameCh, frameErrCh, w.stopCh)

		case msg := <-frameCh:
			w.handleFrame(msg)

		case err := <-frameErrCh:
			cause := "io_error"
			var perr *wire.ProtocolError
			switch {
			case errors.Is(err, io.EOF):
				cause = "peer_close"
			case errors.As(err, &perr):
				cause = "protocol_error"
			}
			w.handleSessionError(err, cause)
			frameCh, frameErrCh = nil, nil

		case <-ticker.C:
			w.handleTick()
		}
	}
}

func (w *Worker) acceptLoop(acceptCh chan<- net.Conn) {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			return
		}
		select {
		case acceptCh <- conn:
		case <-w.stopCh:
			// Run has already exited; nobody will ever drain acceptCh.
			conn.Close()
			return
		}
	}
}

// readFrames decodes frames from conn until a read or protocol error
// occurs, then reports that error once and returns. It does not retain
// the connection: closing conn from the worker goroutine is what unblocks
// a pending Read here. stopCh is closed once Run has exited, so a frame
// or error decoded after that point is discarded instead of blocking
// forever on a send nobody will receive.
func readFrames(conn net.Conn, frameCh chan<- frameMsg, errCh chan<- error, stopCh <-chan struct{}) {
	for {
		header := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			select {
			case errCh <- err:
			case <-stopCh:
			}
			return
		}
		cmd, n, err := wire.DecodeHeader(header)
		if err != nil {
			select {
			case errCh <- err:
			case <-stopCh:
			}
			return
		}
		var payload []byte
		if n > 0 {
			payload = make([]byte, n)
			if _, err := io.ReadFull(conn, payload); err != nil {
				select {
				case errCh <- err:
				case <-stopCh:
				}
				return
			}
		}
		select {
		case frameCh <- frameMsg{cmd: cmd, payload: payload}:
		case <-stopCh:
			return
		}
	}
}

func (w *Worker) handleAccept(conn net.Conn) {
	// Flags should already be clear from the previous session's teardown,
	// but a fresh Connected transition clears them unconditionally.
	w.registry.ClearEnabledFlags()
	w.announcer.Pause()

	w.conn = conn
	w.state = StateConnected
	w.connected.Store(true)

	metrics.SessionsAcceptedTotal.Inc()
	metrics.ConnectedGauge.Set(1)
	w.logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))
}

// handleSessionError moves the worker from Connected back to Listening:
// close the socket, clear enabled flags, drop buffered events, resume
// announcing.
func (w *Worker) handleSessionError(err error, cause string) {
	if w.conn == nil {
		return
	}
	w.conn.Close()
	w.conn = nil
	w.state = StateListening
	w.connected.Store(false)

	w.registry.ClearEnabledFlags()
	w.buf.Drain() // a lost session's buffered events are discarded, not retried
	w.announcer.Resume()

	metrics.ConnectedGauge.Set(0)
	metrics.SessionsResetTotal.WithLabelValues(cause).Inc()
	w.logger.Info("session ended", zap.String("cause", cause), zap.Error(err))
}

func (w *Worker) handleTick() {
	if w.state != StateConnected {
		return
	}
	if !w.buf.ShouldFlush(w.flushInterval) {
		return
	}
	w.flush()
}

// flush drains the buffer and writes one or more PUSH frames, splitting on
// wire.MaxFramePayload while preserving order.
func (w *Worker) flush() {
	events := w.buf.Drain()
	if len(events) == 0 {
		return
	}
	records := make([]wire.PushRecord, len(events))
	for i, e := range events {
		records[i] = wire.PushRecord{Name: e.Name, Timestamp: e.Timestamp, Data: e.Data}
	}
	for _, payload := range wire.EncodePushRecords(records, wire.MaxFramePayload) {
		if err := w.writeFrame(wire.CmdPush, payload); err != nil {
			w.handleSessionError(err, "io_error")
			return
		}
		metrics.PushFramesSentTotal.Inc()
		metrics.FlushBytesTotal.Add(float64(len(payload)))
	}
}

func (w *Worker) writeFrame(cmd wire.Command, payload []byte) error {
	if w.conn == nil {
		return errNoConnection
	}
	// While Draining, the deadline set by enterDraining bounds the whole
	// final flush and is left in place.
	if w.state != StateDraining {
		w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := w.conn.Write(wire.EncodeFrame(cmd, payload))
	return err
}

// enterDraining is the worker's final transition, reached when Run's ctx
// is cancelled. It attempts one bounded best-effort flush if a client is
// connected, then closes everything.
func (w *Worker) enterDraining() {
	w.state = StateDraining
	if w.conn != nil {
		w.conn.SetWriteDeadline(time.Now().Add(finalFlushTimeout))
		w.flush()
	}
	// flush may have hit a write error and already torn the connection
	// down via handleSessionError, so w.conn must be re-checked rather
	// than assumed still set.
	if w.conn != nil {
		w.conn.Close()
		w.connected.Store(false)
		metrics.ConnectedGauge.Set(0)
		metrics.SessionsResetTotal.WithLabelValues("shutdown").Inc()
	}
	w.listener.Close()
}

// Buffer exposes the submit buffer's ingress to the owning Agent. It is
// the only cross-goroutine mutation point in the worker.
func (w *Worker) Buffer() *buffer.Buffer {
	return w.buf
}
