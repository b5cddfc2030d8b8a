package wspipe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/coregate/wspipe/internal/wsmetrics"
)

// state is a [Conn]'s position in its lifecycle:
// CONNECTING, then OPEN, then CLOSING, then CLOSED.
type state int32

const (
	stateConnecting state = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is the connection state machine: it owns the socket, runs the
// read and write loops, enforces the masking and fragmentation
// invariants, and drives the closing handshake. Applications interact
// with it only through the [Transport] handed to their [Listener].
type Conn struct {
	id       string
	role     Role
	isSecure bool

	logger  *slog.Logger
	metrics *wsmetrics.Recorder

	rwc io.ReadWriteCloser
	raw net.Conn // nil when rwc isn't a net.Conn (e.g. in tests).
	br  *bufio.Reader
	bw  *bufio.Writer

	readScratch  [8]byte
	writeScratch [8]byte
	closeBuf     [maxControlPayload]byte

	listener              Listener
	transport             *Transport
	disconnectOnException bool
	closeTimeout          time.Duration
	maxPayload            uint64

	state state // atomic, access via loadState/storeState

	closeSent     atomic.Bool // set once, from readLoop or sendCloseControlFrame
	closeReceived atomic.Bool
	closeOnce     sync.Once
	closeDone     chan struct{} // closed once by finishClose: after the close handshake, or when the connection is failed

	done chan struct{} // closed when the socket is fully torn down
}

type writeRequest struct {
	msgType    MsgType
	payload    []byte
	fin, rsv1  bool
	rsv2, rsv3 bool
	size       int
	flushOnly  bool // Emit no frame, just flush what's buffered so far.
	err        chan<- error
}

// newConn builds a [Conn] that has already completed its handshake and
// is about to enter OPEN. cfg carries options shared by [Dial] and the
// server's accept path.
func newConn(role Role, rwc io.ReadWriteCloser, listener Listener, cfg connConfig) *Conn {
	c := &Conn{
		id:                    shortuuid.New(),
		role:                  role,
		isSecure:              cfg.isSecure,
		logger:                cfg.logger,
		metrics:               cfg.metrics,
		rwc:                   rwc,
		br:                    bufio.NewReader(rwc),
		bw:                    bufio.NewWriter(rwc),
		listener:              listener,
		disconnectOnException: cfg.disconnectOnException,
		closeTimeout:          cfg.closeTimeout,
		maxPayload:            cfg.maxPayload,
		closeDone:             make(chan struct{}),
		done:                  make(chan struct{}),
	}
	if nc, ok := rwc.(net.Conn); ok {
		c.raw = nc
	}
	c.transport = newTransport(c, cfg.highWatermark, cfg.lowWatermark)
	return c
}

type connConfig struct {
	isSecure              bool
	disconnectOnException bool
	closeTimeout          time.Duration
	maxPayload            uint64
	highWatermark         int64
	lowWatermark          int64
	logger                *slog.Logger
	metrics               *wsmetrics.Recorder
}

func (c *Conn) loadState() state   { return state(atomic.LoadInt32((*int32)(&c.state))) }
func (c *Conn) storeState(s state) { atomic.StoreInt32((*int32)(&c.state), int32(s)) }

// run transitions the connection to OPEN, fires OnConnected, and then
// drives the read and write loops until the connection is torn down. It
// blocks until [Conn.disconnect] (directly, or via the close handshake)
// completes, so callers should invoke it from its own goroutine.
func (c *Conn) run() {
	c.storeState(stateOpen)
	c.metrics.ConnOpened(c.id, c.role.String())

	go c.transport.writeLoop()

	c.dispatch(func() { c.listener.OnConnected(c.transport) })

	c.readLoop()

	c.storeState(stateClosed)
	c.dispatch(func() { c.listener.OnDisconnected(c.transport) })
	c.metrics.ConnClosed(c.id)
	close(c.done)
}

// dispatch invokes fn, applying the listener exception policy: a panic
// is caught and logged, and if disconnectOnException is set, the
// connection is forced closed with [StatusInternalError]. The closure
// runs on its own goroutine because dispatch may be called from the
// write loop itself (flow-control callbacks), which must not block on
// its own queue.
func (c *Conn) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%v", r)
			if c.disconnectOnException {
				err = &InternalError{Err: err}
			}
			c.logger.Error("WebSocket listener callback panicked", slog.Any("error", err))
			if c.disconnectOnException {
				go func() {
					c.sendCloseControlFrame(StatusInternalError, "")
					c.disconnect()
				}()
			}
		}
	}()
	fn()
}

// readLoop reads and dispatches frames until the connection is closed.
// Each frame is surfaced to the listener individually, with its wire
// opcode and FIN bit intact; message reassembly across fragments is the
// application's concern. Control frames may interleave between fragments
// of a data message, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.4.
//
// fragType tracks the opcode of the data message currently being
// fragmented ([MsgContinuation] when there is none), only to enforce the
// fragmentation-sequencing rules in validateFrameHeader.
func (c *Conn) readLoop() {
	fragType := MsgContinuation

	for {
		h, err := readFrameHeader(c.br, &c.readScratch, c.maxPayload)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeReceived.Store(true)
				c.closeSent.Store(true)
				return
			}
			c.logger.Error("failed to read WebSocket frame header", slog.Any("error", err))
			c.failConnection(err)
			return
		}

		payload, err := readFramePayload(c.br, h)
		if err != nil {
			c.logger.Error("failed to read WebSocket frame payload", slog.Any("error", err))
			c.failConnection(err)
			return
		}

		if err := validateFrameHeader(h, c.role, fragType); err != nil {
			c.logger.Error("protocol error due to invalid frame", slog.Any("error", err))
			c.failConnection(err)
			return
		}

		frame := Frame{
			MsgType: h.opcode,
			FIN:     h.fin,
			RSV1:    h.rsv[0],
			RSV2:    h.rsv[1],
			RSV3:    h.rsv[2],
			Payload: payload,
		}

		switch h.opcode {
		case MsgContinuation, MsgText, MsgBinary:
			c.dispatch(func() { c.listener.OnFrame(c.transport, frame) })
			switch {
			case h.fin:
				fragType = MsgContinuation
			case h.opcode != MsgContinuation:
				fragType = h.opcode
			}

		case MsgClose:
			c.closeReceived.Store(true)
			c.storeState(stateClosing)
			status, reason := parseClosePayload(payload)
			c.dispatch(func() { c.listener.OnFrame(c.transport, frame) })
			c.sendCloseControlFrame(status, reason) // No-op if we initiated the closing handshake.
			c.finishClose()
			return

		case MsgPing:
			c.dispatch(func() { c.listener.OnFrame(c.transport, frame) })
			if err := c.writeControl(MsgPong, payload); err != nil {
				c.logger.Error("failed to send WebSocket pong", slog.Any("error", err))
			}

		case MsgPong:
			c.dispatch(func() { c.listener.OnFrame(c.transport, frame) })
		}
	}
}

// failConnection reacts to a wire-level violation or an unreadable
// socket: it sends a CLOSE with the appropriate status code (best
// effort) and tears the socket down without waiting for the peer to
// reciprocate - there is nothing left to parse after a framing error.
func (c *Conn) failConnection(err error) {
	status := StatusInternalError
	reason := "internal error"

	var pe *ProtocolError
	if errors.As(err, &pe) {
		status = StatusProtocolError
		reason = pe.Reason
	}

	c.sendCloseControlFrame(status, reason)
	c.finishClose()
}

// finishClose completes the connection teardown exactly once: it
// releases anyone blocked on the closing handshake and closes the
// socket.
func (c *Conn) finishClose() {
	c.closeOnce.Do(func() {
		close(c.closeDone)
		_ = c.rwc.Close()
	})
}

// disconnect forces immediate closure regardless of state.
func (c *Conn) disconnect() {
	_ = c.rwc.Close()
}

// writeControl queues a control frame and blocks until it has been
// written and flushed (or until the writer goroutine dies). Used
// internally by the read loop (pong replies) and the closing handshake,
// both of which need to know when the frame actually went out; the
// public Send* methods on [Transport] do not wait for this.
func (c *Conn) writeControl(msgType MsgType, payload []byte) error {
	errCh := make(chan error, 1)
	c.transport.push(writeRequest{
		msgType: msgType,
		payload: payload,
		fin:     true,
		size:    c.transport.frameSize(len(payload)),
		err:     errCh,
	})

	select {
	case err := <-errCh:
		return err
	case <-c.transport.writerDone:
		return &TransportError{Err: errors.New("connection writer is gone")}
	}
}
