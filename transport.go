package wspipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Transport is the application-facing handle for an open connection. It
// is handed to [Listener] callbacks and exposes the send and lifecycle
// operations: Send, SendPing, SendPong, SendClose, Disconnect,
// WaitDisconnected, IsSecure, and RawConn (the escape hatch for
// buffer-limit tuning on the underlying socket).
//
// Send, SendPing, and SendPong are non-suspending: they validate and
// queue, then return immediately. The actual socket write happens on a
// dedicated goroutine per connection, which also drives the high/low
// watermark backpressure signaling.
type Transport struct {
	conn *Conn

	mu            sync.Mutex
	queue         []writeRequest
	buffered      int64
	highWatermark int64
	lowWatermark  int64
	paused        bool
	wake          chan struct{}
	writerDone    chan struct{} // closed when writeLoop exits
}

func newTransport(c *Conn, high, low int64) *Transport {
	return &Transport{
		conn:          c,
		highWatermark: high,
		lowWatermark:  low,
		wake:          make(chan struct{}, 1),
		writerDone:    make(chan struct{}),
	}
}

// frameSize estimates the on-wire size of a frame with an n-byte
// payload, for watermark accounting purposes.
func (t *Transport) frameSize(n int) int {
	overhead := 2
	switch {
	case n > 0xFFFF:
		overhead += 8
	case n > maxControlPayload:
		overhead += 2
	}
	if t.conn.role == RoleClient {
		overhead += 4 // Masking key.
	}
	return overhead + n
}

// push appends req to the write queue, updates the buffered-bytes
// counter, and fires PauseWriting exactly once if this push crosses the
// high watermark.
func (t *Transport) push(req writeRequest) {
	t.mu.Lock()
	t.queue = append(t.queue, req)
	t.buffered += int64(req.size)
	crossedHigh := t.highWatermark > 0 && !t.paused && t.buffered >= t.highWatermark
	if crossedHigh {
		t.paused = true
	}
	t.mu.Unlock()

	if crossedHigh {
		t.conn.metrics.BackpressureEdge(t.conn.id, "pause", t.buffered)
		t.conn.dispatch(func() { t.conn.listener.PauseWriting(t) })
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) pop() (writeRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return writeRequest{}, false
	}
	req := t.queue[0]
	t.queue = t.queue[1:]
	return req, true
}

func (t *Transport) queueEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue) == 0
}

// writeLoop is the connection's single writer goroutine: it serializes
// concurrent Send calls onto the socket, one frame at a time, and fires
// ResumeWriting exactly once per backpressure cycle once the queue
// drains below the low watermark.
//
// Adjacent queued writes are coalesced into a single socket write: the
// loop serializes every request already queued into the connection's
// bufio.Writer and only flushes once the queue is drained, so a burst
// of small sends reaches the kernel as one contiguous buffer.
func (t *Transport) writeLoop() {
	defer close(t.writerDone)

	for {
		req, ok := t.pop()
		if !ok {
			select {
			case <-t.wake:
				continue
			case <-t.conn.done:
				return
			}
		}

		var err error
		if req.flushOnly {
			err = flushFrames(t.conn.bw)
		} else {
			err = writeFrame(t.conn.bw, t.conn.role, req.msgType, req.payload,
				req.fin, req.rsv1, req.rsv2, req.rsv3, &t.conn.writeScratch)
			if err == nil && t.queueEmpty() {
				err = flushFrames(t.conn.bw)
			}
		}

		t.mu.Lock()
		t.buffered -= int64(req.size)
		crossedLow := t.paused && t.buffered <= t.lowWatermark
		if crossedLow {
			t.paused = false
		}
		t.mu.Unlock()

		if crossedLow {
			t.conn.metrics.BackpressureEdge(t.conn.id, "resume", t.buffered)
			t.conn.dispatch(func() { t.conn.listener.ResumeWriting(t) })
		}

		if req.err != nil {
			req.err <- err
		}
		if err != nil {
			t.conn.logger.Error("failed to write WebSocket frame", slog.Any("error", err))
			t.conn.disconnect() // Unblock the read loop too; the socket is unusable.
			return
		}
	}
}

func (t *Transport) checkSendable() error {
	if t.conn.loadState() == stateClosed {
		return &TransportError{Err: errors.New("connection is closed")}
	}
	if t.conn.closeSent.Load() {
		return &TransportError{Err: errors.New("connection close already sent")}
	}
	return nil
}

// Send queues a data frame (TEXT or BINARY, or a CONTINUATION of one).
// fin=false begins or continues a fragmented message; the caller is
// responsible for eventually sending a fragment with fin=true.
func (t *Transport) Send(msgType MsgType, payload []byte, fin, rsv1 bool) error {
	if msgType != MsgText && msgType != MsgBinary && msgType != MsgContinuation {
		return &ProtocolError{Reason: fmt.Sprintf("Send: %v is not a data opcode", msgType)}
	}
	if err := t.checkSendable(); err != nil {
		return err
	}
	t.push(writeRequest{msgType: msgType, payload: payload, fin: fin, rsv1: rsv1, size: t.frameSize(len(payload))})
	return nil
}

// SendValue is [Transport.Send] for callers that only have an untyped
// payload (e.g. a generic dispatch layer). Only []byte is accepted;
// anything else - including a string, which the wire contract treats as
// distinct from raw bytes - is rejected synchronously with a [TypeError]
// and nothing is queued.
func (t *Transport) SendValue(msgType MsgType, payload any, fin, rsv1 bool) error {
	p, ok := payload.([]byte)
	if !ok {
		return &TypeError{Msg: fmt.Sprintf("wspipe: Send payload type: got %T, want []byte", payload)}
	}
	return t.Send(msgType, p, fin, rsv1)
}

// SendPing queues a PING control frame.
func (t *Transport) SendPing(payload []byte) error {
	if len(payload) > maxControlPayload {
		return &ProtocolError{Reason: "ping payload too large"}
	}
	if err := t.checkSendable(); err != nil {
		return err
	}
	t.push(writeRequest{msgType: MsgPing, payload: payload, fin: true, size: t.frameSize(len(payload))})
	return nil
}

// SendPong queues a PONG control frame. Applications only need this for
// unsolicited pongs; PING frames are answered automatically.
func (t *Transport) SendPong(payload []byte) error {
	if len(payload) > maxControlPayload {
		return &ProtocolError{Reason: "pong payload too large"}
	}
	if err := t.checkSendable(); err != nil {
		return err
	}
	t.push(writeRequest{msgType: MsgPong, payload: payload, fin: true, size: t.frameSize(len(payload))})
	return nil
}

// SendClose initiates (or responds to) the WebSocket closing handshake
// with the given code and UTF-8 reason. It is idempotent: only the
// first call per connection has an effect.
func (t *Transport) SendClose(code StatusCode, reason []byte) error {
	if t.conn.loadState() == stateClosed {
		return &TransportError{Err: errors.New("connection is closed")}
	}
	t.conn.sendCloseControlFrame(code, string(reason))
	return nil
}

// Disconnect forces closure of the socket regardless of connection
// state, after a best-effort attempt to flush already-queued writes,
// bounded by the close timeout.
func (t *Transport) Disconnect() {
	errCh := make(chan error, 1)
	t.push(writeRequest{flushOnly: true, err: errCh})

	select {
	case <-errCh:
	case <-t.writerDone:
	case <-time.After(t.conn.closeTimeout):
	}

	t.conn.disconnect()
}

// WaitDisconnected blocks until the connection is fully closed, or until
// ctx is done.
func (t *Transport) WaitDisconnected(ctx context.Context) error {
	select {
	case <-t.conn.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSecure reports whether the underlying socket is TLS-protected.
func (t *Transport) IsSecure() bool { return t.conn.isSecure }

// RawConn returns the underlying [net.Conn], for buffer-limit tuning
// (e.g. SetWriteBuffer, SetNoDelay). It is nil if the connection wasn't
// built over a net.Conn: client connections established by [Dial] read
// and write through the handshake response body, which hides the
// socket, and some test harnesses substitute in-memory pipes.
func (t *Transport) RawConn() net.Conn { return t.conn.raw }

// ID returns the connection's short opaque identifier, for logs and
// metrics.
func (t *Transport) ID() string { return t.conn.id }

// IsClosed reports whether both directions of the closing handshake
// have completed.
func (t *Transport) IsClosed() bool { return t.conn.IsClosed() }

// IsClosing reports whether either direction of the closing handshake
// has started.
func (t *Transport) IsClosing() bool { return t.conn.IsClosing() }
