package wspipe

import (
	"encoding/binary"
	"log/slog"
	"time"
)

// sendCloseControlFrame either initiates or responds to a WebSocket
// closing handshake. It is idempotent: calls after the first one are
// no-ops. It may be called from [Conn.readLoop] (responding to a peer
// CLOSE or a protocol violation) or from [Transport.SendClose] (caller
// starts the closing handshake).
//
// It is based on:
//   - Control frames - close: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.1
//   - Closing the connection: https://datatracker.ietf.org/doc/html/rfc6455#section-7
func (c *Conn) sendCloseControlFrame(status StatusCode, reason string) {
	if !c.closeSent.CompareAndSwap(false, true) {
		return
	}
	c.storeState(stateClosing)

	// Give the peer a moment to process any frame sent just before this
	// one; this is mostly relevant to conformance-test determinism.
	time.Sleep(time.Millisecond)

	status, reason = checkClosePayload(status, reason)

	binary.BigEndian.PutUint16(c.closeBuf[:2], uint16(status))
	if len(reason) > 0 {
		copy(c.closeBuf[2:], reason)
	}
	n := 2 + len(reason)

	if err := c.writeControl(MsgClose, c.closeBuf[:n]); err != nil {
		c.logger.Error("failed to send WebSocket close control frame", slog.Any("error", err))
	}

	if c.closeReceived.Load() {
		c.finishClose()
		return
	}

	// We initiated: give the peer up to closeTimeout to reciprocate
	// before tearing the socket down anyway.
	go func() {
		select {
		case <-c.closeDone:
		case <-c.done:
		case <-time.After(c.closeTimeout):
			c.logger.Warn("WebSocket closing handshake timed out", slog.String("conn_id", c.id))
			c.disconnect()
		}
	}()
}

// IsClosed reports whether both directions of the closing handshake have
// completed.
func (c *Conn) IsClosed() bool { return c.closeReceived.Load() && c.closeSent.Load() }

// IsClosing reports whether either direction of the closing handshake
// has started.
func (c *Conn) IsClosing() bool { return c.closeReceived.Load() || c.closeSent.Load() }
