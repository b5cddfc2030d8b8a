package wspipe

// Listener is the application-implemented capability set that receives
// connection lifecycle, frame, and flow-control events from a [Conn].
// Unimplemented methods default to a no-op: embed [BaseListener] and
// override only what you need, the idiomatic-Go analogue of a dynamic
// capability-set dispatch.
type Listener interface {
	// OnConnected is called exactly once, when the connection transitions
	// to OPEN (after a successful handshake).
	OnConnected(t *Transport)

	// OnFrame is called once per emitted frame, in strict wire order.
	// frame.Payload is allocated per frame by the read loop, not borrowed
	// from the connection's read buffer; the API guarantees it only for
	// the duration of this call.
	OnFrame(t *Transport, frame Frame)

	// PauseWriting is called when the transport's buffered write bytes
	// cross the high watermark. It is edge-triggered: exactly one call
	// per backpressure cycle.
	PauseWriting(t *Transport)

	// ResumeWriting is called when the buffered write total drains below
	// the low watermark, following a prior PauseWriting call.
	ResumeWriting(t *Transport)

	// OnDisconnected is called exactly once, when the connection
	// transitions to CLOSED. No further callbacks follow.
	OnDisconnected(t *Transport)
}

// BaseListener implements [Listener] with no-op methods. Embed it in an
// application listener type to override only the callbacks it cares
// about.
type BaseListener struct{}

func (BaseListener) OnConnected(*Transport)    {}
func (BaseListener) OnFrame(*Transport, Frame) {}
func (BaseListener) PauseWriting(*Transport)   {}
func (BaseListener) ResumeWriting(*Transport)  {}
func (BaseListener) OnDisconnected(*Transport) {}
