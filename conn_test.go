package wspipe

import (
	"bufio"
	"bytes"
	"io"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

// scriptedConn replays a fixed sequence of inbound wire bytes and
// captures everything the connection writes back.
type scriptedConn struct {
	r *bytes.Reader

	closeOnce sync.Once
	closed    chan struct{}

	mu sync.Mutex
	w  bytes.Buffer
}

func newScriptedConn(inbound []byte) *scriptedConn {
	return &scriptedConn{r: bytes.NewReader(inbound), closed: make(chan struct{})}
}

func (s *scriptedConn) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF && n == 0 {
		// Simulate an open socket with nothing more to say until the
		// connection itself is torn down.
		<-s.closed
		return 0, io.EOF
	}
	return n, err
}

func (s *scriptedConn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *scriptedConn) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedConn) outbound() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.w.Bytes()...)
}

// frameRecorder retains a deep copy of every frame it receives, since
// the payload view is only valid during the OnFrame call.
type frameRecorder struct {
	BaseListener

	mu           sync.Mutex
	frames       []Frame
	connected    bool
	disconnected bool
}

func (r *frameRecorder) OnConnected(*Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
}

func (r *frameRecorder) OnFrame(_ *Transport, f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.Payload = append([]byte(nil), f.Payload...)
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) OnDisconnected(*Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = true
}

func (r *frameRecorder) recorded() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// clientFrame builds the bytes of a single masked (client-role) frame.
func clientFrame(t *testing.T, msgType MsgType, payload []byte, fin bool) []byte {
	t.Helper()

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	var scratch [8]byte
	if err := writeFrame(bw, RoleClient, msgType, payload, fin, false, false, false, &scratch); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	if err := flushFrames(bw); err != nil {
		t.Fatalf("flushFrames() error = %v", err)
	}
	return buf.Bytes()
}

// parseOutbound decodes the unmasked server-role frames captured by a
// scriptedConn.
func parseOutbound(t *testing.T, data []byte) []Frame {
	t.Helper()

	br := bufio.NewReader(bytes.NewReader(data))
	var frames []Frame
	var scratch [8]byte
	for {
		h, err := readFrameHeader(br, &scratch, 0)
		if err != nil {
			return frames
		}
		payload, err := readFramePayload(br, h)
		if err != nil {
			t.Fatalf("readFramePayload() error = %v", err)
		}
		frames = append(frames, Frame{
			MsgType: h.opcode, FIN: h.fin,
			RSV1: h.rsv[0], RSV2: h.rsv[1], RSV3: h.rsv[2],
			Payload: payload,
		})
	}
}

func runScripted(t *testing.T, script ...[]byte) (*frameRecorder, *scriptedConn) {
	t.Helper()

	sc := newScriptedConn(bytes.Join(script, nil))
	rec := &frameRecorder{}
	c := newConn(RoleServer, sc, rec, testConnConfig())
	c.run()
	return rec, sc
}

func TestReadLoopDeliversFragmentsIndividually(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec, _ := runScripted(t,
		clientFrame(t, MsgText, []byte("he"), false),
		clientFrame(t, MsgContinuation, []byte("ll"), false),
		clientFrame(t, MsgContinuation, []byte("o"), true),
		clientFrame(t, MsgClose, closePayload(StatusNormalClosure, ""), true),
	)

	frames := rec.recorded()
	if len(frames) != 4 {
		t.Fatalf("recorded %d frames, want 4 (3 fragments + close)", len(frames))
	}

	want := []struct {
		msgType MsgType
		fin     bool
		payload string
	}{
		{MsgText, false, "he"},
		{MsgContinuation, false, "ll"},
		{MsgContinuation, true, "o"},
	}
	for i, w := range want {
		f := frames[i]
		if f.MsgType != w.msgType || f.FIN != w.fin || string(f.Payload) != w.payload {
			t.Errorf("frame[%d] = (%v, fin=%v, %q), want (%v, fin=%v, %q)",
				i, f.MsgType, f.FIN, f.Payload, w.msgType, w.fin, w.payload)
		}
	}

	if frames[3].MsgType != MsgClose {
		t.Errorf("frame[3].MsgType = %v, want close", frames[3].MsgType)
	}
}

func TestReadLoopControlFramesInterleaveWithFragments(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec, sc := runScripted(t,
		clientFrame(t, MsgBinary, []byte{1, 2}, false),
		clientFrame(t, MsgPing, []byte("mid"), true),
		clientFrame(t, MsgContinuation, []byte{3, 4}, true),
		clientFrame(t, MsgClose, closePayload(StatusNormalClosure, ""), true),
	)

	frames := rec.recorded()
	if len(frames) != 4 {
		t.Fatalf("recorded %d frames, want 4", len(frames))
	}
	if frames[1].MsgType != MsgPing {
		t.Errorf("frame[1].MsgType = %v, want ping", frames[1].MsgType)
	}

	// The ping must have been answered with a pong carrying the same
	// payload, before the close echo.
	out := parseOutbound(t, sc.outbound())
	if len(out) != 2 {
		t.Fatalf("wrote %d frames, want 2 (pong + close echo)", len(out))
	}
	if out[0].MsgType != MsgPong || string(out[0].Payload) != "mid" {
		t.Errorf("outbound[0] = (%v, %q), want (pong, %q)", out[0].MsgType, out[0].Payload, "mid")
	}
	if out[1].MsgType != MsgClose {
		t.Errorf("outbound[1].MsgType = %v, want close", out[1].MsgType)
	}
}

func TestReadLoopEchoesCloseCodeAndReason(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec, sc := runScripted(t,
		clientFrame(t, MsgClose, closePayload(StatusGoingAway, "goodbye"), true),
	)

	out := parseOutbound(t, sc.outbound())
	if len(out) != 1 {
		t.Fatalf("wrote %d frames, want 1 close echo", len(out))
	}
	if got := out[0].CloseCode(); got != StatusGoingAway {
		t.Errorf("close echo code = %v, want %v", got, StatusGoingAway)
	}
	if got := out[0].CloseMessage(); string(got) != "goodbye" {
		t.Errorf("close echo reason = %q, want %q", got, "goodbye")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.connected || !rec.disconnected {
		t.Errorf("lifecycle callbacks = (connected=%v, disconnected=%v), want both true", rec.connected, rec.disconnected)
	}
}

func TestReadLoopUnmaskedClientFrameIsProtocolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	// A server-role frame is unmasked; feeding it to a server-role
	// connection violates the client-to-server masking rule.
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	var scratch [8]byte
	if err := writeFrame(bw, RoleServer, MsgBinary, []byte{1, 2, 3}, true, false, false, false, &scratch); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	_ = flushFrames(bw)

	rec, sc := runScripted(t, buf.Bytes())

	if frames := rec.recorded(); len(frames) != 0 {
		t.Errorf("recorded %d frames, want 0", len(frames))
	}

	out := parseOutbound(t, sc.outbound())
	if len(out) != 1 || out[0].MsgType != MsgClose {
		t.Fatalf("outbound = %+v, want a single close frame", out)
	}
	if got := out[0].CloseCode(); got != StatusProtocolError {
		t.Errorf("close code = %v, want %v", got, StatusProtocolError)
	}
}

func TestReadLoopOneByteClosePayloadIsProtocolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, sc := runScripted(t,
		clientFrame(t, MsgClose, []byte{0x03}, true),
	)

	out := parseOutbound(t, sc.outbound())
	if len(out) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(out))
	}
	if got := out[0].CloseCode(); got != StatusProtocolError {
		t.Errorf("close code = %v, want %v", got, StatusProtocolError)
	}
}

func TestReadLoopInvalidUTF8TextIsStillDelivered(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Wire-level validation never inspects TEXT payload bytes; UTF-8
	// validation happens only when the UTF8Text view is requested.
	rec, _ := runScripted(t,
		clientFrame(t, MsgText, []byte{0xff, 0xfe}, true),
		clientFrame(t, MsgClose, closePayload(StatusNormalClosure, ""), true),
	)

	frames := rec.recorded()
	if len(frames) != 2 {
		t.Fatalf("recorded %d frames, want 2", len(frames))
	}
	f := frames[0]
	if f.MsgType != MsgText || !reflect.DeepEqual(f.Payload, []byte{0xff, 0xfe}) {
		t.Fatalf("frame[0] = (%v, %v), want the raw TEXT bytes", f.MsgType, f.Payload)
	}
	if _, ok := f.UTF8Text(); ok {
		t.Error("Frame.UTF8Text() on invalid UTF-8 reported ok=true")
	}
}

func TestReadLoopRSVBitsArePreserved(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	var scratch [8]byte
	if err := writeFrame(bw, RoleClient, MsgText, []byte("x"), true, true, true, true, &scratch); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	_ = flushFrames(bw)

	rec, _ := runScripted(t,
		buf.Bytes(),
		clientFrame(t, MsgClose, closePayload(StatusNormalClosure, ""), true),
	)

	frames := rec.recorded()
	if len(frames) != 2 {
		t.Fatalf("recorded %d frames, want 2", len(frames))
	}
	f := frames[0]
	if !f.RSV1 || !f.RSV2 || !f.RSV3 {
		t.Errorf("RSV bits = (%v, %v, %v), want all true", f.RSV1, f.RSV2, f.RSV3)
	}
}

// closePayload builds a CLOSE frame payload: big-endian status code
// followed by the reason bytes.
func closePayload(status StatusCode, reason string) []byte {
	p := []byte{byte(status >> 8), byte(status)}
	return append(p, reason...)
}
