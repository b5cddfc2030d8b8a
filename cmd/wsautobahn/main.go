// Wsautobahn tests the wspipe [WebSocket client] against
// the fuzzing server of the [Autobahn Testsuite].
//
// [WebSocket client]: https://pkg.go.dev/github.com/coregate/wspipe
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/coregate/wspipe"
	"github.com/coregate/wspipe/internal/logger"
)

const (
	baseURL = "ws://127.0.0.1:9001"
	agent   = "wspipe"
)

func main() {
	n := getCaseCount()
	slog.Info("case count", slog.Int("n", n))

	// Excluded in "config/fuzzingserver.json":
	//   - 6.4.*: Fail-fast on invalid UTF-8 frames (validation is lazy here),
	//   - 12.* and 13.*: WebSocket compression.
	for i := range n {
		runCase(i + 1)
	}

	updateReports()
}

// echoSession is the per-case listener: every data frame is sent
// straight back with its opcode, FIN, and RSV1 bits intact, until the
// fuzzing server closes the connection.
type echoSession struct {
	wspipe.BaseListener

	l    *slog.Logger
	done chan struct{}
	once sync.Once
}

func newEchoSession(l *slog.Logger) *echoSession {
	return &echoSession{l: l, done: make(chan struct{})}
}

func (s *echoSession) OnFrame(t *wspipe.Transport, f wspipe.Frame) {
	switch f.MsgType {
	case wspipe.MsgText, wspipe.MsgBinary, wspipe.MsgContinuation:
		s.l.Info("received frame",
			slog.String("opcode", f.MsgType.String()), slog.Int("length", len(f.Payload)))

		payload := append([]byte(nil), f.Payload...)
		if err := t.Send(f.MsgType, payload, f.FIN, f.RSV1); err != nil {
			s.l.Error("echo error", slog.Any("error", err))
			_ = t.SendClose(wspipe.StatusNormalClosure, nil)
		}
	}
}

func (s *echoSession) OnDisconnected(*wspipe.Transport) {
	s.once.Do(func() { close(s.done) })
}

// countSession captures the first TEXT frame and then waits for the
// server to hang up.
type countSession struct {
	echoSession

	payload chan []byte
}

func (s *countSession) OnFrame(_ *wspipe.Transport, f wspipe.Frame) {
	if f.MsgType == wspipe.MsgText {
		select {
		case s.payload <- append([]byte(nil), f.Payload...):
		default:
		}
	}
}

// getCaseCount retrieves the number of enabled test cases from
// the Autobahn fuzzing server, using a WebSocket request.
func getCaseCount() int {
	s := &countSession{
		echoSession: *newEchoSession(slog.Default()),
		payload:     make(chan []byte, 1),
	}

	if _, err := wspipe.Dial(context.Background(), baseURL+"/getCaseCount", s); err != nil {
		logger.FatalError("dial error", err)
	}

	<-s.done

	select {
	case msg := <-s.payload:
		n, err := strconv.Atoi(string(msg))
		if err != nil {
			logger.FatalError("invalid test case count", err)
		}
		return n
	default:
		slog.Debug("connection closed without a case count")
		return 0
	}
}

func runCase(i int) {
	l := slog.With(slog.Int("case", i))
	l.Info("starting test")

	s := newEchoSession(l)
	url := fmt.Sprintf("%s/runCase?case=%d&agent=%s", baseURL, i, agent)
	if _, err := wspipe.Dial(context.Background(), url, s); err != nil {
		logger.FatalError("dial error", err)
	}

	<-s.done
}

// updateReports instructs the Autobahn fuzzing server to generate/update
// all the HTML and JSON files for all the test-case results.
func updateReports() {
	slog.Info("updating reports")

	s := newEchoSession(slog.Default())
	url := fmt.Sprintf("%s/updateReports?agent=%s", baseURL, agent)
	if _, err := wspipe.Dial(context.Background(), url, s); err != nil {
		logger.FatalError("dial error", err)
	}

	<-s.done
}
