// Package wsmetrics records connection-lifecycle and backpressure-edge
// events as CSV rows. It is a thin layer, on purpose: applications that
// need more should tap their own [log/slog] or OpenTelemetry pipeline at
// the [wspipe.Listener] boundary instead.
package wsmetrics

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultConnEventsFile   = "wspipe_conn_events.csv"
	DefaultBackpressureFile = "wspipe_backpressure.csv"
)

// Recorder writes connection and backpressure events to CSV files. The
// zero value (and a nil *Recorder) is valid and simply discards events,
// so components can hold an optional *Recorder without nil-checking
// before every call.
type Recorder struct {
	logger           zerolog.Logger
	connEventsFile   string
	backpressureFile string

	muConn sync.Mutex
	muBP   sync.Mutex
}

// New returns a [Recorder] that logs write errors through l.
func New(l zerolog.Logger) *Recorder {
	return &Recorder{
		logger:           l,
		connEventsFile:   DefaultConnEventsFile,
		backpressureFile: DefaultBackpressureFile,
	}
}

// ConnOpened records that a connection with the given role ("client" or
// "server") entered the OPEN state.
func (r *Recorder) ConnOpened(connID, role string) {
	if r == nil {
		return
	}
	r.muConn.Lock()
	defer r.muConn.Unlock()
	r.writeLine(r.connEventsFile, []string{time.Now().Format(time.RFC3339), connID, role, "opened"})
}

// ConnClosed records that a connection transitioned to CLOSED.
func (r *Recorder) ConnClosed(connID string) {
	if r == nil {
		return
	}
	r.muConn.Lock()
	defer r.muConn.Unlock()
	r.writeLine(r.connEventsFile, []string{time.Now().Format(time.RFC3339), connID, "", "closed"})
}

// BackpressureEdge records a pause_writing or resume_writing edge for a
// connection, along with the buffered-byte count at the edge.
func (r *Recorder) BackpressureEdge(connID, edge string, bufferedBytes int64) {
	if r == nil {
		return
	}
	r.muBP.Lock()
	defer r.muBP.Unlock()
	r.writeLine(r.backpressureFile, []string{
		time.Now().Format(time.RFC3339), connID, edge, strconv.FormatInt(bufferedBytes, 10),
	})
}

func (r *Recorder) writeLine(filename string, record []string) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Error().Err(err).Str("file", filename).Msg("failed to open metrics file")
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		r.logger.Error().Err(err).Str("file", filename).Msg("failed to write metrics file")
	}
	w.Flush()
}
