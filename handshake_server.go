package wspipe

import (
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// UpgradeRequest is the subset of an inbound HTTP/1.1 Upgrade request
// that a [ListenerFactory] gets to inspect before deciding whether to
// accept the connection.
type UpgradeRequest struct {
	Method  string
	Path    string
	Version string
	Headers http.Header
}

// ErrNotFound is returned by a [ListenerFactory] to signal that no
// listener exists for the request's path; the server responds with
// 404 Not Found and closes the socket.
var ErrNotFound = errors.New("wspipe: no listener for this upgrade request")

// ListenerFactory decides, for each inbound handshake request, whether
// to accept the connection. Returning a non-nil [Listener] accepts the
// connection. Returning [ErrNotFound] (or wrapping it) rejects with 404;
// any other non-nil error rejects with 500.
type ListenerFactory func(*UpgradeRequest) (Listener, error)

// wsUpgrade validates an inbound HTTP/1.1 Upgrade request against
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1, invokes
// factory, and on acceptance hijacks the connection and writes the 101
// response. On any failure it writes the appropriate HTTP error response
// and returns a non-nil error; the caller must not touch the response
// writer afterwards either way.
func wsUpgrade(w http.ResponseWriter, r *http.Request, factory ListenerFactory, cfg connConfig) (*Conn, error) {
	if r.Method != http.MethodGet {
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "request method must be GET")
	}
	if r.Host == "" {
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "'Host' missing in request")
	}
	if !wsHeaderContains(r.Header, "Upgrade", "websocket") {
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "invalid value for header 'Upgrade'")
	}
	if !wsHeaderContains(r.Header, "Connection", "Upgrade") {
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "invalid value for header 'Connection'")
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "'Sec-WebSocket-Key' missing")
	}
	if !wsHeaderContains(r.Header, "Sec-WebSocket-Version", "13") {
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "unsupported 'Sec-WebSocket-Version'")
	}

	req := &UpgradeRequest{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Version: r.Proto,
		Headers: r.Header,
	}

	listener, err := factory(req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, wsReturnHTTPError(w, http.StatusNotFound, err.Error())
		}
		return nil, wsReturnHTTPError(w, http.StatusInternalServerError, err.Error())
	}
	if listener == nil {
		return nil, wsReturnHTTPError(w, http.StatusNotFound, "no listener for this request")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, wsReturnHTTPError(w, http.StatusInternalServerError, "response writer does not support hijacking")
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, wsReturnHTTPError(w, http.StatusInternalServerError, err.Error())
	}
	if brw.Reader.Buffered() > 0 {
		_ = conn.Close()
		return nil, wsReturnHTTPError(w, http.StatusBadRequest, "client sent data before handshake completed")
	}

	// The HTTP server's handshake read deadline is still armed on the
	// hijacked socket; the connection is long-lived from here on.
	_ = conn.SetDeadline(time.Time{})

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + wsAcceptKey(key) + "\r\n\r\n"
	if _, err := conn.Write([]byte(response)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to write WebSocket handshake response: %w", err)
	}

	cfg.isSecure = isTLSConn(conn)
	c := newConn(RoleServer, conn, listener, cfg)
	return c, nil
}

// isTLSConn reports whether conn is a *tls.Conn, without importing
// crypto/tls into this file's exported surface.
func isTLSConn(conn net.Conn) bool {
	_, ok := conn.(interface{ ConnectionState() tls.ConnectionState })
	return ok
}

// wsHeaderContains reports whether header named contains a comma-separated
// token equal (case-insensitively) to value.
func wsHeaderContains(header http.Header, name, value string) bool {
	for _, s := range header.Values(name) {
		for _, t := range strings.Split(s, ",") {
			if strings.EqualFold(strings.TrimSpace(t), value) {
				return true
			}
		}
	}
	return false
}

// wsReturnHTTPError writes a minimal HTTP error response and returns an
// error describing it, for the caller to log.
func wsReturnHTTPError(w http.ResponseWriter, status int, reason string) error {
	http.Error(w, http.StatusText(status), status)
	return fmt.Errorf("websocket handshake rejected (%d): %s", status, reason)
}

// wsAcceptKey computes the "Sec-WebSocket-Accept" response header value
// for a client-supplied "Sec-WebSocket-Key", per
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func wsAcceptKey(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
