package wspipe

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coregate/wspipe/internal/logger"
)

// Dial performs a [WebSocket handshake] to establish a client connection
// to wsURL ("ws://..." or "wss://..."), then hands the accepted
// connection's [Transport] to listener and runs its read/write loops in
// background goroutines.
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, wsURL string, listener Listener, opts ...DialOption) (*Transport, error) {
	cfg := dialConfig{
		connConfig: connConfig{
			disconnectOnException: true,
			closeTimeout:          5 * time.Second,
			maxPayload:            DefaultMaxPayload,
			logger:                logger.FromContext(ctx),
		},
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.closeTimeout)
	defer cancel()

	nonceGen := cfg.nonceGen
	if nonceGen == nil {
		nonceGen = rand.Reader
	}
	nonce, err := generateNonce(nonceGen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}

	req, err := handshakeRequest(handshakeCtx, wsURL, nonce, cfg.headers)
	if err != nil {
		return nil, err
	}

	client := cfg.client
	if client == nil {
		client = adjustHTTPClient(*http.DefaultClient, cfg.tlsConfig)
	} else {
		client = adjustHTTPClient(*client, cfg.tlsConfig)
	}

	resp, err := client.Do(req)
	if err != nil {
		if handshakeCtx.Err() != nil {
			return nil, &TimeoutError{Op: "client handshake"}
		}
		return nil, fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}
	if err = checkHandshakeResponse(resp, nonce); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, fmt.Errorf("WebSocket handshake response body type: got %T, want io.ReadWriteCloser", resp.Body)
	}

	cfg.isSecure = strings.HasPrefix(strings.ToLower(wsURL), "wss://")
	c := newConn(RoleClient, rwc, listener, cfg.connConfig)
	go c.run()

	cfg.logger.Debug("WebSocket client connection established", slog.String("url", wsURL))
	return c.transport, nil
}
