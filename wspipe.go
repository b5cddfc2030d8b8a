// Package wspipe implements a WebSocket (RFC 6455) client and server
// endpoint library: an incremental frame codec, an HTTP-Upgrade handshake
// engine for both roles, a connection state machine, and a transport
// adapter with write-batching and backpressure signaling.
//
// Applications never see raw bytes. They implement a [Listener] and
// either [Dial] it (client role) or return it from a [ListenerFactory]
// handed to [NewServer] (server role); the library owns the socket,
// validates the handshake, parses inbound frames, and dispatches them to
// the listener in wire order. Outbound frames are queued through a
// [Transport] obtained in [Listener.OnConnected].
//
// Design notes:
//
//   - Frame payloads handed to [Listener.OnFrame] are valid only for the
//     duration of that call; copy them if you need to retain the data.
//   - The codec validates wire-level correctness (opcode, mask-bit per
//     role, control-frame framing, length) unconditionally. UTF-8
//     validation of TEXT payloads is lazy: it happens only when a caller
//     asks for [Frame.UTF8Text].
//   - RSV2 and RSV3 are passed through without inbound validation; RSV1
//     likewise, since per-message compression negotiation is out of
//     scope. This is a conscious permissive choice, not an oversight.
//   - There is no global state. A [Server] owns its listener socket;
//     [Server.Close] stops accepting new connections but leaves already
//     open ones to close on their own terms; track [Transport]s from
//     the [ListenerFactory] if you need to force them closed too.
//
// See https://datatracker.ietf.org/doc/html/rfc6455 for the protocol.
package wspipe
