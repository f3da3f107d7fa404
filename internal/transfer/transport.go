package transfer

import (
	"context"
	"io"
	"net"
)

// Transport represents an established path to a peer.
// A Transport is typically created once per peer.
type Transport interface {
	// Dial returns the connection to the specified peer.
	Dial(ctx context.Context, peerID string) (Conn, error)

	// Accept waits for and accepts an incoming connection from another peer.
	Accept(ctx context.Context) (Conn, error)

	// Close closes the transport and all associated connections.
	Close() error
}

// Conn is a multiplexed connection between two peers. Each block travels
// on its own stream so streams are opened and finished independently.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the remote peer.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for and accepts an incoming stream from the remote peer.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Close closes the connection and all associated streams.
	Close() error
}

// Stream is a bidirectional byte stream between two peers.
// Close finishes the send side; the peer reads EOF after the last byte.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// StreamIDer exposes a transport-specific stream ID when available.
type StreamIDer interface {
	StreamID() uint64
}

// WriteCanceler abandons the send side of a stream without delivering the
// rest of its data. The peer sees a reset instead of EOF.
type WriteCanceler interface {
	CancelWrite(code uint64)
}

// Stream error codes sent with CancelWrite.
const (
	CodeBlockDropped uint64 = 0x10
)
