package transferquic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/blockflux/internal/transfer"
)

var (
	_ transfer.Transport     = (*QUICTransport)(nil)
	_ transfer.Conn          = (*QUICConn)(nil)
	_ transfer.Stream        = (*QUICStream)(nil)
	_ transfer.WriteCanceler = (*QUICStream)(nil)
	_ transfer.StreamIDer    = (*QUICStream)(nil)
)

var ErrWrongRole = errors.New("operation not supported by transport role")

type role string

const (
	roleDialer   role = "dialer"
	roleListener role = "listener"
)

// QUICTransport is a Transport backed by QUIC.
// It can act as either a dialer or a listener.
type QUICTransport struct {
	mu       sync.Mutex
	role     role
	conn     *quic.Conn
	listener Acceptor
	logger   *slog.Logger
	closed   bool
}

// NewDialer wraps an established connection. The receiver side uses it.
func NewDialer(conn *quic.Conn, logger *slog.Logger) *QUICTransport {
	return &QUICTransport{role: roleDialer, conn: conn, logger: logger}
}

// Acceptor is satisfied by *quic.Listener and quictransport.Listener.
type Acceptor interface {
	Accept(ctx context.Context) (*quic.Conn, error)
	Close() error
}

// NewListener wraps a listener. The sender side uses it.
func NewListener(listener Acceptor, logger *slog.Logger) *QUICTransport {
	return &QUICTransport{role: roleListener, listener: listener, logger: logger}
}

// Dial returns the wrapped connection; peerID is ignored.
func (t *QUICTransport) Dial(ctx context.Context, peerID string) (transfer.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, io.ErrClosedPipe
	}
	if t.role != roleDialer {
		return nil, fmt.Errorf("dial: %w", ErrWrongRole)
	}
	if t.conn == nil {
		return nil, fmt.Errorf("QUIC connection not available")
	}
	return &QUICConn{conn: t.conn, logger: t.logger}, nil
}

// Accept waits for the next incoming QUIC connection.
func (t *QUICTransport) Accept(ctx context.Context) (transfer.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	if t.role != roleListener {
		t.mu.Unlock()
		return nil, fmt.Errorf("accept: %w", ErrWrongRole)
	}
	listener := t.listener
	t.mu.Unlock()

	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}
	t.logger.Info("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &QUICConn{conn: conn, logger: t.logger}, nil
}

// Close closes the listener. A dialer's connection is closed through its
// QUICConn.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.role == roleListener && t.listener != nil {
		if err := t.listener.Close(); err != nil {
			return fmt.Errorf("failed to close QUIC listener: %w", err)
		}
	}
	return nil
}

// QUICConn wraps a quic.Conn and implements transfer.Conn.
type QUICConn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *slog.Logger
	closed bool
}

func (c *QUICConn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	c.logger.Debug("QUIC stream opened", "stream_id", stream.StreamID())
	return &QUICStream{stream: stream}, nil
}

func (c *QUICConn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	c.logger.Debug("QUIC stream accepted", "stream_id", stream.StreamID())
	return &QUICStream{stream: stream}, nil
}

func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *QUICConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}

func (c *QUICConn) live() (*quic.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, io.ErrClosedPipe
	}
	return c.conn, nil
}

// QUICStream wraps a quic.Stream. Close sends FIN; CancelWrite resets the
// send side with an application error code.
type QUICStream struct {
	mu          sync.Mutex
	stream      *quic.Stream
	writeClosed bool
}

func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.writeClosed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return s.stream.Write(p)
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *QUICStream) CancelWrite(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return
	}
	s.writeClosed = true
	s.stream.CancelWrite(quic.StreamErrorCode(code))
}

func (s *QUICStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to close QUIC stream: %w", err)
	}
	return nil
}
