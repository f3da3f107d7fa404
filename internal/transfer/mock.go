package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ErrStreamReset is what a mock stream reader sees after CancelWrite.
var ErrStreamReset = errors.New("stream reset by peer")

// MockTransport is an in-memory transport for tests. Two instances created
// by NewMockPair can connect to each other.
type MockTransport struct {
	mu             sync.Mutex
	peerID         string
	acceptChan     chan *mockConn
	peerAcceptChan chan *mockConn
	connections    map[*mockConn]bool
	closed         bool
}

// NewMockPair creates a pair of MockTransport instances that can connect to
// each other.
func NewMockPair() (*MockTransport, *MockTransport) {
	t1Accept := make(chan *mockConn, 1)
	t2Accept := make(chan *mockConn, 1)

	t1 := &MockTransport{
		peerID:         "peer1",
		acceptChan:     t1Accept,
		peerAcceptChan: t2Accept,
		connections:    make(map[*mockConn]bool),
	}
	t2 := &MockTransport{
		peerID:         "peer2",
		acceptChan:     t2Accept,
		peerAcceptChan: t1Accept,
		connections:    make(map[*mockConn]bool),
	}
	return t1, t2
}

type mockConn struct {
	mu         sync.Mutex
	transport  *MockTransport
	other      *mockConn
	remote     string
	streamChan chan *mockStream
	streams    []*mockStream
	closed     bool
}

// mockStream is one direction pair of io.Pipes. Writes block until the peer
// reads them.
type mockStream struct {
	mu          sync.Mutex
	id          uint64
	reader      *io.PipeReader
	writer      *io.PipeWriter
	writeClosed bool
}

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

var (
	_ Transport     = (*MockTransport)(nil)
	_ Conn          = (*mockConn)(nil)
	_ Stream        = (*mockStream)(nil)
	_ WriteCanceler = (*mockStream)(nil)
	_ StreamIDer    = (*mockStream)(nil)
)

// Dial creates a connection and hands its remote half to the peer.
func (t *MockTransport) Dial(ctx context.Context, peerID string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	local := &mockConn{transport: t, remote: peerID, streamChan: make(chan *mockStream, 16)}
	remote := &mockConn{remote: t.peerID, streamChan: make(chan *mockStream, 16)}
	local.other = remote
	remote.other = local

	select {
	case t.peerAcceptChan <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	t.connections[local] = true
	t.mu.Unlock()
	return local, nil
}

// Accept waits for the peer to dial.
func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptChan:
		conn.mu.Lock()
		conn.transport = t
		conn.mu.Unlock()
		t.mu.Lock()
		t.connections[conn] = true
		t.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the transport and all connections.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*mockConn, 0, len(t.connections))
	for conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connections = nil
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	id := uint64(len(c.streams)) * 4
	c.mu.Unlock()

	localToRemoteReader, localToRemoteWriter := io.Pipe()
	remoteToLocalReader, remoteToLocalWriter := io.Pipe()
	local := &mockStream{id: id, reader: remoteToLocalReader, writer: localToRemoteWriter}
	remote := &mockStream{id: id, reader: localToRemoteReader, writer: remoteToLocalWriter}

	select {
	case c.other.streamChan <- remote:
	case <-ctx.Done():
		local.abort()
		remote.abort()
		return nil, ctx.Err()
	}

	c.track(local)
	c.other.track(remote)
	return local, nil
}

func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case stream := <-c.streamChan:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) RemoteAddr() net.Addr {
	return mockAddr(c.remote)
}

// Close aborts every stream of the connection on both sides.
func (c *mockConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	transport := c.transport
	c.mu.Unlock()

	for _, s := range streams {
		s.abort()
	}
	if transport != nil {
		transport.mu.Lock()
		delete(transport.connections, c)
		transport.mu.Unlock()
	}
	c.other.Close()
	return nil
}

func (c *mockConn) track(s *mockStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.abort()
		return
	}
	c.streams = append(c.streams, s)
}

func (s *mockStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.writeClosed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	writer := s.writer
	s.mu.Unlock()
	return writer.Write(p)
}

// Close finishes the send side; the peer reads EOF.
func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	return s.writer.Close()
}

func (s *mockStream) CancelWrite(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return
	}
	s.writeClosed = true
	s.writer.CloseWithError(fmt.Errorf("%w (code 0x%x)", ErrStreamReset, code))
}

func (s *mockStream) StreamID() uint64 {
	return s.id
}

func (s *mockStream) abort() {
	s.mu.Lock()
	s.writeClosed = true
	s.mu.Unlock()
	s.writer.CloseWithError(io.ErrClosedPipe)
	s.reader.CloseWithError(io.ErrClosedPipe)
}
