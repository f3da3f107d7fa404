package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func dialPair(t *testing.T) (Conn, Conn) {
	t.Helper()
	t1, t2 := NewMockPair()
	t.Cleanup(func() {
		t1.Close()
		t2.Close()
	})
	ctx := context.Background()

	conn1, err := t1.Dial(ctx, "peer2")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	conn2, err := t2.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	return conn1, conn2
}

func TestMockPair_DialAccept(t *testing.T) {
	conn1, conn2 := dialPair(t)
	if conn1.RemoteAddr().String() != "peer2" {
		t.Fatalf("dialer remote = %q, want peer2", conn1.RemoteAddr())
	}
	if conn2.RemoteAddr().String() != "peer1" {
		t.Fatalf("acceptor remote = %q, want peer1", conn2.RemoteAddr())
	}
}

func TestMockConn_StreamDataAndEOF(t *testing.T) {
	conn1, conn2 := dialPair(t)
	ctx := context.Background()

	stream1, err := conn1.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream error: %v", err)
	}
	stream2, err := conn2.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream error: %v", err)
	}

	go func() {
		stream1.Write([]byte("hello"))
		stream1.Close()
	}()

	data, err := io.ReadAll(stream2)
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want hello", data)
	}

	if _, err := stream1.Write([]byte("late")); err == nil {
		t.Fatal("expected write after close to fail")
	}
}

func TestMockStream_CancelWrite(t *testing.T) {
	conn1, conn2 := dialPair(t)
	ctx := context.Background()

	stream1, err := conn1.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream error: %v", err)
	}
	stream2, err := conn2.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream error: %v", err)
	}

	stream1.(WriteCanceler).CancelWrite(CodeBlockDropped)

	_, err = io.ReadAll(stream2)
	if !errors.Is(err, ErrStreamReset) {
		t.Fatalf("expected reset, got %v", err)
	}
}

func TestMockConn_CloseUnblocksReaders(t *testing.T) {
	conn1, conn2 := dialPair(t)
	ctx := context.Background()

	if _, err := conn1.OpenStream(ctx); err != nil {
		t.Fatalf("OpenStream error: %v", err)
	}
	stream2, err := conn2.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := stream2.Read(make([]byte, 8))
		done <- err
	}()

	conn1.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected read error after close")
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock")
	}

	if _, err := conn2.OpenStream(ctx); err == nil {
		t.Fatal("expected OpenStream on closed conn to fail")
	}
}

func TestMockTransport_AcceptHonorsContext(t *testing.T) {
	_, t2 := NewMockPair()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := t2.Accept(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
