package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier
	// for deadline-aware block transfer.
	ALPNProtocol = "blockflux-dtp-v1"
)

const (
	minUDPBuffer    = 256 * 1024
	maxUDPBuffer    = 64 * 1024 * 1024
	minStreamWindow = 1 * 1024 * 1024
	maxStreamWindow = 256 * 1024 * 1024
	minConnWindow   = 1 * 1024 * 1024
	maxConnWindow   = 1024 * 1024 * 1024
	maxStreams      = 2048
)

// Options tunes the QUIC connection and the listener's UDP socket. Zero
// fields take defaults; out-of-range windows and buffers are clamped.
type Options struct {
	KeepAlivePeriod    time.Duration
	MaxIdleTimeout     time.Duration
	MaxIncomingStreams int64
	StreamWindow       uint64
	ConnectionWindow   uint64
	ReadBuffer         int // UDP socket buffers, bytes
	WriteBuffer        int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		KeepAlivePeriod:    10 * time.Second,
		MaxIdleTimeout:     30 * time.Second,
		MaxIncomingStreams: 1000,
		StreamWindow:       16 * 1024 * 1024,
		ConnectionWindow:   64 * 1024 * 1024,
		ReadBuffer:         8 * 1024 * 1024,
		WriteBuffer:        8 * 1024 * 1024,
	}
}

// QUICConfig converts o into a quic.Config.
func (o Options) QUICConfig() *quic.Config {
	def := DefaultOptions()
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = def.KeepAlivePeriod
	}
	if o.MaxIdleTimeout <= 0 {
		o.MaxIdleTimeout = def.MaxIdleTimeout
	}
	if o.MaxIncomingStreams <= 0 {
		o.MaxIncomingStreams = def.MaxIncomingStreams
	}
	if o.StreamWindow == 0 {
		o.StreamWindow = def.StreamWindow
	}
	if o.ConnectionWindow == 0 {
		o.ConnectionWindow = def.ConnectionWindow
	}
	o.StreamWindow = clamp(o.StreamWindow, minStreamWindow, maxStreamWindow)
	o.ConnectionWindow = clamp(o.ConnectionWindow, minConnWindow, maxConnWindow)
	o.MaxIncomingStreams = min(o.MaxIncomingStreams, maxStreams)
	return &quic.Config{
		KeepAlivePeriod:                o.KeepAlivePeriod,
		MaxIdleTimeout:                 o.MaxIdleTimeout,
		MaxIncomingStreams:             o.MaxIncomingStreams,
		InitialStreamReceiveWindow:     o.StreamWindow,
		MaxStreamReceiveWindow:         o.StreamWindow,
		InitialConnectionReceiveWindow: o.ConnectionWindow,
		MaxConnectionReceiveWindow:     o.ConnectionWindow,
	}
}

// ServerConfig returns a TLS configuration with a fresh self-signed
// certificate.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration that accepts the server's
// self-signed certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"blockflux"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listener is a QUIC listener that owns its UDP socket.
type Listener struct {
	*quic.Listener
	udp    *net.UDPConn
	Tuning BufferTuning
}

// Close stops accepting and releases the socket.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if cerr := l.udp.Close(); err == nil {
		err = cerr
	}
	return err
}

// BufferTuning reports the socket buffer sizes requested and whether the
// kernel accepted them.
type BufferTuning struct {
	ReadBuffer  int
	WriteBuffer int
	Err         error
}

// tuneUDP applies the clamped buffer sizes. Failure is not fatal; the
// kernel defaults stay in place.
func tuneUDP(conn *net.UDPConn, read, write int) BufferTuning {
	t := BufferTuning{
		ReadBuffer:  clamp(read, minUDPBuffer, maxUDPBuffer),
		WriteBuffer: clamp(write, minUDPBuffer, maxUDPBuffer),
	}
	if err := conn.SetReadBuffer(t.ReadBuffer); err != nil {
		t.Err = fmt.Errorf("read buffer: %w", err)
		return t
	}
	if err := conn.SetWriteBuffer(t.WriteBuffer); err != nil {
		t.Err = fmt.Errorf("write buffer: %w", err)
	}
	return t
}

func clamp[T int | uint64](n, lo, hi T) T {
	return max(lo, min(n, hi))
}

// Listen opens a UDP socket on addr, sizes its buffers and starts a QUIC
// listener on it.
func Listen(addr string, opts Options, logger *slog.Logger) (*Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	def := DefaultOptions()
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = def.ReadBuffer
	}
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = def.WriteBuffer
	}
	tuning := tuneUDP(udp, opts.ReadBuffer, opts.WriteBuffer)
	if tuning.Err != nil {
		logger.Warn("UDP buffer tuning denied", "error", tuning.Err)
	}

	listener, err := quic.Listen(udp, tlsConfig, opts.QUICConfig())
	if err != nil {
		udp.Close()
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", "local_addr", listener.Addr(),
		"read_buffer", tuning.ReadBuffer, "write_buffer", tuning.WriteBuffer)
	return &Listener{Listener: listener, udp: udp, Tuning: tuning}, nil
}

// Dial connects to a QUIC listener at addr.
func Dial(ctx context.Context, addr string, opts Options, logger *slog.Logger) (*quic.Conn, error) {
	logger.Info("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), opts.QUICConfig())
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return conn, nil
}
