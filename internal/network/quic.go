package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"txrelay/internal/debuglog"
	"txrelay/internal/metrics"
	"txrelay/internal/proto"
)

const (
	ALPN = "txrelay-quic"

	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
)

// Responder answers one framed request read from a stream. The returned
// payload is written back as a single frame.
type Responder interface {
	Respond(ctx context.Context, remote net.Addr, req []byte) []byte
}

type ResponderFunc func(ctx context.Context, remote net.Addr, req []byte) []byte

func (f ResponderFunc) Respond(ctx context.Context, remote net.Addr, req []byte) []byte {
	return f(ctx, remote, req)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is deterministic so that nodes started from the same binary
// trust each other without provisioning.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("txrelay-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

type TLSOptions struct {
	CertFile string
	KeyFile  string
	// CAFile overrides the dev certificate as the client trust root.
	CAFile   string
	Insecure bool
}

func ServerTLSConfig(opts TLSOptions) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	} else {
		cert, _, err = devTLSCert()
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func ClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if opts.Insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPN},
			MinVersion:         tls.VersionTLS13,
		}, nil
	}
	pool := x509.NewCertPool()
	if opts.CAFile != "" {
		data, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", opts.CAFile)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// DevCAPEM returns the dev certificate for peers that pin it from a file.
func DevCAPEM() ([]byte, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type ServerOptions struct {
	Addr            string
	TLS             TLSOptions
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Metrics         *metrics.Metrics
}

type Server struct {
	opts    ServerOptions
	handler Responder
	admit   *admission

	mu       sync.Mutex
	listener *quic.Listener
	closed   bool
}

func NewServer(opts ServerOptions, handler Responder) *Server {
	return &Server{
		opts:    opts,
		handler: handler,
		admit:   newAdmission(opts.MaxConnsPerIP, opts.MaxStreamsPerIP, opts.Metrics),
	}
}

// Addr is the bound address once the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe blocks until ctx is cancelled or Close is called. ready is
// closed once the listener is bound.
func (s *Server) ListenAndServe(ctx context.Context, ready chan<- struct{}) error {
	tlsConf, err := ServerTLSConfig(s.opts.TLS)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.opts.Addr, tlsConf, quicConfig())
	if err != nil {
		debuglog.Logf("quic listen error: addr=%s err=%v", s.opts.Addr, err)
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		close(ready)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			debuglog.Logf("quic accept error: %v", err)
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	ip := remoteIP(conn.RemoteAddr())
	releaseConn, ok := s.admit.admit(capConn, ip)
	if !ok {
		debuglog.RateLimitedf("quic-conn-cap:"+ip, time.Minute, "quic conn cap reached: ip=%s", ip)
		_ = conn.CloseWithError(0, "too many connections")
		return
	}
	defer releaseConn()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream end: remote=%s err=%v", conn.RemoteAddr(), err)
			return
		}
		releaseStream, ok := s.admit.admit(capStream, ip)
		if !ok {
			debuglog.RateLimitedf("quic-stream-cap:"+ip, time.Minute, "quic stream cap reached: ip=%s", ip)
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(st *quic.Stream) {
			defer releaseStream()
			s.serveStream(ctx, conn.RemoteAddr(), st)
		}(stream)
	}
}

func (s *Server) serveStream(ctx context.Context, remote net.Addr, stream *quic.Stream) {
	defer stream.Close()
	req, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		debuglog.Debugf("quic read error: remote=%s err=%v", remote, err)
		return
	}
	debuglog.Debugf("quic request: remote=%s type=%s bytes=%d", remote, proto.PeekType(req), len(req))
	resp := s.handler.Respond(ctx, remote, req)
	if len(resp) == 0 {
		return
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, resp); err != nil {
		debuglog.Debugf("quic write error: remote=%s err=%v", remote, err)
	}
}

func readFrameWithTimeout(stream *quic.Stream, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = stream.SetReadDeadline(time.Now().Add(timeout))
		defer stream.SetReadDeadline(time.Time{})
	}
	return proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.TypeCap)
}

func writeFrameWithTimeout(stream *quic.Stream, timeout time.Duration, payload []byte) error {
	if timeout > 0 {
		_ = stream.SetWriteDeadline(time.Now().Add(timeout))
		defer stream.SetWriteDeadline(time.Time{})
	}
	return proto.WriteFrame(stream, payload)
}
