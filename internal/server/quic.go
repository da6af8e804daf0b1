package server

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"txrelay/internal/config"
	"txrelay/internal/network"
)

// QUICFactory serves a network.Responder over framed QUIC streams
// (server.quic).
type QUICFactory struct {
	deps Deps
}

func NewQUICFactory(d Deps) *QUICFactory {
	return &QUICFactory{deps: d}
}

func (f *QUICFactory) CommunicationType() CommunicationType {
	return QUIC
}

func (f *QUICFactory) CreateServer(cfg *config.Config, services []any) (Server, error) {
	qc := cfg.Server.QUIC
	if qc.Address == "" {
		return nil, nil
	}
	var responders []network.Responder
	for _, s := range services {
		if r, ok := s.(network.Responder); ok {
			responders = append(responders, r)
		}
	}
	switch len(responders) {
	case 0:
		return nil, errors.New("no QUIC services to serve")
	case 1:
	default:
		return nil, errors.New("more than one QUIC service")
	}
	uri := &url.URL{Scheme: network.SchemeQUIC, Host: qc.Address}
	var h network.Responder = responders[0]
	if f.deps.Gate != nil {
		h = f.deps.Gate.Responder(h, f.deps.gateOptions(uri))
	}
	srv := network.NewServer(network.ServerOptions{
		Addr: qc.Address,
		TLS: network.TLSOptions{
			CertFile: qc.CertFile,
			KeyFile:  qc.KeyFile,
		},
		MaxConnsPerIP:   qc.MaxConnsPerIP,
		MaxStreamsPerIP: qc.MaxStreamsPerIP,
		Metrics:         f.deps.Metrics,
	}, h)
	return &quicServer{uri: uri, srv: srv}, nil
}

type quicServer struct {
	srv *network.Server

	mu     sync.Mutex
	uri    *url.URL
	cancel context.CancelFunc
	done   chan error
}

func (s *quicServer) URI() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *s.uri
	return &u
}

// Start binds the listener; the server keeps running after ctx ends until
// Stop is called.
func (s *quicServer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.srv.ListenAndServe(runCtx, ready) }()
	select {
	case <-ready:
	case err := <-done:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		_ = s.srv.Close()
		return ctx.Err()
	}
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	if a := s.srv.Addr(); a != nil {
		s.uri.Host = a.String()
	}
	s.mu.Unlock()
	return nil
}

func (s *quicServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return s.srv.Close()
	}
	cancel()
	_ = s.srv.Close()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
