package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"txrelay/internal/config"
	"txrelay/internal/debuglog"
)

const (
	RequestIDHeader   = "X-Request-Id"
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

// RESTFactory serves RESTBinder services over TCP (server.rest) or, for the
// unix variant, over a unix socket (server.unix).
type RESTFactory struct {
	deps Deps
	unix bool
}

func NewRESTFactory(d Deps) *RESTFactory {
	return &RESTFactory{deps: d}
}

func NewUnixFactory(d Deps) *RESTFactory {
	return &RESTFactory{deps: d, unix: true}
}

func (f *RESTFactory) CommunicationType() CommunicationType {
	return REST
}

func (f *RESTFactory) CreateServer(cfg *config.Config, services []any) (Server, error) {
	var (
		uri               *url.URL
		network, address  string
		certFile, keyFile string
	)
	if f.unix {
		if cfg.Server.Unix.Path == "" {
			return nil, nil
		}
		network, address = "unix", cfg.Server.Unix.Path
		uri = &url.URL{Scheme: "unix", Path: address}
	} else {
		if cfg.Server.REST.Address == "" {
			return nil, nil
		}
		u, err := url.Parse(cfg.Server.REST.Address)
		if err != nil {
			return nil, err
		}
		network, address, uri = "tcp", u.Host, u
		if u.Scheme == "https" {
			certFile, keyFile = cfg.Server.REST.CertFile, cfg.Server.REST.KeyFile
		}
	}

	router := httprouter.New()
	bound := 0
	for _, s := range services {
		if b, ok := s.(RESTBinder); ok {
			b.BindREST(router)
			bound++
		}
	}
	if bound == 0 {
		return nil, errors.New("no REST services to serve")
	}

	var h http.Handler = router
	if f.deps.Gate != nil {
		h = f.deps.Gate.HTTP(h, f.deps.gateOptions(uri))
	}
	if !f.unix && !cfg.RateLimit.Disabled {
		h = newHostLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, limiterIdleTTL).middleware(h, f.deps.Metrics)
	}
	h = withRequestID(h)

	return &httpServer{
		uri:      uri,
		network:  network,
		address:  address,
		certFile: certFile,
		keyFile:  keyFile,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}, nil
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		debuglog.Debugf("rest: id=%s method=%s path=%s remote=%s took=%s", id, r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

type httpServer struct {
	network  string
	address  string
	certFile string
	keyFile  string
	srv      *http.Server

	mu  sync.Mutex
	uri *url.URL
	ln  net.Listener
}

// URI reports the bound address once started.
func (s *httpServer) URI() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *s.uri
	return &u
}

func (s *httpServer) Start(ctx context.Context) error {
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.network, s.address)
	if err != nil {
		return err
	}
	if s.network == "unix" {
		if err := os.Chmod(s.address, 0600); err != nil {
			_ = ln.Close()
			return err
		}
	}
	s.mu.Lock()
	s.ln = ln
	if s.network == "tcp" {
		s.uri.Host = ln.Addr().String()
	}
	uri := s.uri.String()
	s.mu.Unlock()
	debuglog.Logf("rest listen ready: %s", uri)

	go func() {
		var err error
		if s.certFile != "" {
			err = s.srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = s.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			debuglog.Logf("rest serve error: uri=%s err=%v", uri, err)
		}
	}()
	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if s.network == "unix" {
		_ = os.Remove(s.address)
	}
	return err
}
