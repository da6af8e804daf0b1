package gate

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"

	"txrelay/internal/debuglog"
	"txrelay/internal/metrics"
	"txrelay/internal/network"
	"txrelay/internal/proto"
)

type Options struct {
	// Destination is the URI of the server being guarded.
	Destination *url.URL
	Resolver    HostResolver
	Metrics     *metrics.Metrics
}

func (o Options) record(d Decision) {
	switch d {
	case Allow:
		o.Metrics.IncGateAllow()
	case Reject:
		o.Metrics.IncGateReject()
	case Indeterminate:
		o.Metrics.IncGateIndeterminate()
	}
}

// HTTP guards next. Rejected requests get 401 with an empty body. When the
// origin cannot be resolved the request is neither allowed nor rejected: the
// 503 and connection close are a transport-level retry signal, not counted
// as a rejection and not remembered for the next request. Neither case
// reaches next.
func (g *Gate) HTTP(next http.Handler, opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := NewAddrOrigin(r.Context(), r.RemoteAddr, opts.Resolver)
		d := g.Decide(Request{Destination: opts.Destination, Origin: origin})
		opts.record(d)
		switch d {
		case Allow:
			next.ServeHTTP(w, r)
		case Reject:
			debuglog.Debugf("gate reject: remote=%s path=%s", r.RemoteAddr, r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
		default:
			_, err := origin.RemoteHost()
			debuglog.Logf("gate indeterminate: remote=%s path=%s err=%v", r.RemoteAddr, r.URL.Path, err)
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// Responder guards a QUIC responder with the same rules as HTTP.
func (g *Gate) Responder(next network.Responder, opts Options) network.Responder {
	return network.ResponderFunc(func(ctx context.Context, remote net.Addr, req []byte) []byte {
		addr := ""
		if remote != nil {
			addr = remote.String()
		}
		origin := NewAddrOrigin(ctx, addr, opts.Resolver)
		d := g.Decide(Request{Destination: opts.Destination, Origin: origin})
		opts.record(d)
		var em proto.ErrorMsg
		switch d {
		case Allow:
			return next.Respond(ctx, remote, req)
		case Reject:
			debuglog.Debugf("gate reject: remote=%s", addr)
			em = proto.NewError(proto.CodeUnauthorized, nil)
		default:
			_, err := origin.RemoteHost()
			debuglog.Logf("gate indeterminate: remote=%s err=%v", addr, err)
			em = proto.NewError(proto.CodeUnavailable, nil)
		}
		b, _ := json.Marshal(em)
		return b
	})
}
