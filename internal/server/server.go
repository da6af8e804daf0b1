// Package server builds the relay's listeners from configuration. Each
// transport has a Factory; factories for unconfigured transports return no
// server so that every transport can be tried side by side.
package server

import (
	"context"
	"fmt"
	"net/url"

	"github.com/julienschmidt/httprouter"

	"txrelay/internal/config"
	"txrelay/internal/gate"
	"txrelay/internal/metrics"
)

type CommunicationType int

const (
	REST CommunicationType = iota
	QUIC
)

func (t CommunicationType) String() string {
	switch t {
	case REST:
		return "rest"
	case QUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// Server is a bound transport. Start returns once the listener is bound;
// serving continues until Stop.
type Server interface {
	URI() *url.URL
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory creates the server for one transport. CreateServer returns
// (nil, nil) when cfg does not configure the transport. Services are
// filtered by the capability the transport needs.
type Factory interface {
	CommunicationType() CommunicationType
	CreateServer(cfg *config.Config, services []any) (Server, error)
}

// RESTBinder is implemented by services that expose HTTP routes.
type RESTBinder interface {
	BindREST(r *httprouter.Router)
}

// Deps are shared by every factory.
type Deps struct {
	Gate *gate.Gate
	// HostResolver is used by the gate for reverse lookups. Nil compares
	// literal addresses only.
	HostResolver gate.HostResolver
	Metrics      *metrics.Metrics
}

func (d Deps) gateOptions(dest *url.URL) gate.Options {
	return gate.Options{Destination: dest, Resolver: d.HostResolver, Metrics: d.Metrics}
}

// Factories returns every transport factory this package knows.
func Factories(d Deps) []Factory {
	return []Factory{NewRESTFactory(d), NewUnixFactory(d), NewQUICFactory(d)}
}

// CreateServers runs every factory and keeps the servers that were created.
func CreateServers(factories []Factory, cfg *config.Config, services []any) ([]Server, error) {
	var out []Server
	for _, f := range factories {
		s, err := f.CreateServer(cfg, services)
		if err != nil {
			return nil, fmt.Errorf("%s server: %w", f.CommunicationType(), err)
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}
