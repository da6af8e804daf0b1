// Package gate decides whether a request may reach the relay's handlers
// based on where it came from and the configured peer registry.
package gate

import (
	"net/url"
	"strings"

	"txrelay/internal/peer"
)

type Decision int

const (
	Allow Decision = iota
	Reject
	// Indeterminate means the origin could not be established. The request
	// is neither served nor counted as rejected.
	Indeterminate
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Origin describes the remote end of a request. Implementations may compute
// values lazily; the gate only calls what it needs.
type Origin interface {
	RemoteHost() (string, error)
	RemoteAddr() string
}

type Request struct {
	// Destination is the URI of the server that received the request.
	Destination *url.URL
	Origin      Origin
}

const SchemeUnix = "unix"

// Gate holds no per-request state; Decide may be called concurrently.
type Gate struct {
	registry *peer.Registry
}

func New(registry *peer.Registry) *Gate {
	return &Gate{registry: registry}
}

func (g *Gate) Decide(req Request) Decision {
	if !g.registry.Enabled() {
		return Allow
	}
	if req.Destination != nil && strings.EqualFold(req.Destination.Scheme, SchemeUnix) {
		return Allow
	}
	if req.Origin == nil {
		return Indeterminate
	}
	host, err := req.Origin.RemoteHost()
	if err != nil {
		return Indeterminate
	}
	if g.registry.MatchHost(host) {
		return Allow
	}
	if g.registry.MatchHost(req.Origin.RemoteAddr()) {
		return Allow
	}
	return Reject
}
