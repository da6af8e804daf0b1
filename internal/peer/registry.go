package peer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrInvalidPeerURI = errors.New("invalid peer uri")

type Peer struct {
	URI *url.URL
}

func ParsePeer(raw string) (Peer, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeerURI, raw, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Peer{}, fmt.Errorf("%w: %q: scheme and host required", ErrInvalidPeerURI, raw)
	}
	return Peer{URI: u}, nil
}

func (p Peer) String() string {
	if p.URI == nil {
		return ""
	}
	return p.URI.String()
}

// Host is the lower-cased host without port or brackets.
func (p Peer) Host() string {
	if p.URI == nil {
		return ""
	}
	return strings.ToLower(p.URI.Hostname())
}

// Registry is the configured peer set. It is never modified after
// NewRegistry and may be shared freely.
type Registry struct {
	enabled bool
	peers   []Peer
	hosts   map[string]struct{}
}

func NewRegistry(urls []string, enabled bool) (*Registry, error) {
	r := &Registry{enabled: enabled, hosts: make(map[string]struct{}, len(urls))}
	for _, raw := range urls {
		p, err := ParsePeer(raw)
		if err != nil {
			return nil, err
		}
		r.peers = append(r.peers, p)
		r.hosts[p.Host()] = struct{}{}
	}
	return r, nil
}

func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

func (r *Registry) Peers() []Peer {
	if r == nil {
		return nil
	}
	out := make([]Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// MatchHost reports whether host (with or without a port) belongs to a
// configured peer. Comparison ignores case.
func (r *Registry) MatchHost(host string) bool {
	if r == nil {
		return false
	}
	h := hostForAddr(host)
	if h == "" {
		return false
	}
	_, ok := r.hosts[strings.ToLower(h)]
	return ok
}

func hostForAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
