package gate

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// HostResolver performs reverse lookups; *net.Resolver satisfies it.
type HostResolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

const DefaultLookupTimeout = 2 * time.Second

// AddrOrigin is the Origin of a network peer known by its address. The host
// name is resolved on first use only.
type AddrOrigin struct {
	Ctx      context.Context
	Addr     string
	Resolver HostResolver
	Timeout  time.Duration

	once sync.Once
	host string
	err  error
}

func NewAddrOrigin(ctx context.Context, addr string, res HostResolver) *AddrOrigin {
	return &AddrOrigin{Ctx: ctx, Addr: addr, Resolver: res, Timeout: DefaultLookupTimeout}
}

func (o *AddrOrigin) RemoteAddr() string {
	return o.Addr
}

// RemoteHost returns the reverse-resolved name of the address. Without a
// resolver, or when the address has no name, it returns the literal IP.
// Lookup failures other than "no name" are returned as errors.
func (o *AddrOrigin) RemoteHost() (string, error) {
	o.once.Do(func() {
		o.host, o.err = o.lookup()
	})
	return o.host, o.err
}

func (o *AddrOrigin) lookup() (string, error) {
	ip := o.Addr
	if h, _, err := net.SplitHostPort(o.Addr); err == nil {
		ip = h
	}
	if ip == "" {
		return "", errors.New("gate: empty remote address")
	}
	if o.Resolver == nil || net.ParseIP(ip) == nil {
		return ip, nil
	}
	ctx := o.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	names, err := o.Resolver.LookupAddr(ctx, ip)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return ip, nil
		}
		return "", err
	}
	if len(names) == 0 {
		return ip, nil
	}
	return strings.TrimSuffix(names[0], "."), nil
}
