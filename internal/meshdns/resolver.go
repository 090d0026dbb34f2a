// Package meshdns resolves mesh hostnames to IPv4 addresses.
package meshdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 2 * time.Second

// ErrNotFound is returned when the name does not resolve to an IPv4 address.
var ErrNotFound = errors.New("host not found")

// Resolver looks up A records, either against an explicit mesh nameserver or
// through the system resolver when none is configured.
type Resolver struct {
	nameserver string
	timeout    time.Duration
	client     *dns.Client
}

// New creates a resolver. An empty nameserver selects the system resolver;
// a nameserver without a port gets port 53.
func New(nameserver string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if nameserver != "" {
		if _, _, err := net.SplitHostPort(nameserver); err != nil {
			nameserver = net.JoinHostPort(nameserver, "53")
		}
	}
	return &Resolver{
		nameserver: nameserver,
		timeout:    timeout,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Resolve returns the first IPv4 address of host.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.nameserver == "" {
		return r.resolveSystem(ctx, host)
	}
	return r.resolveDirect(ctx, host)
}

func (r *Resolver) resolveSystem(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
		}
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
}

func (r *Resolver) resolveDirect(ctx context.Context, host string) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s via %s: %w", host, r.nameserver, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("resolve %s: rcode %s", host, dns.RcodeToString[resp.Rcode])
	}

	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrNotFound)
}
