// Package guard decides whether a caller-supplied URL may be fetched.
//
// Every decision is computed fresh: DNS answers are never cached, because a
// cached answer is exactly what a rebinding attacker relies on.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Resolver resolves a hostname to all of its addresses. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Classification is the verdict on a single host.
type Classification int

const (
	Safe Classification = iota
	Unsafe
	Unresolvable
)

func (c Classification) String() string {
	switch c {
	case Safe:
		return "safe"
	case Unsafe:
		return "unsafe"
	default:
		return "unresolvable"
	}
}

// HostVerdict is the result of Classify. Addr is the first offending address
// when the host is Unsafe; Err carries the lookup failure when Unresolvable.
type HostVerdict struct {
	Class Classification
	Addrs []netip.Addr
	Addr  netip.Addr
	Err   error
}

// Reason explains a denied admission.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMalformed     Reason = "malformed"
	ReasonScheme        Reason = "scheme"
	ReasonUnresolvable  Reason = "unresolvable"
	ReasonUnsafeAddress Reason = "unsafe_address"
)

// Decision is the admit/reject outcome for one URL.
type Decision struct {
	Allowed bool
	Reason  Reason
	Scheme  string
	Host    string
	Addr    netip.Addr // offending address for ReasonUnsafeAddress
	Err     error      // underlying parse/lookup error, for logs only
}

// Detail renders a denied decision for logs. It returns "" when allowed.
func (d Decision) Detail() string {
	if d.Allowed {
		return ""
	}
	switch d.Reason {
	case ReasonScheme:
		return fmt.Sprintf("scheme %q is not allowed", d.Scheme)
	case ReasonUnresolvable:
		return fmt.Sprintf("cannot resolve host %q: %v", d.Host, d.Err)
	case ReasonUnsafeAddress:
		return fmt.Sprintf("host %q resolves to non-public address %s", d.Host, d.Addr)
	default:
		return fmt.Sprintf("malformed url: %v", d.Err)
	}
}

// ErrNoAddresses is reported when a lookup succeeds with an empty answer.
var ErrNoAddresses = errors.New("guard: no addresses returned")

// Guard performs URL admission. It is safe for concurrent use and holds no
// per-request state.
type Guard struct {
	resolver   Resolver
	schemes    map[string]struct{}
	dnsTimeout time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithSchemes replaces the default {http, https} allow-list.
func WithSchemes(schemes ...string) Option {
	return func(g *Guard) {
		g.schemes = make(map[string]struct{}, len(schemes))
		for _, s := range schemes {
			g.schemes[strings.ToLower(s)] = struct{}{}
		}
	}
}

// WithDNSTimeout bounds every lookup.
func WithDNSTimeout(d time.Duration) Option {
	return func(g *Guard) { g.dnsTimeout = d }
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		resolver:   net.DefaultResolver,
		schemes:    map[string]struct{}{"http": {}, "https": {}},
		dnsTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit parses rawURL, checks its scheme, then classifies its host.
// It short-circuits on the first failure; a rejected scheme never triggers
// a DNS lookup.
func (g *Guard) Admit(ctx context.Context, rawURL string) Decision {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Decision{Reason: ReasonMalformed, Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := g.schemes[scheme]; !ok {
		return Decision{Reason: ReasonScheme, Scheme: scheme}
	}

	host := u.Hostname()
	if host == "" {
		return Decision{Reason: ReasonMalformed, Scheme: scheme, Err: errors.New("missing host")}
	}

	v := g.Classify(ctx, host)
	d := Decision{Scheme: scheme, Host: host}
	switch v.Class {
	case Safe:
		d.Allowed = true
	case Unsafe:
		d.Reason = ReasonUnsafeAddress
		d.Addr = v.Addr
	default:
		d.Reason = ReasonUnresolvable
		d.Err = v.Err
	}
	return d
}

// Classify resolves hostname and classifies every answer. A host is Unsafe if
// any of its addresses is non-public, even when others are public.
func (g *Guard) Classify(ctx context.Context, hostname string) HostVerdict {
	hostname = strings.TrimSuffix(strings.Trim(hostname, "[]"), ".")

	if addr, err := netip.ParseAddr(hostname); err == nil {
		return classifyAddrs([]netip.Addr{addr})
	}

	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return HostVerdict{Class: Unresolvable, Err: fmt.Errorf("guard: idna %q: %w", hostname, err)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", ascii)
	if err != nil {
		return HostVerdict{Class: Unresolvable, Err: err}
	}
	if len(addrs) == 0 {
		return HostVerdict{Class: Unresolvable, Err: ErrNoAddresses}
	}
	return classifyAddrs(addrs)
}

func classifyAddrs(addrs []netip.Addr) HostVerdict {
	for _, a := range addrs {
		if !IsPublic(a) {
			return HostVerdict{Class: Unsafe, Addrs: addrs, Addr: a.Unmap()}
		}
	}
	return HostVerdict{Class: Safe, Addrs: addrs}
}
