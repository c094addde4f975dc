package guard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// UnsafeDialError is returned when a connection would land on a non-public
// address.
type UnsafeDialError struct {
	Addr netip.Addr
}

func (e *UnsafeDialError) Error() string {
	return fmt.Sprintf("guard: refusing to dial non-public address %s", e.Addr)
}

// Dialer returns a net.Dialer that checks the concrete IP of every connection
// attempt after resolution. Because the check runs on the address actually
// being connected, a resolver that changes its answer between admission and
// fetch still cannot steer the connection inward.
func Dialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: controlPublicOnly,
	}
}

// DialContext is a convenience wrapper for http.Transport.DialContext.
func DialContext(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := Dialer(timeout)
	return d.DialContext
}

func controlPublicOnly(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("guard: unparseable dial address %q: %w", address, err)
	}
	if !IsPublic(ap.Addr()) {
		return &UnsafeDialError{Addr: ap.Addr().Unmap()}
	}
	return nil
}
