// Package routable decides whether a dump destination host can be reached,
// waiting for the network to come up when it cannot be yet.
package routable

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrTimeout is returned when the context ends before the host is routable.
var ErrTimeout = errors.New("host not routable before deadline")

// Result describes the first address of the host with a usable route.
type Result struct {
	Addr      netip.Addr
	PrefSrc   netip.Addr // source address the kernel would pick, if reported
	Reachable bool
}

func (r Result) String() string {
	if !r.Reachable {
		return "unreachable"
	}
	if r.PrefSrc.IsValid() {
		return fmt.Sprintf("%s via %s", r.Addr, r.PrefSrc)
	}
	return r.Addr.String()
}

// RouteError reports an address the kernel has no usable route to.
type RouteError struct {
	Err  error
	Addr netip.Addr
}

func (e *RouteError) Error() string { return fmt.Sprintf("no route to %s: %v", e.Addr, e.Err) }

func (e *RouteError) Unwrap() error { return e.Err }
