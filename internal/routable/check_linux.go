package routable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/process"
)

// pollSlice bounds each wait so that a cancelled context is noticed.
const pollSlice = 250 * time.Millisecond

// Check waits until host resolves and one of its addresses has a usable
// route. Route notifications from the kernel trigger each retry; the wait
// ends with ErrTimeout when ctx is done.
func Check(ctx context.Context, host string) (Result, error) {
	log := slog.With("host", host)

	watch, err := dial(unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE)
	if err != nil {
		return Result{}, err
	}
	defer watch.Close()

	for {
		addrs, err := resolve(ctx, host)
		if err != nil {
			return Result{}, err
		}
		if len(addrs) == 0 {
			log.Debug("host does not resolve yet")
		} else {
			res, err := hasRoute(addrs)
			if err != nil {
				return Result{}, err
			}
			if res.Reachable {
				log.Debug("host is routable", "addr", res.Addr, "prefsrc", res.PrefSrc)
				return res, nil
			}
			log.Debug("no route to host yet", "addresses", len(addrs))
		}

		if err := waitRouteChange(ctx, watch); err != nil {
			return Result{}, err
		}
	}
}

// resolve returns the addresses of host. A lookup that fails for DNS
// reasons yields no addresses so that the caller waits and retries.
func resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		slog.Debug("name resolution failed", "host", host, "error", dnsErr)
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

func hasRoute(addrs []netip.Addr) (Result, error) {
	c, err := dial(0)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	for _, addr := range addrs {
		r, err := c.checkRoute(addr)
		var routeErr *RouteError
		if errors.As(err, &routeErr) {
			slog.Debug("address not routable", "addr", addr, "reason", routeErr.Err)
			continue
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Reachable: true, Addr: addr, PrefSrc: r.prefSrc}, nil
	}
	return Result{}, nil
}

// waitRouteChange blocks until the kernel announces a route change on c.
func waitRouteChange(ctx context.Context, c *conn) error {
	var mux process.Multiplexer
	idx := mux.Add(c.fd, unix.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		wait := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			wait = max(min(wait, time.Until(deadline)), 0)
		}
		n, err := mux.Monitor(wait)
		if err != nil {
			return err
		}
		if n == 0 || mux.Revents(idx)&(unix.POLLIN|unix.POLLERR) == 0 {
			continue
		}

		msgs, err := c.receive()
		if errors.Is(err, unix.ENOBUFS) {
			// Notifications were dropped; something changed.
			return nil
		}
		if err != nil {
			return err
		}
		for _, m := range msgs {
			changed, err := isRouteChange(m)
			if err != nil {
				return err
			}
			if changed {
				return nil
			}
		}
	}
}
