package routable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const recvBufferSize = 8192

var (
	errTruncated     = errors.New("netlink message truncated")
	errReplyMismatch = errors.New("netlink RTM_GETROUTE reply mismatch")
)

// message is one netlink message with its payload.
type message struct {
	data []byte
	hdr  unix.NlMsghdr
}

// parseMessages splits a datagram into netlink messages.
func parseMessages(b []byte) ([]message, error) {
	var msgs []message
	for len(b) >= unix.SizeofNlMsghdr {
		var h unix.NlMsghdr
		h.Len = binary.NativeEndian.Uint32(b[0:4])
		h.Type = binary.NativeEndian.Uint16(b[4:6])
		h.Flags = binary.NativeEndian.Uint16(b[6:8])
		h.Seq = binary.NativeEndian.Uint32(b[8:12])
		h.Pid = binary.NativeEndian.Uint32(b[12:16])
		if h.Len < unix.SizeofNlMsghdr || int(h.Len) > len(b) {
			return nil, fmt.Errorf("%w: length %d of %d", errTruncated, h.Len, len(b))
		}
		msgs = append(msgs, message{hdr: h, data: b[unix.SizeofNlMsghdr:h.Len]})
		b = b[min(nlmAlign(int(h.Len)), len(b)):]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errTruncated, len(b))
	}
	return msgs, nil
}

func nlmAlign(n int) int { return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1) }

func rtaAlign(n int) int { return (n + unix.RTA_ALIGNTO - 1) &^ (unix.RTA_ALIGNTO - 1) }

// route is the part of an rtmsg the check looks at.
type route struct {
	prefSrc netip.Addr
	flags   uint32
	typ     uint8
}

func parseRoute(b []byte) (route, error) {
	if len(b) < unix.SizeofRtMsg {
		return route{}, fmt.Errorf("%w: rtmsg", errTruncated)
	}
	r := route{
		typ:   b[7],
		flags: binary.NativeEndian.Uint32(b[8:12]),
	}
	attrs := b[unix.SizeofRtMsg:]
	for len(attrs) >= unix.SizeofRtAttr {
		l := int(binary.NativeEndian.Uint16(attrs[0:2]))
		t := binary.NativeEndian.Uint16(attrs[2:4])
		if l < unix.SizeofRtAttr || l > len(attrs) {
			return route{}, fmt.Errorf("%w: rtattr", errTruncated)
		}
		if t == unix.RTA_PREFSRC {
			if addr, ok := netip.AddrFromSlice(attrs[unix.SizeofRtAttr:l]); ok {
				r.prefSrc = addr
			}
		}
		attrs = attrs[min(rtaAlign(l), len(attrs)):]
	}
	return r, nil
}

// classify maps a route type to nil for usable routes or to the errno a
// connect would fail with.
func classify(typ uint8) error {
	switch typ {
	case unix.RTN_UNSPEC, unix.RTN_UNICAST, unix.RTN_LOCAL,
		unix.RTN_BROADCAST, unix.RTN_ANYCAST, unix.RTN_MULTICAST:
		return nil
	case unix.RTN_UNREACHABLE:
		return unix.EHOSTUNREACH
	case unix.RTN_PROHIBIT:
		return unix.EACCES
	case unix.RTN_THROW:
		return unix.EAGAIN
	default:
		return unix.EINVAL
	}
}

// isRouteChange reports whether m announces a new or removed non-cloned
// route.
func isRouteChange(m message) (bool, error) {
	if m.hdr.Type != unix.RTM_NEWROUTE && m.hdr.Type != unix.RTM_DELROUTE {
		return false, nil
	}
	r, err := parseRoute(m.data)
	if err != nil {
		return false, err
	}
	return r.flags&unix.RTM_F_CLONED == 0, nil
}

// getRouteRequest builds an RTM_GETROUTE request for addr.
func getRouteRequest(addr netip.Addr, seq uint32) []byte {
	family := uint8(unix.AF_INET)
	if addr.Is6() {
		family = unix.AF_INET6
	}
	raw := addr.AsSlice()
	attrLen := unix.SizeofRtAttr + len(raw)
	total := unix.SizeofNlMsghdr + unix.SizeofRtMsg + rtaAlign(attrLen)

	b := make([]byte, total)
	binary.NativeEndian.PutUint32(b[0:4], uint32(total)) //nolint:gosec // G115: small constant size
	binary.NativeEndian.PutUint16(b[4:6], unix.RTM_GETROUTE)
	binary.NativeEndian.PutUint16(b[6:8], unix.NLM_F_REQUEST)
	binary.NativeEndian.PutUint32(b[8:12], seq)

	rt := b[unix.SizeofNlMsghdr:]
	rt[0] = family
	rt[1] = uint8(len(raw) * 8) //nolint:gosec // G115: 32 or 128

	attr := rt[unix.SizeofRtMsg:]
	binary.NativeEndian.PutUint16(attr[0:2], uint16(attrLen)) //nolint:gosec // G115
	binary.NativeEndian.PutUint16(attr[2:4], unix.RTA_DST)
	copy(attr[unix.SizeofRtAttr:], raw)
	return b
}

// conn is a NETLINK_ROUTE socket. Sequence numbers are per socket.
type conn struct {
	buf []byte
	fd  int
	pid uint32
	seq uint32
}

func dial(groups uint32) (*conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind netlink socket: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get netlink address: %w", err)
	}
	local, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid local netlink address %T", sa)
	}
	return &conn{fd: fd, pid: local.Pid, buf: make([]byte, recvBufferSize)}, nil
}

func (c *conn) Close() error { return unix.Close(c.fd) }

// receive reads one datagram from the kernel.
func (c *conn) receive() ([]message, error) {
	for {
		n, from, err := unix.Recvfrom(c.fd, c.buf, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("receive netlink message: %w", err)
		}
		if n == 0 {
			return nil, errors.New("EOF on netlink receive")
		}
		if nl, ok := from.(*unix.SockaddrNetlink); !ok || nl.Pid != 0 {
			continue
		}
		return parseMessages(c.buf[:n])
	}
}

// checkRoute asks the kernel for the route to addr. An unusable route is
// reported as a *RouteError.
func (c *conn) checkRoute(addr netip.Addr) (route, error) {
	c.seq++
	req := getRouteRequest(addr, c.seq)
	if err := unix.Sendto(c.fd, req, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return route{}, fmt.Errorf("send netlink message: %w", err)
	}

	for {
		msgs, err := c.receive()
		if err != nil {
			return route{}, err
		}
		for _, m := range msgs {
			if m.hdr.Pid != c.pid || m.hdr.Seq != c.seq {
				continue
			}
			switch m.hdr.Type {
			case unix.NLMSG_ERROR:
				if len(m.data) < 4 {
					return route{}, fmt.Errorf("%w: error reply", errTruncated)
				}
				code := int32(binary.NativeEndian.Uint32(m.data[0:4])) //nolint:gosec // G115: kernel sends a negative errno
				if code == 0 {
					return route{}, errReplyMismatch
				}
				return route{}, &RouteError{Addr: addr, Err: unix.Errno(-code)}
			case unix.RTM_NEWROUTE:
				r, err := parseRoute(m.data)
				if err != nil {
					return route{}, err
				}
				if reason := classify(r.typ); reason != nil {
					return r, &RouteError{Addr: addr, Err: reason}
				}
				return r, nil
			default:
				return route{}, errReplyMismatch
			}
		}
	}
}
