//go:build unix

// Package sftp implements the client side of SFTP protocol version 3, enough
// to create directories and upload files over the standard input and output
// of an ssh subprocess.
package sftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kdump-save/internal/process"
)

const (
	// ProtocolVersion is the version sent in INIT.
	ProtocolVersion = 3

	// MaxWriteSize bounds the payload of one WRITE request.
	MaxWriteSize = 32 * 1024

	readChunk = 32 * 1024
)

// Handle is an opaque file handle returned by OPEN.
type Handle string

// Client speaks SFTP over a pair of pipes. It keeps at most one request
// outstanding. After a protocol error the client is broken and every
// further call returns that error.
type Client struct {
	req     *process.PipeEnd
	resp    *process.PipeEnd
	rbuf    []byte
	chunk   []byte
	broken  error
	nextID  uint32
	version uint32
}

// NewClient returns a client writing requests to req and reading replies
// from resp. Both descriptors are switched to non-blocking mode; the caller
// keeps ownership of them. Init must be called before any other request.
func NewClient(req, resp *process.PipeEnd) (*Client, error) {
	if err := req.SetNonblock(true); err != nil {
		return nil, err
	}
	if err := resp.SetNonblock(true); err != nil {
		return nil, err
	}
	return &Client{req: req, resp: resp, chunk: make([]byte, readChunk)}, nil
}

// Version returns the protocol version announced by the server, or 0 before
// Init.
func (c *Client) Version() uint32 { return c.version }

// Init performs the INIT/VERSION handshake.
func (c *Client) Init() error {
	if c.broken != nil {
		return c.broken
	}

	p := NewPacket()
	p.AddByte(fxpInit)
	p.AddUint32(ProtocolVersion)

	reply, err := c.exchange(p.Finalize())
	if err != nil {
		return c.fail(fmt.Errorf("sftp init: %w", err))
	}
	typ, err := reply.ReadByte()
	if err != nil {
		return c.fail(err)
	}
	if typ != fxpVersion {
		return c.fail(fmt.Errorf("%w: type %d in reply to INIT", ErrUnexpectedReply, typ))
	}
	v, err := reply.ReadUint32()
	if err != nil {
		return c.fail(err)
	}
	c.version = v
	slog.Debug("sftp session established", "version", v)
	return nil
}

// Stat reports whether path exists on the server.
func (c *Client) Stat(p string) (bool, error) {
	req, id := c.newRequest(fxpStat)
	req.AddString(p)

	typ, reply, err := c.roundTrip(req, id, "stat", p)
	if err != nil {
		return false, err
	}
	switch typ {
	case fxpAttrs:
		return true, nil
	case fxpStatus:
		err := c.status(reply, "stat", p)
		if IsStatus(err, StatusNoSuchFile) {
			return false, nil
		}
		if err == nil {
			return false, c.fail(fmt.Errorf("%w: OK status in reply to STAT %s", ErrUnexpectedReply, p))
		}
		return false, err
	default:
		return false, c.unexpected(typ, "stat", p)
	}
}

// Mkdir creates a single directory with default attributes.
func (c *Client) Mkdir(p string) error {
	req, id := c.newRequest(fxpMkdir)
	req.AddString(p)
	req.AddUint32(0) // attribute flags

	typ, reply, err := c.roundTrip(req, id, "mkdir", p)
	if err != nil {
		return err
	}
	if typ != fxpStatus {
		return c.unexpected(typ, "mkdir", p)
	}
	return c.status(reply, "mkdir", p)
}

// MkdirAll creates p and any missing parents. Existing directories are not
// an error, including directories created concurrently by someone else.
func (c *Client) MkdirAll(p string) error {
	p = path.Clean(p)

	var missing []string
	for dir := p; dir != "/" && dir != "."; dir = path.Dir(dir) {
		exists, err := c.Stat(dir)
		if err != nil {
			return err
		}
		if exists {
			break
		}
		missing = append(missing, dir)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		dir := missing[i]
		err := c.Mkdir(dir)
		switch {
		case err == nil, IsStatus(err, StatusFileAlreadyExists):
			continue
		case IsStatus(err, StatusFailure):
			// Many servers report EEXIST as a generic failure.
			if exists, serr := c.Stat(dir); serr == nil && exists {
				continue
			}
		}
		return err
	}
	return nil
}

// Open opens p for writing, creating or truncating it.
func (c *Client) Open(p string) (Handle, error) {
	req, id := c.newRequest(fxpOpen)
	req.AddString(p)
	req.AddUint32(fxfWrite | fxfCreat | fxfTrunc)
	req.AddUint32(0) // attribute flags

	typ, reply, err := c.roundTrip(req, id, "open", p)
	if err != nil {
		return "", err
	}
	switch typ {
	case fxpHandle:
		h, err := reply.ReadString()
		if err != nil {
			return "", c.fail(err)
		}
		return Handle(h), nil
	case fxpStatus:
		if err := c.status(reply, "open", p); err != nil {
			return "", err
		}
		return "", c.fail(fmt.Errorf("%w: OK status in reply to OPEN %s", ErrUnexpectedReply, p))
	default:
		return "", c.unexpected(typ, "open", p)
	}
}

// Write writes data at offset off, split into requests of at most
// MaxWriteSize bytes.
func (c *Client) Write(h Handle, off uint64, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), MaxWriteSize)

		req, id := c.newRequest(fxpWrite)
		req.AddString(string(h))
		req.AddUint64(off)
		req.AddBytes(data[:n])

		typ, reply, err := c.roundTrip(req, id, "write", string(h))
		if err != nil {
			return err
		}
		if typ != fxpStatus {
			return c.unexpected(typ, "write", string(h))
		}
		if err := c.status(reply, "write", string(h)); err != nil {
			return err
		}
		off += uint64(n) //nolint:gosec // G115: n is positive
		data = data[n:]
	}
	return nil
}

// CloseHandle releases a handle returned by Open.
func (c *Client) CloseHandle(h Handle) error {
	req, id := c.newRequest(fxpClose)
	req.AddString(string(h))

	typ, reply, err := c.roundTrip(req, id, "close", string(h))
	if err != nil {
		return err
	}
	if typ != fxpStatus {
		return c.unexpected(typ, "close", string(h))
	}
	return c.status(reply, "close", string(h))
}

// Upload opens p and writes everything read from src using buf as the chunk
// buffer. The handle is always closed; a write error takes precedence over a
// close error. It returns the number of bytes written.
func (c *Client) Upload(p string, src io.Reader, buf []byte) (int64, error) {
	h, err := c.Open(p)
	if err != nil {
		return 0, err
	}

	var off int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := c.Write(h, uint64(off), buf[:n]); werr != nil { //nolint:gosec // G115: offset is non-negative
				err = werr
				break
			}
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}

	if cerr := c.CloseHandle(h); cerr != nil && err == nil {
		err = cerr
	}
	return off, err
}

func (c *Client) newRequest(typ byte) (*Packet, uint32) {
	id := c.nextID
	c.nextID++
	p := NewPacket()
	p.AddByte(typ)
	p.AddUint32(id)
	return p, id
}

// roundTrip sends req and returns the reply type with the cursor positioned
// after the id.
func (c *Client) roundTrip(req *Packet, id uint32, op, p string) (byte, *Packet, error) {
	if c.broken != nil {
		return 0, nil, c.broken
	}
	slog.Debug("sftp request", "op", op, "id", id, "path", p, "size", req.Len())

	reply, err := c.exchange(req.Finalize())
	if err != nil {
		return 0, nil, c.fail(fmt.Errorf("sftp %s %s: %w", op, p, err))
	}
	typ, err := reply.ReadByte()
	if err != nil {
		return 0, nil, c.fail(err)
	}
	rid, err := reply.ReadUint32()
	if err != nil {
		return 0, nil, c.fail(err)
	}
	if rid != id {
		return 0, nil, c.fail(fmt.Errorf("%w: sent %d for %s, got %d", ErrIDMismatch, id, op, rid))
	}
	return typ, reply, nil
}

// status decodes a STATUS reply. OK yields nil.
func (c *Client) status(reply *Packet, op, p string) error {
	code, err := reply.ReadUint32()
	if err != nil {
		return c.fail(err)
	}
	if code == StatusOK {
		return nil
	}
	// Version 3 servers append a message and a language tag; older ones may not.
	var msg string
	if reply.Remaining() > 0 {
		if msg, err = reply.ReadString(); err != nil {
			return c.fail(err)
		}
	}
	return &StatusError{Op: op, Path: p, Code: code, Message: msg}
}

func (c *Client) unexpected(typ byte, op, p string) error {
	return c.fail(fmt.Errorf("%w: type %d in reply to %s %s", ErrUnexpectedReply, typ, op, p))
}

func (c *Client) fail(err error) error {
	if c.broken == nil {
		c.broken = err
	}
	return err
}

// exchange writes out and reads back one complete reply packet, waiting on
// both pipes at once so that neither side can stall on a full pipe.
func (c *Client) exchange(out []byte) (*Packet, error) {
	var mux process.Multiplexer
	wi := mux.Add(c.req.Fd(), unix.POLLOUT)
	ri := mux.Add(c.resp.Fd(), unix.POLLIN)

	written := 0
	for {
		if written == len(out) {
			pkt, err := c.takePacket()
			if pkt != nil || err != nil {
				return pkt, err
			}
		}

		if _, err := mux.Monitor(-1); err != nil {
			return nil, err
		}

		if written < len(out) && mux.Revents(wi) != 0 {
			n, err := c.req.Write(out[written:])
			written += n
			if err != nil && !errors.Is(err, unix.EAGAIN) {
				return nil, fmt.Errorf("write request: %w", err)
			}
			if written == len(out) {
				mux.Deactivate(wi)
			}
		}

		if mux.Revents(ri) != 0 {
			n, err := c.resp.Read(c.chunk)
			switch {
			case errors.Is(err, io.EOF):
				return nil, ErrConnectionClosed
			case errors.Is(err, unix.EAGAIN):
			case err != nil:
				return nil, fmt.Errorf("read reply: %w", err)
			}
			c.rbuf = append(c.rbuf, c.chunk[:n]...)
		}
	}
}

// takePacket removes one complete packet from the receive buffer, or returns
// nil if more bytes are needed.
func (c *Client) takePacket() (*Packet, error) {
	if len(c.rbuf) < lengthSize {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(c.rbuf)
	if n > MaxPacketSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrPacketTooLarge, n)
	}
	end := lengthSize + int(n)
	if len(c.rbuf) < end {
		return nil, nil
	}
	raw := make([]byte, end)
	copy(raw, c.rbuf[:end])
	c.rbuf = c.rbuf[end:]
	return ParsePacket(raw)
}
