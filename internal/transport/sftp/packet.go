package sftp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// lengthSize is the size of the big-endian length prefix on every packet.
	lengthSize = 4

	// MaxPacketSize bounds the declared length of a received packet. Replies
	// this client asks for are tiny; anything larger means the stream is
	// corrupt.
	MaxPacketSize = 256*1024 + 1024
)

var (
	// ErrMalformedPacket is returned when a field extends past the end of
	// the packet or the length prefix does not match the payload.
	ErrMalformedPacket = errors.New("malformed sftp packet")

	// ErrPacketTooLarge is returned when a declared length exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("sftp packet exceeds maximum size")
)

// Packet is a length-prefixed SFTP message. Add* methods append fields after
// the reserved 4-byte prefix; Finalize fills in the prefix. The read methods
// consume fields in order, starting right after the prefix.
type Packet struct {
	buf []byte
	pos int
}

// NewPacket returns an empty packet with the length prefix reserved.
func NewPacket() *Packet {
	return &Packet{buf: make([]byte, lengthSize, 64), pos: lengthSize}
}

// ParsePacket wraps a complete wire packet, prefix included. The prefix must
// match the number of bytes that follow it.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < lengthSize {
		return nil, fmt.Errorf("%w: %d bytes, need length prefix", ErrMalformedPacket, len(b))
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxPacketSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrPacketTooLarge, n)
	}
	if int(n) != len(b)-lengthSize {
		return nil, fmt.Errorf("%w: declared length %d, have %d", ErrMalformedPacket, n, len(b)-lengthSize)
	}
	return &Packet{buf: b, pos: lengthSize}, nil
}

func (p *Packet) AddByte(v byte) { p.buf = append(p.buf, v) }

func (p *Packet) AddUint32(v uint32) { p.buf = binary.BigEndian.AppendUint32(p.buf, v) }

func (p *Packet) AddUint64(v uint64) { p.buf = binary.BigEndian.AppendUint64(p.buf, v) }

// AddString appends a uint32 length followed by the bytes of s.
func (p *Packet) AddString(s string) {
	p.AddUint32(uint32(len(s))) //nolint:gosec // G115: strings sent here are paths and handles
	p.buf = append(p.buf, s...)
}

// AddBytes appends a uint32 length followed by b.
func (p *Packet) AddBytes(b []byte) {
	p.AddUint32(uint32(len(b))) //nolint:gosec // G115: callers bound data chunks
	p.buf = append(p.buf, b...)
}

// AddRaw appends b without a length.
func (p *Packet) AddRaw(b []byte) { p.buf = append(p.buf, b...) }

// Finalize writes the length prefix and returns the wire bytes. The packet
// may still be appended to and finalized again.
func (p *Packet) Finalize() []byte {
	binary.BigEndian.PutUint32(p.buf, uint32(len(p.buf)-lengthSize)) //nolint:gosec // G115: bounded by caller
	return p.buf
}

// Len returns the payload length, excluding the prefix.
func (p *Packet) Len() int { return len(p.buf) - lengthSize }

// Remaining returns the number of unread payload bytes.
func (p *Packet) Remaining() int { return len(p.buf) - p.pos }

func (p *Packet) need(n int) error {
	if n < 0 || p.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedPacket, n, p.pos, p.Remaining())
	}
	return nil
}

func (p *Packet) ReadByte() (byte, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.buf[p.pos]
	p.pos++
	return v, nil
}

func (p *Packet) ReadUint32() (uint32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v, nil
}

func (p *Packet) ReadUint64() (uint64, error) {
	if err := p.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v, nil
}

// ReadString reads a length-prefixed string. The declared length is checked
// against the bytes actually left in the packet.
func (p *Packet) ReadString() (string, error) {
	b, err := p.ReadBytes()
	return string(b), err
}

// ReadBytes reads a length-prefixed byte string. The returned slice aliases the
// packet buffer.
func (p *Packet) ReadBytes() ([]byte, error) {
	n, err := p.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(p.Remaining()) {
		p.pos -= 4
		return nil, fmt.Errorf("%w: string of %d bytes at offset %d, have %d", ErrMalformedPacket, n, p.pos, p.Remaining()-4)
	}
	b := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return b, nil
}
