// Package platform wraps the filesystem and mount syscalls used when writing
// dumps to local and network-mounted destinations.
package platform

import "errors"

// ErrUnsupported is returned on platforms lacking the requested facility.
var ErrUnsupported = errors.New("not supported on this platform")

// Segment describes a contiguous region of a file.
type Segment struct {
	Offset int64
	Length int64
	IsData bool
}

// DataBytes sums the lengths of the data segments.
func DataBytes(segments []Segment) int64 {
	var n int64
	for _, s := range segments {
		if s.IsData {
			n += s.Length
		}
	}
	return n
}

func wholeFileSegment(size int64) []Segment {
	return []Segment{{Offset: 0, Length: size, IsData: true}}
}
