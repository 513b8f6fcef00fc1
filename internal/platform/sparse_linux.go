//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// DataSegments walks SEEK_DATA/SEEK_HOLE to map out the sparse layout of a
// file. It returns a single data segment covering the whole file if the
// filesystem doesn't support sparse detection.
//
//nolint:revive // cognitive-complexity: SEEK_DATA/SEEK_HOLE state machine with error recovery
func DataSegments(f *os.File, size int64) ([]Segment, error) {
	if size == 0 {
		return nil, nil
	}

	fd := int(f.Fd()) //nolint:gosec // G115: fd conversion is safe for file descriptors
	var segments []Segment
	offset := int64(0)

	for offset < size {
		dataStart, err := unix.Seek(fd, offset, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				// Rest of file is a hole.
				segments = append(segments, Segment{Offset: offset, Length: size - offset})
				break
			}
			if errors.Is(err, unix.EINVAL) {
				return wholeFileSegment(size), nil
			}
			return nil, &os.PathError{Op: "seek data", Path: f.Name(), Err: err}
		}

		if dataStart > offset {
			segments = append(segments, Segment{Offset: offset, Length: dataStart - offset})
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		switch {
		case err == nil:
		case errors.Is(err, unix.ENXIO):
			holeStart = size
		case errors.Is(err, unix.EINVAL):
			return wholeFileSegment(size), nil
		default:
			return nil, &os.PathError{Op: "seek hole", Path: f.Name(), Err: err}
		}
		holeStart = min(holeStart, size)

		segments = append(segments, Segment{Offset: dataStart, Length: holeStart - dataStart, IsData: true})
		offset = holeStart
	}

	if len(segments) == 0 {
		return wholeFileSegment(size), nil
	}
	return segments, nil
}
