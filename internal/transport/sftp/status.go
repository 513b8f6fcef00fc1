package sftp

import (
	"errors"
	"fmt"
)

// Packet types of SFTP protocol version 3.
const (
	fxpInit    = 1
	fxpVersion = 2
	fxpOpen    = 3
	fxpClose   = 4
	fxpWrite   = 6
	fxpMkdir   = 14
	fxpStat    = 17
	fxpStatus  = 101
	fxpHandle  = 102
	fxpAttrs   = 105
)

// Open flags.
const (
	fxfWrite = 0x00000002
	fxfCreat = 0x00000008
	fxfTrunc = 0x00000010
)

// Status codes carried by SSH_FXP_STATUS replies.
const (
	StatusOK                  = 0
	StatusEOF                 = 1
	StatusNoSuchFile          = 2
	StatusPermissionDenied    = 3
	StatusFailure             = 4
	StatusBadMessage          = 5
	StatusNoConnection        = 6
	StatusConnectionLost      = 7
	StatusOpUnsupported       = 8
	StatusInvalidHandle       = 9
	StatusNoSuchPath          = 10
	StatusFileAlreadyExists   = 11
	StatusWriteProtect        = 12
	StatusNoMedia             = 13
	StatusNoSpaceOnFilesystem = 14
	StatusQuotaExceeded       = 15
	StatusUnknownPrincipal    = 16
	StatusLockConflict        = 17
	StatusDirNotEmpty         = 18
	StatusNotADirectory       = 19
	StatusInvalidFilename     = 20
	StatusLinkLoop            = 21
)

var statusText = [...]string{
	StatusOK:                  "Success",
	StatusEOF:                 "End of file",
	StatusNoSuchFile:          "File does not exist",
	StatusPermissionDenied:    "Permission denied",
	StatusFailure:             "Generic failure",
	StatusBadMessage:          "Garbage received from server",
	StatusNoConnection:        "No connection",
	StatusConnectionLost:      "Connection lost",
	StatusOpUnsupported:       "Operation not supported",
	StatusInvalidHandle:       "Invalid handle",
	StatusNoSuchPath:          "Path does not exist",
	StatusFileAlreadyExists:   "File already exists",
	StatusWriteProtect:        "Filesystem is write protected",
	StatusNoMedia:             "No media in remote drive",
	StatusNoSpaceOnFilesystem: "No space on filesystem",
	StatusQuotaExceeded:       "Quota exceeded",
	StatusUnknownPrincipal:    "Principal unknown",
	StatusLockConflict:        "Lock conflict",
	StatusDirNotEmpty:         "Directory not empty",
	StatusNotADirectory:       "Not a directory",
	StatusInvalidFilename:     "Invalid filename",
	StatusLinkLoop:            "Too many symbolic links",
}

// StatusText returns the description of an SFTP status code.
func StatusText(code uint32) string {
	if int64(code) < int64(len(statusText)) {
		return statusText[code]
	}
	return "unknown error"
}

// StatusError is a STATUS reply other than OK. Message is the text sent by
// the server, which may be empty.
type StatusError struct {
	Op      string
	Path    string
	Message string
	Code    uint32
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("sftp %s %s: %s (status %d)", e.Op, e.Path, StatusText(e.Code), e.Code)
	if e.Message != "" && e.Message != StatusText(e.Code) {
		msg += ": " + e.Message
	}
	return msg
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code uint32) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

var (
	// ErrIDMismatch means a reply answered a different request than the one
	// outstanding. The two sides have desynchronized and the client is
	// unusable afterwards.
	ErrIDMismatch = errors.New("sftp reply id does not match request id")

	// ErrUnexpectedReply is returned for a reply type the request cannot
	// produce.
	ErrUnexpectedReply = errors.New("unexpected sftp reply")

	// ErrConnectionClosed is returned when the server side closes its output
	// before a complete reply arrived.
	ErrConnectionClosed = errors.New("sftp server closed the connection")
)
