package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Protocol identifies a destination backend.
type Protocol int

const (
	ProtocolLocal Protocol = iota
	ProtocolFTP
	ProtocolSFTP
	ProtocolSSH
	ProtocolNFS
	ProtocolCIFS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLocal:
		return "file"
	case ProtocolFTP:
		return "ftp"
	case ProtocolSFTP:
		return "sftp"
	case ProtocolSSH:
		return "ssh"
	case ProtocolNFS:
		return "nfs"
	case ProtocolCIFS:
		return "cifs"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// DefaultPort returns the well-known port of p, or 0 for local files.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolFTP:
		return 21
	case ProtocolSFTP, ProtocolSSH:
		return 22
	case ProtocolNFS:
		return 2049
	case ProtocolCIFS:
		return 445
	default:
		return 0
	}
}

var schemes = map[string]Protocol{
	"file": ProtocolLocal,
	"ftp":  ProtocolFTP,
	"sftp": ProtocolSFTP,
	"scp":  ProtocolSFTP,
	"ssh":  ProtocolSSH,
	"nfs":  ProtocolNFS,
	"cifs": ProtocolCIFS,
	"smb":  ProtocolCIFS,
}

const (
	defaultFTPUser = "anonymous"
	defaultSSHUser = "root"
)

// ParseError reports a destination string that cannot be used.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unsupported URL %q: %s", e.URL, e.Reason)
}

// URL is a parsed dump destination. Port is 0 when the URL did not name one.
type URL struct {
	Host     string
	Username string
	Password string
	Path     string
	Protocol Protocol
	Port     int
}

// ParseURL parses a destination of the form
//
//	[scheme://][user[:password]@]host[:port]/path
//
// or a bare absolute path. Without a scheme, an empty or "localhost" host
// means a local directory and any other host means NFS.
//
//nolint:revive // cognitive-complexity: grammar has several optional parts
func ParseURL(s string) (URL, error) {
	fail := func(reason string) (URL, error) {
		return URL{}, &ParseError{URL: redactRaw(s), Reason: reason}
	}
	if s == "" {
		return fail("empty")
	}

	rest := s
	scheme, hasScheme := "", false
	if i := schemeEnd(s); i >= 0 {
		if i == 0 {
			return fail("empty protocol")
		}
		scheme, rest, hasScheme = strings.ToLower(s[:i]), s[i+1:], true
	}

	var authority string
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		end := strings.IndexAny(rest, "/?#")
		if end < 0 {
			end = len(rest)
		}
		authority, rest = rest[:end], rest[end:]
	}
	if !strings.HasPrefix(rest, "/") {
		return fail("relative path")
	}

	var u URL
	hostport := authority
	userinfo, hasUser := "", false
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo, hostport, hasUser = authority[:at], authority[at+1:], true
	}

	host, port, reason := splitHostPort(hostport)
	if reason != "" {
		return fail(reason)
	}
	u.Port = port

	var err error
	if u.Host, err = url.PathUnescape(host); err != nil {
		return fail("invalid host encoding")
	}
	if u.Path, err = url.PathUnescape(rest); err != nil {
		return fail("invalid path encoding")
	}
	if hasUser {
		user, pass, _ := strings.Cut(userinfo, ":")
		if u.Username, err = url.PathUnescape(user); err != nil {
			return fail("invalid user name encoding")
		}
		if u.Password, err = url.PathUnescape(pass); err != nil {
			return fail("invalid password encoding")
		}
	}

	if hasScheme {
		p, ok := schemes[scheme]
		if !ok {
			return fail("unknown protocol " + strconv.Quote(scheme))
		}
		u.Protocol = p
	} else if u.Host == "" || strings.EqualFold(u.Host, "localhost") {
		u.Protocol = ProtocolLocal
	} else {
		u.Protocol = ProtocolNFS
	}

	switch u.Protocol {
	case ProtocolLocal:
		if strings.EqualFold(u.Host, "localhost") {
			u.Host = ""
		}
		if u.Host != "" {
			return fail("local path with host " + strconv.Quote(u.Host))
		}
		if hasUser || u.Port != 0 {
			return fail("local path with credentials or port")
		}
	case ProtocolFTP:
		if u.Username == "" {
			u.Username = defaultFTPUser
		}
	case ProtocolSFTP, ProtocolSSH:
		if u.Username == "" {
			u.Username = defaultSSHUser
		}
	}
	if u.Protocol != ProtocolLocal && u.Host == "" {
		return fail("missing host")
	}
	return u, nil
}

// schemeEnd returns the index of the colon ending a leading run of letters,
// or -1 when the string has no scheme.
func schemeEnd(s string) int {
	for i := range len(s) {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == ':':
			return i
		default:
			return -1
		}
	}
	return -1
}

// splitHostPort separates a trailing :port, honouring [v6] literals. A
// non-empty reason means the authority is invalid.
func splitHostPort(hostport string) (host string, port int, reason string) {
	portStr := ""
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", 0, "unterminated IPv6 literal"
		}
		host, after := hostport[1:end], hostport[end+1:]
		if after != "" {
			if after[0] != ':' {
				return "", 0, "garbage after IPv6 literal"
			}
			portStr = after[1:]
		}
		hostport = host
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		hostport, portStr = hostport[:i], hostport[i+1:]
	}

	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n <= 0 || n > 65535 || strings.TrimLeft(portStr, "0123456789") != "" {
			return "", 0, "invalid port " + strconv.Quote(portStr)
		}
		port = n
	}
	return hostport, port, ""
}

// PortOrDefault returns Port, or the protocol's default when unset.
func (u URL) PortOrDefault() int {
	if u.Port != 0 {
		return u.Port
	}
	return u.Protocol.DefaultPort()
}

// HostPort returns host:port suitable for dialing.
func (u URL) HostPort() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.PortOrDefault()))
}

// IsLocal reports whether the destination is a local directory.
func (u URL) IsLocal() bool { return u.Protocol == ProtocolLocal }

func (u URL) toNetURL() *url.URL {
	nu := &url.URL{Scheme: u.Protocol.String(), Path: u.Path}
	if u.Protocol == ProtocolLocal {
		return nu
	}
	nu.Host = u.Host
	if strings.Contains(u.Host, ":") {
		nu.Host = "[" + u.Host + "]"
	}
	if u.Port != 0 {
		nu.Host = net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	}
	switch {
	case u.Password != "":
		nu.User = url.UserPassword(u.Username, u.Password)
	case u.Username != "":
		nu.User = url.User(u.Username)
	}
	return nu
}

// String reassembles the canonical, percent-encoded form of u. It includes
// the password; use Redacted for logging.
func (u URL) String() string { return u.toNetURL().String() }

// Redacted is like String but masks the password.
func (u URL) Redacted() string { return u.toNetURL().Redacted() }

// redactRaw masks the password of an unparsed destination string.
func redactRaw(s string) string {
	i := strings.Index(s, "://")
	if i < 0 {
		return s
	}
	auth := s[i+3:]
	if end := strings.IndexAny(auth, "/?#"); end >= 0 {
		auth = auth[:end]
	}
	at := strings.LastIndexByte(auth, '@')
	if at < 0 {
		return s
	}
	colon := strings.IndexByte(auth[:at], ':')
	if colon < 0 {
		return s
	}
	start := i + 3 + colon + 1
	return s[:start] + "xxxxx" + s[i+3+at:]
}
