package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the client configuration written before SSH-based
// transfers.
type SSHConfig struct {
	Dir           string // receives config and known_hosts
	HostKey       string // base64 key blob; empty or "*" disables checking
	IdentityFiles []string
}

// WriteSSHConfig writes an ssh_config(5) file and, when a host key is
// pinned, a known_hosts file listing it for every host. It returns the path
// of the config file.
func WriteSSHConfig(cfg SSHConfig, hosts []URL) (string, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create ssh directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("Host *\n\tBatchMode yes\n")

	if cfg.HostKey == "" || cfg.HostKey == "*" {
		slog.Warn("SSH host key accepted without checking")
		b.WriteString("\tStrictHostKeyChecking no\n\tUserKnownHostsFile /dev/null\n")
	} else {
		key, err := ParseHostKey(cfg.HostKey)
		if err != nil {
			return "", err
		}
		knownHosts := filepath.Join(cfg.Dir, "known_hosts")
		if err := writeKnownHosts(knownHosts, key, hosts); err != nil {
			return "", err
		}
		slog.Debug("pinned SSH host key", "fingerprint", ssh.FingerprintSHA256(key))
		fmt.Fprintf(&b, "\tStrictHostKeyChecking yes\n\tUserKnownHostsFile %s\n", knownHosts)
	}
	for _, id := range cfg.IdentityFiles {
		fmt.Fprintf(&b, "\tIdentityFile %s\n", id)
	}

	path := filepath.Join(cfg.Dir, "config")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write ssh config: %w", err)
	}
	return path, nil
}

func writeKnownHosts(path string, key ssh.PublicKey, hosts []URL) error {
	var b strings.Builder
	for _, h := range hosts {
		b.WriteString(knownhosts.Line([]string{knownhosts.Normalize(h.HostPort())}, key))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// ParseHostKey accepts either the base64 wire encoding of a public key or
// an authorized_keys style "type base64 [comment]" line.
func ParseHostKey(s string) (ssh.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, " \t") {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		return key, nil
	}
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode host key: %w", err)
	}
	key, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return key, nil
}

// FormatHostKey returns key in the form ParseHostKey accepts without a type
// prefix.
func FormatHostKey(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

var errKeyCaptured = errors.New("host key captured")

// ScanHostKey connects to the SSH server of u and returns the host key it
// presents. No authentication is attempted.
func ScanHostKey(ctx context.Context, u URL) (ssh.PublicKey, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.HostPort())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.HostPort(), err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var key ssh.PublicKey
	config := &ssh.ClientConfig{
		User: u.Username,
		HostKeyCallback: func(_ string, _ net.Addr, k ssh.PublicKey) error {
			key = k
			return errKeyCaptured
		},
	}
	_, _, _, err = ssh.NewClientConn(conn, u.HostPort(), config)
	if key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("ssh handshake with %s: %w", u.HostPort(), err)
}
