// Package config loads kdump-save settings from the optional TOML config
// file and the kdump sysconfig file, and merges them over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

const (
	DefaultSSHProgram = "ssh"
	DefaultSSHDir     = "/kdump/.ssh"
	DefaultMountDir   = "/kdump/mnt"
	DefaultFTPTimeout = 30 * time.Second
	DefaultNetTimeout = 30 * time.Second
)

// Config represents the optional kdump-save configuration file. Unset
// values stay nil so that lower layers show through.
type Config struct {
	SSH      SSHConfig      `toml:"ssh"`
	Mount    MountConfig    `toml:"mount"`
	Transfer TransferConfig `toml:"transfer"`
	Net      NetConfig      `toml:"net"`
}

// SSHConfig configures the ssh client used for sftp:// and ssh:// targets.
type SSHConfig struct {
	Program  *string  `toml:"program"`
	Dir      *string  `toml:"dir"`
	HostKey  *string  `toml:"host_key"`
	Identity []string `toml:"identity"`
}

// MountConfig configures NFS and CIFS targets.
type MountConfig struct {
	Dir *string `toml:"dir"`
}

// TransferConfig tunes the data path.
type TransferConfig struct {
	BufferSize *string `toml:"buffer_size"`
	BWLimit    *string `toml:"bwlimit"`
	FTPTimeout *string `toml:"ftp_timeout"`
	Verify     *bool   `toml:"verify"`
}

// NetConfig controls the reachability check run before network transfers.
type NetConfig struct {
	Check   *bool   `toml:"check"`
	Timeout *string `toml:"timeout"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "kdump-save", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadFile reads the config file at path. Unlike Load, a missing file is
// an error.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// Settings is the effective configuration after merging every layer.
type Settings struct {
	SSHProgram    string
	SSHDir        string
	HostKey       string
	MountDir      string
	SaveDir       []string
	IdentityFiles []string
	BWLimit       uint64 // bytes per second, 0 for unlimited
	BufferSize    int
	FTPTimeout    time.Duration
	NetTimeout    time.Duration
	NetCheck      bool
	Verify        bool
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		SaveDir:    []string{DefaultSaveDir},
		SSHProgram: DefaultSSHProgram,
		SSHDir:     DefaultSSHDir,
		MountDir:   DefaultMountDir,
		FTPTimeout: DefaultFTPTimeout,
		NetTimeout: DefaultNetTimeout,
		NetCheck:   true,
	}
}

// Merge layers sys and then cfg over the defaults.
func Merge(sys Sysconfig, cfg Config) (Settings, error) {
	s := Defaults()
	sys.apply(&s)
	if err := cfg.apply(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (c Config) apply(s *Settings) error {
	setString(&s.SSHProgram, c.SSH.Program)
	setString(&s.SSHDir, c.SSH.Dir)
	setString(&s.HostKey, c.SSH.HostKey)
	if len(c.SSH.Identity) > 0 {
		s.IdentityFiles = c.SSH.Identity
	}
	setString(&s.MountDir, c.Mount.Dir)

	if c.Transfer.BufferSize != nil {
		n, err := humanize.ParseBytes(*c.Transfer.BufferSize)
		if err != nil {
			return fmt.Errorf("transfer.buffer_size: %w", err)
		}
		if n == 0 || n > 64<<20 {
			return fmt.Errorf("transfer.buffer_size: %s out of range", *c.Transfer.BufferSize)
		}
		s.BufferSize = int(n) //nolint:gosec // G115: bounded above
	}
	if c.Transfer.BWLimit != nil {
		n, err := ParseBWLimit(*c.Transfer.BWLimit)
		if err != nil {
			return fmt.Errorf("transfer.bwlimit: %w", err)
		}
		s.BWLimit = n
	}
	if err := setDuration(&s.FTPTimeout, c.Transfer.FTPTimeout, "transfer.ftp_timeout"); err != nil {
		return err
	}
	if c.Transfer.Verify != nil {
		s.Verify = *c.Transfer.Verify
	}

	if c.Net.Check != nil {
		s.NetCheck = *c.Net.Check
	}
	return setDuration(&s.NetTimeout, c.Net.Timeout, "net.timeout")
}

// ParseBWLimit parses a rate such as "50MB" or "1GiB" into bytes per
// second. An empty string or "0" means unlimited.
func ParseBWLimit(s string) (uint64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q: %w", s, err)
	}
	return n, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, key string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be positive", key)
	}
	*dst = d
	return nil
}
