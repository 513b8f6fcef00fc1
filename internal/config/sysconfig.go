package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultSysconfigPath = "/etc/sysconfig/kdump"
	DefaultSaveDir       = "/var/log/dump"
)

// Sysconfig holds the kdump variables kdump-save honors. Fields are only
// applied when the variable was present in the file.
type Sysconfig struct {
	HostKey   *string
	NetConfig *string
	SaveDir   []string
}

// LoadSysconfig reads a KEY=VALUE sysconfig file. A missing file yields a
// zero Sysconfig.
func LoadSysconfig(path string) (Sysconfig, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return Sysconfig{}, nil
	}
	if err != nil {
		return Sysconfig{}, fmt.Errorf("load sysconfig %s: %w", path, err)
	}

	var sys Sysconfig
	if v, ok := env["KDUMP_SAVEDIR"]; ok {
		sys.SaveDir = strings.Fields(v)
	}
	if v, ok := env["KDUMP_HOST_KEY"]; ok {
		sys.HostKey = &v
	}
	if v, ok := env["KDUMP_NETCONFIG"]; ok {
		sys.NetConfig = &v
	}
	return sys, nil
}

func (sys Sysconfig) apply(s *Settings) {
	if len(sys.SaveDir) > 0 {
		s.SaveDir = sys.SaveDir
	}
	if sys.HostKey != nil {
		s.HostKey = *sys.HostKey
	}
	if sys.NetConfig != nil {
		switch strings.TrimSpace(*sys.NetConfig) {
		case "", "none":
			s.NetCheck = false
		default:
			s.NetCheck = true
		}
	}
}
