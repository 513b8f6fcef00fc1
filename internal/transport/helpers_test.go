package transport_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/kdump-save/internal/dataprovider"
	"github.com/bamsammich/kdump-save/internal/process"
)

var errSourceBroken = errors.New("source broken")

// recordingProvider wraps a Buffer and counts lifecycle calls.
type recordingProvider struct {
	*dataprovider.Buffer
	direct    [][]string
	prepares  int
	reads     int
	finishes  int
	failAt    int // GetData call that fails; 0 never fails
	canDirect bool
}

func newRecordingProvider(data []byte) *recordingProvider {
	return &recordingProvider{Buffer: dataprovider.NewBuffer(data)}
}

func (p *recordingProvider) Prepare() error {
	p.prepares++
	return p.Buffer.Prepare()
}

func (p *recordingProvider) GetData(buf []byte) (int, error) {
	p.reads++
	if p.failAt > 0 && p.reads >= p.failAt {
		return 0, errSourceBroken
	}
	return p.Buffer.GetData(buf)
}

func (p *recordingProvider) Finish() error {
	p.finishes++
	return p.Buffer.Finish()
}

func (p *recordingProvider) CanSaveDirectly() bool { return p.canDirect }

func (p *recordingProvider) SaveDirectly(targets []string) error {
	p.direct = append(p.direct, targets)
	return nil
}

const sftpServerEnv = "KDUMP_SAVE_TEST_SFTP_SERVER"

// fakeSSH writes an ssh stand-in that logs its arguments, then runs the
// remote command locally. "-s sftp" re-executes the test binary as an SFTP
// server on stdin and stdout.
func fakeSSH(t *testing.T) (program, argLog string) {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	argLog = filepath.Join(dir, "args")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %s
while [ $# -gt 0 ]; do
	case "$1" in
	-F|-l|-p) shift 2 ;;
	*) break ;;
	esac
done
shift
if [ "$1" = "-s" ]; then
	exec env %s=1 %s
fi
exec sh -c "$*"
`, process.ShellQuote(argLog), sftpServerEnv, process.ShellQuote(self))

	program = filepath.Join(dir, "ssh")
	require.NoError(t, os.WriteFile(program, []byte(script), 0o755)) //nolint:gosec // test helper must be executable
	return program, argLog
}

func readArgLog(t *testing.T, argLog string) []string {
	t.Helper()
	data, err := os.ReadFile(argLog)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}
