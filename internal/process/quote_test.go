package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bamsammich/kdump-save/internal/process"
)

func TestShellQuote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "''"},
		{in: "/var/crash/2024-01-01/vmcore", want: "/var/crash/2024-01-01/vmcore"},
		{in: "with space", want: "'with space'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "$(reboot)", want: "'$(reboot)'"},
		{in: "a;b", want: "'a;b'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, process.ShellQuote(tt.in))
		})
	}

	assert.Equal(t, "mkdir -p '/var/crash/a b'", process.ShellJoin("mkdir", "-p", "/var/crash/a b"))
}
