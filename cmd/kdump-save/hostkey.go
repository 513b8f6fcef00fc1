package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/kdump-save/internal/transport"
)

var hostKeyCmd = &cobra.Command{
	Use:   "hostkey <url>",
	Short: "Print the SSH host key of a destination for KDUMP_HOST_KEY",
	Long: `Connect to the SSH server of an sftp:// or ssh:// destination and print the
host key it presents, as a KDUMP_HOST_KEY line for the kdump sysconfig file.

The key is fetched without verification. Compare the printed fingerprint
with the server before trusting it.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHostKey,
}

func init() {
	hostKeyCmd.Flags().Duration("timeout", 10*time.Second, "connection timeout")
}

func runHostKey(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout") //nolint:errcheck // flag name is hardcoded

	u, err := transport.ParseURL(args[0])
	if err != nil {
		return err
	}
	if u.Protocol != transport.ProtocolSFTP && u.Protocol != transport.ProtocolSSH {
		return errors.New("host keys exist only for sftp:// and ssh:// destinations")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	key, err := transport.ScanHostKey(ctx, u)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", key.Type(), ssh.FingerprintSHA256(key))
	fmt.Fprintf(os.Stdout, "KDUMP_HOST_KEY=%q\n", transport.FormatHostKey(key))
	return nil
}
