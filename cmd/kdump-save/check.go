package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bamsammich/kdump-save/internal/config"
	"github.com/bamsammich/kdump-save/internal/transport"
)

var checkCmd = &cobra.Command{
	Use:   "check <manifest>",
	Short: "Re-hash the dump files recorded in a manifest",
	Long: `Read a manifest written by --manifest and compare the BLAKE3 digest of
every recorded file with its current contents.

Only dumps saved to local destinations can be checked. Exits with status 1
when a file is missing or differs.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	m, err := config.ReadManifest(args[0])
	if err != nil {
		return err
	}
	if m.DirectSave {
		return errors.New("dump was saved directly; the manifest has no digests")
	}
	for _, d := range m.Destinations {
		u, err := transport.ParseURL(d)
		if err != nil {
			return err
		}
		if !u.IsLocal() {
			return fmt.Errorf("cannot check files on %s destination %s", u.Protocol, d)
		}
	}

	out := cmd.OutOrStdout()
	bad := 0
	for _, f := range m.Files {
		got, err := transport.HashFile(f.Path)
		switch {
		case err != nil:
			bad++
			fmt.Fprintf(out, "FAILED %s: %v\n", f.Path, err)
		case got != f.Digest:
			bad++
			fmt.Fprintf(out, "FAILED %s: digest %s, recorded %s\n", f.Path, got, f.Digest)
		default:
			fmt.Fprintf(out, "OK %s\n", f.Path)
		}
	}
	if bad > 0 {
		return &exitError{code: 1}
	}
	return nil
}
