package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep-locks",
	Short: "Remove stale lock files",
	Long:  "Remove lock files untouched for longer than the configured retention.",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	s, err := openSyncer()
	if err != nil {
		return err
	}
	n, err := s.SweepLocks(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Removed %d stale lock(s) from %s\n", n, cfg.LockDir)
	return nil
}
