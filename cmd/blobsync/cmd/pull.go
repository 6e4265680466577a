package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/blobsync"
)

var pullCmd = &cobra.Command{
	Use:   "pull <ref> <dest>",
	Short: "Download an object",
	Long: `Download an object to a local file. Nothing is transferred when the
destination or the shared cache already holds matching content.`,
	Args: cobra.ExactArgs(2),
	RunE: runPull,
}

func init() {
	pullCmd.Flags().String("digest", "", "expected digest as <algorithm>:<hex>")
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	id, err := blobsync.ParseIdentity(args[0])
	if err != nil {
		return err
	}

	var expected *blobsync.Digest
	if s, _ := cmd.Flags().GetString("digest"); s != "" {
		d, err := blobsync.ParseDigest(s)
		if err != nil {
			return err
		}
		expected = &d
	}

	s, err := openSyncer()
	if err != nil {
		return err
	}

	res, err := s.DownloadVerified(cmd.Context(), id, args[1], expected)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done. %s from %s\n", args[1], res.Source)
	fmt.Println(res.Digest)
	return nil
}
