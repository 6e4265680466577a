package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/blobsync"
)

var pushCmd = &cobra.Command{
	Use:   "push <src|-> <ref>",
	Short: "Upload a file",
	Long: `Upload a local file, or stdin when src is "-". The upload is skipped
when the remote object already has the same content.`,
	Args: cobra.ExactArgs(2),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().Bool("write-through", false, "also place the content in the shared cache")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	id, err := blobsync.ParseIdentity(args[1])
	if err != nil {
		return err
	}
	writeThrough, _ := cmd.Flags().GetBool("write-through")

	src := blobsync.FileSource(args[0])
	if args[0] == "-" {
		src = blobsync.ReaderSource(cmd.InOrStdin())
	}

	s, err := openSyncer()
	if err != nil {
		return err
	}

	res, err := s.UploadVerified(cmd.Context(), id, src, writeThrough)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	if res.Skipped {
		fmt.Fprintf(os.Stderr, "Up to date: %s\n", id)
	} else {
		fmt.Fprintf(os.Stderr, "Pushed %s\n", id)
	}
	fmt.Println(res.Digest)
	return nil
}
