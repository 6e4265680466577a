package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/blobsync"
)

var pathCmd = &cobra.Command{
	Use:   "path <ref>",
	Short: "Print the shared cache path of an object",
	Args:  cobra.ExactArgs(1),
	RunE:  runPath,
}

func init() {
	rootCmd.AddCommand(pathCmd)
}

func runPath(cmd *cobra.Command, args []string) error {
	id, err := blobsync.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	s, err := openSyncer()
	if err != nil {
		return err
	}
	c := s.Cache()
	if c == nil {
		return errors.New("shared cache is disabled")
	}
	p, err := c.PathFor(id)
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}
