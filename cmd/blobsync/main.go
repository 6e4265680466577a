package main

import "github.com/aweris/blobsync/cmd/blobsync/cmd"

func main() {
	cmd.Execute()
}
