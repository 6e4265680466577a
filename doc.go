// Package blobsync keeps local files in step with objects in a remote blob
// store, verifying every byte it moves.
//
// A download is a cache hit when the destination or the shared cache already
// holds content matching the expected digest; only otherwise are bytes
// transferred. Transfers land in a temporary file that is verified before it
// is renamed into place, so a failed or corrupt transfer never shows up at the
// destination. Concurrent processes sharing a lock directory transfer each
// object at most once.
//
// Basic usage:
//
//	s, _ := blobsync.Open(blobsync.WithCacheDir("/var/cache/blobsync"))
//
//	id, _ := blobsync.ParseIdentity("ghcr.io/acme/models//llama/weights.bin")
//	res, err := s.DownloadVerified(ctx, id, "weights.bin", nil)
//	if errors.Is(err, blobsync.ErrDigestMismatch) {
//	    // remote corruption or a stale expectation
//	}
//	fmt.Println(res.Digest, res.CacheHit)
//
//	// Upload is skipped when the remote already has the same content.
//	up, _ := s.UploadVerified(ctx, id, blobsync.FileSource("weights.bin"), true)
//	fmt.Println(up.Skipped)
//
// Objects are stored in an OCI registry by default, one single-layer image per
// object. WithRemote swaps in any other store.
package blobsync
