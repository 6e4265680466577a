// Package remote is the remote blob store capability consumed by the sync
// protocol, plus an OCI registry implementation.
//
// Every Client method returns *object.NotFoundError (errors.Is
// object.ErrNotFound) for absent objects, so callers branch on cache-domain
// semantics instead of transport status codes.
package remote

import (
	"context"
	"io"
	"os"

	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/object"
)

// Metadata is what the remote store declares about an object.
type Metadata struct {
	Size       int64
	ETag       string
	Attributes map[string]string
	// Checksum is a digest the store maintains on its own, if any.
	Checksum *digest.Digest
}

// Digests returns declared digests in preference order.
func (m Metadata) Digests() []digest.Digest {
	return digest.FromMetadata(m.Attributes, m.Checksum)
}

// Opener reopens a byte source from the start. Uploads may read it more than once.
type Opener func() (io.ReadCloser, error)

// FileOpener opens path on every call.
func FileOpener(path string) Opener {
	return func() (io.ReadCloser, error) { return os.Open(path) }
}

// Client is the remote store capability.
type Client interface {
	Metadata(ctx context.Context, id object.Identity) (Metadata, error)
	Open(ctx context.Context, id object.Identity) (io.ReadCloser, error)
	// Write stores the bytes from src at id and attaches digests as metadata.
	Write(ctx context.Context, id object.Identity, src Opener, digests []digest.Digest) error
}
