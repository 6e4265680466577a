package remote

import (
	"context"
	"io"
	"sync"

	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/object"
)

// Factory builds the client for one storage root.
type Factory func(root string) (Client, error)

// Registry constructs one client per storage root on first use and routes
// calls by Identity.Root. Create it once per process and pass it around.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry returns a Registry backed by factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, clients: make(map[string]Client)}
}

// For returns the client for root, creating it if needed.
func (r *Registry) For(root string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[root]; ok {
		return c, nil
	}
	c, err := r.factory(root)
	if err != nil {
		return nil, err
	}
	r.clients[root] = c
	return c, nil
}

func (r *Registry) Metadata(ctx context.Context, id object.Identity) (Metadata, error) {
	c, err := r.For(id.Root)
	if err != nil {
		return Metadata{}, err
	}
	return c.Metadata(ctx, id)
}

func (r *Registry) Open(ctx context.Context, id object.Identity) (io.ReadCloser, error) {
	c, err := r.For(id.Root)
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, id)
}

func (r *Registry) Write(ctx context.Context, id object.Identity, src Opener, digests []digest.Digest) error {
	c, err := r.For(id.Root)
	if err != nil {
		return err
	}
	return c.Write(ctx, id, src, digests)
}
