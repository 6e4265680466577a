// Package object defines the identity of remote objects and the error kinds
// shared by every layer of the sync stack.
package object

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// identitySeparator splits a reference into storage root and object path,
// e.g. "ghcr.io/acme/cache//models/v1/weights.bin".
const identitySeparator = "//"

// Identity names an object in the remote store: a storage root (an OCI
// repository) and a path inside it. Identity is comparable and immutable.
type Identity struct {
	Root string
	Path string
}

// String returns the canonical "root//path" form.
func (id Identity) String() string {
	return id.Root + identitySeparator + id.Path
}

// ParseIdentity turns "registry/repo//path/to/object" into an Identity.
func ParseIdentity(ref string) (Identity, error) {
	root, path, ok := strings.Cut(ref, identitySeparator)
	if !ok {
		return Identity{}, fmt.Errorf("invalid object reference %q: missing %q separator", ref, identitySeparator)
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return Identity{}, fmt.Errorf("invalid object reference %q: empty path", ref)
	}
	repo, err := name.NewRepository(root)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid storage root %q: %w", root, err)
	}
	return Identity{Root: repo.Name(), Path: path}, nil
}
