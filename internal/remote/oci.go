package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/compression"
	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/object"
)

const (
	DefaultConcurrency = 4

	labelPath = "dev.blobsync.path"
	labelSize = "dev.blobsync.size"

	tagPrefix  = "p-"
	tagHashLen = 48
)

// OCIClient stores each object as a single-layer OCI image in one repository.
// The layer holds the zstd-compressed bytes; declared digests travel as config
// labels and the layer DiffID doubles as a built-in sha256 checksum.
type OCIClient struct {
	repo        name.Repository
	auth        Authenticator
	concurrency int
	level       int
	tmpDir      string
	logger      *zap.Logger
}

// NewOCIClient creates a client for the repository root (e.g. "ghcr.io/acme/cache").
func NewOCIClient(root string, auth Authenticator, opts ...name.Option) (*OCIClient, error) {
	repo, err := name.NewRepository(root, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid storage root %q: %w", root, err)
	}
	return &OCIClient{
		repo:        repo,
		auth:        auth,
		concurrency: DefaultConcurrency,
		level:       compression.LevelDefault,
		logger:      zap.NewNop(),
	}, nil
}

// OCIOptions configures clients built by OCIFactory.
type OCIOptions struct {
	Auth             Authenticator
	Concurrency      int
	CompressionLevel int
	TempDir          string
	Logger           *zap.Logger
	NameOptions      []name.Option
}

// OCIFactory returns a Factory producing configured OCIClients.
func OCIFactory(opts OCIOptions) Factory {
	return func(root string) (Client, error) {
		c, err := NewOCIClient(root, opts.Auth, opts.NameOptions...)
		if err != nil {
			return nil, err
		}
		c.SetConcurrency(opts.Concurrency)
		c.SetCompressionLevel(opts.CompressionLevel)
		c.SetTempDir(opts.TempDir)
		if opts.Logger != nil {
			c.logger = opts.Logger.Named("oci").With(zap.String("repository", c.repo.String()))
		}
		return c, nil
	}
}

// SetConcurrency sets the number of parallel blob uploads.
func (c *OCIClient) SetConcurrency(n int) {
	if n > 0 {
		c.concurrency = n
	}
}

// SetCompressionLevel sets the zstd level used for uploads.
func (c *OCIClient) SetCompressionLevel(level int) {
	if level > 0 {
		c.level = level
	}
}

// SetTempDir sets where uploads are spooled before pushing.
func (c *OCIClient) SetTempDir(dir string) { c.tmpDir = dir }

func (c *OCIClient) String() string   { return c.repo.String() }
func (c *OCIClient) Registry() string { return c.repo.RegistryStr() }

// Tag maps an object path onto a valid, stable tag.
func (c *OCIClient) Tag(path string) name.Tag {
	sum := sha256.Sum256([]byte(path))
	return c.repo.Tag(tagPrefix + hex.EncodeToString(sum[:])[:tagHashLen])
}

func (c *OCIClient) image(ctx context.Context, id object.Identity) (v1.Image, error) {
	img, err := retry(ctx, defaultAttempts, func() (v1.Image, error) {
		return remote.Image(c.Tag(id.Path), c.remoteOptions(ctx)...)
	})
	if err != nil {
		return nil, translateError(err, id, "fetch manifest")
	}
	return img, nil
}

func (c *OCIClient) Metadata(ctx context.Context, id object.Identity) (Metadata, error) {
	img, err := c.image(ctx, id)
	if err != nil {
		return Metadata{}, err
	}
	layer, labels, err := c.describe(img, id)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{Attributes: labels}
	if s, ok := labels[labelSize]; ok {
		size, err := strconv.ParseInt(s, 10, 64)
		if err != nil || size < 0 {
			// Size stays unknown, which keeps the object off the bulk path.
			c.logger.Warn("ignoring malformed size label",
				zap.String("object", id.String()), zap.String("label", s))
		} else {
			meta.Size = size
		}
	}
	if etag, err := img.Digest(); err == nil {
		meta.ETag = etag.String()
	}
	if diffID, err := layer.DiffID(); err == nil {
		if d, err := digest.FromHex(digest.SHA256, diffID.Hex); err == nil && diffID.Algorithm == "sha256" {
			meta.Checksum = &d
		}
	}
	return meta, nil
}

// describe returns the single payload layer and the config labels of img.
func (c *OCIClient) describe(img v1.Image, id object.Identity) (v1.Layer, map[string]string, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, nil, translateError(err, id, "read config")
	}
	labels := cfg.Config.Labels
	if p, ok := labels[labelPath]; ok && p != id.Path {
		// Tags are hashes of the path; a different recorded path means the
		// tag belongs to another object.
		return nil, nil, &object.NotFoundError{Identity: id}
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, nil, translateError(err, id, "list layers")
	}
	if len(layers) != 1 {
		return nil, nil, &object.TransferError{Identity: id, Op: "read manifest", Err: fmt.Errorf("expected 1 layer, found %d", len(layers))}
	}
	return layers[0], labels, nil
}

func (c *OCIClient) Open(ctx context.Context, id object.Identity) (io.ReadCloser, error) {
	img, err := c.image(ctx, id)
	if err != nil {
		return nil, err
	}
	layer, _, err := c.describe(img, id)
	if err != nil {
		return nil, err
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, translateError(err, id, "read layer")
	}
	dec, err := compression.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, &object.TransferError{Identity: id, Op: "decode layer", Err: err}
	}
	return dec, nil
}

func (c *OCIClient) Write(ctx context.Context, id object.Identity, src Opener, digests []digest.Digest) error {
	layer, err := c.spool(src)
	if err != nil {
		return &object.TransferError{Identity: id, Op: "compress", Err: err}
	}
	defer os.Remove(layer.path)

	labels := digest.Attributes(digests)
	labels[labelPath] = id.Path
	labels[labelSize] = strconv.FormatInt(layer.uncompressedSize, 10)

	img, err := buildImage(layer, labels)
	if err != nil {
		return &object.TransferError{Identity: id, Op: "build image", Err: err}
	}

	c.logger.Debug("pushing object",
		zap.String("object", id.String()),
		zap.Int64("bytes", layer.uncompressedSize),
		zap.Int64("compressed", layer.size))

	options := append(c.remoteOptions(ctx), remote.WithJobs(c.concurrency))
	_, err = retry(ctx, defaultAttempts, func() (struct{}, error) {
		return struct{}{}, remote.Write(c.Tag(id.Path), img, options...)
	})
	return translateError(err, id, "push")
}

// blobLayer implements v1.Layer over a zstd-compressed spool file.
type blobLayer struct {
	path             string
	digest           v1.Hash
	diffID           v1.Hash
	size             int64
	uncompressedSize int64
	src              Opener
}

// spool compresses src into a temporary file and records both hashes.
func (c *OCIClient) spool(src Opener) (*blobLayer, error) {
	rc, err := src()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(c.tmpDir, "blobsync-upload-*.zst")
	if err != nil {
		return nil, err
	}
	l := &blobLayer{path: tmp.Name(), src: src}

	h := sha256.New()
	n, err := compression.Compress(tmp, io.TeeReader(rc, h), c.level)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(l.path)
		return nil, err
	}
	l.uncompressedSize = n
	l.diffID = v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(h.Sum(nil))}

	f, err := os.Open(l.path)
	if err != nil {
		os.Remove(l.path)
		return nil, err
	}
	defer f.Close()
	l.digest, l.size, err = v1.SHA256(f)
	if err != nil {
		os.Remove(l.path)
		return nil, err
	}
	return l, nil
}

func (l *blobLayer) Digest() (v1.Hash, error)             { return l.digest, nil }
func (l *blobLayer) DiffID() (v1.Hash, error)             { return l.diffID, nil }
func (l *blobLayer) Compressed() (io.ReadCloser, error)   { return os.Open(l.path) }
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) { return l.src() }
func (l *blobLayer) Size() (int64, error)                 { return l.size, nil }
func (l *blobLayer) MediaType() (types.MediaType, error)  { return types.OCILayerZStd, nil }

func buildImage(layer v1.Layer, labels map[string]string) (v1.Image, error) {
	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	img, err := mutate.AppendLayers(img, layer)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = labels

	return mutate.ConfigFile(img, cfg)
}

func (c *OCIClient) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{remote.WithContext(ctx)}
	if c.auth != nil {
		username, password, err := c.auth.Authenticate(c.Registry())
		if err == nil && username != "" {
			return append(options, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(options, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}
