package blobsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/bulk"
	"github.com/aweris/blobsync/internal/cache"
	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/lock"
	"github.com/aweris/blobsync/internal/metrics"
	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/progress"
	"github.com/aweris/blobsync/internal/protocol"
	"github.com/aweris/blobsync/internal/remote"
)

type (
	// Identity names a remote object: a storage root plus a path inside it.
	Identity = object.Identity
	// Digest is an algorithm-tagged content hash.
	Digest = digest.Digest
	// Reporter receives transfer progress.
	Reporter = progress.Reporter
	// NopReporter discards progress.
	NopReporter = progress.Nop
	// SyncResult is the outcome of a verified download.
	SyncResult = protocol.DownloadResult
	// UploadResult is the outcome of a verified upload.
	UploadResult = protocol.UploadResult
	// DownloadFuture is a download running in the background.
	DownloadFuture = protocol.Future[SyncResult]
	// Cache is the shared content cache.
	Cache = cache.Cache
)

// Where a verified download came from, as reported in SyncResult.Source.
const (
	SourceDestination = protocol.SourceDestination
	SourceCache       = protocol.SourceCache
	SourceRemote      = protocol.SourceRemote
)

// ParseIdentity parses "registry/repository//path/to/object".
func ParseIdentity(ref string) (Identity, error) { return object.ParseIdentity(ref) }

// ParseDigest parses "algorithm:hex".
func ParseDigest(s string) (Digest, error) { return digest.Parse(s) }

// Syncer performs verified transfers between a remote store and local files.
// It is safe for concurrent use.
type Syncer struct {
	opts     *Options
	remotes  *remote.Registry
	cache    *cache.Cache
	locker   *lock.Locker
	bulk     *bulk.Accelerator
	metrics  *metrics.Metrics
	logger   *zap.Logger
	reporter progress.Reporter
}

// Open creates a Syncer. Remote clients are created lazily, one per storage
// root.
func Open(opts ...Option) (*Syncer, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.New(options.Metrics)

	factory := options.Remote
	if factory == nil {
		auth := options.Auth
		if auth == nil {
			auth = remote.NewDefaultAuthenticator()
		}
		factory = remote.OCIFactory(remote.OCIOptions{
			Auth:        auth,
			Concurrency: options.Concurrency,
			Logger:      logger,
		})
	}

	s := &Syncer{
		opts:     options,
		remotes:  remote.NewRegistry(factory),
		metrics:  m,
		logger:   logger,
		reporter: options.Reporter,
	}
	if s.reporter == nil {
		s.reporter = progress.Nop{}
	}

	if options.SharedCache {
		dir := expandPath(options.CacheDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		s.cache = cache.New(cache.Config{Root: dir, LinkPolicy: options.LinkPolicy}, logger.Named("cache"))
	}

	s.locker = lock.New(lock.Options{
		Dir:           expandPath(options.LockDir),
		Retention:     options.LockRetention,
		SweepInterval: options.SweepInterval,
		Logger:        logger.Named("lock"),
		Metrics:       m,
	})
	s.bulk = bulk.New(bulk.Options{
		Enabled:   options.Bulk.Enabled,
		Binary:    options.Bulk.Binary,
		Threshold: options.Bulk.Threshold,
		Logger:    logger.Named("bulk"),
	})
	return s, nil
}

// Cache returns the shared cache, or nil when it is disabled.
func (s *Syncer) Cache() *Cache { return s.cache }

func (s *Syncer) env() protocol.Env {
	return protocol.Env{
		Cache:   s.cache,
		Locker:  s.locker,
		Logger:  s.logger.Named("sync"),
		Metrics: s.metrics,
	}
}

func (s *Syncer) transport() *protocol.Transport {
	return &protocol.Transport{
		Remote:    s.remotes,
		Bulk:      s.bulk,
		ChunkSize: s.opts.ChunkSize,
		Reporter:  s.reporter,
		Metrics:   s.metrics,
		Logger:    s.logger.Named("transfer"),
	}
}

func (s *Syncer) download(id Identity, dest string, expected *Digest) *protocol.Download {
	return protocol.NewDownload(s.env(), protocol.DownloadParams{Identity: id, Dest: dest, Expected: expected})
}

// DownloadVerified makes dest hold the content of id. With a nil expected
// digest the remote's declared digest is used; if the remote declares none,
// the object is always transferred.
func (s *Syncer) DownloadVerified(ctx context.Context, id Identity, dest string, expected *Digest) (SyncResult, error) {
	return protocol.Run[SyncResult](ctx, s.download(id, dest, expected), s.transport())
}

// DownloadVerifiedAsync is DownloadVerified running in the background.
func (s *Syncer) DownloadVerifiedAsync(ctx context.Context, id Identity, dest string, expected *Digest) *DownloadFuture {
	return protocol.Go[SyncResult](ctx, s.download(id, dest, expected), s.transport())
}

// DownloadRequest is one entry of a DownloadAll batch.
type DownloadRequest struct {
	Identity Identity
	Dest     string
	Expected *Digest
}

// DownloadAll runs the requests with bounded concurrency. Results are in
// request order; failed entries are left zero and their errors are joined.
func (s *Syncer) DownloadAll(ctx context.Context, reqs []DownloadRequest) ([]SyncResult, error) {
	results := make([]SyncResult, len(reqs))
	p := pool.New().WithMaxGoroutines(s.opts.Concurrency).WithContext(ctx)
	for i, r := range reqs {
		p.Go(func(ctx context.Context) error {
			res, err := s.DownloadVerified(ctx, r.Identity, r.Dest, r.Expected)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	return results, p.Wait()
}

// UploadVerified makes the remote object id hold the content of src. The
// transfer is skipped when the remote already declares a matching digest.
// With writeThrough the content is also placed in the shared cache.
func (s *Syncer) UploadVerified(ctx context.Context, id Identity, src Source, writeThrough bool) (UploadResult, error) {
	path, release, err := src.materialize("")
	if err != nil {
		return UploadResult{}, err
	}
	defer release()

	m := protocol.NewUpload(s.env(), protocol.UploadParams{
		Identity:     id,
		Source:       path,
		WriteThrough: writeThrough,
	})
	return protocol.Run[UploadResult](ctx, m, s.transport())
}

// SweepLocks removes stale lock files now instead of waiting for the next
// periodic sweep.
func (s *Syncer) SweepLocks(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.locker.Sweep()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
