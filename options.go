package blobsync

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/bulk"
	"github.com/aweris/blobsync/internal/cache"
	"github.com/aweris/blobsync/internal/lock"
	"github.com/aweris/blobsync/internal/protocol"
	"github.com/aweris/blobsync/internal/remote"
)

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// RemoteFactory builds the remote client for one storage root.
type RemoteFactory = remote.Factory

// LinkStrategy is one way of materializing a cache entry.
type LinkStrategy = cache.Strategy

// Link strategies, tried in the order given to WithLinkPolicy.
const (
	Reflink  = cache.Reflink
	Hardlink = cache.Hardlink
	Softlink = cache.Softlink
	Copy     = cache.Copy
)

// BulkOptions configures the external transfer accelerator.
type BulkOptions struct {
	Enabled bool
	// Binary is looked up in PATH. Defaults to "blobsync-accel".
	Binary string
	// Threshold is the minimum object size in bytes. Defaults to 256MiB.
	Threshold int64
}

// Options configures a Syncer.
type Options struct {
	CacheDir      string
	SharedCache   bool
	LinkPolicy    []LinkStrategy
	LockDir       string
	LockRetention time.Duration
	SweepInterval time.Duration
	Bulk          BulkOptions
	Concurrency   int
	ChunkSize     int
	Remote        RemoteFactory
	Auth          Authenticator
	Logger        *zap.Logger
	Reporter      Reporter
	Metrics       prometheus.Registerer
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheDir:      defaultCacheDir(),
		SharedCache:   true,
		LinkPolicy:    cache.DefaultLinkPolicy,
		LockDir:       filepath.Join(os.TempDir(), "blobsync-locks"),
		LockRetention: lock.DefaultRetention,
		SweepInterval: lock.DefaultSweepInterval,
		Bulk:          BulkOptions{Binary: bulk.DefaultBinary, Threshold: bulk.DefaultThreshold},
		Concurrency:   remote.DefaultConcurrency,
		ChunkSize:     protocol.DefaultChunkSize,
	}
}

// WithCacheDir sets the shared cache directory.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithoutSharedCache disables the shared cache. Downloads then only
// short-circuit on a matching destination.
func WithoutSharedCache() Option {
	return func(o *Options) { o.SharedCache = false }
}

// WithLinkPolicy sets the order in which link strategies are tried. Copy is
// always appended as the last resort.
func WithLinkPolicy(policy ...LinkStrategy) Option {
	return func(o *Options) {
		if len(policy) > 0 {
			o.LinkPolicy = policy
		}
	}
}

// WithLockDir sets the directory holding lock files. Processes that should
// not transfer the same object twice must share it.
func WithLockDir(dir string) Option {
	return func(o *Options) { o.LockDir = dir }
}

// WithLockRetention sets how old an untouched lock file must be before the
// sweep removes it.
func WithLockRetention(d time.Duration) Option {
	return func(o *Options) { o.LockRetention = d }
}

// WithSweepInterval sets how often, at most, the lock directory is swept.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

// WithBulkTransfer configures the external transfer accelerator.
func WithBulkTransfer(b BulkOptions) Option {
	return func(o *Options) { o.Bulk = b }
}

// WithConcurrency sets the number of parallel transfers.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithChunkSize sets the copy buffer size of standard transfers.
func WithChunkSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ChunkSize = n
		}
	}
}

// WithRemote replaces the OCI registry client.
func WithRemote(f RemoteFactory) Option {
	return func(o *Options) { o.Remote = f }
}

// WithAuth sets custom registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithReporter receives transfer progress.
func WithReporter(r Reporter) Option {
	return func(o *Options) { o.Reporter = r }
}

// WithMetrics registers the sync collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Metrics = reg }
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "blobsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "blobsync")
	}
	return ".blobsync"
}
