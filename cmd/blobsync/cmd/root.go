package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aweris/blobsync"
	"github.com/aweris/blobsync/internal/config"
	"github.com/aweris/blobsync/internal/logging"
	"github.com/aweris/blobsync/internal/progress"
)

var (
	v      = config.New()
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "blobsync",
	Short: "Verified sync between an OCI registry and local files",
	Long: `Download and upload objects stored in an OCI registry, verifying every
transfer against its content digest and sharing a local cache between calls.

Objects are addressed as <registry>/<repository>//<path>.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/blobsync/config.yaml)")
	flags.String("cache-dir", "", "shared cache directory (default: ~/.cache/blobsync)")
	flags.String("lock-dir", "", "lock directory shared by cooperating processes")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Int("concurrency", 0, "parallel transfers")

	v.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	v.BindPFlag("lock_dir", flags.Lookup("lock-dir"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("concurrency", flags.Lookup("concurrency"))
}

func setup(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("config")
	c, err := config.Load(v, file)
	if err != nil {
		return err
	}
	cfg = c

	l, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func openSyncer() (*blobsync.Syncer, error) {
	policy, err := cfg.LinkStrategies()
	if err != nil {
		return nil, err
	}
	return blobsync.Open(
		blobsync.WithCacheDir(cfg.CacheDir),
		blobsync.WithLinkPolicy(policy...),
		blobsync.WithLockDir(cfg.LockDir),
		blobsync.WithLockRetention(cfg.LockRetention),
		blobsync.WithSweepInterval(cfg.SweepInterval),
		blobsync.WithBulkTransfer(blobsync.BulkOptions{
			Enabled:   cfg.Bulk.Enabled,
			Binary:    cfg.Bulk.Binary,
			Threshold: cfg.Bulk.Threshold,
		}),
		blobsync.WithConcurrency(cfg.Concurrency),
		blobsync.WithChunkSize(cfg.ChunkSize),
		blobsync.WithLogger(logger),
		blobsync.WithReporter(progress.NewThrottled(progress.Logger{Log: logger}, progress.DefaultInterval)),
	)
}
