// Package config loads CLI settings from a YAML file and BLOBSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aweris/blobsync/internal/bulk"
	"github.com/aweris/blobsync/internal/cache"
	"github.com/aweris/blobsync/internal/lock"
	"github.com/aweris/blobsync/internal/protocol"
	"github.com/aweris/blobsync/internal/remote"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: bulk.enabled is BLOBSYNC_BULK_ENABLED.
const EnvPrefix = "BLOBSYNC"

type Config struct {
	CacheDir      string        `mapstructure:"cache_dir"`
	LinkPolicy    string        `mapstructure:"link_policy"`
	LockDir       string        `mapstructure:"lock_dir"`
	LockRetention time.Duration `mapstructure:"lock_retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Concurrency   int           `mapstructure:"concurrency"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	Bulk          Bulk          `mapstructure:"bulk"`
	Log           Log           `mapstructure:"log"`
}

type Bulk struct {
	Enabled   bool   `mapstructure:"enabled"`
	Binary    string `mapstructure:"binary"`
	Threshold int64  `mapstructure:"threshold"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// LinkStrategies parses LinkPolicy, a comma-separated list.
func (c *Config) LinkStrategies() ([]cache.Strategy, error) {
	return cache.ParseLinkPolicy(c.LinkPolicy)
}

// New returns a viper instance with defaults and environment binding in
// place. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache_dir", DefaultCacheDir())
	v.SetDefault("link_policy", "")
	v.SetDefault("lock_dir", filepath.Join(os.TempDir(), "blobsync-locks"))
	v.SetDefault("lock_retention", lock.DefaultRetention)
	v.SetDefault("sweep_interval", lock.DefaultSweepInterval)
	v.SetDefault("concurrency", remote.DefaultConcurrency)
	v.SetDefault("chunk_size", protocol.DefaultChunkSize)
	v.SetDefault("bulk.enabled", false)
	v.SetDefault("bulk.binary", bulk.DefaultBinary)
	v.SetDefault("bulk.threshold", bulk.DefaultThreshold)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	return v
}

// Load reads file, or config.yaml from Dir when file is empty, and decodes
// the merged settings. A missing default config file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := c.LinkStrategies(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Dir is the directory searched for config.yaml.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blobsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "blobsync")
	}
	return ".blobsync"
}

func DefaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "blobsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "blobsync")
	}
	return ".blobsync"
}
