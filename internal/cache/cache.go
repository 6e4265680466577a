// Package cache is the shared content-addressable cache.
//
// Layout mirrors the remote store: <root>/<storage root>/@/<object path>, with
// reserved characters percent-encoded. Entries are always read-only once populated; callers get their own copy (or a link
// that stays read-only) through InstallToLocal.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/object"
)

const (
	// maxComponent is the common NAME_MAX across Linux, macOS and Windows.
	maxComponent = 255
	// maxRelative bounds the cache-relative path, leaving room for the cache
	// root under a 4096 byte PATH_MAX.
	maxRelative = 1024

	hashedPrefixLen = 32
	hashedTailLen   = 32

	// pathMarker separates storage root components from object path
	// components. Escaping guarantees no other component equals it.
	pathMarker = "@"
)

// Config configures a Cache.
type Config struct {
	Root       string
	LinkPolicy []Strategy
}

// Cache places and installs shared cache entries.
type Cache struct {
	root   string
	policy []Strategy
	logger *zap.Logger
}

// New returns a Cache rooted at cfg.Root. An empty policy uses DefaultLinkPolicy.
func New(cfg Config, logger *zap.Logger) *Cache {
	policy := cfg.LinkPolicy
	if len(policy) == 0 {
		policy = DefaultLinkPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{root: cfg.Root, policy: policy, logger: logger}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// LinkPolicy returns the ordered link strategies.
func (c *Cache) LinkPolicy() []Strategy { return c.policy }

// PathFor returns the cache path of id and makes sure its parent exists.
func (c *Cache) PathFor(id object.Identity) (string, error) {
	p := filepath.Join(c.root, RelativePath(id))
	if err := EnsureParent(p); err != nil {
		return "", err
	}
	return p, nil
}

// RelativePath derives the cache-relative path of id. It depends only on id,
// so caches at different roots have identical subtrees, and distinct
// identities never share a path. Paths that would exceed the name-length
// ceilings keep as many leading directories as fit and end in
// "<hash of the escaped path>-<tail of the original name>".
func RelativePath(id object.Identity) string {
	parts := components(id)
	if fits(parts) {
		return filepath.Join(parts...)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "/")))
	name := hex.EncodeToString(sum[:])[:hashedPrefixLen]
	if tail := tailBytes(parts[len(parts)-1], hashedTailLen); tail != "" {
		name += "-" + tail
	}

	var kept []string
	size := len(name)
	for _, p := range parts[:len(parts)-1] {
		if len(p) > maxComponent || size+len(p)+1 > maxRelative {
			break
		}
		kept = append(kept, p)
		size += len(p) + 1
	}
	return filepath.Join(append(kept, name)...)
}

// components escapes every segment of id. Leading and trailing slashes are
// insignificant; empty inner segments are kept as "%" so "a//b" and "a/b"
// stay apart.
func components(id object.Identity) []string {
	var parts []string
	for _, s := range strings.Split(strings.Trim(id.Root, "/"), "/") {
		parts = append(parts, escapeComponent(s))
	}
	parts = append(parts, pathMarker)
	for _, s := range strings.Split(strings.Trim(id.Path, "/"), "/") {
		parts = append(parts, escapeComponent(s))
	}
	return parts
}

// escapeComponent percent-encodes characters that are reserved on some
// filesystems, along with '%' itself, so the mapping stays reversible.
func escapeComponent(s string) string {
	switch s {
	case "":
		return "%"
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	case pathMarker:
		return "%40"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < 0x20, c == 0x7f, strings.IndexByte(`%:\*?"<>|`, c) >= 0:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func fits(parts []string) bool {
	total := 0
	for _, p := range parts {
		if len(p) > maxComponent {
			return false
		}
		total += len(p) + 1
	}
	return total-1 <= maxRelative
}

// tailBytes returns at most n trailing bytes of s without splitting a rune.
func tailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// EnsureParent creates the parent directory of path.
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", object.ErrNotADirectory, dir)
		}
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// InstallFromLocal populates cachePath from localPath and marks the entry
// read-only. Softlinks are never used in this direction: the cache must not
// point at a caller-owned file.
func (c *Cache) InstallFromLocal(localPath, cachePath string) (Strategy, error) {
	policy := make([]Strategy, 0, len(c.policy))
	for _, s := range c.policy {
		if s != Softlink {
			policy = append(policy, s)
		}
	}
	s, err := Install(localPath, cachePath, policy)
	if err != nil {
		return "", fmt.Errorf("install into cache: %w", err)
	}
	if err := MarkReadOnly(cachePath); err != nil {
		return s, fmt.Errorf("mark cache entry read-only: %w", err)
	}
	c.logger.Debug("cache entry populated", zap.String("path", cachePath), zap.String("strategy", string(s)))
	return s, nil
}

// InstallToLocal materializes cachePath at localPath. Destinations that share
// storage with the entry (hardlink, softlink) stay read-only; independent
// copies (reflink, copy) are made writable.
func (c *Cache) InstallToLocal(cachePath, localPath string) (Strategy, error) {
	s, err := Install(cachePath, localPath, c.policy)
	if err != nil {
		return "", fmt.Errorf("install from cache: %w", err)
	}
	if !s.SharesStorage() {
		if err := MakeWritable(localPath); err != nil {
			return s, fmt.Errorf("make destination writable: %w", err)
		}
	}
	return s, nil
}

// MarkReadOnly clears every write bit on path.
func MarkReadOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()&^0o222)
}

// MakeWritable restores owner read/write on path.
func MakeWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()|0o600)
}
