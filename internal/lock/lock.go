// Package lock provides per-resource mutual exclusion backed by lock files.
//
// Locks serialize every process sharing the lock directory, typically one
// machine or container. Lock files are never removed on release; a
// low-frequency sweep deletes files that have not been touched within the
// retention window.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/metrics"
)

const (
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = time.Hour

	lockSuffix      = ".lock"
	maxPrefixLength = 64

	pollMin = 5 * time.Millisecond
	pollMax = 250 * time.Millisecond
)

var errWouldBlock = errors.New("lock held")

// Options configures a Locker.
type Options struct {
	Dir           string
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Locker hands out exclusive handles keyed by arbitrary strings.
type Locker struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// lastSweep is only a frequency hint; races here just mean an extra or
	// skipped sweep.
	lastSweep atomic.Int64
}

// New creates a Locker. The directory is created lazily on first acquire.
func New(opts Options) *Locker {
	l := &Locker{
		dir:       opts.Dir,
		retention: opts.Retention,
		interval:  opts.SweepInterval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	if l.retention <= 0 {
		l.retention = DefaultRetention
	}
	if l.interval <= 0 {
		l.interval = DefaultSweepInterval
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Dir returns the lock directory.
func (l *Locker) Dir() string { return l.dir }

// Name maps key to a bounded-length file name: a truncated readable prefix
// followed by the full sha256 of key.
func Name(key string) string {
	sum := sha256.Sum256([]byte(key))
	prefix := sanitize(key)
	if len(prefix) > maxPrefixLength {
		prefix = prefix[len(prefix)-maxPrefixLength:]
	}
	return prefix + "-" + hex.EncodeToString(sum[:]) + lockSuffix
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Handle is a held lock. Release it exactly once.
type Handle struct {
	file *os.File
	key  string
}

// Key returns the key the handle was acquired for.
func (h *Handle) Key() string { return h.key }

// Release unlocks and closes the lock file. The file itself stays in place.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	err := unlockFile(h.file)
	if cerr := h.file.Close(); err == nil {
		err = cerr
	}
	h.file = nil
	return err
}

// Acquire blocks until key is exclusively held or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (*Handle, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	l.maybeSweep()

	path := filepath.Join(l.dir, Name(key))
	start := l.now()
	var f *os.File
	for {
		var err error
		if f, err = l.lockPath(ctx, path); err != nil {
			return nil, err
		}
		// A sweep may have unlinked the file while we waited.
		if current(f, path) {
			break
		}
		unlockFile(f)
		f.Close()
	}
	l.metrics.ObserveLockWait(l.now().Sub(start))

	// Refresh mtime so the sweep never collects an active lock.
	now := l.now()
	if err := os.Chtimes(path, now, now); err != nil {
		l.logger.Debug("touch lock file", zap.String("path", path), zap.Error(err))
	}
	return &Handle{file: f, key: key}, nil
}

// lockPath opens path and polls until its lock is held.
func (l *Locker) lockPath(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	delay := pollMin
	for {
		err := tryLockFile(f)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, pollMax)
	}
}

// current reports whether path still names the file f has open.
func current(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

func (l *Locker) maybeSweep() {
	now := l.now().UnixNano()
	last := l.lastSweep.Load()
	if last != 0 && time.Duration(now-last) < l.interval {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now) {
		return
	}
	removed, err := l.Sweep()
	if err != nil {
		l.logger.Warn("lock sweep failed", zap.String("dir", l.dir), zap.Error(err))
		return
	}
	if removed > 0 {
		l.logger.Debug("swept stale locks", zap.String("dir", l.dir), zap.Int("removed", removed))
	}
}

// Sweep deletes lock files older than the retention window that nobody holds.
// It keeps going past individual failures and reports the first one.
func (l *Locker) Sweep() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := l.now().Add(-l.retention)
	var (
		removed  int
		firstErr error
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		ok, err := removeIdle(filepath.Join(l.dir, e.Name()))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, firstErr
}

// removeIdle deletes path unless another handle holds its lock. The file is
// locked while it is unlinked, so a waiter that opened it earlier finds it
// gone once the lock is granted and starts over.
func removeIdle(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return false, nil
		}
		return false, err
	}
	if err := removeLocked(f, path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}
