package lock

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameIsBoundedAndDeterministic(t *testing.T) {
	long := "ghcr.io/acme/cache/" + strings.Repeat("deeply/nested/", 200) + "weights.bin"
	name := Name(long)

	assert.Equal(t, name, Name(long))
	assert.LessOrEqual(t, len(name), 255)
	assert.True(t, strings.HasSuffix(name, "weights.bin-"+name[len(name)-len(lockSuffix)-64:]))
	assert.NotContains(t, name, "/")
	assert.NotEqual(t, Name("a/b"), Name("a_b"), "sanitized prefixes must not collide")
}

func TestAcquireSerializesHolders(t *testing.T) {
	l := New(Options{Dir: t.TempDir()})
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.Acquire(ctx, "shared-key")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, h.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(Options{Dir: t.TempDir()})
	held, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseKeepsLockFile(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{Dir: dir})
	h, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, h.Release())
	require.NoError(t, h.Release())

	_, err = os.Stat(filepath.Join(dir, Name("k")))
	assert.NoError(t, err)
}

func TestSweepRemovesOnlyStaleLocks(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{Dir: dir, Retention: time.Hour})

	stale := filepath.Join(dir, Name("old"))
	fresh := filepath.Join(dir, Name("new"))
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := l.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestSweepSkipsHeldLocks(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{Dir: dir, Retention: time.Hour})
	h, err := l.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer h.Release()

	path := filepath.Join(dir, Name("busy"))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	removed, err := l.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, path)
}

func TestAcquireStartsOverWhenLockFileIsReplaced(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("open lock files cannot be unlinked on windows")
	}
	dir := t.TempDir()
	l := New(Options{Dir: dir})
	ctx := context.Background()
	path := filepath.Join(dir, Name("k"))

	first, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	done := make(chan *Handle, 1)
	go func() {
		h, err := l.Acquire(ctx, "k")
		assert.NoError(t, err)
		done <- h
	}()
	time.Sleep(50 * time.Millisecond)

	// The waiter has the old file open; a fresh one takes its place.
	require.NoError(t, os.Remove(path))
	second, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, first.Release())

	select {
	case <-done:
		t.Fatal("waiter acquired an unlinked lock file while the current one is held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, second.Release())
	select {
	case h := <-done:
		require.NoError(t, h.Release())
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestSweepRunsAtMostOncePerInterval(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{Dir: dir, Retention: time.Hour, SweepInterval: time.Hour})
	ctx := context.Background()

	h, err := l.Acquire(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	stale := filepath.Join(dir, Name("old"))
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	h, err = l.Acquire(ctx, "second")
	require.NoError(t, err)
	require.NoError(t, h.Release())
	assert.FileExists(t, stale, "second acquire is within the sweep interval")

	l.lastSweep.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	h, err = l.Acquire(ctx, "third")
	require.NoError(t, err)
	require.NoError(t, h.Release())
	assert.NoFileExists(t, stale)
}

func TestSweepMissingDirIsNotAnError(t *testing.T) {
	l := New(Options{Dir: filepath.Join(t.TempDir(), "absent")})
	removed, err := l.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}
