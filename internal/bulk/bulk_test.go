package bulk

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/progress"
)

// fakeAccelerator writes a shell script that logs its arguments to calls.log
// and behaves according to authExit and the cp body.
func fakeAccelerator(t *testing.T, authExit int, cpBody string) (bin, callLog string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script accelerator needs a POSIX shell")
	}
	dir := t.TempDir()
	callLog = filepath.Join(dir, "calls.log")
	bin = filepath.Join(dir, "accel")
	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + callLog + "\n" +
		"case \"$1\" in\n" +
		"auth) exit " + string(rune('0'+authExit)) + " ;;\n" +
		"cp) " + cpBody + " ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, callLog
}

func calls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

type recorder struct {
	mu    sync.Mutex
	sizes []int64
}

func (r *recorder) Report(_ string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, n)
}

var testID = object.Identity{Root: "example.com/acme/cache", Path: "big.bin"}

func TestDownloadForwardsProgress(t *testing.T) {
	bin, log := fakeAccelerator(t, 0, `echo "progress 2"; echo "progress 5" >&2; printf hello > "$4"`)
	a := New(Options{Enabled: true, Binary: bin, Threshold: 1})
	ctx := context.Background()
	require.True(t, a.Applicable(ctx, 10))

	dst := filepath.Join(t.TempDir(), "out")
	rec := &recorder{}
	require.NoError(t, a.Download(ctx, testID, dst, rec))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.ElementsMatch(t, []int64{2, 5}, rec.sizes)

	got := calls(t, log)
	require.Len(t, got, 2)
	assert.Equal(t, "auth status", got[0])
	assert.Equal(t, "cp --no-verify oci://example.com/acme/cache//big.bin "+dst, got[1])
}

func TestAuthCheckedOncePerAccelerator(t *testing.T) {
	bin, log := fakeAccelerator(t, 0, "true")
	a := New(Options{Enabled: true, Binary: bin, Threshold: 1})
	for i := 0; i < 3; i++ {
		assert.True(t, a.Applicable(context.Background(), 10))
	}
	assert.Equal(t, []string{"auth status"}, calls(t, log))
}

func TestUnauthenticatedIsNotApplicable(t *testing.T) {
	bin, _ := fakeAccelerator(t, 1, "true")
	a := New(Options{Enabled: true, Binary: bin, Threshold: 1})
	assert.False(t, a.Applicable(context.Background(), 10))
	assert.ErrorIs(t, a.Download(context.Background(), testID, filepath.Join(t.TempDir(), "x"), nil), ErrUnavailable)
}

func TestThresholdAndFlag(t *testing.T) {
	bin, log := fakeAccelerator(t, 0, "true")
	assert.False(t, New(Options{Enabled: true, Binary: bin, Threshold: 100}).Applicable(context.Background(), 99))
	assert.False(t, New(Options{Enabled: false, Binary: bin, Threshold: 1}).Applicable(context.Background(), 99))
	assert.Empty(t, calls(t, log), "no probe when the size or flag rules it out")

	var nilAccel *Accelerator
	assert.False(t, nilAccel.Applicable(context.Background(), 1<<40))
}

func TestMissingBinary(t *testing.T) {
	a := New(Options{Enabled: true, Binary: filepath.Join(t.TempDir(), "nope"), Threshold: 1})
	assert.False(t, a.Applicable(context.Background(), 10))
}

func TestFailureIncludesOutputTail(t *testing.T) {
	bin, _ := fakeAccelerator(t, 0, `echo "quota exceeded" >&2; exit 3`)
	a := New(Options{Enabled: true, Binary: bin, Threshold: 1})
	err := a.Download(context.Background(), testID, filepath.Join(t.TempDir(), "x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestUploadPassesSortedMetadata(t *testing.T) {
	bin, log := fakeAccelerator(t, 0, "true")
	a := New(Options{Enabled: true, Binary: bin, Threshold: 1})
	err := a.Upload(context.Background(), testID, "/tmp/src", map[string]string{"b": "2", "a": "1"}, progress.Nop{})
	require.NoError(t, err)
	got := calls(t, log)
	assert.Equal(t, "cp --no-verify --meta a=1 --meta b=2 /tmp/src oci://example.com/acme/cache//big.bin", got[len(got)-1])
}

func TestParseProgress(t *testing.T) {
	n, ok := parseProgress("progress 42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	for _, line := range []string{"progress", "progress -1", "progress x", "copied 42"} {
		_, ok := parseProgress(line)
		assert.False(t, ok, line)
	}
}
