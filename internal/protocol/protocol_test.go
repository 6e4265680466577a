package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/blobsync/internal/cache"
	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/lock"
	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/remote"
)

var testID = object.Identity{Root: "registry.example.com/team/assets", Path: "models/weights.bin"}

type fixture struct {
	dir string
	mem *remote.Memory
	env Env
	tr  *Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	mem := remote.NewMemory()
	return &fixture{
		dir: dir,
		mem: mem,
		env: Env{
			Cache:  cache.New(cache.Config{Root: filepath.Join(dir, "cache")}, nil),
			Locker: lock.New(lock.Options{Dir: filepath.Join(dir, "locks")}),
		},
		tr: &Transport{Remote: mem, ChunkSize: 4},
	}
}

func sumOf(t *testing.T, data []byte, alg string) digest.Digest {
	t.Helper()
	ds, err := digest.Compute(bytes.NewReader(data), alg)
	require.NoError(t, err)
	return ds[0]
}

// put stores data remotely, declaring its xxh64 digest.
func (f *fixture) put(t *testing.T, data []byte) {
	t.Helper()
	f.mem.Put(testID, data, digest.Attributes([]digest.Digest{sumOf(t, data, digest.XXH64)}))
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func (f *fixture) download(dest string, expected *digest.Digest) (DownloadResult, error) {
	m := NewDownload(f.env, DownloadParams{Identity: testID, Dest: dest, Expected: expected})
	return Run[DownloadResult](context.Background(), m, f.tr)
}

func (f *fixture) upload(p UploadParams) (UploadResult, error) {
	p.Identity = testID
	return Run[UploadResult](context.Background(), NewUpload(f.env, p), f.tr)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

type failAfter struct {
	r io.ReadCloser
	n int
}

func (f *failAfter) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	if len(p) > f.n {
		p = p[:f.n]
	}
	n, err := f.r.Read(p)
	f.n -= n
	return n, err
}

func (f *failAfter) Close() error { return f.r.Close() }

func TestDownloadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	data := []byte("model weights v1")
	f.put(t, data)
	dest := f.path("a")

	res, err := f.download(dest, nil)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, sumOf(t, data, digest.XXH64), res.Digest)
	assert.Equal(t, string(data), readFile(t, dest))

	res, err = f.download(dest, nil)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, SourceDestination, res.Source)
	assert.Equal(t, int64(1), f.mem.Reads.Load())
}

func TestDownloadSharesCacheAcrossDestinations(t *testing.T) {
	f := newFixture(t)
	data := []byte("shared payload")
	f.put(t, data)
	a, b := f.path("a"), f.path("b")

	res, err := f.download(a, nil)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)

	res, err = f.download(b, nil)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, string(data), readFile(t, b))

	require.NoError(t, os.WriteFile(a, []byte("local edits"), 0o644))
	res, err = f.download(a, nil)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, string(data), readFile(t, a))

	assert.Equal(t, int64(1), f.mem.Reads.Load())
}

func TestDownloadExpectedDigestAvoidsRemote(t *testing.T) {
	f := newFixture(t)
	data := []byte("already here")
	dest := f.path("dest")
	require.NoError(t, os.WriteFile(dest, data, 0o644))
	want := sumOf(t, data, digest.SHA256)

	res, err := f.download(dest, &want)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, want, res.Digest)
	assert.Zero(t, f.mem.MetadataCalls.Load())
	assert.Zero(t, f.mem.Reads.Load())

	cachePath, err := f.env.Cache.PathFor(testID)
	require.NoError(t, err)
	assert.Equal(t, string(data), readFile(t, cachePath), "verified destination is backfilled into the cache")
}

func TestDownloadExpectedVsRemoteFailsBeforeTransfer(t *testing.T) {
	f := newFixture(t)
	f.put(t, []byte("current"))
	want := sumOf(t, []byte("something else"), digest.XXH64)
	dest := f.path("dest")

	_, err := f.download(dest, &want)
	require.ErrorIs(t, err, object.ErrDigestMismatch)
	var me *object.DigestMismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, object.ExpectedVsRemote, me.Kind)
	assert.Equal(t, want.Hex(), me.Expected)

	assert.Zero(t, f.mem.Reads.Load())
	assert.NoFileExists(t, dest)
}

func TestDownloadCorruptTransferKeepsDestination(t *testing.T) {
	f := newFixture(t)
	f.mem.Put(testID, []byte("tampered"), digest.Attributes([]digest.Digest{sumOf(t, []byte("genuine"), digest.XXH64)}))
	dest := f.path("dest")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

	_, err := f.download(dest, nil)
	var me *object.DigestMismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, object.LocalVsRemote, me.Kind)
	assert.Equal(t, "previous", readFile(t, dest))
	assertNoPartials(t, f.dir)
}

func TestDownloadLocalVsExpected(t *testing.T) {
	f := newFixture(t)
	f.mem.Put(testID, []byte("no declared digest"), nil)
	want := sumOf(t, []byte("what the caller wanted"), digest.SHA256)
	dest := f.path("dest")

	_, err := f.download(dest, &want)
	var me *object.DigestMismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, object.LocalVsExpected, me.Kind)
	assert.NoFileExists(t, dest)
}

func TestDownloadInterruptedTransferIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.put(t, []byte("a fairly long payload that will not arrive"))
	f.mem.OpenHook = func(rc io.ReadCloser) io.ReadCloser { return &failAfter{r: rc, n: 6} }
	dest := f.path("dest")
	require.NoError(t, os.WriteFile(dest, []byte("previous"), 0o644))

	_, err := f.download(dest, nil)
	require.ErrorIs(t, err, object.ErrTransferFailed)
	assert.Equal(t, "previous", readFile(t, dest))
	assertNoPartials(t, f.dir)

	cachePath, err := f.env.Cache.PathFor(testID)
	require.NoError(t, err)
	assert.NoFileExists(t, cachePath)
}

func TestDownloadNotFound(t *testing.T) {
	f := newFixture(t)
	dest := f.path("dest")

	_, err := f.download(dest, nil)
	require.ErrorIs(t, err, object.ErrNotFound)
	assert.NoFileExists(t, dest)
}

func TestDownloadWithoutAnyDigestAlwaysTransfers(t *testing.T) {
	f := newFixture(t)
	data := []byte("unverifiable")
	f.mem.Put(testID, data, nil)
	dest := f.path("dest")

	res, err := f.download(dest, nil)
	require.NoError(t, err)
	assert.Equal(t, sumOf(t, data, digest.Preference[0]), res.Digest)

	res, err = f.download(dest, nil)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, int64(2), f.mem.Reads.Load())
}

func TestDownloadConcurrentCallersTransferOnce(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("0123456789"), 1000)
	f.put(t, data)

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dest := f.path("dest-" + string(rune('a'+i)))
			_, err := f.download(dest, nil)
			if !assert.NoError(t, err) {
				return
			}
			got, err := os.ReadFile(dest)
			if assert.NoError(t, err) {
				assert.Equal(t, data, got)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.mem.Reads.Load())
}

func TestDownloadInvalidDestinations(t *testing.T) {
	f := newFixture(t)
	f.put(t, []byte("x"))

	_, err := f.download(f.dir, nil)
	assert.ErrorIs(t, err, object.ErrInvalidDestination)

	_, err = f.download("", nil)
	assert.ErrorIs(t, err, object.ErrInvalidDestination)

	file := f.path("file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = f.download(filepath.Join(file, "child"), nil)
	assert.ErrorIs(t, err, object.ErrNotADirectory)
}

func TestDownloadWithoutSharedCache(t *testing.T) {
	f := newFixture(t)
	f.env.Cache = nil
	f.put(t, []byte("no cache"))
	dest := f.path("dest")

	_, err := f.download(dest, nil)
	require.NoError(t, err)
	res, err := f.download(dest, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceDestination, res.Source)
	assert.Equal(t, int64(1), f.mem.Reads.Load())
}

func TestGoMatchesRun(t *testing.T) {
	f := newFixture(t)
	data := []byte("async")
	f.put(t, data)

	fut := Go[DownloadResult](context.Background(),
		NewDownload(f.env, DownloadParams{Identity: testID, Dest: f.path("dest")}), f.tr)
	<-fut.Done()
	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, string(data), readFile(t, f.path("dest")))
}

func TestManualDriving(t *testing.T) {
	f := newFixture(t)
	data := []byte("driven by hand")
	f.put(t, data)
	ctx := context.Background()
	m := NewDownload(f.env, DownloadParams{Identity: testID, Dest: f.path("dest")})

	req, err := m.Advance(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, NeedMetadata, req.Kind)

	meta, err := f.mem.Metadata(ctx, testID)
	require.NoError(t, err)
	req, err = m.Advance(ctx, &Reply{Metadata: meta})
	require.NoError(t, err)
	require.Equal(t, NeedTransfer, req.Kind)
	require.NotNil(t, req.Sink)
	assert.Equal(t, int64(len(data)), req.Size)

	_, err = req.Sink.Write(data)
	require.NoError(t, err)
	req, err = m.Advance(ctx, &Reply{})
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Equal(t, SourceRemote, m.Result().Source)
	assert.Zero(t, f.mem.Reads.Load())
}

func TestAdvanceRequiresReply(t *testing.T) {
	f := newFixture(t)
	f.put(t, []byte("x"))
	m := NewDownload(f.env, DownloadParams{Identity: testID, Dest: f.path("dest")})

	_, err := m.Advance(context.Background(), nil)
	require.NoError(t, err)
	_, err = m.Advance(context.Background(), nil)
	assert.ErrorIs(t, err, errProtocol)
}

func TestUploadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	src := f.path("src")
	require.NoError(t, os.WriteFile(src, []byte("artifact"), 0o644))

	res, err := f.upload(UploadParams{Source: src})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, digest.XXH64, res.Digest.Algorithm)

	res, err = f.upload(UploadParams{Source: src})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int64(1), f.mem.Writes.Load())

	meta, err := f.mem.Metadata(context.Background(), testID)
	require.NoError(t, err)
	assert.Contains(t, meta.Attributes, digest.AttributePrefix+digest.XXH64)
	assert.Contains(t, meta.Attributes, digest.AttributePrefix+digest.SHA256)
}

func TestUploadReplacesDifferentContent(t *testing.T) {
	f := newFixture(t)
	f.put(t, []byte("old"))
	src := f.path("src")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	res, err := f.upload(UploadParams{Source: src})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	got, ok := f.mem.Get(testID)
	require.True(t, ok)
	assert.Equal(t, "new", string(got))
}

func TestUploadComparesInRemoteAlgorithm(t *testing.T) {
	f := newFixture(t)
	data := []byte("blake3 only remotely")
	f.mem.Put(testID, data, digest.Attributes([]digest.Digest{sumOf(t, data, digest.BLAKE3)}))
	src := f.path("src")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	res, err := f.upload(UploadParams{Source: src, Algorithms: []string{digest.CRC32C}})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, f.mem.Writes.Load())
}

func TestUploadWriteThroughFeedsDownloads(t *testing.T) {
	f := newFixture(t)
	src := f.path("src")
	require.NoError(t, os.WriteFile(src, []byte("fresh build"), 0o644))

	_, err := f.upload(UploadParams{Source: src, WriteThrough: true})
	require.NoError(t, err)

	res, err := f.download(f.path("dest"), nil)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, SourceCache, res.Source)
	assert.Zero(t, f.mem.Reads.Load())
}

func TestUploadRejectsDirectory(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(UploadParams{Source: f.dir})
	require.Error(t, err)
	assert.Zero(t, f.mem.MetadataCalls.Load())
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".partial-")
	}
}
