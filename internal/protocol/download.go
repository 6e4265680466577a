package protocol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/cache"
	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/lock"
	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/remote"
)

// Where a verified download came from.
const (
	SourceDestination = "destination"
	SourceCache       = "cache"
	SourceRemote      = "remote"
)

// DownloadParams describes one verified download.
type DownloadParams struct {
	Identity object.Identity
	Dest     string
	// Expected, when set, is the digest the caller requires. Without it the
	// remote's preferred declared digest is used.
	Expected *digest.Digest
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	Digest   digest.Digest
	CacheHit bool
	Source   string
}

type downloadState int

const (
	dlStart downloadState = iota
	dlExpect
	dlCheck
	dlLocked
	dlMetadata
	dlTransfer
	dlDone
)

// Download makes Dest hold the verified content of Identity.
type Download struct {
	env      Env
	log      *zap.Logger
	id       object.Identity
	dest     string
	expected *digest.Digest

	state     downloadState
	wait      pending
	meta      *remote.Metadata
	declared  *digest.Digest
	cachePath string
	handle    *lock.Handle
	sink      *Sink

	result DownloadResult
	err    error
}

// NewDownload returns a machine for p. Nothing happens until Advance.
func NewDownload(env Env, p DownloadParams) *Download {
	return &Download{
		env:      env,
		log:      env.logger().With(zap.Stringer("object", p.Identity)),
		id:       p.Identity,
		dest:     p.Dest,
		expected: p.Expected,
	}
}

// Result returns the outcome after Advance reported completion.
func (d *Download) Result() DownloadResult { return d.result }

func (d *Download) Advance(ctx context.Context, reply *Reply) (*Request, error) {
	if d.state == dlDone {
		return nil, d.err
	}
	req, err := d.step(ctx, reply)
	if err != nil || req == nil {
		d.finish(err)
		return nil, err
	}
	return req, nil
}

func (d *Download) step(ctx context.Context, reply *Reply) (*Request, error) {
	kind, err := d.wait.take(reply)
	if err != nil {
		return nil, err
	}
	if kind != 0 {
		if err := d.accept(kind, reply); err != nil {
			return nil, err
		}
	}

	for {
		switch d.state {
		case dlStart:
			if err := d.prepare(); err != nil {
				return nil, err
			}
			d.state = dlExpect

		case dlExpect:
			if d.expected == nil && d.meta == nil {
				return d.request(NeedMetadata), nil
			}
			d.state = dlCheck

		case dlCheck:
			if hit, err := d.checkHit(); err != nil || hit {
				return nil, err
			}
			key := d.cachePath
			if key == "" {
				key = d.dest
			}
			h, err := d.env.Locker.Acquire(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("lock %s: %w", d.id, err)
			}
			d.handle = h
			d.state = dlLocked

		case dlLocked:
			// Another process may have finished the same work while we waited.
			if hit, err := d.checkHit(); err != nil || hit {
				return nil, err
			}
			d.state = dlMetadata

		case dlMetadata:
			if d.meta == nil {
				return d.request(NeedMetadata), nil
			}
			if d.expected != nil {
				declared := digest.Find(d.meta.Digests(), d.expected.Algorithm)
				if digest.Compare(d.expected, declared) == digest.Mismatch {
					return nil, mismatch(object.ExpectedVsRemote, d.id, *d.expected, *declared)
				}
			}
			sink, err := newSink(d.dest)
			if err != nil {
				return nil, err
			}
			d.sink = sink
			d.state = dlTransfer
			return d.request(NeedTransfer), nil

		case dlTransfer:
			return nil, d.commit()

		default:
			return nil, fmt.Errorf("%w: download in state %d", errProtocol, d.state)
		}
	}
}

func (d *Download) request(kind RequestKind) *Request {
	d.wait.kind = kind
	req := &Request{Kind: kind, Identity: d.id}
	if d.meta != nil {
		req.Size = d.meta.Size
	}
	if kind == NeedTransfer {
		req.Sink = d.sink
	}
	return req
}

func (d *Download) accept(kind RequestKind, reply *Reply) error {
	if reply.Err != nil {
		return reply.Err
	}
	if kind == NeedMetadata {
		m := reply.Metadata
		d.meta = &m
		d.declared = digest.Preferred(m.Digests())
	}
	return nil
}

func (d *Download) prepare() error {
	if d.dest == "" {
		return fmt.Errorf("%w: empty path", object.ErrInvalidDestination)
	}
	if d.expected != nil && !digest.Supported(d.expected.Algorithm) {
		return fmt.Errorf("unsupported digest algorithm %q", d.expected.Algorithm)
	}
	abs, err := filepath.Abs(d.dest)
	if err != nil {
		return fmt.Errorf("%w: %v", object.ErrInvalidDestination, err)
	}
	d.dest = abs
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", object.ErrInvalidDestination, abs)
	}
	if err := cache.EnsureParent(abs); err != nil {
		return err
	}
	if d.env.Cache != nil {
		p, err := d.env.Cache.PathFor(d.id)
		if err != nil {
			return err
		}
		d.cachePath = p
	}
	return nil
}

// expectation is the digest a hit has to match.
func (d *Download) expectation() *digest.Digest {
	if d.expected != nil {
		return d.expected
	}
	return d.declared
}

func (d *Download) checkHit() (bool, error) {
	want := d.expectation()
	if want == nil {
		return false, nil
	}

	ok, err := matches(d.dest, *want)
	if err != nil {
		return false, fmt.Errorf("hash destination: %w", err)
	}
	if ok {
		d.backfill(*want)
		d.hit(SourceDestination, *want)
		return true, nil
	}

	if d.cachePath == "" {
		return false, nil
	}
	ok, err = matches(d.cachePath, *want)
	if err != nil {
		return false, fmt.Errorf("hash cache entry: %w", err)
	}
	if !ok {
		return false, nil
	}
	s, err := d.env.Cache.InstallToLocal(d.cachePath, d.dest)
	if err != nil {
		return false, err
	}
	d.log.Debug("installed from cache", zap.String("dest", d.dest), zap.String("strategy", string(s)))
	d.hit(SourceCache, *want)
	return true, nil
}

// backfill puts a verified destination into the cache when the cache lacks it.
func (d *Download) backfill(want digest.Digest) {
	if d.cachePath == "" {
		return
	}
	if ok, _ := matches(d.cachePath, want); ok {
		return
	}
	if _, err := d.env.Cache.InstallFromLocal(d.dest, d.cachePath); err != nil {
		d.log.Warn("cache backfill failed", zap.String("path", d.cachePath), zap.Error(err))
	}
}

func (d *Download) hit(source string, dg digest.Digest) {
	d.result = DownloadResult{Digest: dg, CacheHit: true, Source: source}
	d.env.Metrics.Hit(source)
	d.log.Debug("cache hit", zap.String("source", source), zap.Stringer("digest", dg))
}

// commit verifies the sink and moves it into place. The destination is never
// touched when verification fails.
func (d *Download) commit() error {
	if err := d.sink.close(); err != nil {
		return fmt.Errorf("close download file: %w", err)
	}

	var algs []string
	if d.declared != nil {
		algs = append(algs, d.declared.Algorithm)
	}
	if d.expected != nil && (d.declared == nil || d.declared.Algorithm != d.expected.Algorithm) {
		algs = append(algs, d.expected.Algorithm)
	}
	if len(algs) == 0 {
		algs = append(algs, digest.Preference[0])
	}
	local, err := digest.File(d.sink.Path(), algs...)
	if err != nil {
		return fmt.Errorf("hash download: %w", err)
	}

	if d.declared != nil {
		got := digest.Find(local, d.declared.Algorithm)
		if digest.Compare(d.declared, got) == digest.Mismatch {
			return mismatch(object.LocalVsRemote, d.id, *d.declared, *got)
		}
	}
	if d.expected != nil {
		got := digest.Find(local, d.expected.Algorithm)
		if digest.Compare(d.expected, got) == digest.Mismatch {
			return mismatch(object.LocalVsExpected, d.id, *d.expected, *got)
		}
	}

	if err := os.Chmod(d.sink.Path(), 0o644); err != nil {
		return err
	}
	if err := cache.MoveFile(d.sink.Path(), d.dest); err != nil {
		return fmt.Errorf("install download: %w", err)
	}
	d.sink = nil

	if d.cachePath != "" {
		if _, err := d.env.Cache.InstallFromLocal(d.dest, d.cachePath); err != nil {
			d.log.Warn("cache install failed", zap.String("path", d.cachePath), zap.Error(err))
		}
	}

	result := local[0]
	switch {
	case d.expected != nil:
		result = *d.expected
	case d.declared != nil:
		result = *d.declared
	}
	d.result = DownloadResult{Digest: result, Source: SourceRemote}
	d.env.Metrics.Miss()
	d.log.Debug("downloaded", zap.String("dest", d.dest), zap.Stringer("digest", result))
	return nil
}

func (d *Download) finish(err error) {
	if d.sink != nil {
		d.sink.discard()
		d.sink = nil
	}
	if d.handle != nil {
		if rerr := d.handle.Release(); rerr != nil {
			d.log.Warn("release lock", zap.Error(rerr))
		}
		d.handle = nil
	}
	d.state = dlDone
	d.err = err
}
