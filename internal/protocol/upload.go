package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/remote"
)

// DefaultUploadAlgorithms are the digests attached to uploaded objects.
var DefaultUploadAlgorithms = digest.Preference

// UploadParams describes one verified upload.
type UploadParams struct {
	Identity object.Identity
	// Source is a local regular file.
	Source string
	// Algorithms overrides DefaultUploadAlgorithms.
	Algorithms []string
	// WriteThrough also places the source in the shared cache.
	WriteThrough bool
}

// UploadResult describes a completed upload.
type UploadResult struct {
	Digest digest.Digest
	// Skipped is set when the remote already held matching content.
	Skipped bool
}

type uploadState int

const (
	upStart uploadState = iota
	upCompare
	upTransfer
	upVerify
	upDone
)

// Upload makes the remote object Identity hold the content of Source.
type Upload struct {
	env    Env
	log    *zap.Logger
	params UploadParams

	state  uploadState
	wait   pending
	size   int64
	local  []digest.Digest
	meta   *remote.Metadata
	absent bool

	result UploadResult
	err    error
}

// NewUpload returns a machine for p. Nothing happens until Advance.
func NewUpload(env Env, p UploadParams) *Upload {
	if len(p.Algorithms) == 0 {
		p.Algorithms = DefaultUploadAlgorithms
	}
	return &Upload{
		env:    env,
		log:    env.logger().With(zap.Stringer("object", p.Identity)),
		params: p,
	}
}

// Result returns the outcome after Advance reported completion.
func (u *Upload) Result() UploadResult { return u.result }

func (u *Upload) Advance(ctx context.Context, reply *Reply) (*Request, error) {
	if u.state == upDone {
		return nil, u.err
	}
	req, err := u.step(ctx, reply)
	if err != nil || req == nil {
		u.state = upDone
		u.err = err
		return nil, err
	}
	return req, nil
}

func (u *Upload) step(ctx context.Context, reply *Reply) (*Request, error) {
	kind, err := u.wait.take(reply)
	if err != nil {
		return nil, err
	}
	if kind != 0 {
		if err := u.accept(kind, reply); err != nil {
			return nil, err
		}
	}

	for {
		switch u.state {
		case upStart:
			if err := u.hashSource(); err != nil {
				return nil, err
			}
			u.state = upCompare
			return u.request(NeedMetadata), nil

		case upCompare:
			skip, err := u.remoteMatches()
			if err != nil {
				return nil, err
			}
			if skip {
				u.env.Metrics.UploadSkipped()
				u.log.Debug("remote already up to date")
				u.finish(ctx, true)
				return nil, nil
			}
			u.state = upTransfer
			return u.request(NeedTransfer), nil

		case upTransfer:
			u.meta, u.absent = nil, false
			u.state = upVerify
			return u.request(NeedMetadata), nil

		case upVerify:
			if err := u.verifyRemote(); err != nil {
				return nil, err
			}
			u.log.Debug("uploaded", zap.Int64("size", u.size))
			u.finish(ctx, false)
			return nil, nil

		default:
			return nil, fmt.Errorf("%w: upload in state %d", errProtocol, u.state)
		}
	}
}

func (u *Upload) request(kind RequestKind) *Request {
	u.wait.kind = kind
	req := &Request{Kind: kind, Identity: u.params.Identity, Size: u.size}
	if kind == NeedTransfer {
		req.Source = u.params.Source
		req.Digests = u.local
	}
	return req
}

func (u *Upload) accept(kind RequestKind, reply *Reply) error {
	if kind == NeedMetadata {
		if errors.Is(reply.Err, object.ErrNotFound) {
			u.absent = true
			return nil
		}
		if reply.Err != nil {
			return reply.Err
		}
		m := reply.Metadata
		u.meta = &m
		return nil
	}
	return reply.Err
}

func (u *Upload) hashSource() error {
	info, err := os.Stat(u.params.Source)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("upload source %s is not a regular file", u.params.Source)
	}
	u.size = info.Size()
	ds, err := digest.File(u.params.Source, u.params.Algorithms...)
	if err != nil {
		return fmt.Errorf("hash upload source: %w", err)
	}
	u.local = digest.Sort(ds)
	return nil
}

// remoteMatches compares the source with the remote's most trusted declared
// digest.
func (u *Upload) remoteMatches() (bool, error) {
	if u.absent || u.meta == nil {
		return false, nil
	}
	declared := digest.Preferred(u.meta.Digests())
	if declared == nil {
		return false, nil
	}
	local, err := u.localIn(declared.Algorithm)
	if err != nil {
		return false, err
	}
	return digest.Compare(declared, local) == digest.Match, nil
}

// verifyRemote checks what the store declares after the transfer: every
// declared digest the source was hashed in must match, and the most trusted
// one is always checked.
func (u *Upload) verifyRemote() error {
	if u.absent || u.meta == nil {
		return &object.TransferError{Identity: u.params.Identity, Op: "verify", Err: &object.NotFoundError{Identity: u.params.Identity}}
	}
	declared := u.meta.Digests()
	if pref := digest.Preferred(declared); pref != nil {
		if _, err := u.localIn(pref.Algorithm); err != nil {
			return err
		}
	}
	for i := range declared {
		local := digest.Find(u.local, declared[i].Algorithm)
		if local == nil {
			continue
		}
		if digest.Compare(&declared[i], local) != digest.Match {
			return mismatch(object.LocalVsRemote, u.params.Identity, *local, declared[i])
		}
	}
	return nil
}

// localIn returns the source digest in alg, hashing the source again when
// alg was not computed up front.
func (u *Upload) localIn(alg string) (*digest.Digest, error) {
	if d := digest.Find(u.local, alg); d != nil {
		return d, nil
	}
	d, err := digest.FileDigest(u.params.Source, alg)
	if err != nil {
		return nil, fmt.Errorf("hash upload source: %w", err)
	}
	u.local = append(u.local, d)
	return &u.local[len(u.local)-1], nil
}

func (u *Upload) finish(ctx context.Context, skipped bool) {
	u.result = UploadResult{Digest: u.local[0], Skipped: skipped}
	if u.params.WriteThrough {
		if err := u.writeThrough(ctx); err != nil {
			u.log.Warn("cache write-through failed", zap.Error(err))
		}
	}
}

func (u *Upload) writeThrough(ctx context.Context) error {
	if u.env.Cache == nil {
		return nil
	}
	path, err := u.env.Cache.PathFor(u.params.Identity)
	if err != nil {
		return err
	}
	h, err := u.env.Locker.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer h.Release()

	if ok, err := matches(path, u.local[0]); err != nil || ok {
		return err
	}
	_, err = u.env.Cache.InstallFromLocal(u.params.Source, path)
	return err
}
