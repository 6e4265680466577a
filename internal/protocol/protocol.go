// Package protocol implements verified download and upload as explicit state
// machines.
//
// A machine performs all local work itself: hashing, locking, cache
// installation and the final rename. Whenever it needs the remote store it
// suspends and returns a Request. The driver satisfies the request and hands
// the outcome back through Advance. Run drives a machine to completion on the
// calling goroutine; Go runs it in the background and returns a Future. Both
// share Transport.Serve, so the two execution models behave identically.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/cache"
	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/lock"
	"github.com/aweris/blobsync/internal/metrics"
	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/remote"
)

// RequestKind names the external resource a machine is waiting for.
type RequestKind int

const (
	// NeedMetadata asks for the remote object's metadata.
	NeedMetadata RequestKind = iota + 1
	// NeedTransfer asks for bytes to be moved: into Request.Sink for
	// downloads, from Request.Source for uploads.
	NeedTransfer
)

func (k RequestKind) String() string {
	switch k {
	case NeedMetadata:
		return "metadata"
	case NeedTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Request is issued by a machine when it suspends.
type Request struct {
	Kind     RequestKind
	Identity object.Identity
	// Size is the expected number of bytes to move, when known.
	Size int64

	Sink *Sink

	Source  string
	Digests []digest.Digest
}

// Reply carries the outcome of a Request back into the machine.
type Reply struct {
	Metadata remote.Metadata
	Err      error
}

// Machine is a resumable operation producing T.
type Machine[T any] interface {
	// Advance runs local steps until the machine needs a resource or
	// finishes. The first call passes a nil reply; every later call passes
	// the reply to the previous request. A nil request with a nil error
	// means the machine is done and Result is valid.
	Advance(ctx context.Context, reply *Reply) (*Request, error)
	Result() T
}

// Env holds the local resources shared by machines.
type Env struct {
	// Cache is the shared cache; nil disables it.
	Cache   *cache.Cache
	Locker  *lock.Locker
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

var errProtocol = errors.New("protocol violation")

// pending tracks the single outstanding request of a machine.
type pending struct {
	kind RequestKind
}

func (p *pending) take(reply *Reply) (RequestKind, error) {
	kind := p.kind
	switch {
	case reply != nil && kind == 0:
		return 0, fmt.Errorf("%w: reply without a request", errProtocol)
	case reply == nil && kind != 0:
		return 0, fmt.Errorf("%w: missing reply to %s request", errProtocol, kind)
	}
	p.kind = 0
	return kind, nil
}

// Sink is the writable byte destination of a download: a temporary file next
// to the final destination. It only becomes visible at the destination path
// once its contents are verified.
type Sink struct {
	path string
	f    *os.File
}

func newSink(dest string) (*Sink, error) {
	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".partial-*")
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}
	return &Sink{path: f.Name(), f: f}, nil
}

func (s *Sink) Write(p []byte) (int, error) {
	if s.f == nil {
		return 0, os.ErrClosed
	}
	return s.f.Write(p)
}

// Path is the on-disk location of the sink. External tools may write to it
// directly.
func (s *Sink) Path() string { return s.path }

// Reset truncates the sink so a transfer can start over.
func (s *Sink) Reset() error {
	if s.f != nil {
		s.f.Close()
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = f
	return nil
}

func (s *Sink) close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *Sink) discard() {
	s.close()
	os.Remove(s.path)
}

// matches reports whether path is a regular file whose digest equals want.
// A missing file is not an error. Read failures are.
func matches(path string, want digest.Digest) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}
	got, err := digest.FileDigest(path, want.Algorithm)
	if err != nil {
		return false, err
	}
	return digest.Compare(&want, &got) == digest.Match, nil
}

func mismatch(kind object.MismatchKind, id object.Identity, want, got digest.Digest) error {
	return &object.DigestMismatchError{
		Kind:      kind,
		Identity:  id,
		Algorithm: want.Algorithm,
		Expected:  want.Hex(),
		Actual:    got.Hex(),
	}
}
