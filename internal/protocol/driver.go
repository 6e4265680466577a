package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/bulk"
	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/metrics"
	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/progress"
	"github.com/aweris/blobsync/internal/remote"
)

// DefaultChunkSize is the copy buffer used for standard transfers.
const DefaultChunkSize = 8 << 20

// Transport satisfies machine requests against a remote store.
type Transport struct {
	Remote remote.Client
	// Bulk is optional. Failed bulk transfers fall back to the standard path.
	Bulk      *bulk.Accelerator
	ChunkSize int
	Reporter  progress.Reporter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Serve performs req and reports the outcome.
func (t *Transport) Serve(ctx context.Context, req *Request) Reply {
	switch req.Kind {
	case NeedMetadata:
		m, err := t.Remote.Metadata(ctx, req.Identity)
		return Reply{Metadata: m, Err: err}
	case NeedTransfer:
		if req.Sink != nil {
			return Reply{Err: t.download(ctx, req)}
		}
		return Reply{Err: t.upload(ctx, req)}
	default:
		return Reply{Err: fmt.Errorf("%w: unknown request %s", errProtocol, req.Kind)}
	}
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

func (t *Transport) reporter() progress.Reporter {
	if t.Reporter == nil {
		return progress.Nop{}
	}
	return t.Reporter
}

func (t *Transport) download(ctx context.Context, req *Request) error {
	if t.Bulk.Applicable(ctx, req.Size) {
		err := t.Bulk.Download(ctx, req.Identity, req.Sink.Path(), t.reporter())
		if err == nil {
			t.Metrics.Transferred("download", req.Size)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.Metrics.BulkFallback()
		t.logger().Warn("bulk download failed, using standard transfer",
			zap.Stringer("object", req.Identity), zap.Error(err))
		if err := req.Sink.Reset(); err != nil {
			return fmt.Errorf("reset download file: %w", err)
		}
	}

	rc, err := t.Remote.Open(ctx, req.Identity)
	if err != nil {
		return err
	}
	defer rc.Close()

	size := t.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	w := progress.NewWriter(req.Sink, req.Identity.String(), t.reporter())
	_, err = io.CopyBuffer(w, rc, make([]byte, size))
	t.Metrics.Transferred("download", w.Written())
	if err != nil {
		return transferError(req.Identity, "read", err)
	}
	return nil
}

func (t *Transport) upload(ctx context.Context, req *Request) error {
	if t.Bulk.Applicable(ctx, req.Size) {
		err := t.Bulk.Upload(ctx, req.Identity, req.Source, digest.Attributes(req.Digests), t.reporter())
		if err == nil {
			t.Metrics.Transferred("upload", req.Size)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.Metrics.BulkFallback()
		t.logger().Warn("bulk upload failed, using standard transfer",
			zap.Stringer("object", req.Identity), zap.Error(err))
	}

	var last *progress.Reader
	open := func() (io.ReadCloser, error) {
		rc, err := remote.FileOpener(req.Source)()
		if err != nil {
			return nil, err
		}
		last = progress.NewReader(rc, req.Identity.String(), t.reporter())
		return last, nil
	}
	if err := t.Remote.Write(ctx, req.Identity, open, req.Digests); err != nil {
		return transferError(req.Identity, "write", err)
	}
	if last != nil {
		t.Metrics.Transferred("upload", last.Count())
	}
	return nil
}

func transferError(id object.Identity, op string, err error) error {
	var te *object.TransferError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &object.TransferError{Identity: id, Op: op, Err: err}
}

// Run drives m to completion on the calling goroutine.
func Run[T any](ctx context.Context, m Machine[T], t *Transport) (T, error) {
	var reply *Reply
	for {
		req, err := m.Advance(ctx, reply)
		if err != nil {
			var zero T
			return zero, err
		}
		if req == nil {
			return m.Result(), nil
		}
		r := t.Serve(ctx, req)
		reply = &r
	}
}

// Go drives m on a new goroutine. The caller is free to do other work and
// collect the outcome from the returned Future.
func Go[T any](ctx context.Context, m Machine[T], t *Transport) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = Run(ctx, m, t)
	}()
	return f
}

// Future is the pending outcome of a machine started with Go.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the machine has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the machine finishes or ctx is done. Giving up on the
// wait does not stop the machine; cancel the context passed to Go for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
