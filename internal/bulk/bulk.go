// Package bulk delegates large transfers to an external accelerator binary.
//
// The accelerator is only used when it is installed and reports a valid
// standing login; both are checked once per Accelerator. Callers treat any
// error from Download or Upload as "use the standard path instead".
//
// Command contract:
//
//	<bin> auth status                                    exit 0 when authenticated
//	<bin> cp --no-verify <uri> <dst>                     download
//	<bin> cp --no-verify [--meta k=v]... <src> <uri>     upload
//
// Lines of the form "progress <bytes>" on stdout or stderr are forwarded to
// the progress reporter. Integrity checking is disabled on the accelerator's
// side because every transfer is verified afterwards anyway.
package bulk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/blobsync/internal/object"
	"github.com/aweris/blobsync/internal/progress"
)

const (
	DefaultBinary    = "blobsync-accel"
	DefaultThreshold = 256 << 20

	authTimeout = 15 * time.Second
	tailLines   = 5
)

var ErrUnavailable = errors.New("bulk accelerator unavailable")

// Options configures an Accelerator.
type Options struct {
	Enabled   bool
	Binary    string
	Threshold int64
	Logger    *zap.Logger
}

// Accelerator runs the external transfer tool.
type Accelerator struct {
	enabled   bool
	binary    string
	threshold int64
	logger    *zap.Logger

	once    sync.Once
	binPath string
	ready   bool
}

// New returns an Accelerator. It never touches the filesystem until first use.
func New(opts Options) *Accelerator {
	a := &Accelerator{
		enabled:   opts.Enabled,
		binary:    opts.Binary,
		threshold: opts.Threshold,
		logger:    opts.Logger,
	}
	if a.binary == "" {
		a.binary = DefaultBinary
	}
	if a.threshold <= 0 {
		a.threshold = DefaultThreshold
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// Threshold returns the minimum object size for acceleration.
func (a *Accelerator) Threshold() int64 { return a.threshold }

// Applicable reports whether an object of size bytes should go through the
// accelerator.
func (a *Accelerator) Applicable(ctx context.Context, size int64) bool {
	if a == nil || !a.enabled || size < a.threshold {
		return false
	}
	return a.available(ctx)
}

func (a *Accelerator) available(ctx context.Context) bool {
	a.once.Do(func() {
		path, err := exec.LookPath(a.binary)
		if err != nil {
			a.logger.Debug("bulk accelerator not installed", zap.String("binary", a.binary))
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authTimeout)
		defer cancel()
		if out, err := exec.CommandContext(ctx, path, "auth", "status").CombinedOutput(); err != nil {
			a.logger.Info("bulk accelerator not authenticated",
				zap.String("binary", path), zap.ByteString("output", out), zap.Error(err))
			return
		}
		a.binPath = path
		a.ready = true
	})
	return a.ready
}

// URI is the accelerator's address of id.
func URI(id object.Identity) string {
	return "oci://" + id.String()
}

// Download fetches id into dst.
func (a *Accelerator) Download(ctx context.Context, id object.Identity, dst string, r progress.Reporter) error {
	if !a.available(ctx) {
		return ErrUnavailable
	}
	return a.run(ctx, id, r, "cp", "--no-verify", URI(id), dst)
}

// Upload pushes src to id with metadata attributes attached.
func (a *Accelerator) Upload(ctx context.Context, id object.Identity, src string, attrs map[string]string, r progress.Reporter) error {
	if !a.available(ctx) {
		return ErrUnavailable
	}
	args := []string{"cp", "--no-verify"}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--meta", k+"="+attrs[k])
	}
	args = append(args, src, URI(id))
	return a.run(ctx, id, r, args...)
}

func (a *Accelerator) run(ctx context.Context, id object.Identity, r progress.Reporter, args ...string) error {
	if r == nil {
		r = progress.Nop{}
	}
	cmd := exec.CommandContext(ctx, a.binPath, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("start %s: %w", a.binPath, err)
	}

	tail := make(chan []string, 1)
	go func() {
		tail <- scanOutput(pr, id.String(), r)
	}()

	err := cmd.Wait()
	pw.Close()
	lines := <-tail
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", a.binPath, args[0], err, strings.Join(lines, " | "))
	}
	return nil
}

// scanOutput forwards progress lines and returns the last few other lines.
func scanOutput(rd io.Reader, key string, r progress.Reporter) []string {
	var tail []string
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if n, ok := parseProgress(line); ok {
			r.Report(key, n)
			continue
		}
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	}
	// Drain anything the scanner refused (overlong lines) so the child never blocks.
	io.Copy(io.Discard, rd)
	return tail
}

func parseProgress(line string) (int64, bool) {
	rest, ok := strings.CutPrefix(line, "progress ")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
