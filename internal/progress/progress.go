// Package progress carries byte-count updates from transfers to a Reporter.
package progress

import (
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reporter receives cumulative byte counts keyed by object.
type Reporter interface {
	Report(key string, bytesSoFar int64)
}

// Nop discards every report.
type Nop struct{}

func (Nop) Report(string, int64) {}

// Func adapts a function to Reporter.
type Func func(key string, bytesSoFar int64)

func (f Func) Report(key string, n int64) { f(key, n) }

// Writer counts bytes written through it and reports the running total.
type Writer struct {
	w        io.Writer
	key      string
	reporter Reporter
	n        atomic.Int64
}

// NewWriter wraps w. A nil reporter is treated as Nop.
func NewWriter(w io.Writer, key string, r Reporter) *Writer {
	if r == nil {
		r = Nop{}
	}
	return &Writer{w: w, key: key, reporter: r}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.reporter.Report(pw.key, pw.n.Add(int64(n)))
	}
	return n, err
}

// Written returns the number of bytes written so far.
func (pw *Writer) Written() int64 { return pw.n.Load() }

// Reader counts bytes read through it and reports the running total.
type Reader struct {
	r        io.ReadCloser
	key      string
	reporter Reporter
	n        atomic.Int64
}

// NewReader wraps r. A nil reporter is treated as Nop.
func NewReader(r io.ReadCloser, key string, rep Reporter) *Reader {
	if rep == nil {
		rep = Nop{}
	}
	return &Reader{r: r, key: key, reporter: rep}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.reporter.Report(pr.key, pr.n.Add(int64(n)))
	}
	return n, err
}

func (pr *Reader) Close() error { return pr.r.Close() }

// Count returns the number of bytes read so far.
func (pr *Reader) Count() int64 { return pr.n.Load() }

// DefaultInterval is the minimum spacing between forwarded reports.
const DefaultInterval = 250 * time.Millisecond

// Throttled forwards at most one report per interval. The first report is
// always forwarded.
type Throttled struct {
	next     Reporter
	interval time.Duration
	now      func() time.Time
	last     atomic.Int64
}

// NewThrottled wraps next.
func NewThrottled(next Reporter, interval time.Duration) *Throttled {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttled{next: next, interval: interval, now: time.Now}
}

func (t *Throttled) Report(key string, n int64) {
	now := t.now().UnixNano()
	prev := t.last.Load()
	if prev != 0 && now-prev < int64(t.interval) {
		return
	}
	if t.last.CompareAndSwap(prev, now) {
		t.next.Report(key, n)
	}
}

// Logger reports progress as debug log lines.
type Logger struct {
	Log *zap.Logger
}

func (l Logger) Report(key string, n int64) {
	l.Log.Debug("transfer progress", zap.String("object", key), zap.Int64("bytes", n))
}
