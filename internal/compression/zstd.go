// Package compression streams blob payloads through zstd.
package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Levels mirror the CLI's 1..3 scale.
const (
	LevelFastest = 1
	LevelDefault = 2
	LevelBetter  = 3
)

func encoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}

// Compress copies src into dst as a zstd stream and returns the number of
// uncompressed bytes read.
func Compress(dst io.Writer, src io.Reader, level int) (int64, error) {
	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(encoderLevel(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(enc, src)
	if err != nil {
		enc.Close()
		return n, err
	}
	return n, enc.Close()
}

type decodeReadCloser struct {
	dec *zstd.Decoder
	src io.Closer
}

func (d *decodeReadCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodeReadCloser) Close() error {
	d.dec.Close()
	if d.src != nil {
		return d.src.Close()
	}
	return nil
}

// NewReader decodes a zstd stream. Closing it also closes src.
func NewReader(src io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &decodeReadCloser{dec: dec, src: src}, nil
}
