package blobsync

import (
	"fmt"
	"io"
	"os"
)

// Source is the content of an upload.
type Source interface {
	// materialize returns a local file holding the content and a func that
	// releases it.
	materialize(tmpDir string) (string, func(), error)
}

// FileSource uploads the file at path.
func FileSource(path string) Source { return fileSource(path) }

type fileSource string

func (s fileSource) materialize(string) (string, func(), error) {
	return string(s), func() {}, nil
}

// ReaderSource uploads everything read from r. The content is spooled to a
// temporary file first so it can be hashed and read more than once.
func ReaderSource(r io.Reader) Source { return readerSource{r: r} }

type readerSource struct {
	r io.Reader
}

func (s readerSource) materialize(tmpDir string) (string, func(), error) {
	f, err := os.CreateTemp(tmpDir, "blobsync-upload-*")
	if err != nil {
		return "", nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := io.Copy(f, s.r); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}
