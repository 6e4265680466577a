package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/aweris/blobsync/internal/digest"
	"github.com/aweris/blobsync/internal/object"
)

// Memory is an in-process Client. It counts calls so callers can assert
// how much traffic an operation caused.
type Memory struct {
	mu      sync.RWMutex
	objects map[object.Identity]memoryObject

	MetadataCalls atomic.Int64
	Reads         atomic.Int64
	Writes        atomic.Int64

	// OpenHook, when set, wraps every reader handed out by Open.
	OpenHook func(io.ReadCloser) io.ReadCloser
}

type memoryObject struct {
	data  []byte
	attrs map[string]string
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[object.Identity]memoryObject)}
}

// Put stores data with the given attributes, bypassing the call counters.
func (m *Memory) Put(id object.Identity, data []byte, attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = memoryObject{data: bytes.Clone(data), attrs: maps.Clone(attrs)}
}

// Get returns the stored bytes of id.
func (m *Memory) Get(id object.Identity) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[id]
	return o.data, ok
}

func (m *Memory) Metadata(_ context.Context, id object.Identity) (Metadata, error) {
	m.MetadataCalls.Add(1)
	m.mu.RLock()
	o, ok := m.objects[id]
	m.mu.RUnlock()
	if !ok {
		return Metadata{}, &object.NotFoundError{Identity: id}
	}
	sum := sha256.Sum256(o.data)
	return Metadata{
		Size:       int64(len(o.data)),
		ETag:       hex.EncodeToString(sum[:8]),
		Attributes: maps.Clone(o.attrs),
	}, nil
}

func (m *Memory) Open(_ context.Context, id object.Identity) (io.ReadCloser, error) {
	m.mu.RLock()
	o, ok := m.objects[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &object.NotFoundError{Identity: id}
	}
	m.Reads.Add(1)
	rc := io.NopCloser(bytes.NewReader(o.data))
	if m.OpenHook != nil {
		rc = m.OpenHook(rc)
	}
	return rc, nil
}

func (m *Memory) Write(_ context.Context, id object.Identity, src Opener, digests []digest.Digest) error {
	rc, err := src()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return &object.TransferError{Identity: id, Op: "write", Err: err}
	}
	m.Writes.Add(1)
	m.Put(id, data, digest.Attributes(digests))
	return nil
}
