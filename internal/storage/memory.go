package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryBackend keeps everything in process memory. Used by tests and by
// STORAGE_BACKEND=memory for local experiments.
type MemoryBackend struct {
	mu      sync.RWMutex
	chunks  map[string]map[int][]byte
	objects map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		chunks:  make(map[string]map[int][]byte),
		objects: make(map[string][]byte),
	}
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, errors.Wrapf(ErrShortWrite, "got %d bytes, want %d", len(data), size)
	}
	return data, nil
}

func (m *MemoryBackend) WriteChunk(ctx context.Context, path string, index int, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return errors.Wrapf(err, "write chunk %d of %s", index, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[path] == nil {
		m.chunks[path] = make(map[int][]byte)
	}
	m.chunks[path][index] = data
	return nil
}

func (m *MemoryBackend) OpenChunk(ctx context.Context, path string, index int) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.chunks[path][index]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d of %s", index, path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBackend) ChunkIndices(ctx context.Context, path string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	indices := make([]int, 0, len(m.chunks[path]))
	for i := range m.chunks[path] {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

func (m *MemoryBackend) DeleteChunks(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, path)
	return nil
}

func (m *MemoryBackend) PublishObject(ctx context.Context, path string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return errors.Wrapf(err, "publish %s", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return nil
}

func (m *MemoryBackend) ObjectExists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemoryBackend) DeleteObject(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

// Object returns a copy of a published object.
func (m *MemoryBackend) Object(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *MemoryBackend) Close() error {
	return nil
}
