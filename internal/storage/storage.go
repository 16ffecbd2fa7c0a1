package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a chunk or object does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrShortWrite is returned when a reader yields a different number of bytes
// than the caller declared.
var ErrShortWrite = errors.New("storage: payload length does not match declared size")

// Backend is the storage service chunks and final objects live in.
//
// WriteChunk and PublishObject are atomic: readers see either nothing (or the
// previous payload) or the complete new payload. A reader error aborts the
// write.
type Backend interface {
	WriteChunk(ctx context.Context, path string, index int, r io.Reader, size int64) error
	OpenChunk(ctx context.Context, path string, index int) (io.ReadCloser, error)
	// ChunkIndices returns the stored chunk indices in ascending order.
	ChunkIndices(ctx context.Context, path string) ([]int, error)
	DeleteChunks(ctx context.Context, path string) error

	PublishObject(ctx context.Context, path string, r io.Reader, size int64) error
	ObjectExists(ctx context.Context, path string) (bool, error)
	DeleteObject(ctx context.Context, path string) error

	Close() error
}

// chunkDir flattens an object path into a single key segment so that the
// chunks of "a" and "a/b" never share a prefix.
func chunkDir(path string) string {
	return url.QueryEscape(path)
}

func chunkName(index int) string {
	return fmt.Sprintf("%08d", index)
}

func parseChunkName(name string) (int, bool) {
	name = strings.TrimSuffix(name, chunkFileSuffix)
	if name == "" {
		return 0, false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return i, true
}

const chunkFileSuffix = ".part"

// joinKey joins prefix segments without doubling slashes.
func joinKey(prefix string, parts ...string) string {
	key := strings.TrimSuffix(prefix, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if key == "" {
			key = p
		} else {
			key = key + "/" + p
		}
	}
	return key
}
