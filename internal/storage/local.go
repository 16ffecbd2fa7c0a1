package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// LocalBackend keeps chunks and objects on the local filesystem.
//
//	<root>/chunks/<escaped path>/<index>.part
//	<root>/objects/<path>
type LocalBackend struct {
	chunkRoot  string
	objectRoot string
}

// NewLocalBackend creates the directory layout under root.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local storage root must be provided")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve storage root %s", root)
	}

	b := &LocalBackend{
		chunkRoot:  filepath.Join(abs, "chunks"),
		objectRoot: filepath.Join(abs, "objects"),
	}
	for _, dir := range []string{b.chunkRoot, b.objectRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create storage dir %s", dir)
		}
	}
	return b, nil
}

func (b *LocalBackend) chunkPath(path string, index int) string {
	return filepath.Join(b.chunkRoot, chunkDir(path), chunkName(index)+chunkFileSuffix)
}

func (b *LocalBackend) objectPath(path string) (string, error) {
	p := filepath.Join(b.objectRoot, filepath.FromSlash(path))
	if !strings.HasPrefix(p, b.objectRoot+string(filepath.Separator)) {
		return "", errors.Errorf("object path %q escapes storage root", path)
	}
	return p, nil
}

func (b *LocalBackend) WriteChunk(ctx context.Context, path string, index int, r io.Reader, size int64) error {
	dest := b.chunkPath(path, index)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "create chunk dir for %s", path)
	}
	return writeAtomically(ctx, dest, r, size)
}

func (b *LocalBackend) OpenChunk(ctx context.Context, path string, index int) (io.ReadCloser, error) {
	f, err := os.Open(b.chunkPath(path, index))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d of %s", index, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open chunk %d of %s", index, path)
	}
	return f, nil
}

func (b *LocalBackend) ChunkIndices(ctx context.Context, path string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(b.chunkRoot, chunkDir(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list chunks of %s", path)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkFileSuffix) {
			continue
		}
		if i, ok := parseChunkName(e.Name()); ok {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func (b *LocalBackend) DeleteChunks(ctx context.Context, path string) error {
	if err := os.RemoveAll(filepath.Join(b.chunkRoot, chunkDir(path))); err != nil {
		return errors.Wrapf(err, "delete chunks of %s", path)
	}
	return nil
}

func (b *LocalBackend) PublishObject(ctx context.Context, path string, r io.Reader, size int64) error {
	dest, err := b.objectPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "create object dir for %s", path)
	}
	return writeAtomically(ctx, dest, r, size)
}

func (b *LocalBackend) ObjectExists(ctx context.Context, path string) (bool, error) {
	dest, err := b.objectPath(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat object %s", path)
	}
	return true, nil
}

func (b *LocalBackend) DeleteObject(ctx context.Context, path string) error {
	dest, err := b.objectPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete object %s", path)
	}
	return nil
}

func (b *LocalBackend) Close() error {
	return nil
}

// writeAtomically copies r into a pending file next to dest and renames it
// into place only when exactly size bytes were written.
func writeAtomically(ctx context.Context, dest string, r io.Reader, size int64) error {
	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return errors.Wrapf(err, "create pending file for %s", dest)
	}
	defer pending.Cleanup()

	n, err := io.Copy(pending, contextReader{ctx: ctx, r: r})
	if err != nil {
		return errors.Wrapf(err, "write %s", dest)
	}
	if n != size {
		return errors.Wrapf(ErrShortWrite, "write %s: got %d bytes, want %d", dest, n, size)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.Wrapf(err, "publish %s", dest)
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
