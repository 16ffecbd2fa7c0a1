package storage

import (
	"context"
	"io"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions configures the Google Cloud Storage backend.
type GCSOptions struct {
	Bucket          string
	CredentialsFile string
	ChunkPrefix     string
	ObjectPrefix    string
}

// GCSBackend stores chunks and objects in a Google Cloud Storage bucket.
type GCSBackend struct {
	client       *gcs.Client
	bucket       *gcs.BucketHandle
	bucketName   string
	chunkPrefix  string
	objectPrefix string
}

// NewGCSBackend uses application default credentials unless a credentials
// file is configured.
func NewGCSBackend(ctx context.Context, opts GCSOptions) (*GCSBackend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("gcs bucket must be provided")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}

	chunkPrefix := opts.ChunkPrefix
	if chunkPrefix == "" {
		chunkPrefix = "chunks"
	}

	return &GCSBackend{
		client:       client,
		bucket:       client.Bucket(opts.Bucket),
		bucketName:   opts.Bucket,
		chunkPrefix:  chunkPrefix,
		objectPrefix: opts.ObjectPrefix,
	}, nil
}

func (b *GCSBackend) chunkKeyPrefix(path string) string {
	return joinKey(b.chunkPrefix, chunkDir(path)) + "/"
}

func (b *GCSBackend) chunkKey(path string, index int) string {
	return joinKey(b.chunkPrefix, chunkDir(path), chunkName(index))
}

func (b *GCSBackend) objectKey(path string) string {
	return joinKey(b.objectPrefix, path)
}

// put streams r into key. The object only appears when the writer closes
// cleanly; cancelling the writer's context abandons the upload.
func (b *GCSBackend) put(ctx context.Context, key string, r io.Reader, size int64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.bucket.Object(key).NewWriter(wctx)
	w.ContentType = "application/octet-stream"

	n, err := io.Copy(w, r)
	if err == nil && n != size {
		err = errors.Wrapf(ErrShortWrite, "got %d bytes, want %d", n, size)
	}
	if err != nil {
		cancel()
		_ = w.Close()
		return errors.Wrapf(err, "gcs write %s/%s", b.bucketName, key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "gcs close %s/%s", b.bucketName, key)
	}
	return nil
}

func (b *GCSBackend) WriteChunk(ctx context.Context, path string, index int, r io.Reader, size int64) error {
	return b.put(ctx, b.chunkKey(path, index), r, size)
}

func (b *GCSBackend) OpenChunk(ctx context.Context, path string, index int) (io.ReadCloser, error) {
	key := b.chunkKey(path, index)
	rc, err := b.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d of %s", index, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "gcs read %s/%s", b.bucketName, key)
	}
	return rc, nil
}

func (b *GCSBackend) listChunkKeys(ctx context.Context, path string) ([]string, error) {
	prefix := b.chunkKeyPrefix(path)
	it := b.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "gcs list %s/%s", b.bucketName, prefix)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *GCSBackend) ChunkIndices(ctx context.Context, path string) ([]int, error) {
	keys, err := b.listChunkKeys(ctx, path)
	if err != nil {
		return nil, err
	}
	prefix := b.chunkKeyPrefix(path)
	indices := make([]int, 0, len(keys))
	for _, key := range keys {
		if i, ok := parseChunkName(strings.TrimPrefix(key, prefix)); ok {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func (b *GCSBackend) DeleteChunks(ctx context.Context, path string) error {
	keys, err := b.listChunkKeys(ctx, path)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.bucket.Object(key).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return errors.Wrapf(err, "gcs delete %s/%s", b.bucketName, key)
		}
	}
	return nil
}

func (b *GCSBackend) PublishObject(ctx context.Context, path string, r io.Reader, size int64) error {
	return b.put(ctx, b.objectKey(path), r, size)
}

func (b *GCSBackend) ObjectExists(ctx context.Context, path string) (bool, error) {
	key := b.objectKey(path)
	_, err := b.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "gcs attrs %s/%s", b.bucketName, key)
	}
	return true, nil
}

func (b *GCSBackend) DeleteObject(ctx context.Context, path string) error {
	key := b.objectKey(path)
	if err := b.bucket.Object(key).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return errors.Wrapf(err, "gcs delete %s/%s", b.bucketName, key)
	}
	return nil
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
