package storage

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MinioOptions encapsulates the connection info for MinIO / S3-compatible
// storage.
type MinioOptions struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	UseSSL       bool
	ChunkPrefix  string
	ObjectPrefix string
}

// MinioBackend stores chunks and objects in one bucket under separate
// prefixes.
type MinioBackend struct {
	client       *minio.Client
	bucket       string
	chunkPrefix  string
	objectPrefix string
}

// NewMinioBackend connects to the endpoint and creates the bucket when it is
// missing.
func NewMinioBackend(ctx context.Context, opts MinioOptions) (*MinioBackend, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("minio endpoint must be provided")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("minio credentials must be provided")
	}
	if opts.Bucket == "" {
		return nil, errors.New("minio bucket must be provided")
	}

	endpoint := opts.Endpoint
	secure := opts.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}

	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(strings.TrimSuffix(endpoint, "/"), &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", opts.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", opts.Bucket)
		}
		log.Info().Str("bucket", opts.Bucket).Msg("created storage bucket")
	}

	chunkPrefix := opts.ChunkPrefix
	if chunkPrefix == "" {
		chunkPrefix = "chunks"
	}

	return &MinioBackend{
		client:       client,
		bucket:       opts.Bucket,
		chunkPrefix:  chunkPrefix,
		objectPrefix: opts.ObjectPrefix,
	}, nil
}

func (b *MinioBackend) chunkKeyPrefix(path string) string {
	return joinKey(b.chunkPrefix, chunkDir(path)) + "/"
}

func (b *MinioBackend) chunkKey(path string, index int) string {
	return joinKey(b.chunkPrefix, chunkDir(path), chunkName(index))
}

func (b *MinioBackend) objectKey(path string) string {
	return joinKey(b.objectPrefix, path)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (b *MinioBackend) put(ctx context.Context, key string, r io.Reader, size int64) error {
	info, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "minio put %s/%s", b.bucket, key)
	}
	if info.Size != size {
		return errors.Wrapf(ErrShortWrite, "minio put %s/%s: stored %d bytes, want %d", b.bucket, key, info.Size, size)
	}
	return nil
}

func (b *MinioBackend) WriteChunk(ctx context.Context, path string, index int, r io.Reader, size int64) error {
	return b.put(ctx, b.chunkKey(path, index), r, size)
}

func (b *MinioBackend) OpenChunk(ctx context.Context, path string, index int) (io.ReadCloser, error) {
	key := b.chunkKey(path, index)
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "minio get %s/%s", b.bucket, key)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, errors.Wrapf(ErrNotFound, "chunk %d of %s", index, path)
		}
		return nil, errors.Wrapf(err, "minio stat %s/%s", b.bucket, key)
	}
	return obj, nil
}

func (b *MinioBackend) listChunkKeys(ctx context.Context, path string) ([]string, error) {
	prefix := b.chunkKeyPrefix(path)
	var keys []string
	for info := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, errors.Wrapf(info.Err, "minio list %s/%s", b.bucket, prefix)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (b *MinioBackend) ChunkIndices(ctx context.Context, path string) ([]int, error) {
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

func (b *MinioBackend) DeleteChunks(ctx context.Context, path string) error {
	keys, err := b.listChunkKeys(ctx, path)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	var firstErr error
	for rErr := range b.client.RemoveObjects(ctx, b.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if firstErr == nil {
			firstErr = errors.Wrapf(rErr.Err, "minio remove %s/%s", b.bucket, rErr.ObjectName)
		}
	}
	return firstErr
}

// PublishObject relies on S3 semantics: a PUT (single or multipart) only
// becomes visible once it completed.
func (b *MinioBackend) PublishObject(ctx context.Context, path string, r io.Reader, size int64) error {
	return b.put(ctx, b.objectKey(path), r, size)
}

func (b *MinioBackend) ObjectExists(ctx context.Context, path string) (bool, error) {
	key := b.objectKey(path)
	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "minio stat %s/%s", b.bucket, key)
}

func (b *MinioBackend) DeleteObject(ctx context.Context, path string) error {
	key := b.objectKey(path)
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return errors.Wrapf(err, "minio remove %s/%s", b.bucket, key)
	}
	return nil
}

func (b *MinioBackend) Close() error {
	return nil
}
