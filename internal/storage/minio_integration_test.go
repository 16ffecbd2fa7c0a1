//go:build integration

package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
)

const minioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"

func startMinio(t *testing.T) *tcminio.MinioContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcminio.Run(ctx, minioImage,
		tcminio.WithUsername("chunkup"),
		tcminio.WithPassword("chunkup-secret"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "failed to start minio container")
	return ctr
}

func TestMinioBackend(t *testing.T) {
	ctr := startMinio(t)
	endpoint, err := ctr.ConnectionString(context.Background())
	require.NoError(t, err)

	var bucketSeq atomic.Int32
	runBackendSuite(t, func(t *testing.T) Backend {
		// A fresh bucket per subtest keeps them independent.
		b, err := NewMinioBackend(context.Background(), MinioOptions{
			Endpoint:     "http://" + endpoint,
			AccessKey:    ctr.Username,
			SecretKey:    ctr.Password,
			Bucket:       fmt.Sprintf("suite-%d", bucketSeq.Add(1)),
			ChunkPrefix:  "chunks",
			ObjectPrefix: "objects",
		})
		require.NoError(t, err)
		return b
	})
}
