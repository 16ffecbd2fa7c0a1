package upload

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()

	s1, created, err := r.GetOrCreate("a.bin", 5, 1000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, s1.ID())

	s2, created, err := r.GetOrCreate("a.bin", 5, 1000)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s1, s2)
}

func TestRegistrySizeMismatchLeavesSessionUntouched(t *testing.T) {
	r := NewRegistry()

	s, _, err := r.GetOrCreate("a.bin", 5, 1000)
	require.NoError(t, err)
	_, err = s.Record(0, rng(0, 199))
	require.NoError(t, err)
	before := s.Snapshot()

	_, _, err = r.GetOrCreate("a.bin", 6, 1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSizeMismatch))

	_, _, err = r.GetOrCreate("a.bin", 5, 1001)
	assert.True(t, errors.Is(err, domain.ErrSizeMismatch))

	got, ok := r.Get("a.bin")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, before, got.Snapshot())
}

func TestRegistryRejectsBadParameters(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.GetOrCreate("f", 0, 10)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, _, err = r.GetOrCreate("f", 1, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidRange))

	_, _, err = r.GetOrCreate("f", 11, 10)
	assert.True(t, errors.Is(err, domain.ErrInvalidRange))

	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveOnlyMatchingSession(t *testing.T) {
	r := NewRegistry()
	old, _, err := r.GetOrCreate("f", 1, 10)
	require.NoError(t, err)
	require.True(t, r.Remove("f", old))

	fresh, _, err := r.GetOrCreate("f", 1, 10)
	require.NoError(t, err)

	assert.False(t, r.Remove("f", old))
	got, ok := r.Get("f")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.Remove("f", nil))
	assert.False(t, r.Remove("f", nil))
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	for _, p := range []string{"c", "a/b", "b", "a"} {
		_, _, err := r.GetOrCreate(p, 1, 1)
		require.NoError(t, err)
	}

	var paths []string
	for _, snap := range r.Snapshot() {
		paths = append(paths, snap.Path)
	}
	assert.Equal(t, []string{"a", "a/b", "b", "c"}, paths)
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	sessions := make([]*Session, 64)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := r.GetOrCreate(fmt.Sprintf("obj-%d", i%4), 2, 20)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, r.Len())
	for i, s := range sessions {
		assert.Same(t, sessions[i%4], s)
	}
}

func TestRegistryRemoveCompletedBefore(t *testing.T) {
	r := NewRegistry()

	done, _, err := r.GetOrCreate("done", 1, 4)
	require.NoError(t, err)
	_, err = done.Record(0, rng(0, 3))
	require.NoError(t, err)
	require.NoError(t, done.Complete())

	_, _, err = r.GetOrCreate("pending", 2, 4)
	require.NoError(t, err)

	assert.Empty(t, r.RemoveCompletedBefore(time.Now().Add(-time.Hour)))
	assert.Equal(t, 2, r.Len())

	removed := r.RemoveCompletedBefore(time.Now().Add(time.Second))
	require.Len(t, removed, 1)
	assert.Equal(t, "done", removed[0].Path)

	_, ok := r.Get("done")
	assert.False(t, ok)
	_, ok = r.Get("pending")
	assert.True(t, ok)
}

func TestRegistryRestore(t *testing.T) {
	r := NewRegistry()
	s, err := RestoreSession(domain.SessionSnapshot{
		ID: "x", Path: "f", TotalChunks: 1, SizeBytes: 3, State: domain.StateUploading,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Restore(s))
	assert.True(t, errors.Is(r.Restore(s), domain.ErrConflict))
}
