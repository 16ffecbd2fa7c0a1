package upload

import (
	"context"
	"errors"
	"io"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/storage"
	"github.com/rs/zerolog/log"
)

var (
	errPayloadTooLong  = errors.New("payload is longer than its Content-Range")
	errPayloadTooShort = errors.New("payload is shorter than its Content-Range")
)

// Ack describes the outcome of a PutChunk call.
type Ack struct {
	Session  *Session
	Snapshot domain.SessionSnapshot
	Index    int
	Range    domain.ByteRange
	// Created is set when this chunk opened a new session.
	Created bool
	// Finalize is set for the one chunk that moved the session to finalizing.
	Finalize bool
	// Discarded is set when the session had already left uploading and the
	// payload was not stored.
	Discarded bool
}

// ChunkAck converts the outcome into the response body.
func (a *Ack) ChunkAck(message string) domain.ChunkAck {
	return domain.ChunkAck{
		Path:           a.Snapshot.Path,
		Index:          a.Index,
		Range:          a.Range,
		State:          a.Snapshot.State,
		UploadedChunks: a.Snapshot.UploadedChunks,
		TotalChunks:    a.Snapshot.TotalChunks,
		Completed:      a.Snapshot.State == domain.StateCompleted,
		Finalizing:     a.Snapshot.State == domain.StateFinalizing,
		Message:        message,
	}
}

// ChunkStore validates incoming chunks, stores their payloads and records them
// on the owning session.
type ChunkStore struct {
	backend       storage.Backend
	registry      *Registry
	maxChunkBytes int64
}

// NewChunkStore builds a ChunkStore. maxChunkBytes <= 0 disables the per-chunk
// size limit.
func NewChunkStore(backend storage.Backend, registry *Registry, maxChunkBytes int64) *ChunkStore {
	return &ChunkStore{
		backend:       backend,
		registry:      registry,
		maxChunkBytes: maxChunkBytes,
	}
}

// PutChunk stores one chunk. Re-sending a received index overwrites it and
// leaves the session unchanged.
func (c *ChunkStore) PutChunk(ctx context.Context, req domain.ChunkRequest) (*Ack, error) {
	path, err := domain.ValidatePath(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Payload == nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "put chunk", path, "chunk payload is required")
	}
	if req.TotalChunks < 1 {
		return nil, domain.NewError(domain.KindInvalidRequest, "put chunk", path,
			"total chunks must be at least 1, got %d", req.TotalChunks)
	}
	if err := req.Range.Validate(); err != nil {
		return nil, domain.WrapError(domain.KindInvalidRange, "put chunk", path, err, "invalid Content-Range")
	}

	size := req.Range.Total
	if req.DeclaredSize > 0 && req.DeclaredSize != size {
		return nil, domain.NewError(domain.KindInvalidRange, "put chunk", path,
			"declared size %d disagrees with Content-Range total %d", req.DeclaredSize, size)
	}

	rng := req.Range.ByteRange
	length := rng.Length()
	if req.PayloadSize >= 0 && req.PayloadSize != length {
		return nil, domain.NewError(domain.KindInvalidRange, "put chunk", path,
			"payload has %d bytes, Content-Range %s covers %d", req.PayloadSize, rng, length)
	}
	if c.maxChunkBytes > 0 && length > c.maxChunkBytes {
		return nil, domain.NewError(domain.KindInvalidRange, "put chunk", path,
			"chunk of %d bytes exceeds the %d byte limit", length, c.maxChunkBytes)
	}

	// Reject bad geometry before a session exists for it.
	if err := checkGeometry(path, req.Index, req.TotalChunks, size, rng); err != nil {
		return nil, err
	}

	sess, created, err := c.registry.GetOrCreate(path, req.TotalChunks, size)
	if err != nil {
		return nil, err
	}

	ack := &Ack{Session: sess, Index: req.Index, Range: rng, Created: created}

	switch snap := sess.Snapshot(); snap.State {
	case domain.StateFailed:
		return nil, domain.NewError(domain.KindConflict, "put chunk", path,
			"upload failed and must be deleted before retrying: %s", snap.Error)
	case domain.StateFinalizing, domain.StateCompleted:
		ack.Snapshot = snap
		ack.Discarded = true
		return ack, nil
	}

	if err := sess.CheckRange(req.Index, rng); err != nil {
		return nil, err
	}

	payload := &exactReader{r: req.Payload, remaining: length}
	if err := c.backend.WriteChunk(ctx, path, req.Index, payload, length); err != nil {
		if errors.Is(err, errPayloadTooLong) || errors.Is(err, errPayloadTooShort) || errors.Is(err, storage.ErrShortWrite) {
			return nil, domain.WrapError(domain.KindInvalidRange, "put chunk", path, err, "payload length does not match Content-Range")
		}
		return nil, domain.WrapError(domain.KindStorage, "put chunk", path, err, "failed to store chunk")
	}

	finalize, err := sess.Record(req.Index, rng)
	if errors.Is(err, errSessionClosed) {
		c.dropLateChunk(ctx, sess)
		ack.Snapshot = sess.Snapshot()
		ack.Discarded = true
		return ack, nil
	}
	if err != nil {
		if domain.KindOf(err) == domain.KindConflict {
			c.dropOrphan(ctx, path)
		}
		return nil, err
	}

	ack.Finalize = finalize
	ack.Snapshot = sess.Snapshot()
	return ack, nil
}

// dropOrphan removes chunks written for a session that was deleted while the
// write was in flight, unless a new session already took over the path.
func (c *ChunkStore) dropOrphan(ctx context.Context, path string) {
	if _, ok := c.registry.Get(path); ok {
		return
	}
	if err := c.backend.DeleteChunks(ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove chunk of deleted upload")
	}
}

// dropLateChunk handles a chunk written while its session left uploading.
// A finalizing session has not cleaned up yet and will remove the chunk
// itself; a completed one already did, so the chunk is removed here.
func (c *ChunkStore) dropLateChunk(ctx context.Context, sess *Session) {
	if sess.Snapshot().State != domain.StateCompleted {
		return
	}
	if cur, ok := c.registry.Get(sess.Path()); ok && cur != sess {
		return
	}
	if err := c.backend.DeleteChunks(ctx, sess.Path()); err != nil {
		log.Warn().Err(err).Str("path", sess.Path()).Msg("failed to remove chunk of finalized upload")
	}
}

// DeleteObject removes the session for path and all of its chunks. Deleting an
// unknown path succeeds. A session that is being finalized is not deleted.
func (c *ChunkStore) DeleteObject(ctx context.Context, path string) error {
	path, err := domain.ValidatePath(path)
	if err != nil {
		return err
	}

	if sess, ok := c.registry.Get(path); ok {
		if err := sess.retire(); err != nil {
			return err
		}
		c.registry.Remove(path, sess)
	}

	if err := c.backend.DeleteChunks(ctx, path); err != nil {
		return domain.WrapError(domain.KindStorage, "delete object", path, err, "failed to delete chunks")
	}
	return nil
}

// exactReader yields exactly remaining bytes from r and reports a payload
// that is shorter or longer than that.
type exactReader struct {
	r         io.Reader
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		var probe [1]byte
		n, err := e.r.Read(probe[:])
		if n > 0 {
			return 0, errPayloadTooLong
		}
		return 0, err
	}

	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF {
		if e.remaining > 0 {
			return n, errPayloadTooShort
		}
		err = nil
	}
	return n, err
}
