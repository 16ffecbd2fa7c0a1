package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var errPublishAborted = errors.New("publish aborted")

// Finalizer concatenates the chunks of a finalizing session into the
// published object.
type Finalizer struct {
	backend storage.Backend
	timeout time.Duration
	group   singleflight.Group
	runs    atomic.Int64
}

// NewFinalizer builds a Finalizer. A zero timeout leaves runs unbounded.
func NewFinalizer(backend storage.Backend, timeout time.Duration) *Finalizer {
	return &Finalizer{backend: backend, timeout: timeout}
}

// Runs returns how many assembly runs have started.
func (f *Finalizer) Runs() int64 {
	return f.runs.Load()
}

// Finalize assembles sess. Concurrent calls for the same session share one
// run. The run is detached from ctx cancellation so a client going away
// cannot abandon an assembly half way.
func (f *Finalizer) Finalize(ctx context.Context, sess *Session) error {
	_, err, _ := f.group.Do(sess.ID(), func() (interface{}, error) {
		return nil, f.run(ctx, sess)
	})
	return err
}

func (f *Finalizer) run(ctx context.Context, sess *Session) error {
	switch snap := sess.Snapshot(); snap.State {
	case domain.StateCompleted:
		return nil
	case domain.StateFailed:
		return domain.NewError(domain.KindAssembly, "finalize", snap.Path, "%s", snap.Error)
	case domain.StateUploading:
		return domain.NewError(domain.KindConflict, "finalize", snap.Path,
			"%d of %d chunks received", snap.UploadedChunks, snap.TotalChunks)
	}

	ctx = context.WithoutCancel(ctx)
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	f.runs.Add(1)
	started := time.Now()
	logger := log.With().Str("path", sess.Path()).Str("session", sess.ID()).Logger()
	logger.Info().Int("chunks", sess.TotalChunks()).Int64("bytes", sess.SizeBytes()).Msg("finalizing upload")

	if err := f.assemble(ctx, sess); err != nil {
		sess.Fail(err)
		logger.Error().Err(err).Msg("upload finalization failed, chunks retained")
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Kind == domain.KindAssembly {
			return err
		}
		return domain.WrapError(domain.KindAssembly, "finalize", sess.Path(), err, "assembly failed")
	}

	if err := sess.Complete(); err != nil {
		return err
	}

	if err := f.backend.DeleteChunks(ctx, sess.Path()); err != nil {
		logger.Warn().Err(err).Msg("failed to delete chunks after finalization")
	}

	logger.Info().Dur("took", time.Since(started)).Msg("upload finalized")
	return nil
}

func (f *Finalizer) assemble(ctx context.Context, sess *Session) error {
	path := sess.Path()

	plan, err := sess.assemblyPlan()
	if err != nil {
		return err
	}

	stored, err := f.backend.ChunkIndices(ctx, path)
	if err != nil {
		return fmt.Errorf("list stored chunks: %w", err)
	}
	present := make(map[int]bool, len(stored))
	for _, i := range stored {
		present[i] = true
	}
	for i := range plan {
		if !present[i] {
			return domain.NewError(domain.KindAssembly, "finalize", path, "chunk %d is not in storage", i)
		}
	}

	pr, pw := io.Pipe()
	copyErr := make(chan error, 1)
	go func() {
		err := f.copyChunks(ctx, path, plan, pw)
		_ = pw.CloseWithError(err)
		copyErr <- err
	}()

	pubErr := f.backend.PublishObject(ctx, path, pr, sess.SizeBytes())
	_ = pr.CloseWithError(errPublishAborted)
	cErr := <-copyErr

	if cErr != nil && !errors.Is(cErr, errPublishAborted) && !errors.Is(cErr, io.ErrClosedPipe) {
		if pubErr == nil {
			// The backend consumed a stream that ended with an error; do not
			// leave whatever it kept.
			if err := f.backend.DeleteObject(ctx, path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to remove object after aborted assembly")
			}
		}
		return cErr
	}
	if pubErr != nil {
		return fmt.Errorf("publish object: %w", pubErr)
	}
	return nil
}

func (f *Finalizer) copyChunks(ctx context.Context, path string, plan []domain.ByteRange, w io.Writer) error {
	for i, r := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := f.backend.OpenChunk(ctx, path, i)
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(w, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("copy chunk %d: %w", i, err)
		}
		if n != r.Length() {
			return domain.NewError(domain.KindAssembly, "finalize", path,
				"chunk %d holds %d bytes, want %d", i, n, r.Length())
		}
	}
	return nil
}
