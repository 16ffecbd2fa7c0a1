package service

import (
	"context"
	"fmt"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/repository"
	"github.com/andresuchdata/chunkup/internal/upload"
	"github.com/rs/zerolog/log"
)

// Restore rebuilds sessions from the journal. Only chunks the backend still
// holds are kept. Sessions that hold every chunk are finalized again in the
// background. It returns the number of sessions restored.
func (s *UploadService) Restore(ctx context.Context) (int, error) {
	records, err := s.journal.ListRecoverable(ctx, time.Now().Add(-s.opts.CompletedRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to load journal: %w", err)
	}

	restored := 0
	for _, rec := range records {
		sess, err := s.restoreOne(ctx, rec)
		if err != nil {
			log.Warn().Err(err).Str("path", rec.Session.Path).Str("session", rec.Session.ID).Msg("upload: skipping journalled session")
			continue
		}
		if err := s.registry.Restore(sess); err != nil {
			log.Warn().Err(err).Str("path", rec.Session.Path).Msg("upload: skipping journalled session")
			continue
		}
		restored++

		snap := sess.Snapshot()
		if snap.State != rec.Session.State {
			s.saveSession(ctx, snap)
		}
		if snap.State == domain.StateFinalizing {
			s.startFinalize(sess)
		}
		log.Info().
			Str("path", snap.Path).
			Str("state", string(snap.State)).
			Int("chunks", snap.UploadedChunks).
			Int("total", snap.TotalChunks).
			Msg("restored upload session")
	}

	if restored > 0 {
		s.invalidate(ctx)
	}
	return restored, nil
}

func (s *UploadService) restoreOne(ctx context.Context, rec repository.SessionRecord) (*upload.Session, error) {
	snap := rec.Session
	if snap.State == domain.StateCompleted {
		return upload.RestoreSession(snap, rec.Chunks)
	}

	stored, err := s.backend.ChunkIndices(ctx, snap.Path)
	if err != nil {
		return nil, fmt.Errorf("list stored chunks: %w", err)
	}
	present := make(map[int]bool, len(stored))
	for _, i := range stored {
		present[i] = true
	}
	kept := make(map[int]domain.ByteRange, len(rec.Chunks))
	for i, r := range rec.Chunks {
		if present[i] {
			kept[i] = r
		}
	}

	if snap.State == domain.StateFinalizing && len(stored) == 0 {
		// Assembly finished but the completion never reached the journal.
		exists, err := s.backend.ObjectExists(ctx, snap.Path)
		if err != nil {
			return nil, fmt.Errorf("check published object: %w", err)
		}
		if exists {
			completedAt := snap.UpdatedAt
			snap.State = domain.StateCompleted
			snap.CompletedAt = &completedAt
			return upload.RestoreSession(snap, rec.Chunks)
		}
	}

	switch {
	case snap.State == domain.StateFailed:
	case len(kept) == snap.TotalChunks:
		snap.State = domain.StateFinalizing
	default:
		snap.State = domain.StateUploading
	}
	return upload.RestoreSession(snap, kept)
}
