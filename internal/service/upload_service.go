package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresuchdata/chunkup/internal/cache"
	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/repository"
	"github.com/andresuchdata/chunkup/internal/storage"
	"github.com/andresuchdata/chunkup/internal/upload"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// MaxChunkBytes limits a single chunk; zero disables the limit.
	MaxChunkBytes int64
	// FinalizeWait is how long the request that completed an upload waits
	// for assembly before answering with the finalizing state.
	FinalizeWait time.Duration
	// FinalizeTimeout bounds one assembly run.
	FinalizeTimeout time.Duration
	// CompletedRetention is how long completed sessions stay listed.
	CompletedRetention time.Duration
}

// UploadService coordinates chunk storage, finalization, the session journal
// and the listing cache.
type UploadService struct {
	backend   storage.Backend
	registry  *upload.Registry
	store     *upload.ChunkStore
	finalizer *upload.Finalizer
	listing   *upload.ListingService
	journal   repository.SessionRepository
	cache     cache.ListingCache
	opts      Options

	wg sync.WaitGroup
}

func NewUploadService(backend storage.Backend, journal repository.SessionRepository, listingCache cache.ListingCache, opts Options) *UploadService {
	if journal == nil {
		journal = repository.NewNoopSessionRepository()
	}
	if listingCache == nil {
		listingCache = cache.NewNoopListingCache()
	}

	registry := upload.NewRegistry()
	return &UploadService{
		backend:   backend,
		registry:  registry,
		store:     upload.NewChunkStore(backend, registry, opts.MaxChunkBytes),
		finalizer: upload.NewFinalizer(backend, opts.FinalizeTimeout),
		listing:   upload.NewListingService(registry),
		journal:   journal,
		cache:     listingCache,
		opts:      opts,
	}
}

// PutChunk stores one chunk. When the chunk completes the upload, assembly
// starts in the background and the call waits up to FinalizeWait for it.
func (s *UploadService) PutChunk(ctx context.Context, req domain.ChunkRequest) (domain.ChunkAck, error) {
	ack, err := s.store.PutChunk(ctx, req)
	if err != nil {
		return domain.ChunkAck{}, err
	}

	if ack.Discarded {
		return ack.ChunkAck(fmt.Sprintf("upload is %s, chunk ignored", ack.Snapshot.State)), nil
	}

	jctx := context.WithoutCancel(ctx)
	if ack.Created {
		s.saveSession(jctx, ack.Snapshot)
		s.invalidate(jctx)
	}
	if err := s.journal.SaveChunk(jctx, ack.Session.ID(), ack.Index, ack.Range); err != nil {
		log.Warn().Err(err).Str("path", ack.Snapshot.Path).Int("index", ack.Index).Msg("upload: journal chunk failed")
	}

	if !ack.Finalize {
		return ack.ChunkAck("chunk stored"), nil
	}

	s.saveSession(jctx, ack.Snapshot)
	s.invalidate(jctx)
	done := s.startFinalize(ack.Session)

	if s.opts.FinalizeWait <= 0 {
		return ack.ChunkAck("upload is being finalized"), nil
	}

	timer := time.NewTimer(s.opts.FinalizeWait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return domain.ChunkAck{}, err
		}
		ack.Snapshot = ack.Session.Snapshot()
		return ack.ChunkAck("upload completed"), nil
	case <-timer.C:
	case <-ctx.Done():
	}
	ack.Snapshot = ack.Session.Snapshot()
	return ack.ChunkAck("upload is being finalized"), nil
}

func (s *UploadService) startFinalize(sess *upload.Session) <-chan error {
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		err := s.finalizer.Finalize(ctx, sess)
		// A delete right after completion must not be undone by a late journal write.
		saved := sess.UnlessDeleted(func() {
			s.saveSession(ctx, sess.Snapshot())
		})
		if !saved {
			log.Debug().Str("path", sess.Path()).Msg("upload deleted before its final state was journalled")
		}
		s.invalidate(ctx)
		done <- err
	}()
	return done
}

// Delete removes the upload for path together with its chunks. Uploads that
// are being finalized are rejected with a conflict. With purge the published
// object is removed as well.
func (s *UploadService) Delete(ctx context.Context, path string, purge bool) error {
	path, err := domain.ValidatePath(path)
	if err != nil {
		return err
	}

	sess, existed := s.registry.Get(path)
	if err := s.store.DeleteObject(ctx, path); err != nil {
		return err
	}

	jctx := context.WithoutCancel(ctx)
	if existed {
		if err := s.journal.DeleteSession(jctx, sess.ID()); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("upload: journal delete failed")
		}
	}

	if purge {
		if err := s.backend.DeleteObject(ctx, path); err != nil {
			return domain.WrapError(domain.KindStorage, "delete object", path, err, "failed to delete published object")
		}
	}

	s.invalidate(jctx)
	log.Info().Str("path", path).Bool("existed", existed).Bool("purge", purge).Msg("upload deleted")
	return nil
}

func (s *UploadService) List(ctx context.Context) ([]domain.ObjectListing, error) {
	gen, genErr := s.cache.Generation(ctx)
	if genErr != nil {
		log.Warn().Err(genErr).Msg("upload: cache generation failed")
	}

	if genErr == nil {
		if items, ok, err := s.cache.GetList(ctx); err == nil && ok {
			return items, nil
		} else if err != nil {
			log.Warn().Err(err).Msg("upload: cache get listing failed")
		}
	}

	items := s.listing.List()

	if genErr == nil {
		if err := s.cache.SetList(ctx, gen, items); err != nil {
			log.Warn().Err(err).Msg("upload: cache set listing failed")
		}
	}
	return items, nil
}

func (s *UploadService) Get(ctx context.Context, path string) (domain.ObjectListing, error) {
	path, err := domain.ValidatePath(path)
	if err != nil {
		return domain.ObjectListing{}, err
	}

	gen, genErr := s.cache.Generation(ctx)
	if genErr != nil {
		log.Warn().Err(genErr).Msg("upload: cache generation failed")
	}

	if genErr == nil {
		if item, ok, err := s.cache.GetObject(ctx, path); err == nil && ok {
			return *item, nil
		} else if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("upload: cache get object failed")
		}
	}

	item, err := s.listing.Get(path)
	if err != nil {
		return domain.ObjectListing{}, err
	}

	if genErr == nil {
		if err := s.cache.SetObject(ctx, gen, item); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("upload: cache set object failed")
		}
	}
	return item, nil
}

// ReapCompleted forgets completed uploads that finished more than retention
// ago. Journal rows are kept.
func (s *UploadService) ReapCompleted(ctx context.Context, retention time.Duration) int {
	removed := s.registry.RemoveCompletedBefore(time.Now().Add(-retention))
	if len(removed) == 0 {
		return 0
	}
	s.invalidate(ctx)
	for _, snap := range removed {
		log.Debug().Str("path", snap.Path).Str("session", snap.ID).Msg("reaped completed upload")
	}
	return len(removed)
}

// Wait blocks until background finalizations have ended.
func (s *UploadService) Wait() {
	s.wg.Wait()
}

func (s *UploadService) saveSession(ctx context.Context, snap domain.SessionSnapshot) {
	if err := s.journal.SaveSession(ctx, snap); err != nil {
		log.Warn().Err(err).Str("path", snap.Path).Str("state", string(snap.State)).Msg("upload: journal session failed")
	}
}

func (s *UploadService) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("upload: cache invalidate failed")
	}
}
