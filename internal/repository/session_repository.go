package repository

import (
	"context"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
)

// SessionRecord is a journalled session together with its received chunks.
type SessionRecord struct {
	Session domain.SessionSnapshot
	Chunks  map[int]domain.ByteRange
}

// SessionRepository journals upload sessions so they survive a restart.
type SessionRepository interface {
	SaveSession(ctx context.Context, snap domain.SessionSnapshot) error
	SaveChunk(ctx context.Context, sessionID string, index int, r domain.ByteRange) error
	DeleteSession(ctx context.Context, sessionID string) error

	// ListRecoverable returns sessions that are not completed, plus completed
	// sessions whose completion is not older than completedSince.
	ListRecoverable(ctx context.Context, completedSince time.Time) ([]SessionRecord, error)
	// ListSessions returns journalled sessions newest first. An empty state
	// matches every state.
	ListSessions(ctx context.Context, state domain.SessionState, limit int) ([]domain.SessionSnapshot, error)
	// PurgeCompleted deletes completed sessions finished before the cutoff.
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
}

type noopSessionRepository struct{}

// NewNoopSessionRepository returns a journal that stores nothing.
func NewNoopSessionRepository() SessionRepository {
	return noopSessionRepository{}
}

func (noopSessionRepository) SaveSession(context.Context, domain.SessionSnapshot) error { return nil }

func (noopSessionRepository) SaveChunk(context.Context, string, int, domain.ByteRange) error {
	return nil
}

func (noopSessionRepository) DeleteSession(context.Context, string) error { return nil }

func (noopSessionRepository) ListRecoverable(context.Context, time.Time) ([]SessionRecord, error) {
	return nil, nil
}

func (noopSessionRepository) ListSessions(context.Context, domain.SessionState, int) ([]domain.SessionSnapshot, error) {
	return nil, nil
}

func (noopSessionRepository) PurgeCompleted(context.Context, time.Time) (int64, error) {
	return 0, nil
}
