package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/repository"
	"github.com/jmoiron/sqlx"
)

type sessionRepository struct {
	db *DB
}

func NewSessionRepository(db *DB) repository.SessionRepository {
	return &sessionRepository{db: db}
}

type sessionRow struct {
	ID          string     `db:"id"`
	Path        string     `db:"path"`
	TotalChunks int        `db:"total_chunks"`
	SizeBytes   int64      `db:"size_bytes"`
	State       string     `db:"state"`
	Error       string     `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r sessionRow) snapshot() (domain.SessionSnapshot, error) {
	state, err := domain.ParseSessionState(r.State)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return domain.SessionSnapshot{
		ID:          r.ID,
		Path:        r.Path,
		TotalChunks: r.TotalChunks,
		SizeBytes:   r.SizeBytes,
		State:       state,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

type chunkRow struct {
	SessionID  string `db:"session_id"`
	ChunkIndex int    `db:"chunk_index"`
	RangeStart int64  `db:"range_start"`
	RangeEnd   int64  `db:"range_end"`
}

const sessionColumns = `id, path, total_chunks, size_bytes, state, error, created_at, updated_at, completed_at`

func (r *sessionRepository) SaveSession(ctx context.Context, snap domain.SessionSnapshot) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO upload_sessions (` + sessionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id)
			DO UPDATE SET
				state = EXCLUDED.state,
				error = EXCLUDED.error,
				updated_at = EXCLUDED.updated_at,
				completed_at = EXCLUDED.completed_at
			WHERE upload_sessions.updated_at <= EXCLUDED.updated_at
		`
		_, err := tx.ExecContext(ctx, query,
			snap.ID,
			snap.Path,
			snap.TotalChunks,
			snap.SizeBytes,
			string(snap.State),
			snap.Error,
			snap.CreatedAt,
			snap.UpdatedAt,
			snap.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save session %s: %w", snap.ID, err)
		}
		return nil
	})
}

func (r *sessionRepository) SaveChunk(ctx context.Context, sessionID string, index int, rng domain.ByteRange) error {
	query := `
		INSERT INTO upload_chunks (session_id, chunk_index, range_start, range_end, received_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_id, chunk_index)
		DO UPDATE SET
			range_start = EXCLUDED.range_start,
			range_end = EXCLUDED.range_end,
			received_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, sessionID, index, rng.Start, rng.End); err != nil {
		return fmt.Errorf("failed to save chunk %d of session %s: %w", index, sessionID, err)
	}
	return nil
}

func (r *sessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to delete chunks of session %s: %w", sessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
		}
		return nil
	})
}

func (r *sessionRepository) ListRecoverable(ctx context.Context, completedSince time.Time) ([]repository.SessionRecord, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM upload_sessions
		WHERE state <> 'completed' OR completed_at >= $1
		ORDER BY created_at
	`
	var rows []sessionRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, completedSince); err != nil {
		return nil, fmt.Errorf("failed to list recoverable sessions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	chunkQuery := `
		SELECT c.session_id, c.chunk_index, c.range_start, c.range_end
		FROM upload_chunks c
		JOIN upload_sessions s ON s.id = c.session_id
		WHERE s.state <> 'completed' OR s.completed_at >= $1
	`
	var chunks []chunkRow
	if err := sqlx.SelectContext(ctx, r.db, &chunks, chunkQuery, completedSince); err != nil {
		return nil, fmt.Errorf("failed to list journalled chunks: %w", err)
	}

	byID := make(map[string]map[int]domain.ByteRange, len(rows))
	for _, c := range chunks {
		if byID[c.SessionID] == nil {
			byID[c.SessionID] = make(map[int]domain.ByteRange)
		}
		byID[c.SessionID][c.ChunkIndex] = domain.ByteRange{Start: c.RangeStart, End: c.RangeEnd}
	}

	records := make([]repository.SessionRecord, 0, len(rows))
	for _, row := range rows {
		snap, err := row.snapshot()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", row.ID, err)
		}
		snap.UploadedChunks = len(byID[row.ID])
		records = append(records, repository.SessionRecord{Session: snap, Chunks: byID[row.ID]})
	}
	return records, nil
}

func (r *sessionRepository) ListSessions(ctx context.Context, state domain.SessionState, limit int) ([]domain.SessionSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT s.id, s.path, s.total_chunks, s.size_bytes, s.state, s.error,
			s.created_at, s.updated_at, s.completed_at,
			(SELECT COUNT(*) FROM upload_chunks c WHERE c.session_id = s.id) AS uploaded_chunks
		FROM upload_sessions s
		WHERE $1::text = '' OR s.state = $1::text
		ORDER BY s.created_at DESC
		LIMIT $2
	`
	var rows []struct {
		sessionRow
		UploadedChunks int `db:"uploaded_chunks"`
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows, query, string(state), limit); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]domain.SessionSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.snapshot()
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", row.ID, err)
		}
		if snap.State == domain.StateCompleted {
			snap.UploadedChunks = snap.TotalChunks
		} else {
			snap.UploadedChunks = row.UploadedChunks
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *sessionRepository) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM upload_chunks
			WHERE session_id IN (
				SELECT id FROM upload_sessions
				WHERE state = 'completed' AND completed_at < $1
			)
		`, before)
		if err != nil {
			return fmt.Errorf("failed to purge chunks of completed sessions: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM upload_sessions
			WHERE state = 'completed' AND completed_at < $1
		`, before)
		if err != nil {
			return fmt.Errorf("failed to purge completed sessions: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
