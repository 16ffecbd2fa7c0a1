package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type fakeJournal struct {
	repository.SessionRepository

	sessions     []domain.SessionSnapshot
	gotState     domain.SessionState
	gotLimit     int
	purged       int64
	purgedBefore time.Time
	closed       int
}

func (j *fakeJournal) ListSessions(_ context.Context, state domain.SessionState, limit int) ([]domain.SessionSnapshot, error) {
	j.gotState = state
	j.gotLimit = limit
	return j.sessions, nil
}

func (j *fakeJournal) PurgeCompleted(_ context.Context, before time.Time) (int64, error) {
	j.purgedBefore = before
	return j.purged, nil
}

func (j *fakeJournal) Close() error {
	j.closed++
	return nil
}

func useJournal(t *testing.T, j *fakeJournal) *string {
	t.Helper()
	var dsn string
	prev := openJournal
	openJournal = func(_ context.Context, url string) (repository.SessionRepository, io.Closer, error) {
		dsn = url
		return j, j, nil
	}
	t.Cleanup(func() { openJournal = prev })
	return &dsn
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.RunContext(context.Background(), append([]string{"uploadctl"}, args...))
	return out.String(), err
}

func TestJournalList(t *testing.T) {
	updated := time.Now().Add(-time.Hour)
	j := &fakeJournal{
		SessionRepository: repository.NewNoopSessionRepository(),
		sessions: []domain.SessionSnapshot{
			{ID: "s-1", Path: "a.bin", TotalChunks: 2, UploadedChunks: 2, SizeBytes: 10, State: domain.StateCompleted, UpdatedAt: updated},
		},
	}
	dsn := useJournal(t, j)

	out, err := runApp(t, "journal", "list", "--db-url", "postgres://journal", "--state", "Completed", "--limit", "5")
	require.NoError(t, err)

	assert.Equal(t, "postgres://journal", *dsn)
	assert.Equal(t, domain.StateCompleted, j.gotState)
	assert.Equal(t, 5, j.gotLimit)
	assert.Equal(t, 1, j.closed)

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "a.bin")
	assert.Contains(t, out, "2/2")
	assert.Contains(t, out, "10 B")
	assert.Contains(t, out, "1 hour ago")
}

func TestJournalListRejectsUnknownState(t *testing.T) {
	j := &fakeJournal{SessionRepository: repository.NewNoopSessionRepository()}
	useJournal(t, j)

	_, err := runApp(t, "journal", "list", "--db-url", "postgres://journal", "--state", "paused")
	require.Error(t, err)
	assert.Zero(t, j.gotLimit, "nothing is listed")
	assert.Equal(t, 1, j.closed)
}

func TestJournalPurge(t *testing.T) {
	j := &fakeJournal{SessionRepository: repository.NewNoopSessionRepository(), purged: 3}
	useJournal(t, j)

	out, err := runApp(t, "journal", "purge", "--db-url", "postgres://journal", "--older-than", "1h")
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(-time.Hour), j.purgedBefore, time.Minute)
	assert.Contains(t, out, "purged 3 completed sessions")
	assert.Equal(t, 1, j.closed)
}
