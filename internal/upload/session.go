package upload

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
)

// Session tracks one object upload. Mutations happen under mu; every
// mutation publishes a fresh snapshot so readers never take the lock.
type Session struct {
	id          string
	path        string
	totalChunks int
	sizeBytes   int64

	mu          sync.Mutex
	state       domain.SessionState
	received    map[int]domain.ByteRange
	errMsg      string
	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time
	removed     bool
	done        chan struct{}

	snap atomic.Pointer[domain.SessionSnapshot]
}

// errSessionClosed is returned by Record when the session already left
// uploading. The chunk was not recorded.
var errSessionClosed = errors.New("upload session is no longer accepting chunks")

func newSession(id, path string, totalChunks int, sizeBytes int64, now time.Time) *Session {
	s := &Session{
		id:          id,
		path:        path,
		totalChunks: totalChunks,
		sizeBytes:   sizeBytes,
		state:       domain.StateUploading,
		received:    make(map[int]domain.ByteRange, totalChunks),
		createdAt:   now,
		updatedAt:   now,
		done:        make(chan struct{}),
	}
	s.publish()
	return s
}

// RestoreSession rebuilds a session from a journalled snapshot and the chunk
// ranges that are still available. UploadedChunks in snap is ignored and
// recomputed from ranges.
func RestoreSession(snap domain.SessionSnapshot, ranges map[int]domain.ByteRange) (*Session, error) {
	if err := checkParams(snap.Path, snap.TotalChunks, snap.SizeBytes); err != nil {
		return nil, err
	}
	if _, err := domain.ParseSessionState(string(snap.State)); err != nil {
		return nil, domain.WrapError(domain.KindInvalidRequest, "restore session", snap.Path, err, "invalid state")
	}

	s := &Session{
		id:          snap.ID,
		path:        snap.Path,
		totalChunks: snap.TotalChunks,
		sizeBytes:   snap.SizeBytes,
		state:       snap.State,
		received:    make(map[int]domain.ByteRange, len(ranges)),
		errMsg:      snap.Error,
		createdAt:   snap.CreatedAt,
		updatedAt:   snap.UpdatedAt,
		completedAt: snap.CompletedAt,
		done:        make(chan struct{}),
	}
	for index, r := range ranges {
		if err := checkGeometry(s.path, index, s.totalChunks, s.sizeBytes, r); err != nil {
			return nil, err
		}
		s.received[index] = r
	}
	for index, r := range s.received {
		if err := s.checkNeighbours(index, r); err != nil {
			return nil, err
		}
	}
	if s.state.Terminal() {
		close(s.done)
	}
	s.publish()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Path() string { return s.path }

func (s *Session) TotalChunks() int { return s.totalChunks }

func (s *Session) SizeBytes() int64 { return s.sizeBytes }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() domain.SessionSnapshot {
	return *s.snap.Load()
}

// Matches reports whether the session was declared with these parameters.
func (s *Session) Matches(totalChunks int, sizeBytes int64) bool {
	return s.totalChunks == totalChunks && s.sizeBytes == sizeBytes
}

// CheckRange validates r for index against the chunks received so far.
func (s *Session) CheckRange(index int, r domain.ByteRange) error {
	if err := checkGeometry(s.path, index, s.totalChunks, s.sizeBytes, r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkNeighbours(index, r)
}

// Record marks index as received. It returns true for exactly one caller: the
// one whose chunk completed the set and moved the session to finalizing.
// Chunks arriving once the session left uploading get errSessionClosed and
// change nothing.
func (s *Session) Record(index int, r domain.ByteRange) (bool, error) {
	if err := checkGeometry(s.path, index, s.totalChunks, s.sizeBytes, r); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return false, domain.NewError(domain.KindConflict, "record chunk", s.path, "upload session was deleted")
	}
	switch s.state {
	case domain.StateFailed:
		return false, domain.NewError(domain.KindConflict, "record chunk", s.path, "upload session failed: %s", s.errMsg)
	case domain.StateFinalizing, domain.StateCompleted:
		return false, errSessionClosed
	}

	if err := s.checkNeighbours(index, r); err != nil {
		return false, err
	}

	s.received[index] = r
	s.updatedAt = time.Now()

	finalize := false
	if len(s.received) == s.totalChunks {
		s.state = domain.StateFinalizing
		finalize = true
	}
	s.publish()
	return finalize, nil
}

// Complete moves a finalizing session to completed.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateFinalizing {
		return domain.NewError(domain.KindConflict, "complete session", s.path, "session is %s, not finalizing", s.state)
	}
	now := time.Now()
	s.state = domain.StateCompleted
	s.updatedAt = now
	s.completedAt = &now
	close(s.done)
	s.publish()
	return nil
}

// Fail moves a non-terminal session to failed. Failing a terminal session is a
// no-op.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.state = domain.StateFailed
	if cause != nil {
		s.errMsg = cause.Error()
	}
	s.updatedAt = time.Now()
	close(s.done)
	s.publish()
}

// Ranges returns a copy of the received chunk ranges.
func (s *Session) Ranges() map[int]domain.ByteRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]domain.ByteRange, len(s.received))
	for i, r := range s.received {
		out[i] = r
	}
	return out
}

// assemblyPlan returns the chunk ranges in index order, failing unless they
// tile 0..sizeBytes-1 without gaps.
func (s *Session) assemblyPlan() ([]domain.ByteRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.received) != s.totalChunks {
		return nil, domain.NewError(domain.KindAssembly, "plan assembly", s.path,
			"received %d of %d chunks", len(s.received), s.totalChunks)
	}

	plan := make([]domain.ByteRange, s.totalChunks)
	var next int64
	for i := 0; i < s.totalChunks; i++ {
		r, ok := s.received[i]
		if !ok {
			return nil, domain.NewError(domain.KindAssembly, "plan assembly", s.path, "chunk %d is missing", i)
		}
		if r.Start != next {
			return nil, domain.NewError(domain.KindAssembly, "plan assembly", s.path,
				"chunk %d starts at byte %d, want %d", i, r.Start, next)
		}
		plan[i] = r
		next = r.End + 1
	}
	if next != s.sizeBytes {
		return nil, domain.NewError(domain.KindAssembly, "plan assembly", s.path,
			"chunks cover %d bytes, want %d", next, s.sizeBytes)
	}
	return plan, nil
}

// retire marks the session deleted. Finalizing sessions cannot be retired.
func (s *Session) retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateFinalizing {
		return domain.NewError(domain.KindConflict, "delete object", s.path, "upload is being finalized")
	}
	s.removed = true
	return nil
}

// UnlessDeleted runs fn under the session lock unless the session was deleted,
// and reports whether fn ran. A delete racing fn waits for it to return.
func (s *Session) UnlessDeleted(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return false
	}
	fn()
	return true
}

// checkNeighbours must be called with mu held.
func (s *Session) checkNeighbours(index int, r domain.ByteRange) error {
	if prev, ok := s.received[index]; ok && prev != r {
		return domain.NewError(domain.KindInvalidRange, "check range", s.path,
			"chunk %d was received as %s, got %s", index, prev, r)
	}
	if before, ok := s.received[index-1]; ok && before.End+1 != r.Start {
		return domain.NewError(domain.KindInvalidRange, "check range", s.path,
			"chunk %d (%s) does not follow chunk %d (%s)", index, r, index-1, before)
	}
	if after, ok := s.received[index+1]; ok && r.End+1 != after.Start {
		return domain.NewError(domain.KindInvalidRange, "check range", s.path,
			"chunk %d (%s) does not precede chunk %d (%s)", index, r, index+1, after)
	}
	return nil
}

// publish must be called with mu held (or before the session is shared).
func (s *Session) publish() {
	snap := &domain.SessionSnapshot{
		ID:             s.id,
		Path:           s.path,
		TotalChunks:    s.totalChunks,
		SizeBytes:      s.sizeBytes,
		UploadedChunks: len(s.received),
		State:          s.state,
		Error:          s.errMsg,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	s.snap.Store(snap)
}

func checkParams(path string, totalChunks int, sizeBytes int64) error {
	if totalChunks < 1 {
		return domain.NewError(domain.KindInvalidRequest, "check session", path, "total chunks must be at least 1, got %d", totalChunks)
	}
	if sizeBytes < 1 {
		return domain.NewError(domain.KindInvalidRange, "check session", path, "object size must be positive, got %d", sizeBytes)
	}
	if int64(totalChunks) > sizeBytes {
		return domain.NewError(domain.KindInvalidRange, "check session", path,
			"%d chunks cannot cover %d bytes", totalChunks, sizeBytes)
	}
	return nil
}

// checkGeometry validates a chunk range against the session parameters alone.
// Every chunk holds at least one byte, so chunk i starts no earlier than byte
// i and leaves room for the chunks after it.
func checkGeometry(path string, index, totalChunks int, sizeBytes int64, r domain.ByteRange) error {
	if index < 0 || index >= totalChunks {
		return domain.NewError(domain.KindInvalidRange, "check range", path,
			"chunk index %d is outside [0,%d)", index, totalChunks)
	}
	if r.Start < 0 || r.End < r.Start || r.End >= sizeBytes {
		return domain.NewError(domain.KindInvalidRange, "check range", path,
			"range %s does not fit in %d bytes", r, sizeBytes)
	}
	if index == 0 && r.Start != 0 {
		return domain.NewError(domain.KindInvalidRange, "check range", path, "first chunk must start at byte 0, got %s", r)
	}
	if index == totalChunks-1 && r.End != sizeBytes-1 {
		return domain.NewError(domain.KindInvalidRange, "check range", path,
			"last chunk must end at byte %d, got %s", sizeBytes-1, r)
	}
	if r.Start < int64(index) {
		return domain.NewError(domain.KindInvalidRange, "check range", path,
			"chunk %d cannot start at byte %d", index, r.Start)
	}
	if sizeBytes-1-r.End < int64(totalChunks-1-index) {
		return domain.NewError(domain.KindInvalidRange, "check range", path,
			"chunk %d (%s) leaves no room for the remaining chunks", index, r)
	}
	return nil
}
