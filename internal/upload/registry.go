package upload

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/google/uuid"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry maps object paths to their upload sessions.
type Registry struct {
	shards [shardCount]*shard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(path string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return r.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the session for path, creating it when absent. The bool
// reports whether a new session was created. An existing session declared with
// different parameters yields a size mismatch and is left untouched.
func (r *Registry) GetOrCreate(path string, totalChunks int, sizeBytes int64) (*Session, bool, error) {
	if err := checkParams(path, totalChunks, sizeBytes); err != nil {
		return nil, false, err
	}

	sh := r.shardFor(path)

	sh.mu.RLock()
	sess, ok := sh.sessions[path]
	sh.mu.RUnlock()
	if ok {
		return sess, false, mismatch(sess, totalChunks, sizeBytes)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[path]; ok {
		return sess, false, mismatch(sess, totalChunks, sizeBytes)
	}
	sess = newSession(uuid.NewString(), path, totalChunks, sizeBytes, time.Now())
	sh.sessions[path] = sess
	return sess, true, nil
}

func mismatch(sess *Session, totalChunks int, sizeBytes int64) error {
	if sess.Matches(totalChunks, sizeBytes) {
		return nil
	}
	return domain.NewError(domain.KindSizeMismatch, "get session", sess.Path(),
		"upload declares %d chunks / %d bytes, existing session has %d chunks / %d bytes",
		totalChunks, sizeBytes, sess.TotalChunks(), sess.SizeBytes())
}

func (r *Registry) Get(path string) (*Session, bool) {
	sh := r.shardFor(path)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[path]
	return sess, ok
}

// Remove drops the session stored for path. When sess is non-nil the entry is
// only removed if it still holds that session.
func (r *Registry) Remove(path string, sess *Session) bool {
	sh := r.shardFor(path)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.sessions[path]
	if !ok || (sess != nil && cur != sess) {
		return false
	}
	delete(sh.sessions, path)
	return true
}

// Restore inserts a rebuilt session. It fails if the path is already taken.
func (r *Registry) Restore(sess *Session) error {
	sh := r.shardFor(sess.Path())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[sess.Path()]; ok {
		return domain.NewError(domain.KindConflict, "restore session", sess.Path(), "a session already exists")
	}
	sh.sessions[sess.Path()] = sess
	return nil
}

// Snapshot returns every session's published view, sorted by path.
func (r *Registry) Snapshot() []domain.SessionSnapshot {
	var out []domain.SessionSnapshot
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			out = append(out, sess.Snapshot())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RemoveCompletedBefore drops completed sessions whose completion time is
// before cutoff and returns their final snapshots.
func (r *Registry) RemoveCompletedBefore(cutoff time.Time) []domain.SessionSnapshot {
	var removed []domain.SessionSnapshot
	for _, sh := range r.shards {
		sh.mu.Lock()
		for path, sess := range sh.sessions {
			snap := sess.Snapshot()
			if snap.State != domain.StateCompleted || snap.CompletedAt == nil || !snap.CompletedAt.Before(cutoff) {
				continue
			}
			delete(sh.sessions, path)
			removed = append(removed, snap)
		}
		sh.mu.Unlock()
	}
	return removed
}

func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
