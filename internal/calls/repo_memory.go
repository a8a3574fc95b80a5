package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySessionRepo is an in-memory SessionStore. A single mutex makes every
// UpdateIf atomic, which matches the row-level guarantee of the Postgres repo.
type MemorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{sessions: map[string]*Session{}}
}

func (r *MemorySessionRepo) Create(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cloneSession(s)
	r.sessions[s.SID] = &cp
	return nil
}

func (r *MemorySessionRepo) Get(ctx context.Context, key Key) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(key)
	if s == nil {
		return Session{}, ErrNotFound
	}
	return cloneSession(*s), nil
}

func (r *MemorySessionRepo) UpdateIf(ctx context.Context, key Key, cond Condition, p Patch) (bool, error) {
	if key.IsZero() || p.IsZero() {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(key)
	if s == nil || !cond.matches(*s) {
		return false, nil
	}
	p.apply(s)
	return true, nil
}

func (r *MemorySessionRepo) FindActiveForCallee(ctx context.Context, calleeID string, statuses []Status, since time.Time) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Session
	for _, s := range r.sessions {
		if s.CalleeID != calleeID || s.CreatedAt.Before(since) {
			continue
		}
		if len(statuses) > 0 && !statusIn(s.Status, statuses) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return Session{}, false, nil
	}
	return cloneSession(*best), true, nil
}

// Sessions returns a snapshot of every stored session.
func (r *MemorySessionRepo) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, cloneSession(*s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemorySessionRepo) lookup(key Key) *Session {
	if key.IsZero() {
		return nil
	}
	a, b := key.Values()
	if s, ok := r.sessions[a]; ok {
		return s
	}
	if s, ok := r.sessions[b]; ok {
		return s
	}
	var best *Session
	for _, s := range r.sessions {
		if key.Matches(*s) && (best == nil || s.CreatedAt.After(best.CreatedAt)) {
			best = s
		}
	}
	return best
}

func cloneSession(s Session) Session {
	if s.AudioPayloadRefs != nil {
		s.AudioPayloadRefs = append([]string(nil), s.AudioPayloadRefs...)
	}
	if s.Auxiliary != nil {
		aux := make(map[string]any, len(s.Auxiliary))
		for k, v := range s.Auxiliary {
			aux[k] = v
		}
		s.Auxiliary = aux
	}
	s.AnsweredAt = cloneTime(s.AnsweredAt)
	s.EndedAt = cloneTime(s.EndedAt)
	s.TimeoutDetectedAt = cloneTime(s.TimeoutDetectedAt)
	s.RetryScheduledAt = cloneTime(s.RetryScheduledAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MemoryRetryRepo is an in-memory RetryQueue.
type MemoryRetryRepo struct {
	mu      sync.Mutex
	entries map[string]*RetryEntry
}

func NewMemoryRetryRepo() *MemoryRetryRepo {
	return &MemoryRetryRepo{entries: map[string]*RetryEntry{}}
}

func (r *MemoryRetryRepo) InsertPending(ctx context.Context, e RetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.entries {
		if cur.OriginalSID == e.OriginalSID && cur.Status == RetryStatusPending {
			return ErrPendingExists
		}
	}
	e.Status = RetryStatusPending
	e.ExecutedAt = nil
	e.RetrySID = ""
	e.ErrorMessage = ""
	cp := cloneRetry(e)
	r.entries[e.ID] = &cp
	return nil
}

func (r *MemoryRetryRepo) FindPending(ctx context.Context, originalSID string) (RetryEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.OriginalSID == originalSID && e.Status == RetryStatusPending {
			return cloneRetry(*e), true, nil
		}
	}
	return RetryEntry{}, false, nil
}

func (r *MemoryRetryRepo) Get(ctx context.Context, id string) (RetryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return RetryEntry{}, ErrNotFound
	}
	return cloneRetry(*e), nil
}

func (r *MemoryRetryRepo) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !claimable(e, staleBefore) {
		return false, nil
	}
	e.ExecutedAt = &now
	return true, nil
}

func (r *MemoryRetryRepo) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != RetryStatusPending {
		return ErrNotPending
	}
	e.ExecutedAt = nil
	return nil
}

func claimable(e *RetryEntry, staleBefore time.Time) bool {
	if e.Status != RetryStatusPending {
		return false
	}
	return e.ExecutedAt == nil || e.ExecutedAt.Before(staleBefore)
}

func (r *MemoryRetryRepo) Complete(ctx context.Context, id, retrySID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != RetryStatusPending {
		return ErrNotPending
	}
	e.Status = RetryStatusCompleted
	e.RetrySID = retrySID
	return nil
}

func (r *MemoryRetryRepo) Fail(ctx context.Context, id, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Status != RetryStatusPending {
		return ErrNotPending
	}
	e.Status = RetryStatusFailed
	e.ErrorMessage = message
	return nil
}

func (r *MemoryRetryRepo) ListOverdue(ctx context.Context, cutoff, staleBefore time.Time, limit int) ([]RetryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RetryEntry
	for _, e := range r.entries {
		if claimable(e, staleBefore) && !e.ScheduledAt.After(cutoff) {
			out = append(out, cloneRetry(*e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a snapshot of every stored entry.
func (r *MemoryRetryRepo) Entries() []RetryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RetryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneRetry(*e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneRetry(e RetryEntry) RetryEntry {
	if e.AudioPayloadRefs != nil {
		e.AudioPayloadRefs = append([]string(nil), e.AudioPayloadRefs...)
	}
	e.ExecutedAt = cloneTime(e.ExecutedAt)
	return e
}
