package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("calls: not found")
	ErrPendingExists = errors.New("calls: pending retry already exists")
	ErrNotPending    = errors.New("calls: retry entry is not pending")
)

// SessionStore persists sessions. UpdateIf is the only mutation primitive after
// Create: the condition and the patch are applied as one atomic step, and the
// returned bool says whether a row was changed. Callers use it as a lock.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, key Key) (Session, error)
	UpdateIf(ctx context.Context, key Key, cond Condition, p Patch) (bool, error)
	// FindActiveForCallee returns the newest session for calleeID whose status is
	// one of statuses and which was created at or after since.
	FindActiveForCallee(ctx context.Context, calleeID string, statuses []Status, since time.Time) (Session, bool, error)
}

// Condition is the precondition of UpdateIf. Zero fields do not constrain.
type Condition struct {
	StatusIn                []Status
	TimeoutNotificationSent *bool
}

func (c Condition) matches(s Session) bool {
	if len(c.StatusIn) > 0 && !statusIn(s.Status, c.StatusIn) {
		return false
	}
	if c.TimeoutNotificationSent != nil && s.TimeoutNotificationSent != *c.TimeoutNotificationSent {
		return false
	}
	return true
}

// Patch lists the fields UpdateIf writes. Nil and zero fields are left alone.
// AnsweredAt, EndedAt and TimeoutDetectedAt are set once; a later patch never
// overwrites a recorded value. Auxiliary is merged key by key.
type Patch struct {
	Status                  Status
	AnsweredAt              *time.Time
	EndedAt                 *time.Time
	TimeoutDetectedAt       *time.Time
	RetryScheduledAt        *time.Time
	TimeoutNotificationSent *bool
	IncrementRetryCount     bool
	Auxiliary               map[string]any
}

func (p Patch) IsZero() bool {
	return p.Status == "" &&
		p.AnsweredAt == nil &&
		p.EndedAt == nil &&
		p.TimeoutDetectedAt == nil &&
		p.RetryScheduledAt == nil &&
		p.TimeoutNotificationSent == nil &&
		!p.IncrementRetryCount &&
		len(p.Auxiliary) == 0
}

func (p Patch) apply(s *Session) {
	if p.Status != "" {
		s.Status = p.Status
	}
	if p.AnsweredAt != nil && s.AnsweredAt == nil {
		t := *p.AnsweredAt
		s.AnsweredAt = &t
	}
	if p.EndedAt != nil && s.EndedAt == nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
	if p.TimeoutDetectedAt != nil && s.TimeoutDetectedAt == nil {
		t := *p.TimeoutDetectedAt
		s.TimeoutDetectedAt = &t
	}
	if p.RetryScheduledAt != nil {
		t := *p.RetryScheduledAt
		s.RetryScheduledAt = &t
	}
	if p.TimeoutNotificationSent != nil {
		s.TimeoutNotificationSent = *p.TimeoutNotificationSent
	}
	if p.IncrementRetryCount {
		s.RetryCount++
	}
	if len(p.Auxiliary) > 0 {
		if s.Auxiliary == nil {
			s.Auxiliary = map[string]any{}
		}
		for k, v := range p.Auxiliary {
			s.Auxiliary[k] = v
		}
	}
}

// RetryQueue persists retry entries.
type RetryQueue interface {
	// InsertPending returns ErrPendingExists when the original session already
	// has a pending entry.
	InsertPending(ctx context.Context, e RetryEntry) error
	FindPending(ctx context.Context, originalSID string) (RetryEntry, bool, error)
	Get(ctx context.Context, id string) (RetryEntry, error)
	// Claim stamps executed_at on a pending entry that is unclaimed or whose
	// claim is older than staleBefore. Exactly one of any number of concurrent
	// callers gets true.
	Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	// Release clears the claim of a pending entry so it can be claimed again.
	Release(ctx context.Context, id string) error
	Complete(ctx context.Context, id, retrySID string) error
	Fail(ctx context.Context, id, message string) error
	// ListOverdue returns pending entries scheduled at or before cutoff that are
	// unclaimed or were claimed before staleBefore, oldest first.
	ListOverdue(ctx context.Context, cutoff, staleBefore time.Time, limit int) ([]RetryEntry, error)
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func BoolPtr(v bool) *bool { return &v }

func TimePtr(t time.Time) *time.Time { return &t }
