package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, sid string) ([]Event, error)
}

// Service records call events.
//
// Callers treat Append as best-effort: a failure is logged and never blocks a
// session mutation or a notification.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock overrides the RecordedAt clock. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.EventType == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// List returns the events of one session in recording order.
func (s *Service) List(ctx context.Context, sid string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.List(ctx, sid)
}

// LogOrphanedCall records a call the platform placed but whose session could not
// be persisted, so it can be reconciled later.
func (s *Service) LogOrphanedCall(ctx context.Context, sid, calleeID string, cause error) error {
	payload := map[string]any{"callee_id": calleeID}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	return s.Append(ctx, Event{
		SID:       sid,
		EventType: EventTypeOrphanedCall,
		Payload:   payload,
	})
}
