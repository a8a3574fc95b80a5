package agentcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcall/internal/audit"
	"agentcall/internal/calls"
	"agentcall/internal/dispatch"
	"agentcall/internal/metrics"
	"agentcall/internal/notify"
	"agentcall/pkg/logger"

	"github.com/google/uuid"
)

const (
	// RetryDelay is the fixed wait between scheduling and executing a retry.
	RetryDelay = 5 * time.Minute
	// MaxRetries caps retries per original session.
	MaxRetries = 3
)

var (
	ErrSessionNotFound    = errors.New("agentcall: session not found")
	ErrUnauthorized       = errors.New("agentcall: requester is not the callee")
	ErrMaxRetries         = errors.New("agentcall: max retries reached")
	ErrRetryWindowExpired = errors.New("agentcall: retry window expired")
)

// ScheduleResult is either a new pending entry or the entry that was already
// pending for the session.
type ScheduleResult struct {
	QueueID          string    `json:"queue_id,omitempty"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	AlreadyScheduled bool      `json:"already_scheduled,omitempty"`
}

// Scheduler creates retry queue entries and hands them to the dispatcher.
//
// Invariant: at most one pending entry per original session. A second request
// while one is pending returns the existing schedule instead of failing.
type Scheduler struct {
	sessions   calls.SessionStore
	queue      calls.RetryQueue
	dispatcher dispatch.Dispatcher
	notifier   notify.Notifier
	events     *audit.Service
	maxAge     time.Duration
	logger     *slog.Logger
	clock      func() time.Time
}

func NewScheduler(sessions calls.SessionStore, queue calls.RetryQueue, dispatcher dispatch.Dispatcher, notifier notify.Notifier, events *audit.Service, maxAge time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		sessions:   sessions,
		queue:      queue,
		dispatcher: dispatcher,
		notifier:   notifier,
		events:     events,
		maxAge:     maxAge,
		logger:     log,
		clock:      time.Now,
	}
}

// Schedule queues a retry of sid. requesterID, when not empty, must be the
// session's callee.
func (s *Scheduler) Schedule(ctx context.Context, sid, requesterID string) (ScheduleResult, error) {
	log := logger.From(ctx, s.logger).With("sid", sid)

	key := calls.Key{SID: sid}
	sess, err := s.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return ScheduleResult{}, ErrSessionNotFound
		}
		return ScheduleResult{}, fmt.Errorf("agentcall: load session: %w", err)
	}
	if requesterID != "" && requesterID != sess.CalleeID {
		metrics.RetriesScheduled.WithLabelValues("unauthorized").Inc()
		return ScheduleResult{}, ErrUnauthorized
	}
	if sess.RetryCount >= MaxRetries {
		metrics.RetriesScheduled.WithLabelValues("max_retries").Inc()
		return ScheduleResult{}, ErrMaxRetries
	}
	now := s.clock().UTC()
	if existing, found, err := s.queue.FindPending(ctx, sess.SID); err != nil {
		return ScheduleResult{}, fmt.Errorf("agentcall: find pending retry: %w", err)
	} else if found {
		settled, err := s.settleStale(ctx, log, existing, now)
		if err != nil {
			return ScheduleResult{}, err
		}
		if !settled {
			metrics.RetriesScheduled.WithLabelValues("already_scheduled").Inc()
			return ScheduleResult{QueueID: existing.ID, ScheduledAt: existing.ScheduledAt, AlreadyScheduled: true}, nil
		}
	}

	if s.maxAge > 0 && now.Sub(sess.CreatedAt) > s.maxAge {
		metrics.RetriesScheduled.WithLabelValues("window_expired").Inc()
		return ScheduleResult{}, ErrRetryWindowExpired
	}

	entry := calls.RetryEntry{
		ID:               uuid.NewString(),
		OriginalSID:      sess.SID,
		CalleeID:         sess.CalleeID,
		AudioPayloadRefs: sess.AudioPayloadRefs,
		Language:         sess.Language,
		ScheduledAt:      now.Add(RetryDelay),
		Status:           calls.RetryStatusPending,
		RetryAttempt:     sess.RetryCount + 1,
		CreatedAt:        now,
	}
	if err := s.queue.InsertPending(ctx, entry); err != nil {
		if errors.Is(err, calls.ErrPendingExists) {
			// Lost a race with a concurrent request.
			existing, found, ferr := s.queue.FindPending(ctx, sess.SID)
			if ferr == nil && found {
				metrics.RetriesScheduled.WithLabelValues("already_scheduled").Inc()
				return ScheduleResult{QueueID: existing.ID, ScheduledAt: existing.ScheduledAt, AlreadyScheduled: true}, nil
			}
		}
		return ScheduleResult{}, fmt.Errorf("agentcall: insert retry: %w", err)
	}
	log = log.With("queue_id", entry.ID, "retry_attempt", entry.RetryAttempt)

	s.markSession(ctx, log, key, entry.ScheduledAt)

	job := dispatch.Job{
		QueueID:          entry.ID,
		OriginalSID:      sess.SID,
		CalleeID:         sess.CalleeID,
		CalleeRealm:      sess.CalleeRealm,
		CallerID:         sess.CallerID,
		CallerRealm:      sess.CallerRealm,
		AudioPayloadRefs: sess.AudioPayloadRefs,
		Language:         sess.Language,
		Attempt:          entry.RetryAttempt,
		ScheduledAt:      entry.ScheduledAt,
	}
	if err := s.dispatcher.Schedule(ctx, job); err != nil {
		// The entry stays pending; the overdue sweeper executes it.
		metrics.SideEffectErrors.WithLabelValues("dispatcher").Inc()
		log.Error("retry dispatch failed", "err", err)
	}

	nerr := s.notifier.Notify(ctx, notify.Message{
		RecipientID: sess.CalleeID,
		Realm:       sess.CalleeRealm,
		Text:        notify.RetryScheduledText(sess.Language, entry.ScheduledAt),
	})
	metrics.Notifications.WithLabelValues("retry_scheduled", metrics.Outcome(nerr)).Inc()
	if nerr != nil {
		log.Warn("retry confirmation failed", "err", nerr)
	}

	appendEvent(ctx, s.events, log, audit.Event{
		SID:       sess.SID,
		EventType: audit.EventTypeRetryQueued,
		Status:    string(calls.StatusRetryScheduled),
		Payload: map[string]any{
			"queue_id":      entry.ID,
			"scheduled_at":  entry.ScheduledAt,
			"retry_attempt": entry.RetryAttempt,
		},
	})

	metrics.RetriesScheduled.WithLabelValues("scheduled").Inc()
	log.Info("retry scheduled", "scheduled_at", entry.ScheduledAt)
	return ScheduleResult{QueueID: entry.ID, ScheduledAt: entry.ScheduledAt}, nil
}

// settleStale fails a pending entry whose claim is older than ClaimTimeout, so
// it no longer blocks a new request. It claims the entry first; an execution
// holding a fresh claim wins and the entry is left alone.
func (s *Scheduler) settleStale(ctx context.Context, log *slog.Logger, existing calls.RetryEntry, now time.Time) (bool, error) {
	if existing.ExecutedAt == nil || !existing.ExecutedAt.Before(now.Add(-ClaimTimeout)) {
		return false, nil
	}
	claimed, err := s.queue.Claim(ctx, existing.ID, now, now.Add(-ClaimTimeout))
	if err != nil {
		return false, fmt.Errorf("agentcall: claim stale retry: %w", err)
	}
	if !claimed {
		return false, nil
	}
	if err := s.queue.Fail(ctx, existing.ID, reasonStaleClaim); err != nil {
		return false, fmt.Errorf("agentcall: settle stale retry: %w", err)
	}
	log.Warn("stale retry settled", "queue_id", existing.ID, "claimed_at", *existing.ExecutedAt)
	return true, nil
}

// markSession moves the session to retry_scheduled when its status allows it,
// and otherwise only records retry_scheduled_at.
func (s *Scheduler) markSession(ctx context.Context, log *slog.Logger, key calls.Key, at time.Time) {
	changed, err := s.sessions.UpdateIf(ctx, key,
		calls.Condition{StatusIn: calls.Predecessors(calls.StatusRetryScheduled)},
		calls.Patch{Status: calls.StatusRetryScheduled, RetryScheduledAt: &at})
	if err != nil {
		metrics.SideEffectErrors.WithLabelValues("session_update").Inc()
		log.Error("session retry mark failed", "err", err)
		return
	}
	if changed {
		metrics.Transitions.WithLabelValues(string(calls.StatusRetryScheduled)).Inc()
		return
	}
	if _, err := s.sessions.UpdateIf(ctx, key, calls.Condition{}, calls.Patch{RetryScheduledAt: &at}); err != nil {
		metrics.SideEffectErrors.WithLabelValues("session_update").Inc()
		log.Error("session retry timestamp failed", "err", err)
	}
}
