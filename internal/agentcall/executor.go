package agentcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentcall/internal/calls"
	"agentcall/internal/dispatch"
	"agentcall/internal/metrics"
	"agentcall/pkg/logger"
)

// BusyWindow is how far back an active session for the callee blocks a retry.
const BusyWindow = 2 * time.Minute

// ClaimTimeout is how long a claimed entry may stay pending before another
// execution can take it over.
const ClaimTimeout = 10 * time.Minute

const (
	reasonCalleeBusy = "callee busy"
	reasonStaleClaim = "execution did not settle"
)

var ErrRetryNotFound = errors.New("agentcall: retry entry not found")

// Execution outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeBusy      = "busy"
	OutcomeSkipped   = "skipped"
)

type ExecuteResult struct {
	QueueID string `json:"queue_id"`
	Outcome string `json:"outcome"`
	NewSID  string `json:"new_sid,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r ExecuteResult) Skipped() bool { return r.Outcome == OutcomeSkipped }

var activeStatuses = []calls.Status{calls.StatusRinging, calls.StatusAnswered, calls.StatusInitiated}

// Executor runs due retries. Deliveries are at least once, so every execution
// first claims the entry; duplicates and late deliveries are skipped.
type Executor struct {
	queue        calls.RetryQueue
	sessions     calls.SessionStore
	initiator    *Initiator
	defaultRealm string
	logger       *slog.Logger
	clock        func() time.Time
}

func NewExecutor(queue calls.RetryQueue, sessions calls.SessionStore, initiator *Initiator, defaultRealm string, log *slog.Logger) *Executor {
	return &Executor{
		queue:        queue,
		sessions:     sessions,
		initiator:    initiator,
		defaultRealm: defaultRealm,
		logger:       log,
		clock:        time.Now,
	}
}

// Execute places the retry call described by job. Placement failures are
// recorded on the entry and reported in the result, not as an error: there is
// nothing left for the dispatcher to redeliver. When the busy check cannot be
// made the claim is released and the error returned, so no call is placed.
func (e *Executor) Execute(ctx context.Context, job dispatch.Job) (ExecuteResult, error) {
	log := logger.From(ctx, e.logger).With("queue_id", job.QueueID)
	res := ExecuteResult{QueueID: job.QueueID}

	entry, err := e.queue.Get(ctx, job.QueueID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return res, ErrRetryNotFound
		}
		return res, fmt.Errorf("agentcall: load retry: %w", err)
	}
	if entry.Status != calls.RetryStatusPending {
		metrics.RetriesExecuted.WithLabelValues(OutcomeSkipped).Inc()
		log.Info("retry already settled", "status", entry.Status)
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	now := e.clock().UTC()
	claimed, err := e.queue.Claim(ctx, entry.ID, now, now.Add(-ClaimTimeout))
	if err != nil {
		return res, fmt.Errorf("agentcall: claim retry: %w", err)
	}
	if !claimed {
		metrics.RetriesExecuted.WithLabelValues(OutcomeSkipped).Inc()
		log.Info("retry claimed by another execution")
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	if entry.ExecutedAt != nil {
		// Taking over a stale claim. The previous execution may have placed the
		// call and then failed to settle the entry.
		log.Warn("stale retry claim taken over", "claimed_at", *entry.ExecutedAt)
		placed, err := e.attemptPlaced(ctx, entry)
		if err != nil {
			e.release(ctx, log, entry.ID)
			return res, fmt.Errorf("agentcall: check previous attempt: %w", err)
		}
		if placed {
			if err := e.queue.Complete(ctx, entry.ID, ""); err != nil {
				metrics.SideEffectErrors.WithLabelValues("retry_queue").Inc()
				log.Error("retry completion update failed", "err", err)
			}
			metrics.RetriesExecuted.WithLabelValues(OutcomeSkipped).Inc()
			log.Info("retry attempt already placed", "retry_attempt", entry.RetryAttempt)
			res.Outcome = OutcomeSkipped
			return res, nil
		}
	}

	// The job body is not signed; the stored entry wins over it.
	calleeID := firstNonEmpty(entry.CalleeID, job.CalleeID)
	active, busy, err := e.sessions.FindActiveForCallee(ctx, calleeID, activeStatuses, now.Add(-BusyWindow))
	if err != nil {
		e.release(ctx, log, entry.ID)
		return res, fmt.Errorf("agentcall: busy check: %w", err)
	}
	if busy {
		e.fail(ctx, log, entry.ID, reasonCalleeBusy)
		metrics.RetriesExecuted.WithLabelValues(OutcomeBusy).Inc()
		log.Info("retry skipped, callee busy", "active_sid", active.SID)
		res.Outcome = OutcomeBusy
		res.Error = reasonCalleeBusy
		return res, nil
	}

	req := InitiateRequest{
		CallerID:         job.CallerID,
		CallerRealm:      job.CallerRealm,
		CalleeID:         calleeID,
		CalleeRealm:      job.CalleeRealm,
		AudioPayloadRefs: entry.AudioPayloadRefs,
		Language:         firstNonEmpty(entry.Language, job.Language),
		IsRetry:          true,
		ParentSID:        entry.OriginalSID,
		RetryAttempt:     entry.RetryAttempt,
	}
	if len(req.AudioPayloadRefs) == 0 {
		req.AudioPayloadRefs = job.AudioPayloadRefs
	}
	if req.RetryAttempt == 0 {
		req.RetryAttempt = job.Attempt
	}
	e.fillFromOriginal(ctx, log, entry.OriginalSID, &req)

	newSID, err := e.initiator.Initiate(ctx, req)
	if err != nil {
		e.fail(ctx, log, entry.ID, err.Error())
		metrics.RetriesExecuted.WithLabelValues(OutcomeFailed).Inc()
		log.Warn("retry call failed", "err", err)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res, nil
	}

	if err := e.queue.Complete(ctx, entry.ID, newSID); err != nil {
		metrics.SideEffectErrors.WithLabelValues("retry_queue").Inc()
		log.Error("retry completion update failed", "new_sid", newSID, "err", err)
	}
	if _, err := e.sessions.UpdateIf(ctx, calls.Key{SID: entry.OriginalSID}, calls.Condition{}, calls.Patch{IncrementRetryCount: true}); err != nil {
		metrics.SideEffectErrors.WithLabelValues("session_update").Inc()
		log.Error("retry count update failed", "original_sid", entry.OriginalSID, "err", err)
	}

	metrics.RetriesExecuted.WithLabelValues(OutcomeCompleted).Inc()
	log.Info("retry call placed", "original_sid", entry.OriginalSID, "new_sid", newSID)
	res.Outcome = OutcomeCompleted
	res.NewSID = newSID
	return res, nil
}

// fillFromOriginal resolves caller identity and the callee realm. The original
// session's caller wins over the job's. The callee realm comes from the job,
// then the original session, then the configured default.
func (e *Executor) fillFromOriginal(ctx context.Context, log *slog.Logger, originalSID string, req *InitiateRequest) {
	orig, err := e.sessions.Get(ctx, calls.Key{SID: originalSID})
	switch {
	case err == nil:
		if orig.CallerID != "" {
			req.CallerID = orig.CallerID
			req.CallerRealm = firstNonEmpty(orig.CallerRealm, req.CallerRealm)
		}
		req.CalleeRealm = firstNonEmpty(req.CalleeRealm, orig.CalleeRealm)
	case !errors.Is(err, calls.ErrNotFound):
		log.Warn("original session lookup failed", "original_sid", originalSID, "err", err)
	}
	if req.CalleeRealm == "" {
		req.CalleeRealm = e.defaultRealm
	}
}

// attemptPlaced reports whether the original session already counts the
// entry's attempt.
func (e *Executor) attemptPlaced(ctx context.Context, entry calls.RetryEntry) (bool, error) {
	orig, err := e.sessions.Get(ctx, calls.Key{SID: entry.OriginalSID})
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.RetryAttempt > 0 && orig.RetryCount >= entry.RetryAttempt, nil
}

func (e *Executor) release(ctx context.Context, log *slog.Logger, id string) {
	if err := e.queue.Release(ctx, id); err != nil {
		metrics.SideEffectErrors.WithLabelValues("retry_queue").Inc()
		log.Error("retry claim release failed", "err", err)
	}
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, id, reason string) {
	if err := e.queue.Fail(ctx, id, reason); err != nil {
		metrics.SideEffectErrors.WithLabelValues("retry_queue").Inc()
		log.Error("retry failure update failed", "reason", reason, "err", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
