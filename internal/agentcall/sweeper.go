package agentcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentcall/internal/calls"
	"agentcall/internal/dispatch"
	"agentcall/pkg/logger"

	"github.com/robfig/cron/v3"
)

const sweepBatch = 50

// Sweeper executes pending retries whose dispatcher callback never arrived,
// for example because scheduling with the dispatcher failed.
type Sweeper struct {
	queue    calls.RetryQueue
	executor *Executor
	spec     string
	grace    time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
	clock    func() time.Time
}

func NewSweeper(queue calls.RetryQueue, executor *Executor, spec string, grace time.Duration, log *slog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("agentcall: sweep schedule %q: %w", spec, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		queue:    queue,
		executor: executor,
		spec:     spec,
		grace:    grace,
		logger:   log,
		clock:    time.Now,
	}, nil
}

// Start runs SweepOnce on the configured schedule. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("retry sweep failed", "err", err)
		}
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("retry sweeper started", "schedule", s.spec, "grace", s.grace)
	return nil
}

// Stop waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("retry sweeper stopped")
}

// SweepOnce executes every overdue entry once and returns how many it ran.
// Entries whose claim went stale are included.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	entries, err := s.queue.ListOverdue(ctx, now.Add(-s.grace), now.Add(-ClaimTimeout), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("agentcall: list overdue retries: %w", err)
	}
	ran := 0
	for _, entry := range entries {
		log := logger.From(ctx, s.logger).With("queue_id", entry.ID)
		res, err := s.executor.Execute(ctx, jobFromEntry(entry))
		if err != nil {
			log.Error("overdue retry execution failed", "err", err)
			continue
		}
		if !res.Skipped() {
			ran++
		}
		log.Info("overdue retry executed", "outcome", res.Outcome)
	}
	return ran, nil
}

// jobFromEntry rebuilds a job from the stored entry. Caller identity and realms
// are not stored on the entry and are resolved from the original session.
func jobFromEntry(e calls.RetryEntry) dispatch.Job {
	return dispatch.Job{
		QueueID:          e.ID,
		OriginalSID:      e.OriginalSID,
		CalleeID:         e.CalleeID,
		AudioPayloadRefs: e.AudioPayloadRefs,
		Language:         e.Language,
		Attempt:          e.RetryAttempt,
		ScheduledAt:      e.ScheduledAt,
	}
}
