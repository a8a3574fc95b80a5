package agentcall

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentcall/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunsUndeliveredRetry(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("dispatcher unavailable")
	sid, job := h.scheduledRetry()

	sw, err := NewSweeper(h.queue, h.executor, "@every 1m", time.Minute, discardLogger())
	require.NoError(t, err)
	sw.clock = func() time.Time { return h.now }

	h.advance(RetryDelay)
	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "inside the grace period")

	h.advance(time.Minute)
	n, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := h.entry(job.QueueID)
	assert.Equal(t, calls.RetryStatusCompleted, e.Status)
	assert.Equal(t, 1, h.session(sid).RetryCount)

	// Nothing left to sweep.
	n, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := NewSweeper(h.queue, h.executor, "every so often", time.Minute, nil)
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	sw, err := NewSweeper(h.queue, h.executor, "@every 1h", time.Minute, discardLogger())
	require.NoError(t, err)

	require.NoError(t, sw.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sw.Stop(ctx)
}

func TestSweeper_PicksUpStaleClaim(t *testing.T) {
	h := newHarness(t)
	sid, job := h.scheduledRetry()
	h.advance(RetryDelay)

	q := &flakyQueue{RetryQueue: h.queue}
	q.failFail.Store(true)
	h.executor.queue = q
	h.placer.err = errors.New("carrier rejected")

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, calls.RetryStatusPending, h.entry(job.QueueID).Status)

	sw, err := NewSweeper(q, h.executor, "@every 1m", time.Minute, discardLogger())
	require.NoError(t, err)
	sw.clock = func() time.Time { return h.now }

	h.advance(2 * time.Minute)
	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claim is still fresh")

	h.advance(ClaimTimeout)
	h.placer.err = nil
	n, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e := h.entry(job.QueueID)
	assert.Equal(t, calls.RetryStatusCompleted, e.Status)
	assert.Equal(t, 1, h.session(sid).RetryCount)
}
