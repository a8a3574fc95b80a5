package agentcall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentcall/internal/calls"
	"agentcall/internal/dispatch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scheduledRetry returns the job dispatched for a missed call.
func (h *harness) scheduledRetry() (string, dispatch.Job) {
	h.t.Helper()
	sid := h.missedCall()
	_, err := h.scheduler.Schedule(context.Background(), sid, "user-1")
	require.NoError(h.t, err)
	jobs := h.dispatcher.Jobs()
	require.NotEmpty(h.t, jobs)
	return sid, jobs[len(jobs)-1]
}

func (h *harness) entry(id string) calls.RetryEntry {
	h.t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	require.NoError(h.t, err)
	return e
}

func TestExecute_PlacesRetryCall(t *testing.T) {
	h := newHarness(t)
	sid, job := h.scheduledRetry()
	h.advance(RetryDelay)

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.NotEmpty(t, res.NewSID)

	e := h.entry(job.QueueID)
	assert.Equal(t, calls.RetryStatusCompleted, e.Status)
	assert.Equal(t, res.NewSID, e.RetrySID)
	require.NotNil(t, e.ExecutedAt)
	assert.Equal(t, h.now, *e.ExecutedAt)

	retry := h.session(res.NewSID)
	assert.Equal(t, calls.StatusInitiated, retry.Status)
	assert.Equal(t, "user-1", retry.CalleeID)
	assert.Equal(t, "acme-users", retry.CalleeRealm)
	assert.Equal(t, "op-1", retry.CallerID)

	assert.Equal(t, 1, h.session(sid).RetryCount)
}

// The callee is already on another call.
func TestExecute_CalleeBusy(t *testing.T) {
	h := newHarness(t)
	sid, job := h.scheduledRetry()

	h.advance(RetryDelay - 30*time.Second)
	other := h.initiate()
	h.ingest(map[string]any{"sid": other, "type": "connected"})
	require.Equal(t, calls.StatusAnswered, h.session(other).Status)
	placed := h.placer.Placed()

	h.advance(30 * time.Second)
	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Equal(t, "callee busy", res.Error)

	e := h.entry(job.QueueID)
	assert.Equal(t, calls.RetryStatusFailed, e.Status)
	assert.Equal(t, "callee busy", e.ErrorMessage)
	assert.Equal(t, placed, h.placer.Placed())
	assert.Equal(t, 0, h.session(sid).RetryCount)
}

func TestExecute_StaleActiveSessionIsNotBusy(t *testing.T) {
	h := newHarness(t)
	_, job := h.scheduledRetry()

	// Still "answered", but older than the busy window.
	other := h.initiate()
	h.ingest(map[string]any{"sid": other, "type": "connected"})
	h.advance(RetryDelay)

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestExecute_DuplicateDeliveriesPlaceOneCall(t *testing.T) {
	h := newHarness(t)
	_, job := h.scheduledRetry()
	h.advance(RetryDelay)
	before := h.placer.Placed()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.executor.Execute(context.Background(), job)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeCompleted])
	assert.Equal(t, 7, outcomes[OutcomeSkipped])
	assert.Equal(t, before+1, h.placer.Placed())

	// A late redelivery after completion is skipped too.
	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Skipped())
	assert.Equal(t, before+1, h.placer.Placed())
}

func TestExecute_PlacementFailure(t *testing.T) {
	h := newHarness(t)
	sid, job := h.scheduledRetry()
	h.advance(RetryDelay)
	h.placer.err = errors.New("carrier rejected")

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "carrier rejected")

	e := h.entry(job.QueueID)
	assert.Equal(t, calls.RetryStatusFailed, e.Status)
	assert.Contains(t, e.ErrorMessage, "carrier rejected")
	assert.Equal(t, 0, h.session(sid).RetryCount)

	// The failed entry no longer blocks a new request.
	_, err = h.scheduler.Schedule(context.Background(), sid, "user-1")
	assert.NoError(t, err)
}

func TestExecute_RealmFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.queue.InsertPending(context.Background(), calls.RetryEntry{
		ID:               "q-1",
		OriginalSID:      "CA-gone",
		CalleeID:         "user-9",
		AudioPayloadRefs: []string{"https://cdn.example.com/a.mp3"},
		Language:         "fr",
		ScheduledAt:      h.now,
		RetryAttempt:     2,
		CreatedAt:        h.now,
	}))

	res, err := h.executor.Execute(context.Background(), dispatch.Job{
		QueueID:  "q-1",
		CallerID: "op-9",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	req := h.placer.LastRequest()
	assert.Equal(t, "user-9", req.CalleeID)
	assert.Equal(t, "default", req.CalleeRealm)
	assert.Equal(t, "fr", req.Language)
	assert.Equal(t, []string{"https://cdn.example.com/a.mp3"}, req.AudioPayloadRefs)

	retry := h.session(res.NewSID)
	assert.Equal(t, "CA-gone", retry.ParentSID)
}

func TestExecute_UnknownEntry(t *testing.T) {
	h := newHarness(t)
	_, err := h.executor.Execute(context.Background(), dispatch.Job{QueueID: "missing"})
	assert.ErrorIs(t, err, ErrRetryNotFound)
}

func TestExecute_BusyCheckErrorPlacesNothing(t *testing.T) {
	h := newHarness(t)
	sid, job := h.scheduledRetry()
	h.advance(RetryDelay)
	before := h.placer.Placed()

	h.executor.sessions = unreachableSessions{h.sessions}
	_, err := h.executor.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement timeout")
	assert.Equal(t, before, h.placer.Placed())

	e := h.entry(job.QueueID)
	assert.Equal(t, calls.RetryStatusPending, e.Status)
	assert.Nil(t, e.ExecutedAt, "claim released")

	// The redelivery after the store recovers goes through.
	h.executor.sessions = h.sessions
	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, before+1, h.placer.Placed())
	assert.Equal(t, 1, h.session(sid).RetryCount)
}

func TestExecute_UnsettledClaimIsTakenOver(t *testing.T) {
	h := newHarness(t)
	_, job := h.scheduledRetry()
	h.advance(RetryDelay)

	q := &flakyQueue{RetryQueue: h.queue}
	q.failFail.Store(true)
	h.executor.queue = q
	h.placer.err = errors.New("carrier rejected")

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	e := h.entry(job.QueueID)
	require.Equal(t, calls.RetryStatusPending, e.Status)
	require.NotNil(t, e.ExecutedAt)

	// A redelivery inside the claim timeout still backs off.
	h.advance(time.Minute)
	res, err = h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Skipped())

	h.advance(ClaimTimeout)
	h.placer.err = nil
	before := h.placer.Placed()
	res, err = h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, before+1, h.placer.Placed())
	assert.Equal(t, calls.RetryStatusCompleted, h.entry(job.QueueID).Status)
}

func TestExecute_StaleClaimAfterPlacementIsNotPlacedAgain(t *testing.T) {
	h := newHarness(t)
	sid, job := h.scheduledRetry()
	h.advance(RetryDelay)

	q := &flakyQueue{RetryQueue: h.queue}
	q.failComplete.Store(true)
	h.executor.queue = q

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, calls.RetryStatusPending, h.entry(job.QueueID).Status)
	require.Equal(t, 1, h.session(sid).RetryCount)
	placed := h.placer.Placed()

	h.advance(ClaimTimeout + time.Minute)
	res, err = h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Skipped())
	assert.Equal(t, placed, h.placer.Placed())
	assert.Equal(t, calls.RetryStatusCompleted, h.entry(job.QueueID).Status)
	assert.Equal(t, 1, h.session(sid).RetryCount)
}

func TestExecute_StoredEntryWinsOverJobBody(t *testing.T) {
	h := newHarness(t)
	_, job := h.scheduledRetry()
	h.advance(RetryDelay)

	job.CalleeID = "user-666"
	job.CallerID = "op-666"
	job.AudioPayloadRefs = []string{"https://evil.example.com/x.mp3"}
	job.Language = "de"
	job.Attempt = 3

	res, err := h.executor.Execute(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	req := h.placer.LastRequest()
	assert.Equal(t, "user-1", req.CalleeID)
	assert.Equal(t, []string{"https://cdn.example.com/greeting.mp3"}, req.AudioPayloadRefs)
	assert.Equal(t, "en", req.Language)

	retry := h.session(res.NewSID)
	assert.Equal(t, "user-1", retry.CalleeID)
	assert.Equal(t, "op-1", retry.CallerID)
}
