package agentcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentcall/internal/audit"
	"agentcall/internal/calls"
	"agentcall/internal/dispatch"
	"agentcall/internal/notify"
	"agentcall/internal/telephony"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) Messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (d *recordingDispatcher) Schedule(ctx context.Context, job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return d.err
}

func (d *recordingDispatcher) Jobs() []dispatch.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Job(nil), d.jobs...)
}

type countingPlacer struct {
	n    atomic.Int32
	err  error
	last atomic.Value
}

func (p *countingPlacer) Name() string { return "counting" }

func (p *countingPlacer) Place(ctx context.Context, req telephony.PlaceRequest) (telephony.PlaceResult, error) {
	if p.err != nil {
		return telephony.PlaceResult{}, p.err
	}
	n := p.n.Add(1)
	p.last.Store(req)
	return telephony.PlaceResult{SID: fmt.Sprintf("CA%03d", n)}, nil
}

func (p *countingPlacer) Placed() int { return int(p.n.Load()) }

func (p *countingPlacer) LastRequest() telephony.PlaceRequest {
	v, _ := p.last.Load().(telephony.PlaceRequest)
	return v
}

// brokenSessions fails Create while delegating everything else.
type brokenSessions struct {
	calls.SessionStore
}

func (brokenSessions) Create(ctx context.Context, s calls.Session) error {
	return errors.New("connection refused")
}

// flakyQueue fails the next Fail or Complete write once when armed.
type flakyQueue struct {
	calls.RetryQueue
	failFail     atomic.Bool
	failComplete atomic.Bool
}

func (q *flakyQueue) Fail(ctx context.Context, id, message string) error {
	if q.failFail.CompareAndSwap(true, false) {
		return errors.New("connection reset by peer")
	}
	return q.RetryQueue.Fail(ctx, id, message)
}

func (q *flakyQueue) Complete(ctx context.Context, id, retrySID string) error {
	if q.failComplete.CompareAndSwap(true, false) {
		return errors.New("connection reset by peer")
	}
	return q.RetryQueue.Complete(ctx, id, retrySID)
}

// unreachableSessions fails the busy lookup while delegating everything else.
type unreachableSessions struct {
	calls.SessionStore
}

func (unreachableSessions) FindActiveForCallee(ctx context.Context, calleeID string, statuses []calls.Status, since time.Time) (calls.Session, bool, error) {
	return calls.Session{}, false, errors.New("statement timeout")
}

type harness struct {
	t   *testing.T
	now time.Time

	sessions   *calls.MemorySessionRepo
	queue      *calls.MemoryRetryRepo
	eventsRepo *audit.MemoryRepo
	events     *audit.Service
	notifier   *recordingNotifier
	dispatcher *recordingDispatcher
	placer     *countingPlacer

	initiator *Initiator
	ingestor  *Ingestor
	scheduler *Scheduler
	executor  *Executor
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		sessions:   calls.NewMemorySessionRepo(),
		queue:      calls.NewMemoryRetryRepo(),
		eventsRepo: audit.NewMemoryRepo(),
		notifier:   &recordingNotifier{},
		dispatcher: &recordingDispatcher{},
		placer:     &countingPlacer{},
	}
	clock := func() time.Time { return h.now }
	h.events = audit.NewService(h.eventsRepo).WithClock(clock)
	log := discardLogger()

	var err error
	h.initiator, err = NewInitiator(h.placer, h.sessions, h.events, "https://calls.example.com/webhooks/agent-calls/callback", log)
	require.NoError(t, err)
	h.initiator.clock = clock

	h.ingestor = NewIngestor(h.sessions, h.events, h.notifier, IngestorConfig{
		OperatorIDs:       []string{"op-1", "op-2"},
		RetryLinkTemplate: "https://app.example.com/calls/{sid}/retry",
	}, log)
	h.ingestor.clock = clock

	h.scheduler = NewScheduler(h.sessions, h.queue, h.dispatcher, h.notifier, h.events, 24*time.Hour, log)
	h.scheduler.clock = clock

	h.executor = NewExecutor(h.queue, h.sessions, h.initiator, "default", log)
	h.executor.clock = clock
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// initiate places a first-attempt call from op-1 to user-1.
func (h *harness) initiate() string {
	h.t.Helper()
	sid, err := h.initiator.Initiate(context.Background(), InitiateRequest{
		CallerID:         "op-1",
		CallerRealm:      "acme",
		CalleeID:         "user-1",
		CalleeRealm:      "acme-users",
		AudioPayloadRefs: []string{"https://cdn.example.com/greeting.mp3"},
		Language:         "en",
	})
	require.NoError(h.t, err)
	return sid
}

func (h *harness) ingest(raw map[string]any) IngestResult {
	h.t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), raw)
	require.NoError(h.t, err)
	return res
}

func (h *harness) session(sid string) calls.Session {
	h.t.Helper()
	s, err := h.sessions.Get(context.Background(), calls.Key{SID: sid})
	require.NoError(h.t, err)
	return s
}

func (h *harness) eventTypes(sid string) []string {
	evs, _ := h.events.List(context.Background(), sid)
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.EventType)
	}
	return out
}
