package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"agentcall/internal/agentcall"
	"agentcall/internal/audit"
	"agentcall/internal/auth"
	"agentcall/internal/calls"
	"agentcall/internal/config"
	"agentcall/internal/dispatch"
	"agentcall/internal/notify"
	"agentcall/internal/rbac"
	"agentcall/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobRecorder struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (r *jobRecorder) Schedule(ctx context.Context, job dispatch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *jobRecorder) last() dispatch.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[len(r.jobs)-1]
}

type testAPI struct {
	router   *gin.Engine
	auth     *auth.Manager
	sessions *calls.MemorySessionRepo
	jobs     *jobRecorder
}

func newTestAPI(t *testing.T) *testAPI {
	return newTestAPIWith(t, false)
}

func newTestAPIWith(t *testing.T, devLogin bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	am, err := auth.NewManager(config.AuthConfig{
		JWTSecret:        "secret",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  24 * time.Hour,
		CallbackTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	sessions := calls.NewMemorySessionRepo()
	queue := calls.NewMemoryRetryRepo()
	events := audit.NewService(audit.NewMemoryRepo())
	notifier := notify.LogNotifier{Logger: log}
	jobs := &jobRecorder{}

	initiator, err := agentcall.NewInitiator(telephony.MockPlacer{}, sessions, events, "https://calls.example.com/webhooks/agent-calls/callback", log)
	require.NoError(t, err)

	h := Handlers{
		Auth:      am,
		Initiator: initiator,
		Ingestor:  agentcall.NewIngestor(sessions, events, notifier, agentcall.IngestorConfig{}, log),
		Scheduler: agentcall.NewScheduler(sessions, queue, jobs, notifier, events, 24*time.Hour, log),
		Executor:  agentcall.NewExecutor(queue, sessions, initiator, "default", log),
		Query:     agentcall.NewQuery(sessions, events),
	}

	r := gin.New()
	Register(r, h, auth.RequireAccessToken(am), RouteOptions{DevLogin: devLogin})

	return &testAPI{router: r, auth: am, sessions: sessions, jobs: jobs}
}

func (a *testAPI) token(t *testing.T, userID, role string) string {
	t.Helper()
	pair, err := a.auth.IssuePair(time.Now(), userID, "acme", role)
	require.NoError(t, err)
	return pair.AccessToken
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) initiate(t *testing.T) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/agent-calls", a.token(t, "op-1", rbac.RoleOperator), gin.H{
		"callee_id":          "user-1",
		"audio_payload_refs": []string{"https://cdn.example.com/greeting.mp3"},
		"language":           "en",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out struct {
		SID string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotEmpty(t, out.SID)
	return out.SID
}

func (a *testAPI) status(t *testing.T, sid string) calls.Status {
	t.Helper()
	s, err := a.sessions.Get(context.Background(), calls.Key{SID: sid})
	require.NoError(t, err)
	return s.Status
}

func TestInitiateCall(t *testing.T) {
	a := newTestAPI(t)
	sid := a.initiate(t)
	assert.True(t, strings.HasPrefix(sid, "mock-"))
	assert.Equal(t, calls.StatusInitiated, a.status(t, sid))

	s, err := a.sessions.Get(context.Background(), calls.Key{SID: sid})
	require.NoError(t, err)
	assert.Equal(t, "op-1", s.CallerID)
	assert.Equal(t, "acme", s.CallerRealm)
}

func TestInitiateCall_Rejections(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/agent-calls", "", gin.H{"callee_id": "user-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, http.MethodPost, "/v1/agent-calls", a.token(t, "user-1", rbac.RoleCallee), gin.H{"callee_id": "user-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/agent-calls", a.token(t, "op-1", rbac.RoleOperator), gin.H{"callee_id": "user-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "audio refs are required")
}

func TestCallback_AcceptsEveryShape(t *testing.T) {
	a := newTestAPI(t)
	sid := a.initiate(t)

	// JSON lifecycle signal.
	w := a.do(t, http.MethodPost, "/webhooks/agent-calls/callback", "", gin.H{"sid": sid, "type": "start"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, calls.StatusRinging, a.status(t, sid))

	// Form-encoded status callback.
	form := url.Values{"CallSid": {sid}, "CallStatus": {"no-answer"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/agent-calls/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, calls.StatusMissed, a.status(t, sid))

	// Query-string signal via GET, for an unknown session.
	w = a.do(t, http.MethodGet, "/webhooks/agent-calls/callback?s=CA-x&c=J&u=user-1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Garbage still gets 200.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/agent-calls/callback", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScheduleAndExecuteRetry(t *testing.T) {
	a := newTestAPI(t)
	sid := a.initiate(t)
	a.do(t, http.MethodPost, "/webhooks/agent-calls/callback", "", gin.H{"sid": sid, "disconnect_reason": 1203})
	require.Equal(t, calls.StatusMissed, a.status(t, sid))

	callee := a.token(t, "user-1", rbac.RoleCallee)
	w := a.do(t, http.MethodPost, "/v1/agent-calls/"+sid+"/retry", callee, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/agent-calls/"+sid+"/retry", callee, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var again agentcall.ScheduleResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.True(t, again.AlreadyScheduled)

	job := a.jobs.last()

	// Wrong entry binding.
	other, err := a.auth.SignCallback("some-other-entry", time.Now())
	require.NoError(t, err)
	w = a.do(t, http.MethodPost, "/internal/agent-calls/retries/execute", "", dispatch.Envelope{Job: job, Token: other})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := a.auth.SignCallback(job.QueueID, time.Now())
	require.NoError(t, err)
	w = a.do(t, http.MethodPost, "/internal/agent-calls/retries/execute", "", dispatch.Envelope{Job: job, Token: token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res agentcall.ExecuteResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, agentcall.OutcomeCompleted, res.Outcome)
	assert.NotEmpty(t, res.NewSID)

	// Redelivery is acknowledged and skipped.
	w = a.do(t, http.MethodPost, "/internal/agent-calls/retries/execute", "", dispatch.Envelope{Job: job, Token: token})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, agentcall.OutcomeSkipped, res.Outcome)
}

func TestScheduleRetry_Errors(t *testing.T) {
	a := newTestAPI(t)
	sid := a.initiate(t)

	w := a.do(t, http.MethodPost, "/v1/agent-calls/CA-nope/retry", a.token(t, "user-1", rbac.RoleCallee), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodPost, "/v1/agent-calls/"+sid+"/retry", a.token(t, "user-2", rbac.RoleCallee), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	for i := 0; i < agentcall.MaxRetries; i++ {
		_, err := a.sessions.UpdateIf(context.Background(), calls.Key{SID: sid}, calls.Condition{}, calls.Patch{IncrementRetryCount: true})
		require.NoError(t, err)
	}
	w = a.do(t, http.MethodPost, "/v1/agent-calls/"+sid+"/retry", a.token(t, "op-1", rbac.RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"max_retries_reached"}`, w.Body.String())
}

func TestExecuteRetry_UnknownEntry(t *testing.T) {
	a := newTestAPI(t)
	token, err := a.auth.SignCallback("q-missing", time.Now())
	require.NoError(t, err)
	w := a.do(t, http.MethodPost, "/internal/agent-calls/retries/execute", "", dispatch.Envelope{
		Job:   dispatch.Job{QueueID: "q-missing"},
		Token: token,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetCall(t *testing.T) {
	a := newTestAPI(t)
	sid := a.initiate(t)

	w := a.do(t, http.MethodGet, "/v1/agent-calls/"+sid, a.token(t, "user-1", rbac.RoleCallee), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view agentcall.SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, sid, view.Session.SID)
	assert.NotEmpty(t, view.Events)

	w = a.do(t, http.MethodGet, "/v1/agent-calls/"+sid, a.token(t, "user-2", rbac.RoleCallee), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegister_DevLogin(t *testing.T) {
	body := gin.H{"user_id": "op-1", "realm": "acme", "role": rbac.RoleOperator}

	w := newTestAPI(t).do(t, http.MethodPost, "/v1/auth/login", "", body)
	assert.Equal(t, http.StatusNotFound, w.Code)

	a := newTestAPIWith(t, true)
	w = a.do(t, http.MethodPost, "/v1/auth/login", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))

	w = a.do(t, http.MethodPost, "/v1/agent-calls", out.AccessToken, gin.H{
		"callee_id":          "user-1",
		"audio_payload_refs": []string{"https://cdn.example.com/greeting.mp3"},
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRegister_RoleTable(t *testing.T) {
	a := newTestAPI(t)
	sid := a.initiate(t)

	cases := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"system cannot initiate", http.MethodPost, "/v1/agent-calls", rbac.RoleSystem, http.StatusForbidden},
		{"system cannot read", http.MethodGet, "/v1/agent-calls/" + sid, rbac.RoleSystem, http.StatusForbidden},
		{"system cannot retry", http.MethodPost, "/v1/agent-calls/" + sid + "/retry", rbac.RoleSystem, http.StatusForbidden},
		{"super admin reads", http.MethodGet, "/v1/agent-calls/" + sid, rbac.RoleSuperAdmin, http.StatusOK},
		{"callee reads own", http.MethodGet, "/v1/agent-calls/" + sid, rbac.RoleCallee, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, tc.method, tc.path, a.token(t, "user-1", tc.role), nil)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	// A token without a user id stops at the identity check.
	w := a.do(t, http.MethodGet, "/v1/agent-calls/"+sid, a.token(t, "", rbac.RoleOperator), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
