package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/artifact"
	"github.com/shehryarbajwa/stepdebug/internal/engine/enginetest"
	"github.com/shehryarbajwa/stepdebug/internal/executor"
	"github.com/shehryarbajwa/stepdebug/internal/pool"
	"github.com/shehryarbajwa/stepdebug/internal/prereq"
	"github.com/shehryarbajwa/stepdebug/internal/proxy"
	"github.com/shehryarbajwa/stepdebug/internal/ratelimit"
	"github.com/shehryarbajwa/stepdebug/internal/script"
	"github.com/shehryarbajwa/stepdebug/internal/session"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	router *mux.Router
}

type serverOptions struct {
	maxContexts int
	burst       int
}

func newTestServer(t *testing.T, o serverOptions) *testServer {
	t.Helper()
	if o.maxContexts == 0 {
		o.maxContexts = 5
	}
	if o.burst == 0 {
		o.burst = 100
	}

	log := zap.NewNop()
	driver := enginetest.NewDriver()
	p := pool.New(driver, nil, pool.Options{MaxContexts: o.maxContexts, IdleTimeout: time.Hour}, log)

	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	scripts := script.NewMemorySource()
	require.NoError(t, scripts.Put(&models.TestScript{
		ExecutionID: 42,
		TestID:      "signup",
		BaseURL:     "https://app.example.com",
		Steps: []models.TestStep{
			{Description: "Open signup", Action: "navigate https://app.example.com/signup"},
			{Description: "Enter name", Action: "fill #name with Ada", ExpectedState: "name filled"},
			{Description: "Enter email", Action: "fill #email with ada@example.com"},
			{Description: "Accept terms", Action: "click #terms"},
			{Description: "Submit", Action: "click #submit"},
		},
	}))

	exec := executor.New(p, store, executor.Options{ActionTimeout: time.Second, CaptureScreenshots: true}, log)
	runner := prereq.NewRunner(exec, log)
	m := session.NewManager(p, scripts, exec, runner, store, session.Options{
		ExecutionCost:     1000,
		SetupCost:         5000,
		SetupPollInterval: 5 * time.Millisecond,
		SetupMaxPolls:     400,
	}, log)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	h := NewHandler(m, store, p, log)
	router := h.SetupRoutes(proxy.NewServer(m, log), ratelimit.NewLimiter(3600, o.burst), 3600)

	return &testServer{router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "ada")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) start(t *testing.T, body map[string]interface{}) models.DebugSession {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/debug/start", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[models.DebugSession](t, rec)
}

func TestDebugFlow_ManualRange(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	snap := s.start(t, map[string]interface{}{
		"execution_id":       42,
		"target_step_number": 3,
		"end_step_number":    5,
		"mode":               "manual",
	})
	assert.Equal(t, models.StatusReady, snap.Status)
	assert.Equal(t, models.ModeManual, snap.Mode)

	var results []models.ExecuteNextResponse
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/v1/debug/execute-next/"+snap.SessionID, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		results = append(results, decodeBody[models.ExecuteNextResponse](t, rec))
	}

	assert.Equal(t, 3, results[0].StepNumber)
	assert.Equal(t, 4, results[1].StepNumber)
	assert.True(t, results[1].HasMoreSteps)
	assert.Equal(t, 5, results[2].StepNumber)
	assert.True(t, results[2].RangeComplete)
	assert.False(t, results[2].HasMoreSteps)
	assert.Equal(t, 5, results[2].TotalSteps)

	rec := s.do(t, http.MethodGet, "/v1/debug/status/"+snap.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[models.DebugSession](t, rec)
	assert.Equal(t, 3, status.IterationsCount)
	assert.Equal(t, int64(3000), status.TokensUsed)

	rec = s.do(t, http.MethodPost, "/v1/debug/stop", models.SessionRequest{SessionID: snap.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decodeBody[models.StopResponse](t, rec)
	assert.Equal(t, models.StatusCompleted, stopped.Status)
	assert.Equal(t, 3, stopped.IterationsCount)

	rec = s.do(t, http.MethodPost, "/v1/debug/stop", models.SessionRequest{SessionID: snap.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stopped, decodeBody[models.StopResponse](t, rec))

	rec = s.do(t, http.MethodPost, "/v1/debug/execute-next/"+snap.SessionID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDebugFlow_AutoWithWait(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	snap := s.start(t, map[string]interface{}{
		"execution_id":       42,
		"target_step_number": 3,
		"mode":               "auto",
	})

	rec := s.do(t, http.MethodGet, "/v1/debug/status/"+snap.SessionID+"?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[models.DebugSession](t, rec)
	assert.Equal(t, models.StatusReady, status.Status)
	assert.Equal(t, int64(5000), status.TokensUsed)

	rec = s.do(t, http.MethodPost, "/v1/debug/execute-step", models.ExecuteStepRequest{
		SessionID:     snap.SessionID,
		IterationNote: "first try",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[models.StepResult](t, rec)
	assert.True(t, result.Passed)
	assert.Equal(t, 3, result.StepNumber)
	assert.Equal(t, "first try", result.Note)
	assert.NotEmpty(t, result.Screenshot)

	rec = s.do(t, http.MethodGet, "/v1/debug/screenshots/"+result.Screenshot, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = s.do(t, http.MethodGet, "/v1/debug/sessions/"+snap.SessionID+"/screenshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	_, err = tar.NewReader(gz).Next()
	assert.NoError(t, err)
}

func TestStart_Errors(t *testing.T) {
	s := newTestServer(t, serverOptions{maxContexts: 1})

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{name: "malformed json", body: "{", code: http.StatusBadRequest},
		{name: "target zero", body: map[string]interface{}{"execution_id": 42, "target_step_number": 0}, code: http.StatusBadRequest},
		{name: "end before target", body: map[string]interface{}{"execution_id": 42, "target_step_number": 3, "end_step_number": 1}, code: http.StatusBadRequest},
		{name: "unknown mode", body: map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "fast"}, code: http.StatusBadRequest},
		{name: "unknown execution", body: map[string]interface{}{"execution_id": 9, "target_step_number": 1}, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/debug/start", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["error"])
		})
	}

	s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "manual"})
	rec := s.do(t, http.MethodPost, "/v1/debug/start", map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "manual"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	rec := s.do(t, http.MethodGet, "/v1/debug/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/debug/stop", models.SessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/debug/confirm-setup", models.SessionRequest{SessionID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	manual := s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 2, "mode": "manual"})
	rec = s.do(t, http.MethodPost, "/v1/debug/confirm-setup", models.SessionRequest{SessionID: manual.SessionID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/debug/continuous/"+manual.SessionID, models.ContinuousRequest{Enabled: true, IntervalMs: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// local browsers have no live view
	rec = s.do(t, http.MethodGet, "/v1/debug/sessions/"+manual.SessionID+"/ws", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/debug/screenshots/unknown.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstructions(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	manual := s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 3, "mode": "manual"})
	rec := s.do(t, http.MethodGet, "/v1/debug/instructions/"+manual.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	instructions := decodeBody[[]models.SetupInstruction](t, rec)
	require.Len(t, instructions, 2)
	assert.Equal(t, "Enter name", instructions[1].Description)
	assert.Equal(t, "name filled", instructions[1].ExpectedState)

	auto := s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 3, "mode": "auto"})
	rec = s.do(t, http.MethodGet, "/v1/debug/instructions/"+auto.SessionID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContinuousEndpoint(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	snap := s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 4, "mode": "manual"})

	rec := s.do(t, http.MethodPost, "/v1/debug/continuous/"+snap.SessionID, models.ContinuousRequest{Enabled: true, IntervalMs: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/v1/debug/status/"+snap.SessionID, nil)
		status := decodeBody[models.DebugSession](t, rec)
		return status.RangeComplete && !status.Continuous
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListSessions(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	for i := 0; i < 3; i++ {
		s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "manual"})
	}

	rec := s.do(t, http.MethodGet, "/v1/debug/sessions?skip=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[models.SessionList](t, rec)
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, 3, list.ActiveSessions)
	assert.Len(t, list.Sessions, 1)
	assert.Equal(t, 1, list.Skip)

	rec = s.do(t, http.MethodGet, "/v1/debug/sessions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, serverOptions{burst: 1})

	s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "manual"})

	rec := s.do(t, http.MethodPost, "/v1/debug/start", map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "manual"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// polling is not limited
	rec = s.do(t, http.MethodGet, "/v1/debug/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndCORS(t *testing.T) {
	s := newTestServer(t, serverOptions{maxContexts: 3})
	s.start(t, map[string]interface{}{"execution_id": 42, "target_step_number": 1, "mode": "manual"})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status         string           `json:"status"`
		Pool           models.PoolStats `json:"pool"`
		ActiveSessions int              `json:"active_sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, models.PoolStats{Active: 1, MaxContexts: 3}, body.Pool)
	assert.Equal(t, 1, body.ActiveSessions)

	rec = s.do(t, http.MethodOptions, "/v1/debug/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
