package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/domain/inspector"
	"taskrunner/internal/domain/sessionlog"
	"taskrunner/internal/domain/steps"
	"taskrunner/internal/domain/task"
	"taskrunner/internal/domain/variables"
	"taskrunner/internal/infra/observability"
	"taskrunner/internal/shared/logging"
)

type fakeOrchestrator struct {
	mu       sync.Mutex
	runErr   error
	runIDs   []string
	runVars  variables.Values
	runAll   int
	stopped  int
	cleared  int
	refresh  int
	tasks    []task.Task
	report   *task.ExecutionReport
	session  *sessionlog.Logger
	notifyCh chan orchestrator.Notification
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		session:  sessionlog.New(),
		notifyCh: make(chan orchestrator.Notification, 16),
	}
}

func (f *fakeOrchestrator) State() orchestrator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.State{Phase: orchestrator.PhaseIdle, Queue: f.runIDs}
}

// read runs fn under the fake's lock so assertions do not race the
// handler goroutines.
func (f *fakeOrchestrator) read(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeOrchestrator) Tasks() []task.Task { return f.tasks }

func (f *fakeOrchestrator) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
	return nil
}

func (f *fakeOrchestrator) Run(_ context.Context, ids []string, vars variables.Values) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.runIDs = ids
	f.runVars = vars
	return nil
}

func (f *fakeOrchestrator) RunAll(_ context.Context, vars variables.Values) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.runAll++
	f.runVars = vars
	return nil
}

func (f *fakeOrchestrator) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeOrchestrator) SessionLog() []sessionlog.Entry { return f.session.Entries() }

func (f *fakeOrchestrator) ExportSessionLog(w io.Writer, format sessionlog.Format) error {
	return f.session.Export(w, format)
}

func (f *fakeOrchestrator) ClearSessionLog() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	f.session.Clear()
}

func (f *fakeOrchestrator) Steps() steps.Snapshot { return steps.Snapshot{Counter: 3} }

func (f *fakeOrchestrator) Report() *task.ExecutionReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeOrchestrator) Subscribe(int) (<-chan orchestrator.Notification, func()) {
	var once sync.Once
	return f.notifyCh, func() { once.Do(func() { close(f.notifyCh) }) }
}

func newTestServer(t *testing.T, orch *fakeOrchestrator, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(orch, cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func TestHealthAndState(t *testing.T) {
	_, ts := newTestServer(t, newFakeOrchestrator(), Config{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "idle", body["phase"])
}

func TestTasksRefresh(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.tasks = []task.Task{{ID: "T1", Status: task.StatusPending, Instructions: []string{"go"}}}
	_, ts := newTestServer(t, orch, Config{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks?refresh=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["tasks"], 1)
	orch.read(func() { require.Equal(t, 1, orch.refresh) })
}

func TestRunEndpoints(t *testing.T) {
	orch := newFakeOrchestrator()
	_, ts := newTestServer(t, orch, Config{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", `{"task_ids":[" T1 ",""],"variables":{"USER":"ada"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	orch.read(func() {
		require.Equal(t, []string{"T1"}, orch.runIDs)
		require.Equal(t, "ada", orch.runVars["USER"])
	})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", `{"task_ids":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "task_ids is required", body["error"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/all", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	orch.read(func() { require.Equal(t, 1, orch.runAll) })

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/stop", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	orch.read(func() { require.Equal(t, 1, orch.stopped) })
}

func TestRunErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: orchestrator.ErrBusy, status: http.StatusConflict},
		{err: orchestrator.ErrStopped, status: http.StatusConflict},
		{err: &variables.MissingError{Names: []string{"USER"}}, status: http.StatusUnprocessableEntity},
		{err: errors.Join(orchestrator.ErrTaskNotFound), status: http.StatusNotFound},
		{err: errors.New("store down"), status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		orch := newFakeOrchestrator()
		orch.runErr = tc.err
		_, ts := newTestServer(t, orch, Config{})

		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", `{"task_ids":["T1"]}`)
		require.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		require.NotEmpty(t, body["error"])
		if tc.status == http.StatusUnprocessableEntity {
			require.Equal(t, []any{"USER"}, body["missing"])
		}
	}
}

func TestRejectsNonJSONBody(t *testing.T) {
	_, ts := newTestServer(t, newFakeOrchestrator(), Config{})
	resp, err := http.Post(ts.URL+"/api/v1/runs", "text/plain", strings.NewReader("T1"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestSessionLogExportAndClear(t *testing.T) {
	orch := newFakeOrchestrator()
	require.NoError(t, orch.session.Append(1, sessionlog.KindThought, "looking"))
	_, ts := newTestServer(t, orch, Config{})

	resp, err := http.Get(ts.URL + "/api/v1/session-log?format=yaml&download=true")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "yaml")
	require.Contains(t, resp.Header.Get("Content-Disposition"), "session-log.yaml")
	require.Contains(t, string(data), "thought: looking")

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/session-log?format=csv", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/session-log", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	orch.read(func() { require.Equal(t, 1, orch.cleared) })
}

func TestReportAndSteps(t *testing.T) {
	orch := newFakeOrchestrator()
	_, ts := newTestServer(t, orch, Config{})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/report", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	report := task.NewExecutionReport()
	report.FinalResult = "done"
	orch.read(func() { orch.report = report })
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/report", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "done", body["final_result"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/steps", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, body["counter"])
}

func TestInspectorCacheAndWebsocketFeed(t *testing.T) {
	orch := newFakeOrchestrator()
	srv, ts := newTestServer(t, orch, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	orch.notifyCh <- orchestrator.Notification{
		ID:     "inspector-1",
		Type:   orchestrator.NotifyInspector,
		TaskID: "T1",
		JS:     &inspector.JSResult{Code: "1+1", Result: float64(2), HasResult: true},
	}
	orch.notifyCh <- orchestrator.Notification{
		ID:      "inspector-2",
		Type:    orchestrator.NotifyInspector,
		TaskID:  "T1",
		Network: &inspector.NetworkResult{Operation: "Network monitoring"},
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got orchestrator.Notification
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "inspector-1", got.ID)
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "inspector-2", got.ID)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/inspector/T1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["js"])
	require.NotNil(t, body["network"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/inspector/T2", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.MustNewMetrics(reg)
	metrics.IncFailure("tool_error")

	srv, err := New(newFakeOrchestrator(), Config{MetricsPath: "/metrics"}, WithLogger(logging.Nop()), WithGatherer(reg))
	require.NoError(t, err)
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `taskrunner_orchestrator_task_failures_total{reason="tool_error"} 1`)
}

func TestCheckOrigin(t *testing.T) {
	srv, err := New(newFakeOrchestrator(), Config{AllowedOrigins: []string{"http://localhost:5173"}}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Origin", "http://evil.example")
	require.False(t, srv.checkOrigin(req))
	req.Header.Set("Origin", "http://localhost:5173")
	require.True(t, srv.checkOrigin(req))
}
