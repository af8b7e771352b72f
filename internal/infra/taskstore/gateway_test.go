package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskrunner/internal/domain/task"
	rterrors "taskrunner/internal/shared/errors"
	"taskrunner/internal/shared/logging"
)

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeStore struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (s *fakeStore) record(r *http.Request) recordedCall {
	call := recordedCall{Method: r.Method, Path: r.URL.EscapedPath()}
	data, _ := io.ReadAll(r.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &call.Body)
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	return call
}

func (s *fakeStore) last() recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func fastRetry() rterrors.RetryConfig {
	return rterrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newGateway(t *testing.T, srv *httptest.Server) *Gateway {
	t.Helper()
	gw, err := New(Config{BaseURL: srv.URL + "/", Retry: fastRetry()}, srv.Client(), logging.Nop())
	require.NoError(t, err)
	gw.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return gw
}

func TestListTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks", r.URL.Path)
		_, _ = io.WriteString(w, `{"tasks":[{"id":"a","instructions":["open {SITE}"],"status":"pending"},{"id":"b","instructions":[],"status":"completed","tool_use":{"tool":"bash","arguments":{"command":"ls"}}}]}`)
	}))
	defer srv.Close()

	tasks, err := newGateway(t, srv).ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "a", tasks[0].ID)
	require.Equal(t, []string{"open {SITE}"}, tasks[0].Instructions)
	require.Equal(t, task.StatusCompleted, tasks[1].Status)
	require.Equal(t, "bash", tasks[1].ToolUse.Tool)
}

func TestListTasksRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"tasks":[]}`)
	}))
	defer srv.Close()

	tasks, err := newGateway(t, srv).ListTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
	require.Equal(t, int32(2), hits.Load())
}

func TestListTasksEmbeddedErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"error":"database unavailable"}`)
	}))
	defer srv.Close()

	_, err := newGateway(t, srv).ListTasks(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "database unavailable")
	require.Equal(t, int32(1), hits.Load())

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, "database unavailable", statusErr.Message)
}

func TestLifecycleWrites(t *testing.T) {
	store := &fakeStore{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store.record(r)
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()
	gw := newGateway(t, srv)
	ctx := context.Background()

	require.NoError(t, gw.MarkRunning(ctx, "t 1"))
	require.Equal(t, recordedCall{Method: http.MethodPost, Path: "/tasks/t%201/start"}, store.last())

	report := task.NewExecutionReport()
	report.FinalResult = "done"
	tk := task.Task{ID: "t1", Label: "Login", Instructions: []string{"log in"}, Status: task.StatusRunning}
	require.NoError(t, gw.MarkComplete(ctx, tk, "done", report, task.StatusPassed))
	call := store.last()
	require.Equal(t, "/tasks/t1/complete", call.Path)
	require.Equal(t, "Login", call.Body["label"])
	require.Equal(t, "passed", call.Body["status"])
	require.Equal(t, "done", call.Body["result"])
	require.Equal(t, "2026-03-04T05:06:07Z", call.Body["completed_at"])
	require.Equal(t, "done", call.Body["execution_report"].(map[string]any)["final_result"])

	require.NoError(t, gw.MarkError(ctx, "t1", "boom", report))
	call = store.last()
	require.Equal(t, "/tasks/t1/error", call.Path)
	require.Equal(t, "boom", call.Body["error"])
	require.NotNil(t, call.Body["execution_report"])

	require.NoError(t, gw.UpdateFields(ctx, "t1", map[string]any{"label": "New"}))
	call = store.last()
	require.Equal(t, http.MethodPut, call.Method)
	require.Equal(t, "/tasks/t1", call.Path)
	require.Equal(t, "New", call.Body["label"])

	require.NoError(t, gw.StopTask(ctx, "t1"))
	require.Equal(t, "/tasks/t1/stop", store.last().Path)

	require.NoError(t, gw.CleanupBrowser(ctx))
	require.Equal(t, "/cleanup-browser", store.last().Path)
}

func TestUpdateFieldsSkipsEmptyUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()
	require.NoError(t, newGateway(t, srv).UpdateFields(context.Background(), "t1", nil))
}

func TestWriteFailureIsClassified(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"Task not found"}`)
	}))
	defer srv.Close()

	err := newGateway(t, srv).MarkRunning(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, rterrors.IsPermanent(err))
	require.Equal(t, http.StatusNotFound, rterrors.StatusCode(err))
	require.Equal(t, int32(1), hits.Load())

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, "Task not found", statusErr.Message)
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"}, nil, nil)
	require.Error(t, err)
}
