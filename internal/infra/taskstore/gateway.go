// Package taskstore is the REST client for the external task store.
package taskstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskrunner/internal/domain/task"
	"taskrunner/internal/infra/httpclient"
	rterrors "taskrunner/internal/shared/errors"
	jsonx "taskrunner/internal/shared/json"
	"taskrunner/internal/shared/logging"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 16 << 20
	errorSnippetBytes       = 4 << 10
)

// Config configures a Gateway.
type Config struct {
	BaseURL          string                        `mapstructure:"base_url"`
	Timeout          time.Duration                 `mapstructure:"timeout"`
	MaxResponseBytes int64                         `mapstructure:"max_response_bytes"`
	Retry            rterrors.RetryConfig          `mapstructure:"retry"`
	Breaker          rterrors.CircuitBreakerConfig `mapstructure:"breaker"`
}

// StatusError reports a non-2xx store response, or a 2xx response carrying
// an {"error": "..."} body.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task store %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("task store %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// HTTPStatus implements errors.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Gateway talks to the task store. Reads are retried on transient
// failures; writes are attempted once.
type Gateway struct {
	baseURL  string
	client   *http.Client
	logger   logging.Logger
	retry    rterrors.RetryConfig
	maxBytes int64
	now      func() time.Time
}

// New builds a Gateway. A nil httpClient gets a circuit-breaking client
// configured from cfg.
func New(cfg Config, httpClient *http.Client, logger logging.Logger) (*Gateway, error) {
	logger = logging.OrComponent(logger, "taskstore")
	base, err := httpclient.ValidateBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = httpclient.NewWithCircuitBreaker(timeout, logger, "taskstore", cfg.Breaker)
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	retry := cfg.Retry
	if retry.BaseDelay <= 0 {
		retry = rterrors.DefaultRetryConfig()
	}
	return &Gateway{
		baseURL:  base,
		client:   httpClient,
		logger:   logger,
		retry:    retry,
		maxBytes: maxBytes,
		now:      time.Now,
	}, nil
}

type listResponse struct {
	Tasks []task.Task `json:"tasks"`
	Error string      `json:"error,omitempty"`
}

// ListTasks returns every task known to the store in store order.
func (g *Gateway) ListTasks(ctx context.Context) ([]task.Task, error) {
	return rterrors.RetryWithResult(ctx, g.retry, func(ctx context.Context) ([]task.Task, error) {
		var resp listResponse
		if err := g.do(ctx, http.MethodGet, "/tasks", nil, &resp); err != nil {
			return nil, err
		}
		if resp.Tasks == nil {
			resp.Tasks = []task.Task{}
		}
		return resp.Tasks, nil
	}, g.logger)
}

// MarkRunning flags the task as running.
func (g *Gateway) MarkRunning(ctx context.Context, id string) error {
	return g.do(ctx, http.MethodPost, taskPath(id, "start"), nil, nil)
}

// MarkComplete stores the verdict of a run. The body carries every field of
// t overlaid with the run outcome.
func (g *Gateway) MarkComplete(ctx context.Context, t task.Task, result any, report *task.ExecutionReport, status task.Status) error {
	raw, err := jsonx.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	body := map[string]any{}
	if err := jsonx.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	body["result"] = result
	body["execution_report"] = report
	body["status"] = status
	body["completed_at"] = task.Timestamp(g.now())
	return g.do(ctx, http.MethodPost, taskPath(t.ID, "complete"), body, nil)
}

// MarkError records a run that ended with an exception.
func (g *Gateway) MarkError(ctx context.Context, id string, errMsg string, report *task.ExecutionReport) error {
	body := map[string]any{
		"error":            errMsg,
		"execution_report": report,
	}
	return g.do(ctx, http.MethodPost, taskPath(id, "error"), body, nil)
}

// UpdateFields applies a partial update to the task.
func (g *Gateway) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return g.do(ctx, http.MethodPut, taskPath(id, ""), fields, nil)
}

// StopTask asks the store to return an interrupted task to pending.
func (g *Gateway) StopTask(ctx context.Context, id string) error {
	return g.do(ctx, http.MethodPost, taskPath(id, "stop"), nil, nil)
}

// CleanupBrowser resets the remote interactive session.
func (g *Gateway) CleanupBrowser(ctx context.Context) error {
	return g.do(ctx, http.MethodPost, "/cleanup-browser", nil, nil)
}

func taskPath(id, action string) string {
	p := "/tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (g *Gateway) do(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := jsonx.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || rterrors.IsDegraded(err) {
			return fmt.Errorf("task store %s %s: %w", method, path, err)
		}
		return rterrors.NewTransientError(err, fmt.Sprintf("task store %s %s: %v", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()
	g.logger.Debug("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(started).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(httpclient.ReadSnippet(resp.Body, errorSnippetBytes)),
		}
		return rterrors.ClassifyHTTPStatus(statusErr, resp.StatusCode)
	}

	data, err := httpclient.ReadAllWithLimit(resp.Body, g.maxBytes)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if msg := embeddedError(data); msg != "" {
		return rterrors.NewPermanentError(&StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}, "")
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := jsonx.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage prefers the "error" field of a JSON body over the raw text.
func errorMessage(body string) string {
	if msg := embeddedError([]byte(body)); msg != "" {
		return msg
	}
	return strings.TrimSpace(body)
}

func embeddedError(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var envelope struct {
		Error any `json:"error"`
	}
	if err := jsonx.Unmarshal(trimmed, &envelope); err != nil {
		return ""
	}
	switch v := envelope.Error.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprint(envelope.Error)
}
