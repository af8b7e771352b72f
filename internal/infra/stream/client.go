// Package stream consumes the agent's server-sent event stream.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskrunner/internal/infra/httpclient"
	jsonx "taskrunner/internal/shared/json"
	"taskrunner/internal/shared/logging"
)

const (
	streamPath = "/chat/stream"
	// Screenshots arrive inline as base64, so a single frame can be large.
	defaultMaxFrameBytes = 32 << 20
	errorBodyLimit       = 64 << 10
)

// Handler receives events in arrival order. Returning an error stops the
// stream and Open returns that error.
type Handler func(Event) error

// StatusError reports a non-2xx response to the stream request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("agent stream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent stream returned status %d: %s", e.StatusCode, body)
}

// HTTPStatus implements errors.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Config configures a Client.
type Config struct {
	BaseURL       string
	HeaderTimeout time.Duration
	MaxFrameBytes int
}

// Client opens agent streams. It is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	logger        logging.Logger
	maxFrameBytes int
}

// NewClient builds a stream client. A nil httpClient gets a streaming
// client without an overall timeout.
func NewClient(cfg Config, httpClient *http.Client, logger logging.Logger) *Client {
	logger = logging.OrComponent(logger, "stream")
	if httpClient == nil {
		httpClient = httpclient.NewStreaming(cfg.HeaderTimeout, logger)
	}
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		http:          httpClient,
		logger:        logger,
		maxFrameBytes: maxFrame,
	}
}

// Open posts req and delivers each decoded event to handler until a done
// event, the end of the body, a decode failure, a handler error or ctx
// cancellation. Events after done are discarded.
//
// A frame that fails to decode is delivered as a synthetic error event and
// Open then returns an error wrapping ErrProtocol.
func (c *Client) Open(ctx context.Context, req Request, handler Handler) error {
	body, err := jsonx.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug("POST %s%s (%d bytes)", c.baseURL, streamPath, len(body))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("open agent stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       httpclient.ReadSnippet(resp.Body, errorBodyLimit),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), c.maxFrameBytes)
	scanner.Split(splitFrames)

	for scanner.Scan() {
		evt, skip, decodeErr := decodeFrame(scanner.Bytes())
		if decodeErr != nil {
			c.logger.Warn("Dropping malformed frame: %v", decodeErr)
			synthetic := Event{Type: EventError, Message: decodeErr.Error()}
			if err := handler(synthetic); err != nil {
				return err
			}
			return decodeErr
		}
		if skip {
			continue
		}
		if err := handler(evt); err != nil {
			return err
		}
		if evt.Type == EventDone {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, c.maxFrameBytes)
		}
		return fmt.Errorf("read agent stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
