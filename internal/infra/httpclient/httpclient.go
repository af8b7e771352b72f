package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskrunner/internal/shared/logging"
)

// New returns an http.Client for short request/response calls.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger),
	}
}

// NewStreaming returns an http.Client without an overall timeout, for
// long-lived response bodies. Cancellation is driven by the request context;
// headerTimeout bounds the wait for the first response byte.
func NewStreaming(headerTimeout time.Duration, logger logging.Logger) *http.Client {
	transport := Transport(logger)
	if headerTimeout > 0 {
		transport.ResponseHeaderTimeout = headerTimeout
	}
	return &http.Client{Transport: transport}
}

// Transport returns an http.Transport clone that honours the proxy environment.
func Transport(logger logging.Logger) *http.Transport {
	log := logging.OrNop(logger)

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		log.Debug("default transport is %T; using a fresh transport", http.DefaultTransport)
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}

	transport := base.Clone()
	transport.Proxy = http.ProxyFromEnvironment
	return transport
}

// ValidateBaseURL ensures raw is an absolute http(s) URL and returns it
// without a trailing slash.
func ValidateBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", trimmed)
	}
	return strings.TrimRight(trimmed, "/"), nil
}
