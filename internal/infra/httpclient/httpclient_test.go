package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rterrors "taskrunner/internal/shared/errors"
	"taskrunner/internal/shared/logging"
)

func TestBreakerOpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewWithCircuitBreaker(time.Second, logging.Nop(), "store", rterrors.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	require.True(t, rterrors.IsDegraded(err))
	require.EqualValues(t, 2, hits.Load())
}

func TestBreakerPassesClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewWithCircuitBreaker(time.Second, nil, "", rterrors.CircuitBreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestNewStreamingHasNoOverallTimeout(t *testing.T) {
	client := NewStreaming(5*time.Second, nil)
	require.Zero(t, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, transport.ResponseHeaderTimeout)
}

func TestValidateBaseURL(t *testing.T) {
	got, err := ValidateBaseURL(" http://localhost:8000/ ")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", got)

	_, err = ValidateBaseURL("ftp://example.com")
	require.Error(t, err)

	_, err = ValidateBaseURL("")
	require.Error(t, err)

	_, err = ValidateBaseURL("http://")
	require.Error(t, err)
}
