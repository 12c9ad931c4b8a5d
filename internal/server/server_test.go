package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapusher/internal/config"
	"datapusher/internal/jobs"
)

func testServer(t *testing.T) (*Server, jobs.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = 8800
	cfg.Server.Workers = 1
	cfg.Server.RateLimitRPS = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Server.ReadTimeout = 15 * time.Second

	store := jobs.NewMemoryStore()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(cfg, store, nil, nil, nil, metrics, logger)

	return New(cfg, store, runner, metrics, registry, logger), store
}

func submit(t *testing.T, s *Server, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/job", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestSubmitJobAccepted(t *testing.T) {
	s, store := testServer(t)

	rr := submit(t, s, map[string]any{
		"resource_id": "res-1",
		"ckan_url":    "http://ckan.local",
		"api_key":     "secret-key",
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var accepted jobAccepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, jobs.StatusPending, accepted.Status)

	rec, err := store.Get(accepted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", rec.Input.APIKey, "key is stored for the job run")

	// The job sits in the queue awaiting a worker.
	select {
	case queued := <-s.queue:
		assert.Equal(t, accepted.TaskID, queued.TaskID)
	default:
		t.Fatal("job was not enqueued")
	}
}

func TestSubmitJobValidation(t *testing.T) {
	s, _ := testServer(t)

	rr := submit(t, s, map[string]any{"ckan_url": "http://ckan.local"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "resource_id is required")

	rr = submit(t, s, map[string]any{"resource_id": "res-1", "ckan_url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "ckan_url must be a URL")

	req := httptest.NewRequest(http.MethodPost, "/job", bytes.NewReader([]byte("{broken")))
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s, store := testServer(t)

	rr := submit(t, s, map[string]any{
		"resource_id": "res-1",
		"ckan_url":    "http://ckan.local",
		"api_key":     "secret-key",
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var accepted jobAccepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))

	require.NoError(t, store.AppendLog(accepted.TaskID, jobs.LogLine{Level: "INFO", Message: "Fetching from: http://x"}))

	req := httptest.NewRequest(http.MethodGet, "/job/"+accepted.TaskID, nil)
	statusRR := httptest.NewRecorder()
	s.Handler().ServeHTTP(statusRR, req)
	require.Equal(t, http.StatusOK, statusRR.Code)

	body := statusRR.Body.String()
	assert.Contains(t, body, "Fetching from")
	assert.NotContains(t, body, "secret-key", "credentials never serialize into status responses")
}

func TestStatusUnknownJob(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/job/nope", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestRateLimit(t *testing.T) {
	s, _ := testServer(t)
	s.limiter.SetLimit(0)
	s.limiter.SetBurst(0)

	rr := submit(t, s, map[string]any{
		"resource_id": "res-1",
		"ckan_url":    "http://ckan.local",
	})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
