package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pdfqueue/internal/catalog"
	"pdfqueue/internal/model"
	"pdfqueue/internal/queue"
	"pdfqueue/internal/store"
)

type testEnv struct {
	server *Server
	queue  *queue.Queue
	hub    *queue.Hub
}

func newTestEnv(t *testing.T, qcfg queue.Config, cfg Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zaptest.NewLogger(t)
	hub := queue.NewHub()
	q := queue.New(st, qcfg, queue.WithNotifier(hub), queue.WithLogger(log))

	if cfg.Ceiling == 0 {
		cfg.Ceiling = 50
	}
	if cfg.WaitPollInterval == 0 {
		cfg.WaitPollInterval = 50 * time.Millisecond
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	cfg.ServiceName = "PDF Generator (Queue)"
	cfg.CORSAllowOrigins = []string{"*"}
	cfg.CORSAllowMethods = []string{"GET", "POST"}

	srv := NewServer(q, catalog.New("https://crm.example.com"), cfg, log)
	return &testEnv{server: srv, queue: q, hub: hub}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func postJSON(body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// serveAsync runs a request in the background and returns its recorder once
// done is closed.
func (e *testEnv) serveAsync(req *http.Request) (*httptest.ResponseRecorder, <-chan struct{}) {
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.server.Handler().ServeHTTP(w, req)
	}()
	return w, done
}

func (e *testEnv) claimWhenQueued(t *testing.T) *model.Job {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := e.queue.Count(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	j, err := e.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "PDF Generator (Queue)", body["service"])
	_, err := time.Parse(time.RFC3339Nano, body["timestamp"])
	assert.NoError(t, err)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestGenerateReturnsJobID(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})

	w := env.do(postJSON(map[string]any{
		"url":      "https://x.example.com/doc?id=42",
		"fileName": "invoice-42",
		"type":     "invoice",
		"options":  map[string]bool{"waterMark": true},
	}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.JobID)

	j, err := env.queue.GetJob(context.Background(), body.JobID)
	require.NoError(t, err)
	assert.Equal(t, "https://x.example.com/doc?id=42&waterMark=true", j.Payload.URL)
	assert.Equal(t, "invoice-42", j.Payload.FileName)
	assert.Equal(t, "invoice", j.Payload.Type)
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})

	w := env.do(postJSON(map[string]any{"fileName": "x"}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"url"`)

	w = env.do(postJSON(map[string]any{"url": "https://x/doc", "fileName": "x", "profile": "poster"}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"profile"`)

	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w = env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	n, err := env.queue.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGenerateAtCeiling(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{Ceiling: 1})
	body := map[string]any{"url": "https://x/doc?id=1", "fileName": "doc-1"}

	require.Equal(t, http.StatusAccepted, env.do(postJSON(body)).Code)

	w := env.do(postJSON(body))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	n, err := env.queue.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})
	ctx := context.Background()

	w := env.do(httptest.NewRequest(http.MethodGet, "/status/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	j, err := env.queue.Enqueue(ctx, model.Payload{URL: "https://x/doc", FileName: "doc"})
	require.NoError(t, err)

	w = env.do(httptest.NewRequest(http.MethodGet, "/status/"+j.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, model.StateQueued, st.State)
	assert.Nil(t, st.Result)

	claimed, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, env.queue.Complete(ctx, claimed, model.Result{Status: model.ResultSuccess, URL: "https://cdn/doc.pdf", Size: 10}))

	for range 2 {
		w = env.do(httptest.NewRequest(http.MethodGet, "/status/"+j.ID, nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, model.StateCompleted, st.State)
		require.NotNil(t, st.Result)
		assert.Equal(t, "https://cdn/doc.pdf", st.Result.URL)
	}
}

func TestGenerateNowRedirectsOnCompletion(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})

	req := httptest.NewRequest(http.MethodGet, "/generate-now?id=42&type=invoice&userId=u7&waterMark=true", nil)
	w, done := env.serveAsync(req)

	j := env.claimWhenQueued(t)
	assert.Equal(t, "https://crm.example.com/invoice?id=42&waterMark=true&mapViewButton=false", j.Payload.URL)
	assert.Equal(t, "invoice-42", j.Payload.FileName)
	assert.Equal(t, "u7", j.Payload.OwnerID)
	assert.Equal(t, "standard", j.Payload.Profile)

	require.NoError(t, env.queue.Complete(context.Background(), j, model.Result{
		Status: model.ResultSuccess, URL: "https://cdn.example.com/crm-pdf/invoice-42.pdf", Size: 1024,
	}))

	waitDone(t, done)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://cdn.example.com/crm-pdf/invoice-42.pdf", w.Header().Get("Location"))
}

func TestGenerateNowReportsFailure(t *testing.T) {
	qcfg := queue.DefaultConfig()
	qcfg.MaxAttempts = 1
	env := newTestEnv(t, qcfg, Config{})

	w, done := env.serveAsync(httptest.NewRequest(http.MethodGet, "/magazinePro?id=9", nil))

	j := env.claimWhenQueued(t)
	assert.Equal(t, "magazine", j.Payload.Profile)
	terminal, err := env.queue.Fail(context.Background(), j, errors.New("PDF generation failed after 3 attempts"))
	require.NoError(t, err)
	require.True(t, terminal)

	waitDone(t, done)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "PDF generation failed after 3 attempts")
}

func TestGenerateNowTimesOut(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{WaitTimeout: 150 * time.Millisecond})

	w := env.do(httptest.NewRequest(http.MethodGet, "/generate-now-print?id=3", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "jobId")
}

func TestGenerateNowStopsOnDisconnect(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{WaitPollInterval: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/generate-now?id=5", nil).WithContext(ctx)
	_, done := env.serveAsync(req)

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := env.queue.Count(context.Background())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()
	waitDone(t, done)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Zero(t, env.hub.Subscribers())
}

func TestGenerateNowBadRequests(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/generate-now", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing ID")

	w = env.do(httptest.NewRequest(http.MethodGet, "/generate-now-print?id=1&type=invoice", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		AllowedTypes []string `json:"allowedTypes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"itineraryCrm"}, body.AllowedTypes)

	assert.Zero(t, env.hub.Subscribers())
}

func TestGenerateNowAtCeilingReleasesSubscription(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{Ceiling: 1})
	_, err := env.queue.Enqueue(context.Background(), model.Payload{URL: "https://x/doc", FileName: "doc"})
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/generate-now?id=1", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Zero(t, env.hub.Subscribers())
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{Ceiling: 7})
	_, err := env.queue.Enqueue(context.Background(), model.Payload{URL: "https://x/doc", FileName: "doc"})
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		States      map[string]int `json:"states"`
		Outstanding int            `json:"outstanding"`
		Ceiling     int            `json:"ceiling"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.States["queued"])
	assert.Equal(t, 1, body.Outstanding)
	assert.Equal(t, 7, body.Ceiling)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, queue.DefaultConfig(), Config{})

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := env.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}
