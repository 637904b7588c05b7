package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sitegrade/sitegrade/internal/analyzer"
	"github.com/sitegrade/sitegrade/internal/credentials"
	"github.com/sitegrade/sitegrade/internal/orchestrator"
	"github.com/sitegrade/sitegrade/internal/ratelimit"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type uuidGen struct{}

func (uuidGen) NewID() (string, error) { return uuid.NewString(), nil }

// slowAnalyzer keeps jobs running until released.
type slowAnalyzer struct {
	release chan struct{}
}

func (a *slowAnalyzer) Analyze(ctx context.Context, url string, _ analyzer.ScoringConfig) analyzer.URLResult {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
		}
	}
	return analyzer.URLResult{URL: url, Score: 75}
}

type testEnv struct {
	server   *httptest.Server
	analyzer *slowAnalyzer
	orch     *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, blocking bool) *testEnv {
	t.Helper()
	a := &slowAnalyzer{}
	if blocking {
		a.release = make(chan struct{})
		t.Cleanup(func() { close(a.release) })
	}
	orch := orchestrator.New(orchestrator.Config{MaxConcurrentJobs: 2}, a, realClock{}, uuidGen{}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	limit := ratelimit.New(ratelimit.Config{Name: "test"})
	t.Cleanup(limit.Close)
	creds := credentials.NewManager(map[string]credentials.PoolConfig{
		"scores": {Keys: []string{"key-aaaaaa"}},
	}, nil)
	t.Cleanup(creds.Close)

	srv := httptest.NewServer(NewServer(orch, limit, creds, nil).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, analyzer: a, orch: orch}
}

func (e *testEnv) submit(t *testing.T, body string) map[string]string {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	out := env.submit(t, `{"urls": ["https://example.com"]}`)
	require.NotEmpty(t, out["job_id"])
}

func TestSubmitJobRejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	resp, err := http.Post(env.server.URL+"/v1/jobs", "application/json", strings.NewReader(`{"urls": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(env.server.URL+"/v1/jobs", "application/json", bytes.NewReader([]byte(`{not json`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobStatusAndResults(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	out := env.submit(t, `{"urls": ["https://a.test", "https://b.test"]}`)
	jobID := out["job_id"]

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.server.URL + "/v1/jobs/" + jobID + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap orchestrator.StatusSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return snap.Status == analyzer.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(env.server.URL + "/v1/jobs/" + jobID + "/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		JobID   string               `json:"job_id"`
		Results []analyzer.URLResult `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, jobID, payload.JobID)
	require.Len(t, payload.Results, 2)
}

func TestResultsBeforeCompletionConflicts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)

	out := env.submit(t, `{"urls": ["https://a.test"]}`)
	resp, err := http.Get(env.server.URL + "/v1/jobs/" + out["job_id"] + "/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, string(analyzer.JobStatusRunning), body["status"])
}

func TestUnknownJobIs404(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	for _, path := range []string{"/status", "/results"} {
		resp, err := http.Get(env.server.URL + "/v1/jobs/" + uuid.NewString() + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)

	out := env.submit(t, `{"urls": ["https://a.test"]}`)
	jobID := out["job_id"]

	resp, err := http.Post(env.server.URL+"/v1/jobs/"+jobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A second cancel is rejected.
	resp, err = http.Post(env.server.URL+"/v1/jobs/"+jobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)
	env.submit(t, `{"urls": ["https://a.test"]}`)

	resp, err := http.Get(env.server.URL + "/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Contains(t, payload, "jobs")
	require.Contains(t, payload, "rate_limiter")
	require.Contains(t, payload, "credentials")
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "trace-123", resp.Header.Get("X-Request-ID"))

	// Absent header: one is generated.
	resp, err = http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
