package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmigrate/tcmigrate/internal/checkpoint"
	"github.com/tcmigrate/tcmigrate/internal/config"
	"github.com/tcmigrate/tcmigrate/internal/coordinator"
	"github.com/tcmigrate/tcmigrate/internal/provider"
	"github.com/tcmigrate/tcmigrate/internal/provider/memory"
)

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	memory.Reset()

	raw := fmt.Sprintf(`
source:
  type: memory
  options:
    instance: %s-src
target:
  type: memory
  options:
    instance: %s-dst
mappings:
  - source_id: name
    target_id: title
    required: true
`, t.Name(), t.Name())
	cfg, err := config.LoadBytes([]byte(raw))
	require.NoError(t, err)
	cfg.Migration.DataDir = t.TempDir()

	store, err := checkpoint.New(cfg.Migration.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(NewRouter(NewHandler(coordinator.New(cfg, store, nil, nil))))
	t.Cleanup(srv.Close)
	return srv
}

func jobSpecJSON(t *testing.T) []byte {
	t.Helper()
	payload := map[string]any{
		"source": map[string]any{
			"type":    "memory",
			"options": map[string]string{"instance": t.Name() + "-src"},
		},
		"target": map[string]any{
			"type":    "memory",
			"options": map[string]string{"instance": t.Name() + "-dst"},
		},
		"mappings": []map[string]any{
			{"sourceId": "name", "targetId": "title", "required": true},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func doJSON(t *testing.T, method, url string, body []byte) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func configureJob(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/migration/configure", jobSpecJSON(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var st coordinator.JobStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	require.NotEmpty(t, st.ID)
	// A freshly configured job reports idle until started.
	require.Equal(t, coordinator.StateIdle, st.State)
	return st.ID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestConfigureRejectsBadPayload(t *testing.T) {
	srv := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/migration/configure", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", env.Status)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/migration/configure", []byte(`{"mappings":[]}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", env.Code)
}

func TestUnknownJobReturns404(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{
		"/migration/nope",
		"/migration/nope/results",
		"/migration/nope/statistics",
		"/migration/nope/attachments",
	} {
		resp, env := doJSON(t, http.MethodGet, srv.URL+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "not_found", env.Code, path)
	}
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/migration/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMigrationLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	src := memory.Shared(t.Name() + "-src")
	for i := 1; i <= 30; i++ {
		src.SeedTestCase(provider.TestCase{
			ID:     fmt.Sprintf("TC-%02d", i),
			Fields: map[string]any{"name": fmt.Sprintf("case %d", i)},
		})
	}

	id := configureJob(t, srv)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/migration/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var st coordinator.JobStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.NotEqual(t, coordinator.StateIdle, st.State)

	// Starting again while running is a no-op, not an error.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/migration/"+id+"/start", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, env := doJSON(t, http.MethodGet, srv.URL+"/migration/"+id, nil)
		var cur coordinator.JobStatus
		if err := json.Unmarshal(env.Data, &cur); err != nil {
			return false
		}
		return cur.State.Terminal()
	}, 15*time.Second, 10*time.Millisecond)

	_, env = doJSON(t, http.MethodGet, srv.URL+"/migration/"+id, nil)
	var final coordinator.JobStatus
	require.NoError(t, json.Unmarshal(env.Data, &final))
	assert.Equal(t, coordinator.StateCompleted, final.State)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, 30, final.CompletedItems)

	_, env = doJSON(t, http.MethodGet, srv.URL+"/migration/"+id+"/results", nil)
	var results []checkpoint.ItemResult
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Len(t, results, 30)

	_, env = doJSON(t, http.MethodGet, srv.URL+"/migration/"+id+"/statistics", nil)
	var stats coordinator.Statistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 30, stats.Items.Migrated)

	_, env = doJSON(t, http.MethodGet, srv.URL+"/migration", nil)
	var jobs []checkpoint.Job
	require.NoError(t, json.Unmarshal(env.Data, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestCancelIsIdempotentOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	id := configureJob(t, srv)

	for i := 0; i < 2; i++ {
		resp, env := doJSON(t, http.MethodPost, srv.URL+"/migration/"+id+"/cancel",
			[]byte(`{"terminateResources":true}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var st coordinator.JobStatus
		require.NoError(t, json.Unmarshal(env.Data, &st))
		assert.Equal(t, coordinator.StateCancelled, st.State)
	}

	// A cancelled job cannot be started.
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/migration/"+id+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", env.Code)
}

func TestPauseResumeOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	id := configureJob(t, srv)

	// Pausing a job that is not running is a harmless no-op.
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/migration/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st coordinator.JobStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, coordinator.StateIdle, st.State)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/migration/"+id+"/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
