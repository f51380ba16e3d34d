package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ekremunalytu/BasicFIM/internal/api"
	"github.com/Ekremunalytu/BasicFIM/internal/classify"
	"github.com/Ekremunalytu/BasicFIM/internal/config"
	"github.com/Ekremunalytu/BasicFIM/internal/metrics"
	"github.com/Ekremunalytu/BasicFIM/internal/model"
	"github.com/Ekremunalytu/BasicFIM/internal/monitor"
	"github.com/Ekremunalytu/BasicFIM/internal/snapshot"
	"github.com/Ekremunalytu/BasicFIM/internal/store"
)

type testServer struct {
	srv    *httptest.Server
	store  *store.Store
	engine *monitor.Engine
	dir    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{FIM: config.FIMConfig{
		ActiveProfile: "test",
		Scanning:      config.Scanning{Workers: 2},
		Profiles: map[string]config.Profile{
			"test": {Platforms: map[string]config.Platform{
				"linux": {Rules: []config.RawRule{{
					Path:     dir,
					ScanType: string(config.ScanScheduled),
					Schedule: "1h",
					Severity: string(model.SeverityHigh),
				}}},
			}},
		},
	}}
	rs, err := config.Resolve(cfg, "test", "linux", config.ResolveOptions{})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "fim.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	classifier := classify.New(st, classify.NewMatcher(1<<20, nil), m, nil)
	engine := monitor.New(cfg, rs, st, classifier, snapshot.New(0, 0, nil), m, nil)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	srv := httptest.NewServer(api.New(engine, st, registry, nil).Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, engine: engine, dir: dir}
}

func (ts *testServer) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	code := ts.getJSON(t, "/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body monitor.Status
	code := ts.getJSON(t, "/api/v1/status", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.MonitoringActive)
	assert.True(t, body.DatabaseOK)
	assert.Equal(t, "test", body.ActiveProfile)
	assert.NotEmpty(t, body.MonitoredPaths)
}

func TestScanEndpointRunsJob(t *testing.T) {
	ts := newTestServer(t)
	target := filepath.Join(ts.dir, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("content"), 0644))

	payload, _ := json.Marshal(map[string]any{"paths": []string{ts.dir}})
	resp, err := http.Post(ts.srv.URL+"/api/v1/scan", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "started", body["status"])
	jobID := body["job_id"]
	require.NotEmpty(t, jobID)

	// Poll the job endpoint until the scan settles.
	require.Eventually(t, func() bool {
		var job model.ScanJob
		if ts.getJSON(t, "/api/v1/scan/"+jobID, &job) != http.StatusOK {
			return false
		}
		return job.State == model.JobCompleted
	}, 10*time.Second, 50*time.Millisecond)

	// The created file now shows up in events and file listings.
	var events struct {
		Events []model.Event `json:"events"`
		Count  int           `json:"count"`
	}
	require.Eventually(t, func() bool {
		ts.getJSON(t, "/api/v1/events", &events)
		return events.Count >= 1
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, model.ChangeCreated, events.Events[0].Type)

	var files struct {
		Files []model.BaselineEntry `json:"files"`
		Count int                   `json:"count"`
	}
	ts.getJSON(t, "/api/v1/files", &files)
	assert.GreaterOrEqual(t, files.Count, 1)

	var detail struct {
		Baseline model.BaselineEntry `json:"baseline"`
		Events   []model.Event       `json:"events"`
	}
	code := ts.getJSON(t, "/api/v1/files"+target, &detail)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, target, detail.Baseline.Path)
	assert.NotEmpty(t, detail.Events)
}

func TestScanEndpointRejectsBadBody(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.srv.URL+"/api/v1/scan", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanJobNotFound(t *testing.T) {
	ts := newTestServer(t)
	code := ts.getJSON(t, "/api/v1/scan/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFileStatusNotBaselined(t *testing.T) {
	ts := newTestServer(t)
	code := ts.getJSON(t, "/api/v1/files/not/baselined/path", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventsBadSinceParameter(t *testing.T) {
	ts := newTestServer(t)
	code := ts.getJSON(t, "/api/v1/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatisticsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		MonitoredFiles int64           `json:"monitored_files"`
		TotalEvents    int64           `json:"total_events"`
		Jobs           []model.ScanJob `json:"jobs"`
	}
	code := ts.getJSON(t, "/api/v1/statistics", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body.Jobs, "startup scan is visible in job history")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
