package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/app"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/resources"
)

type serverFixture struct {
	ts        *httptest.Server
	app       *app.App
	workspace string
}

func newServerFixture(t *testing.T) *serverFixture {
	workspace := t.TempDir()
	jobsDir := filepath.Join(workspace, ".jobs")

	config := common.NewDefaultConfig()
	config.Workspace.Root = workspace
	config.Workspace.JobsDir = jobsDir
	config.Workspace.TmpDir = filepath.Join(workspace, "tmp")
	config.Storage.SQLite.Path = filepath.Join(jobsDir, "test.db")
	config.Storage.SQLite.WALMode = false
	config.Resources.MaxCPUWorkers = 1
	require.NoError(t, os.MkdirAll(config.Workspace.TmpDir, 0755))

	logger := arbor.NewLogger()
	application, err := app.New(config, logger, func(*resources.Manager) interfaces.Pipeline {
		return interfaces.PipelineFunc(func(cfg map[string]interface{}, pc interfaces.PipelineContext) bool {
			pc.ReportProgress(1.0, "merging")
			return true
		})
	})
	require.NoError(t, err)
	application.Orchestrator.Start()
	t.Cleanup(application.Orchestrator.Shutdown)

	srv := New(application)
	ts := httptest.NewServer(srv.withMiddleware(srv.router))
	t.Cleanup(ts.Close)
	t.Cleanup(srv.logsHandler.Close)

	return &serverFixture{ts: ts, app: application, workspace: workspace}
}

func (f *serverFixture) validRequestBody(t *testing.T) []byte {
	target := filepath.Join(f.workspace, "target.mp4")
	source := filepath.Join(f.workspace, "face.jpg")
	if _, err := os.Stat(target); os.IsNotExist(err) {
		require.NoError(t, os.WriteFile(target, []byte("video"), 0644))
		require.NoError(t, os.WriteFile(source, []byte("image"), 0644))
	}

	body, err := json.Marshal(map[string]interface{}{
		"source_paths": []string{source},
		"target_path":  target,
		"processors":   []string{"face_swapper"},
	})
	require.NoError(t, err)
	return body
}

func (f *serverFixture) postJSON(t *testing.T, path string, body []byte) (*http.Response, map[string]interface{}) {
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *serverFixture) waitForStatus(t *testing.T, jobID string, want models.JobStatus) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(f.ts.URL + "/jobs/" + jobID)
		require.NoError(t, err)
		var job models.Job
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
		resp.Body.Close()
		if job.Status == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
}

func TestServer_RunEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.postJSON(t, "/run", f.validRequestBody(t))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["job_id"])
	assert.NotEmpty(t, body["output_path"])

	f.waitForStatus(t, body["job_id"].(string), models.JobStatusCompleted)
}

func TestServer_RunMissingTarget(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.postJSON(t, "/run", []byte(`{"source_paths":["/x"],"processors":["p"]}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", body["status"])
}

func TestServer_GetUnknownJob(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/jobs/job-unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListAndStatus(t *testing.T) {
	f := newServerFixture(t)

	_, body := f.postJSON(t, "/run", f.validRequestBody(t))
	jobID := body["job_id"].(string)
	f.waitForStatus(t, jobID, models.JobStatusCompleted)

	resp, err := http.Get(f.ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Jobs  []map[string]interface{} `json:"jobs"`
		Count int                      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, jobID, listing.Jobs[0]["job_id"])

	statusResp, err := http.Get(f.ts.URL + "/api/v1/jobs/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()

	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&stats))
	assert.Contains(t, stats, "jobs")
	assert.Contains(t, stats, "resources")
}

func TestServer_StopCancelsQueued(t *testing.T) {
	f := newServerFixture(t)

	// Submit without dispatching so the job sits in the queue
	req := &models.RunRequest{
		SourcePaths: []string{filepath.Join(f.workspace, "face.jpg")},
		TargetPath:  filepath.Join(f.workspace, "target.mp4"),
		OutputPath:  filepath.Join(f.workspace, "out.mp4"),
		Processors:  []string{"face_swapper"},
	}
	f.validRequestBody(t) // materialize the files
	job, err := f.app.Orchestrator.Submit(t.Context(), req)
	require.NoError(t, err)

	resp, body := f.postJSON(t, "/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["canceled"])

	canceled, err := f.app.JobStore.IsCancelRequested(t.Context(), job.JobID)
	require.NoError(t, err)
	assert.True(t, canceled)
}

func TestServer_SSEStreamEndsOnTerminal(t *testing.T) {
	f := newServerFixture(t)

	_, body := f.postJSON(t, "/run", f.validRequestBody(t))
	jobID := body["job_id"].(string)
	f.waitForStatus(t, jobID, models.JobStatusCompleted)

	// A terminal job replays its final status as one event and closes
	resp, err := http.Get(fmt.Sprintf("%s/jobs/%s/events", f.ts.URL, jobID))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix([]byte(line), []byte("data: ")))

	var event models.JobEvent
	require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &event))
	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, models.EventJobCompleted, event.EventType)
}

func TestServer_PriorityEndpoint(t *testing.T) {
	f := newServerFixture(t)

	_, body := f.postJSON(t, "/run", f.validRequestBody(t))
	jobID := body["job_id"].(string)
	f.waitForStatus(t, jobID, models.JobStatusCompleted)

	// Terminal jobs cannot be re-prioritized
	payload, _ := json.Marshal(map[string]interface{}{"job_id": jobID, "priority": 5})
	resp, _ := f.postJSON(t, "/api/v1/jobs/priority", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	payload, _ = json.Marshal(map[string]interface{}{"job_id": "job-unknown", "priority": 5})
	resp, _ = f.postJSON(t, "/api/v1/jobs/priority", payload)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
