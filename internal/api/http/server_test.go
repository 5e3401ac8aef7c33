package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/wfsearch/internal/db/repository"
	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/events"
	"github.com/saltfish/wfsearch/internal/optimizer"
	"github.com/saltfish/wfsearch/internal/scheduler"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs int
}

func (q *stubQueue) Dispatch(context.Context, *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs++
	return nil
}

func (q *stubQueue) CancelRun(context.Context, uuid.UUID) (int, error) {
	return 0, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubStats map[string]interface{}

func (s stubStats) GetStats() map[string]interface{} { return s }

type stubSchedules []scheduler.ScheduleStatus

func (s stubSchedules) Schedules() []scheduler.ScheduleStatus { return s }

const runSpecYAML = `
name: sma-cross
settings:
  start: 2020-01-01T00:00:00Z
  end: 2020-01-11T00:00:00Z
  iterations: 2
  percent_in: 80
  percent_out: 20
parameters:
  - name: fast
    min: 5
    max: 15
    step: 5
objective:
  target: score
engine:
  image: engine:latest
`

func newTestServer(t *testing.T, opts ...Option) (*Server, *stubQueue) {
	t.Helper()
	queue := &stubQueue{}
	manager := optimizer.NewManager(repository.NewMemoryRepositories(), queue, events.NewNoOpPublisher(), zaptest.NewLogger(t))
	return NewServer(":0", manager, zaptest.NewLogger(t), opts...), queue
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, WithScheduler(stubStats{}))

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "not configured", health.Services["postgres"])
	assert.Equal(t, "healthy", health.Services["scheduler"])

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready", "").Code)
}

func TestServer_HealthWithFailingDatabase(t *testing.T) {
	s, _ := newTestServer(t, WithDatabase(stubPinger{err: errors.New("connection refused")}))

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[HealthResponse](t, rec).Services["postgres"], "connection refused")

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", "").Code)
}

func TestServer_RunLifecycle(t *testing.T) {
	s, queue := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", runSpecYAML)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[StartRunResponse](t, rec)
	assert.Equal(t, domain.RunStatusRunning, started.Run.Status)
	assert.Equal(t, 6, started.Jobs)
	assert.Equal(t, 6, queue.jobs)

	rec = do(t, s, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListRunsResponse](t, rec).Runs, 1)

	path := "/api/v1/runs/" + started.Run.ID.String()
	rec = do(t, s, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[optimizer.RunReport](t, rec)
	require.NotNil(t, report.Stats)
	assert.Len(t, report.Stats.Iterations, 2)
	assert.Len(t, report.Iterations, 2)

	rec = do(t, s, http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RunStatusStopped, decode[domain.Run](t, rec).Status)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodDelete, path, "").Code)
}

func TestServer_RunErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed spec", http.MethodPost, "/api/v1/runs", "settings: [", http.StatusBadRequest},
		{"invalid split", http.MethodPost, "/api/v1/runs", strings.Replace(runSpecYAML, "percent_out: 20", "percent_out: 30", 1), http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/runs/not-a-uuid", "", http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/api/v1/runs/" + uuid.NewString(), "", http.StatusNotFound},
		{"stop unknown run", http.MethodDelete, "/api/v1/runs/" + uuid.NewString(), "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/runs?limit=0", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestServer_StartRunAcceptsJSON(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{
		"settings": {"start": "2020-01-01T00:00:00Z", "end": "2020-02-01T00:00:00Z", "iterations": 1, "percent_in": "70", "percent_out": "30"},
		"parameters": [{"name": "fast", "min": "1", "max": "3", "step": "1"}],
		"objective": {"target": "score", "direction": "minimize"}
	}`
	rec := do(t, s, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[StartRunResponse](t, rec).Jobs)
}

func TestServer_Plan(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{
		"settings": {"start": "2020-01-01T00:00:00Z", "end": "2020-01-11T00:00:00Z", "iterations": 2, "percent_in": "80", "percent_out": "20"},
		"parameters": [{"name": "fast", "min": "5", "max": "15", "step": "5"}]
	}`
	rec := do(t, s, http.MethodPost, "/api/v1/plan", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	plan := decode[PlanResponse](t, rec)
	require.Len(t, plan.Windows, 2)
	assert.Equal(t, "2020-01-05T00:00:00Z", plan.Windows[0].InSample.End.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, 3, plan.GridSize)
	assert.Equal(t, 6, plan.InSampleJobs)

	rec = do(t, s, http.MethodPost, "/api/v1/plan", `{"settings": {"iterations": 1, "percent_in": "50", "percent_out": "40"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StatsAndSchedules(t *testing.T) {
	s, _ := newTestServer(t,
		WithScheduler(stubStats{"active_jobs": 2, "pending_jobs": 5, "avg_run_time_ms": int64(1500)}),
		WithLauncher(stubSchedules{{Name: "nightly", Cron: "0 2 * * *", RunFile: "runs/nightly.yaml"}}),
	)

	rec := do(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 2, stats.Scheduler.ActiveJobs)
	assert.Equal(t, 5, stats.Scheduler.PendingJobs)
	assert.Equal(t, int64(1500), stats.Scheduler.AvgRunTimeMs)

	rec = do(t, s, http.MethodGet, "/api/v1/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"nightly"`)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", "").Code)

	s, _ = newTestServer(t, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wfsearch_active_runs 0\n"))
	})))
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wfsearch_active_runs")
}
