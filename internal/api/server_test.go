package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearcher struct {
	cards    []jobs.LinkedInJob
	searches *atomic.Int32
}

func (s stubSearcher) Search(_ context.Context, p jobs.SearchParams) ([]jobs.LinkedInJob, error) {
	if p.Page > 0 {
		return nil, nil
	}
	s.searches.Add(1)
	return s.cards, nil
}

func (stubSearcher) Details(context.Context, []jobs.LinkedInJob, int) map[string]*jobs.JobDetails {
	return nil
}

type stubApplier struct{ err error }

func (s stubApplier) Apply(_ context.Context, req jobs.ApplyRequest) (*jobs.ApplyResult, error) {
	if s.err != nil {
		return &jobs.ApplyResult{JobURL: req.JobURL}, s.err
	}
	return &jobs.ApplyResult{JobURL: req.JobURL, Submitted: !req.DryRun, DryRun: req.DryRun}, nil
}

func card(n int) jobs.LinkedInJob {
	id := fmt.Sprintf("43357422%02d", n)
	return jobs.LinkedInJob{Title: "Go Developer", Company: fmt.Sprintf("Acme %d", n),
		URL: "https://www.linkedin.com/jobs/view/" + id + "/", JobID: id, EasyApply: true}
}

type testEnv struct {
	handler  http.Handler
	tracker  *jobs.Tracker
	user     *jobs.User
	searches *atomic.Int32
}

func newTestEnv(t *testing.T, applier jobs.Applier) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	tr, err := jobs.OpenTracker(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	u, err := tr.EnsureUser(ctx, "ada@example.com", "Ada")
	require.NoError(t, err)

	search := stubSearcher{cards: []jobs.LinkedInJob{card(1), card(2), card(3)}, searches: new(atomic.Int32)}
	orch := jobs.NewOrchestrator(tr, search, applier, jobs.Options{})
	svc := jobs.NewService(jobs.ServiceConfig{
		Store:        tr,
		Orchestrator: orch,
		Search:       search,
		Profiles: jobs.NewStaticProfileStore(&jobs.Profile{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
			Search:    jobs.SearchPreferences{Keywords: []string{"golang developer"}},
		}),
		User: u,
	})
	return &testEnv{handler: New(svc, Config{Version: "test"}).Handler(), tracker: tr, user: u, searches: search.searches}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequestWithContext(t.Context(), method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) insertJob(t *testing.T, n int) *jobs.ScrapedJob {
	t.Helper()
	c := card(n)
	j := &jobs.ScrapedJob{UserID: e.user.ID, JobID: c.JobID, Title: c.Title, Company: c.Company, URL: c.URL, EasyApply: true}
	require.NoError(t, e.tracker.InsertJob(context.Background(), j))
	return j
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, stubApplier{})
	w := e.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestJobs_ListAndGet(t *testing.T) {
	e := newTestEnv(t, stubApplier{})
	j := e.insertJob(t, 1)
	e.insertJob(t, 2)

	w := e.do(t, http.MethodGet, "/api/v1/jobs?status=scraped&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[listJobsResponse](t, w)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Jobs, 1)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", j.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, j.URL, decode[jobs.ScrapedJob](t, w).URL)

	w = e.do(t, http.MethodGet, "/api/v1/jobs/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, engine.CategoryNotFound, decode[errorEnvelope](t, w).Error.Category)
}

func TestJobs_BadInput(t *testing.T) {
	e := newTestEnv(t, stubApplier{})

	tests := []struct {
		name, method, path string
		body               any
	}{
		{"bad status", http.MethodGet, "/api/v1/jobs?status=hired", nil},
		{"bad limit", http.MethodGet, "/api/v1/jobs?limit=1000", nil},
		{"bad id", http.MethodGet, "/api/v1/jobs/abc", nil},
		{"missing saved", http.MethodPut, "/api/v1/jobs/1/saved", map[string]any{}},
		{"missing keywords", http.MethodPost, "/api/v1/jobs/search", map[string]any{"location": "Berlin"}},
		{"bad kind", http.MethodPost, "/api/v1/runs", map[string]any{"kind": "nap"}},
		{"bad cleanup", http.MethodPost, "/api/v1/maintenance/cleanup", map[string]any{"days": 0}},
		{"bad log level", http.MethodGet, "/api/v1/logs?level=trace", nil},
		{"invalid profile", http.MethodPut, "/api/v1/profile", map[string]any{"first_name": "Ada"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, engine.CategoryValidation, decode[errorEnvelope](t, w).Error.Category)
		})
	}
}

func TestJobs_SaveApplyDelete(t *testing.T) {
	e := newTestEnv(t, stubApplier{})
	j := e.insertJob(t, 1)
	base := fmt.Sprintf("/api/v1/jobs/%d", j.ID)

	w := e.do(t, http.MethodPut, base+"/saved", map[string]any{"saved": true, "notes": "ping recruiter"})
	require.Equal(t, http.StatusOK, w.Code)
	saved := decode[jobs.ScrapedJob](t, w)
	assert.True(t, saved.Saved)
	assert.Equal(t, "ping recruiter", saved.Notes)

	w = e.do(t, http.MethodPost, base+"/apply?dry_run=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobs.StatusScraped, decode[jobs.ApplyOutcome](t, w).Status)

	w = e.do(t, http.MethodPost, base+"/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobs.StatusApplied, decode[jobs.ApplyOutcome](t, w).Status)

	w = e.do(t, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]jobs.JobEvent](t, w)["events"], 2)

	w = e.do(t, http.MethodPost, base+"/apply", nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = e.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs_RequeueFailed(t *testing.T) {
	e := newTestEnv(t, stubApplier{err: engine.Errorf("easyapply", engine.CategoryExternalService, "submit button missing")})
	j := e.insertJob(t, 1)
	base := fmt.Sprintf("/api/v1/jobs/%d", j.ID)

	w := e.do(t, http.MethodPost, base+"/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[jobs.ApplyOutcome](t, w)
	assert.Equal(t, jobs.StatusFailed, out.Status)
	assert.Equal(t, string(engine.CategoryExternalService), out.Category)

	w = e.do(t, http.MethodPost, base+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobs.StatusScraped, decode[jobs.ScrapedJob](t, w).Status)
}

func TestJobs_ApplyAuthFailure(t *testing.T) {
	e := newTestEnv(t, stubApplier{err: engine.Errorf("easyapply", engine.CategoryAuthentication, "session expired")})
	j := e.insertJob(t, 1)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/apply", j.ID), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	resp := decode[struct {
		Error   errorBody          `json:"error"`
		Outcome *jobs.ApplyOutcome `json:"outcome"`
	}](t, w)
	assert.Equal(t, engine.CategoryAuthentication, resp.Error.Category)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, j.ID, resp.Outcome.JobID)
	assert.Equal(t, string(engine.CategoryAuthentication), resp.Outcome.Category)
}

func TestSearch_Store(t *testing.T) {
	e := newTestEnv(t, stubApplier{})
	w := e.do(t, http.MethodPost, "/api/v1/jobs/search", map[string]any{"keywords": "golang developer", "store": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[searchResponse](t, w)
	assert.Equal(t, 3, resp.Count)
	require.NotNil(t, resp.Report)
	assert.Equal(t, 3, resp.Report.Stats.Inserted)
	assert.Equal(t, int32(1), e.searches.Load(), "store request should search once")
}

func TestRuns(t *testing.T) {
	e := newTestEnv(t, stubApplier{})

	w := e.do(t, http.MethodPost, "/api/v1/runs", map[string]any{"kind": "run", "wait": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode[jobs.RunReport](t, w)
	assert.Equal(t, jobs.SessionCompleted, rep.Status)
	assert.Equal(t, 3, rep.Stats.Applied)

	w = e.do(t, http.MethodGet, "/api/v1/runs/"+rep.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jobs.SessionCompleted, decode[jobs.SessionData](t, w).Status)

	w = e.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]jobs.SessionData](t, w)["runs"], 1)

	w = e.do(t, http.MethodGet, "/api/v1/logs?session_id="+rep.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[map[string][]jobs.AutomationLog](t, w)["logs"])

	w = e.do(t, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[jobs.Stats](t, w)
	assert.Equal(t, 3, st.ByStatus[jobs.StatusApplied])
	assert.Equal(t, 3, st.Total)
}

func TestMaintenance(t *testing.T) {
	e := newTestEnv(t, stubApplier{})

	w := e.do(t, http.MethodPost, "/api/v1/maintenance/recover", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[jobs.SweepReport](t, w).Jobs)

	w = e.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", map[string]any{"days": 30})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[jobs.CleanupReport](t, w).Jobs)
}

func TestProfile(t *testing.T) {
	e := newTestEnv(t, stubApplier{})

	w := e.do(t, http.MethodGet, "/api/v1/profile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[jobs.Profile](t, w)
	assert.Equal(t, "Ada", p.FirstName)

	p.Headline = "Go engineer"
	w = e.do(t, http.MethodPut, "/api/v1/profile", p)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Go engineer", decode[jobs.Profile](t, w).Headline)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, stubApplier{})
	e.do(t, http.MethodGet, "/api/v1/jobs", nil)

	w := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `go_apply_http_requests_total{code="200",method="GET",route="/api/v1/jobs"} 1`), w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, stubApplier{})
	req := httptest.NewRequestWithContext(t.Context(), http.MethodOptions, "/api/v1/jobs", http.NoBody)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
