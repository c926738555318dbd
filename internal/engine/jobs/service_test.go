package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestService(t *testing.T, applier Applier) (*Service, *Tracker, *User) {
	t.Helper()
	tr, u, _ := newTestTracker(t)
	orch := NewOrchestrator(tr, &fakeSearcher{}, applier, Options{MaxAttempts: 2})
	svc := NewService(ServiceConfig{
		Store:        tr,
		Orchestrator: orch,
		Search:       &fakeSearcher{},
		Profiles:     NewStaticProfileStore(testProfile(t)),
		User:         u,
	})
	return svc, tr, u
}

func TestService_Ownership(t *testing.T) {
	svc, tr, _ := newTestService(t, &fakeApplier{})
	ctx := context.Background()

	other, err := tr.EnsureUser(ctx, "other@example.com", "")
	require.NoError(t, err)
	foreign := insertTestJob(t, tr, other.ID, 1)

	_, err = svc.GetJob(ctx, foreign.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.SetSaved(ctx, foreign.ID, true)
	assert.Equal(t, engine.CategoryNotFound, engine.CategoryOf(err))
	assert.Error(t, svc.DeleteJob(ctx, foreign.ID))

	jobs, total, err := svc.ListJobs(ctx, JobFilter{UserID: other.ID})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestService_JobLifecycle(t *testing.T) {
	boom := engine.Errorf("apply", engine.CategoryExternalService, "modal never opened")
	applier := &fakeApplier{errs: map[string]error{}}
	svc, tr, u := newTestService(t, applier)
	ctx := context.Background()
	j := insertTestJob(t, tr, u.ID, 1)
	applier.errs[j.URL] = boom

	saved, err := svc.SetSaved(ctx, j.ID, true)
	require.NoError(t, err)
	assert.True(t, saved.Saved)

	noted, err := svc.UpdateNotes(ctx, j.ID, "recruiter replied")
	require.NoError(t, err)
	assert.Equal(t, "recruiter replied", noted.Notes)

	out, err := svc.Apply(ctx, j.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)

	requeued, err := svc.Requeue(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScraped, requeued.Status)

	events, err := svc.JobEvents(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, StatusScraped, events[2].ToStatus)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Queued)
	assert.False(t, st.Running)
}

func TestService_ListJobsRejectsBadStatus(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, _, err := svc.ListJobs(context.Background(), JobFilter{Status: "interview"})
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
}

func TestService_SearchValidates(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Search(context.Background(), SearchParams{})
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))

	_, err = svc.Details(context.Background(), "https://example.com/job")
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
}

func TestService_Fit(t *testing.T) {
	svc, tr, u := newTestService(t, nil)
	ctx := context.Background()
	j := insertTestJob(t, tr, u.ID, 1)
	require.NoError(t, tr.UpdateDetails(ctx, j.ID, "Go services on Kubernetes", true))

	fit, err := svc.Fit(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Go", "Kubernetes"}, fit.Matched)

	got, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, fit.Score, got.FitScore)
}

func TestService_StartRun(t *testing.T) {
	svc, tr, u := newTestService(t, &fakeApplier{})
	ctx := context.Background()
	insertTestJob(t, tr, u.ID, 1)

	sess, err := svc.StartRun(ctx, SessionApply, RunOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Session(ctx, sess.ID)
		return err == nil && got.Status == SessionCompleted
	}, waitFor, tick)

	sessions, err := svc.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Stats.Applied)

	logs, err := svc.Logs(ctx, LogFilter{SessionID: sess.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestService_RunNowDryRun(t *testing.T) {
	applier := &fakeApplier{}
	svc, tr, u := newTestService(t, applier)
	ctx := context.Background()
	j := insertTestJob(t, tr, u.ID, 1)

	rep, err := svc.RunNow(ctx, SessionApply, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Zero(t, rep.Stats.Applied)
	require.Equal(t, 1, applier.callCount())
	assert.True(t, applier.calls[0].DryRun)

	got, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScraped, got.Status)
	assert.Nil(t, got.AppliedAt)
}

func TestService_SessionOwnership(t *testing.T) {
	svc, tr, _ := newTestService(t, nil)
	ctx := context.Background()
	other, err := tr.EnsureUser(ctx, "other@example.com", "")
	require.NoError(t, err)
	sess, err := tr.StartSession(ctx, other.ID, SessionRecon)
	require.NoError(t, err)

	_, err = svc.Session(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = svc.Logs(ctx, LogFilter{SessionID: sess.ID})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestService_Maintenance(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	rep, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, rep)

	_, err = svc.Cleanup(ctx, 0)
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
	_, err = svc.Cleanup(ctx, 30)
	assert.NoError(t, err)
}

func TestService_SaveProfile(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	p := svc.Profile()
	p.Email = "not-an-email"
	err := svc.SaveProfile(p)
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
	assert.Equal(t, "ada@example.com", svc.Profile().Email)

	p.Email = "ada@lovelace.dev"
	require.NoError(t, svc.SaveProfile(p))
	assert.Equal(t, "ada@lovelace.dev", svc.Profile().Email)
}
