package jobs

import (
	"context"
	"log/slog"

	"github.com/anatolykoptev/go_apply/internal/engine"
)

// Service is the operation surface shared by the MCP tools, the REST API,
// the CLI and the scheduler. It is bound to one user.
type Service struct {
	store    *Tracker
	orch     *Orchestrator
	search   Searcher
	profiles *ProfileStore
	llm      Completer
	user     *User
	base     context.Context
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store        *Tracker
	Orchestrator *Orchestrator
	Search       Searcher
	Profiles     *ProfileStore
	LLM          Completer // nil disables LLM answers and fit summaries
	User         *User
	// Base outlives request contexts and bounds background runs.
	Base context.Context
}

func NewService(c ServiceConfig) *Service {
	if c.Base == nil {
		c.Base = context.Background()
	}
	if c.Search == nil {
		c.Search = LinkedInSearcher{}
	}
	return &Service{
		store:    c.Store,
		orch:     c.Orchestrator,
		search:   c.Search,
		profiles: c.Profiles,
		llm:      c.LLM,
		user:     c.User,
		base:     c.Base,
	}
}

// User returns the user the service acts for.
func (s *Service) User() *User { return s.user }

// Store exposes the tracker for health checks.
func (s *Service) Store() *Tracker { return s.store }

// Search runs one LinkedIn query without storing results.
func (s *Service) Search(ctx context.Context, p SearchParams) ([]LinkedInJob, error) {
	if err := validate.Struct(p); err != nil {
		return nil, engine.E("service: search", engine.CategoryValidation, describeValidation(err))
	}
	return s.search.Search(ctx, p)
}

// Details fetches the description of a job posting.
func (s *Service) Details(ctx context.Context, jobURL string) (*JobDetails, error) {
	if ExtractJobID(jobURL) == "" {
		return nil, engine.Errorf("service: details", engine.CategoryValidation, "not a LinkedIn job URL: %q", jobURL)
	}
	return FetchJobDetails(ctx, jobURL)
}

// SearchAndStore runs recon for the given queries in its own session.
// Empty params fall back to the profile's search preferences.
func (s *Service) SearchAndStore(ctx context.Context, params []SearchParams) (*RunReport, error) {
	for _, p := range params {
		if err := validate.Struct(p); err != nil {
			return nil, engine.E("service: search and store", engine.CategoryValidation, describeValidation(err))
		}
	}
	if len(params) == 0 {
		params = nil
	}
	return s.orch.Run(ctx, s.user, s.profiles.Current(), SessionRecon, RunOptions{Params: params})
}

// ListJobs lists the user's jobs.
func (s *Service) ListJobs(ctx context.Context, f JobFilter) ([]ScrapedJob, int, error) {
	f.UserID = s.user.ID
	if f.Status != "" {
		if _, err := ParseStatus(string(f.Status)); err != nil {
			return nil, 0, err
		}
	}
	return s.store.ListJobs(ctx, f)
}

// GetJob returns a job owned by the user.
func (s *Service) GetJob(ctx context.Context, id int64) (*ScrapedJob, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != s.user.ID {
		return nil, notFound("service: get job", "job", id)
	}
	return j, nil
}

// JobEvents returns the status history of a job.
func (s *Service) JobEvents(ctx context.Context, id int64) ([]JobEvent, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

func (s *Service) SetSaved(ctx context.Context, id int64, saved bool) (*ScrapedJob, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.SetSaved(ctx, id, saved); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, id)
}

func (s *Service) UpdateNotes(ctx context.Context, id int64, notes string) (*ScrapedJob, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.UpdateNotes(ctx, id, notes); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, id)
}

// Requeue moves a failed job back to scraped while attempts remain.
func (s *Service) Requeue(ctx context.Context, id int64) (*ScrapedJob, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.Requeue(ctx, id, s.orch.Options().MaxAttempts); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, id)
}

func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteJob(ctx, id)
}

// Apply applies to one job now. dryRun fills the form without submitting.
func (s *Service) Apply(ctx context.Context, id int64, dryRun bool) (*ApplyOutcome, error) {
	return s.orch.ApplyOne(ctx, s.user, id, dryRun)
}

// Fit scores a stored job against the profile and saves the score.
func (s *Service) Fit(ctx context.Context, id int64) (FitResult, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return FitResult{}, err
	}
	fit, err := NewStoreAnswerer(s.profiles, s.llm).SummarizeFit(ctx, j)
	if err != nil {
		return FitResult{}, err
	}
	if err := s.store.SetFitScore(ctx, id, fit.Score); err != nil {
		return FitResult{}, err
	}
	return fit, nil
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	ByStatus    map[JobStatus]int `json:"by_status"`
	Total       int               `json:"total"`
	Queued      int               `json:"queued"`
	Running     bool              `json:"running"`
	LastSession *SessionData      `json:"last_session,omitempty"`
	Counters    map[string]int64  `json:"counters"`
	CacheHits   int64             `json:"cache_hits"`
	CacheMisses int64             `json:"cache_misses"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx, s.user.ID)
	if err != nil {
		return nil, err
	}
	queued, err := s.store.CountQueued(ctx, s.user.ID)
	if err != nil {
		return nil, err
	}
	st := &Stats{ByStatus: counts, Queued: queued, Running: s.orch.Running(), Counters: engine.GetMetrics()}
	for _, n := range counts {
		st.Total += n
	}
	if sessions, err := s.store.ListSessions(ctx, s.user.ID, 1); err == nil && len(sessions) > 0 {
		st.LastSession = &sessions[0]
	}
	st.CacheHits, st.CacheMisses = engine.CacheStats()
	return st, nil
}

// StartRun launches a run in the background, detached from ctx. The
// returned session can be polled with Session.
func (s *Service) StartRun(ctx context.Context, kind SessionKind, ro RunOptions) (*SessionData, error) {
	sess, done, err := s.orch.Start(s.base, s.user, s.profiles.Current(), kind, ro)
	if err != nil {
		return nil, err
	}
	go func() {
		res := <-done
		if res.Err != nil {
			slog.Warn("service: background run ended with error",
				slog.String("session", sess.ID), slog.Any("error", res.Err))
		}
	}()
	return sess, nil
}

// RunNow runs to completion and returns the report.
func (s *Service) RunNow(ctx context.Context, kind SessionKind, ro RunOptions) (*RunReport, error) {
	return s.orch.Run(ctx, s.user, s.profiles.Current(), kind, ro)
}

func (s *Service) Sessions(ctx context.Context, limit int) ([]SessionData, error) {
	return s.store.ListSessions(ctx, s.user.ID, limit)
}

func (s *Service) Session(ctx context.Context, id string) (*SessionData, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != s.user.ID {
		return nil, notFound("service: get session", "session", id)
	}
	return sess, nil
}

// Logs returns automation logs, newest first.
func (s *Service) Logs(ctx context.Context, f LogFilter) ([]AutomationLog, error) {
	if f.SessionID != "" {
		if _, err := s.Session(ctx, f.SessionID); err != nil {
			return nil, err
		}
	}
	return s.store.ListLogs(ctx, f)
}

// Recover runs the recovery sweep.
func (s *Service) Recover(ctx context.Context) (SweepReport, error) {
	return s.orch.Sweep(ctx)
}

// Cleanup deletes data older than days.
func (s *Service) Cleanup(ctx context.Context, days int) (CleanupReport, error) {
	return s.store.CleanupOldData(ctx, days)
}

func (s *Service) Profile() *Profile { return s.profiles.Current() }

// SaveProfile validates and persists p.
func (s *Service) SaveProfile(p *Profile) error { return s.profiles.Save(p) }
