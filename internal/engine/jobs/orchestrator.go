package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrRunInProgress is returned when an automation run is already active.
var ErrRunInProgress = errors.New("an automation run is already in progress")

// Searcher is the recon source.
type Searcher interface {
	Search(ctx context.Context, p SearchParams) ([]LinkedInJob, error)
	Details(ctx context.Context, jobs []LinkedInJob, limit int) map[string]*JobDetails
}

// LinkedInSearcher searches LinkedIn's guest API.
type LinkedInSearcher struct {
	Workers int
}

func (s LinkedInSearcher) Search(ctx context.Context, p SearchParams) ([]LinkedInJob, error) {
	return SearchLinkedInJobs(ctx, p)
}

func (s LinkedInSearcher) Details(ctx context.Context, jobs []LinkedInJob, limit int) map[string]*JobDetails {
	return FetchDetailsParallel(ctx, jobs, limit, s.Workers)
}

// Options tune the orchestrator.
type Options struct {
	DryRun       bool
	MaxPerRun    int           // applications per run
	Concurrency  int           // applications in flight
	RatePerHour  float64       // 0 disables throttling
	MaxAttempts  int           // apply attempts before a job stays failed
	StuckAfter   time.Duration // applying rows older than this are swept
	ApplyTimeout time.Duration // per application, kept below StuckAfter
	DetailLimit  int           // detail fetches per search page
	PageDelay    time.Duration // pause between search requests
}

func (o *Options) defaults() {
	if o.MaxPerRun <= 0 {
		o.MaxPerRun = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 30 * time.Minute
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 10 * time.Minute
	}
	if o.ApplyTimeout >= o.StuckAfter {
		slog.Warn("orchestrator: apply timeout must stay below stuck threshold, clamping",
			slog.Duration("apply_timeout", o.ApplyTimeout), slog.Duration("stuck_after", o.StuckAfter))
		o.ApplyTimeout = o.StuckAfter / 2
	}
	if o.DetailLimit <= 0 {
		o.DetailLimit = linkedInPageSize
	}
	if o.PageDelay < 0 {
		o.PageDelay = 0
	}
}

// Orchestrator drives the two phases: recon fills the tracker with scraped
// jobs, apply claims them one at a time and records the outcome.
type Orchestrator struct {
	store   *Tracker
	search  Searcher
	applier Applier
	opts    Options
	limiter *rate.Limiter
	running atomic.Bool

	countQueued func(ctx context.Context, userID int64) (int, error)
}

// NewOrchestrator wires the phases together. applier may be nil for recon-only use.
func NewOrchestrator(store *Tracker, search Searcher, applier Applier, opts Options) *Orchestrator {
	opts.defaults()
	limit := rate.Inf
	if opts.RatePerHour > 0 {
		limit = rate.Limit(opts.RatePerHour / 3600)
	}
	return &Orchestrator{
		store:   store,
		search:  search,
		applier: applier,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),

		countQueued: store.CountQueued,
	}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options { return o.opts }

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// ApplyOutcome is the result of one application attempt.
type ApplyOutcome struct {
	JobID    int64     `json:"job_id"`
	Title    string    `json:"title"`
	Company  string    `json:"company"`
	URL      string    `json:"url"`
	Status   JobStatus `json:"status"`
	DryRun   bool      `json:"dry_run,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	Category string    `json:"category,omitempty"`
}

// RunReport summarizes a finished session.
type RunReport struct {
	SessionID string         `json:"session_id"`
	Kind      SessionKind    `json:"kind"`
	Status    SessionStatus  `json:"status"`
	DryRun    bool           `json:"dry_run"`
	Stats     SessionStats   `json:"stats"`
	Outcomes  []ApplyOutcome `json:"outcomes,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  string         `json:"duration"`
}

// RunResult is delivered when a background run finishes.
type RunResult struct {
	Report *RunReport
	Err    error
}

// RunOptions are per-run overrides of the orchestrator defaults.
type RunOptions struct {
	// Params replace the profile's search preferences for recon.
	Params []SearchParams `json:"params,omitempty"`
	// DryRun simulates applications even when Options.DryRun is off.
	DryRun bool `json:"dry_run,omitempty"`
}

// runState is the progress of one session.
type runState struct {
	o       *Orchestrator
	session *SessionData
	user    *User
	profile *Profile
	params  []SearchParams
	dry     bool

	mu       sync.Mutex
	stats    SessionStats
	outcomes []ApplyOutcome
}

func (r *runState) sessionID() string {
	if r.session == nil {
		return ""
	}
	return r.session.ID
}

func (r *runState) update(ctx context.Context, fn func(*SessionStats)) {
	r.mu.Lock()
	fn(&r.stats)
	stats := r.stats
	r.mu.Unlock()
	if r.session != nil {
		if err := r.o.store.TouchSession(context.WithoutCancel(ctx), r.session.ID, stats); err != nil {
			slog.Warn("orchestrator: touch session", slog.Any("error", err))
		}
	}
}

func (r *runState) snapshot() (SessionStats, []ApplyOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats, append([]ApplyOutcome(nil), r.outcomes...)
}

func (r *runState) record(out ApplyOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, out)
	r.mu.Unlock()
}

// log writes an audit entry and mirrors it to slog.
func (r *runState) log(ctx context.Context, jobID int64, level string, category engine.Category, msg string) {
	attrs := []any{slog.String("session", r.sessionID()), slog.Int64("job", jobID)}
	if category != "" {
		attrs = append(attrs, slog.String("category", string(category)))
	}
	switch level {
	case LevelError:
		slog.Error("orchestrator: "+msg, attrs...)
	case LevelWarn:
		slog.Warn("orchestrator: "+msg, attrs...)
	default:
		slog.Info("orchestrator: "+msg, attrs...)
	}
	entry := AutomationLog{SessionID: r.sessionID(), JobID: jobID, Level: level, Category: string(category), Message: msg}
	if err := r.o.store.Log(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("orchestrator: write log", slog.Any("error", err))
	}
}

// Start opens a session and runs it in the background. Only one run may be
// active at a time; a second Start returns ErrRunInProgress.
func (o *Orchestrator) Start(ctx context.Context, user *User, p *Profile, kind SessionKind, ro RunOptions) (*SessionData, <-chan RunResult, error) {
	const op = "orchestrator: start"
	if user == nil {
		return nil, nil, engine.Errorf(op, engine.CategoryValidation, "user is required")
	}
	if (kind == SessionRecon || kind == SessionRun) && p == nil {
		return nil, nil, engine.Errorf(op, engine.CategoryValidation, "%s needs a profile", kind)
	}
	if (kind == SessionApply || kind == SessionRun) && o.applier == nil {
		return nil, nil, engine.Errorf(op, engine.CategoryValidation, "no applier configured")
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, nil, engine.E(op, engine.CategoryConflict, ErrRunInProgress)
	}
	sess, err := o.store.StartSession(ctx, user.ID, kind)
	if err != nil {
		o.running.Store(false)
		return nil, nil, err
	}
	r := &runState{o: o, session: sess, user: user, profile: p, params: ro.Params, dry: o.opts.DryRun || ro.DryRun}
	done := make(chan RunResult, 1)
	go func() {
		defer o.running.Store(false)
		rep, err := o.execute(ctx, r)
		done <- RunResult{Report: rep, Err: err}
	}()
	return sess, done, nil
}

// Run is Start followed by waiting for the result.
func (o *Orchestrator) Run(ctx context.Context, user *User, p *Profile, kind SessionKind, ro RunOptions) (*RunReport, error) {
	_, done, err := o.Start(ctx, user, p, kind, ro)
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.Report, res.Err
}

// RunRecon searches with the profile's preferences and stores new jobs.
func (o *Orchestrator) RunRecon(ctx context.Context, user *User, p *Profile) (*RunReport, error) {
	return o.Run(ctx, user, p, SessionRecon, RunOptions{})
}

// RunApply sweeps stuck jobs, requeues retryable failures and applies to queued jobs.
func (o *Orchestrator) RunApply(ctx context.Context, user *User) (*RunReport, error) {
	return o.Run(ctx, user, nil, SessionApply, RunOptions{})
}

func (o *Orchestrator) execute(ctx context.Context, r *runState) (*RunReport, error) {
	started := time.Now()
	kind := r.session.Kind
	stopBeat := o.heartbeat(ctx, r)
	r.log(ctx, 0, LevelInfo, "", fmt.Sprintf("%s started (dry_run=%t)", kind, r.dry))

	var err error
	switch kind {
	case SessionRecon:
		err = r.recon(ctx)
	case SessionApply:
		err = r.apply(ctx)
	case SessionRun:
		rerr := r.recon(ctx)
		if rerr != nil {
			r.log(ctx, 0, LevelError, engine.CategoryOf(rerr), "recon failed: "+rerr.Error())
		}
		var aerr error
		if ctx.Err() == nil {
			aerr = r.apply(ctx)
		}
		err = errors.Join(rerr, aerr)
	}
	stopBeat()

	status, msg := SessionCompleted, ""
	switch {
	case ctx.Err() != nil:
		status, msg = SessionCancelled, ctx.Err().Error()
	case err != nil:
		status, msg = SessionFailed, err.Error()
	}
	stats, outcomes := r.snapshot()
	if ferr := o.store.FinishSession(context.WithoutCancel(ctx), r.session.ID, status, stats, msg); ferr != nil {
		slog.Error("orchestrator: finish session", slog.String("session", r.session.ID), slog.Any("error", ferr))
	}
	level := LevelInfo
	if status != SessionCompleted {
		level = LevelWarn
	}
	r.log(ctx, 0, level, engine.CategoryOf(err), fmt.Sprintf("%s %s: found=%d inserted=%d applied=%d failed=%d",
		kind, status, stats.Found, stats.Inserted, stats.Applied, stats.Failed))

	return &RunReport{
		SessionID: r.session.ID,
		Kind:      kind,
		Status:    status,
		DryRun:    r.dry,
		Stats:     stats,
		Outcomes:  outcomes,
		Error:     msg,
		Duration:  time.Since(started).Round(time.Millisecond).String(),
	}, err
}

// heartbeat refreshes the session while long steps (rate limiter waits,
// slow applications) produce no progress updates.
func (o *Orchestrator) heartbeat(ctx context.Context, r *runState) (stop func()) {
	interval := min(o.opts.StuckAfter/3, time.Minute)
	if interval <= 0 {
		interval = time.Second
	}
	bctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-bctx.Done():
				return
			case <-t.C:
				r.update(bctx, func(*SessionStats) {})
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// recon runs every query, walking pages until a short page. Search errors
// end the current query; authentication and database errors end the phase.
func (r *runState) recon(ctx context.Context) error {
	params, pages := r.params, 1
	if params == nil {
		params = r.profile.SearchParams(0)
		pages = r.profile.Pages()
	}
	seen := make(map[string]bool)
	first := true
	for _, base := range params {
		for page := 0; page < pages; page++ {
			if !first {
				if err := sleepCtx(ctx, r.o.opts.PageDelay); err != nil {
					return err
				}
			}
			first = false
			q := base
			q.Page = base.Page + page
			n, err := r.reconPage(ctx, q, seen)
			if err != nil {
				cat := engine.CategoryOf(err)
				r.log(ctx, 0, LevelWarn, cat, fmt.Sprintf("search %q page %d: %v", q.Keywords, q.Page, err))
				if cat == engine.CategoryAuthentication || cat == engine.CategoryDatabase || ctx.Err() != nil {
					return err
				}
				break
			}
			if n < linkedInPageSize {
				break
			}
		}
	}
	return nil
}

func (r *runState) reconPage(ctx context.Context, q SearchParams, seen map[string]bool) (int, error) {
	o := r.o
	cards, err := o.search.Search(ctx, q)
	r.update(ctx, func(s *SessionStats) { s.Searches++ })
	if err != nil {
		return 0, err
	}

	var candidates []LinkedInJob
	filtered, dups := 0, 0
	for _, c := range cards {
		if skip, why := r.profile.Excludes(c); skip {
			filtered++
			slog.Debug("orchestrator: excluded", slog.String("title", c.Title), slog.String("company", c.Company), slog.String("reason", why))
			continue
		}
		key := engine.CanonicalJobKey(c.Title, c.Company)
		if seen[c.URL] || seen[key] {
			dups++
			continue
		}
		seen[c.URL], seen[key] = true, true
		if _, err := o.store.GetJobByURL(ctx, r.user.ID, c.URL); err == nil {
			dups++
			continue
		}
		candidates = append(candidates, c)
	}

	details := o.search.Details(ctx, candidates, o.opts.DetailLimit)
	rows := make([]ScrapedJob, 0, len(candidates))
	for _, c := range candidates {
		j := ScrapedJob{
			UserID:    r.user.ID,
			JobID:     c.JobID,
			Title:     c.Title,
			Company:   c.Company,
			Location:  c.Location,
			URL:       c.URL,
			EasyApply: c.EasyApply || q.EasyApply,
			Keywords:  q.Keywords,
			Posted:    c.Posted,
		}
		if d := details[c.URL]; d != nil {
			j.Description = d.Description
			j.EasyApply = j.EasyApply || d.EasyApply
		}
		fit := ScoreFit(r.profile, j.Title, j.Description)
		j.FitScore = fit.Score
		if minScore := r.profile.Search.MinFitScore; minScore > 0 && j.Description != "" && fit.Score < minScore {
			filtered++
			continue
		}
		rows = append(rows, j)
	}

	inserted, dupInsert, err := o.store.InsertJobs(ctx, rows)
	dups += dupInsert
	engine.AddJobsScraped(inserted)
	engine.AddJobsDuplicate(dups)
	r.update(ctx, func(s *SessionStats) {
		s.Found += len(cards)
		s.Filtered += filtered
		s.Inserted += inserted
		s.Duplicates += dups
	})
	if err != nil {
		return len(cards), err
	}
	if inserted > 0 {
		r.log(ctx, 0, LevelInfo, "", fmt.Sprintf("search %q page %d: %d new of %d", q.Keywords, q.Page, inserted, len(cards)))
	}
	return len(cards), nil
}

// apply sweeps stale applying rows, requeues retryable failures, then
// claims queued jobs with bounded concurrency under the rate limit.
func (r *runState) apply(ctx context.Context) error {
	o := r.o
	recovered, err := o.store.RecoverStuck(ctx, o.opts.StuckAfter)
	if err != nil {
		return err
	}
	requeued, err := o.store.RequeueFailed(ctx, r.user.ID, o.opts.MaxAttempts)
	if err != nil {
		return err
	}
	r.update(ctx, func(s *SessionStats) {
		s.Recovered += recovered
		s.Requeued += requeued
	})
	if recovered > 0 || requeued > 0 {
		r.log(ctx, 0, LevelInfo, "", fmt.Sprintf("recovered %d stuck, requeued %d failed", recovered, requeued))
	}

	if r.dry {
		return r.dryRun(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i := 0; i < o.opts.MaxPerRun && gctx.Err() == nil; i++ {
		queued, err := o.countQueued(gctx, r.user.ID)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			_ = g.Wait()
			return err
		}
		if queued == 0 {
			break
		}
		if err := o.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			job, err := o.store.ClaimNextForApply(gctx, r.user.ID)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return r.applyClaimed(gctx, job)
		})
	}
	return g.Wait()
}

// applyClaimed runs the applier on a job already moved to applying and
// records the outcome. Only errors that should stop the run are returned.
func (r *runState) applyClaimed(ctx context.Context, job *ScrapedJob) error {
	o := r.o
	engine.IncrApplyAttempts()
	r.update(ctx, func(s *SessionStats) { s.Attempted++ })

	var res *ApplyResult
	err := engine.TrackOperation(ctx, "apply "+job.URL, o.opts.ApplyTimeout/2, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.opts.ApplyTimeout)
		defer cancel()
		var err error
		res, err = o.applier.Apply(actx, RequestFor(job, false))
		return err
	})

	sctx := context.WithoutCancel(ctx)
	out := ApplyOutcome{JobID: job.ID, Title: job.Title, Company: job.Company, URL: job.URL}

	if err == nil && (res == nil || !res.Submitted) {
		err = engine.Errorf("apply", engine.CategoryExternalService, "applier finished without submitting")
	}
	if err == nil || errors.Is(err, ErrAlreadyApplied) {
		out.Message = "application submitted"
		if err != nil {
			out.Message = "already applied"
		}
		if merr := o.store.MarkApplied(sctx, job.ID, out.Message); merr != nil {
			return merr
		}
		engine.IncrApplySucceeded()
		out.Status = StatusApplied
		r.record(out)
		r.update(ctx, func(s *SessionStats) { s.Applied++ })
		r.log(ctx, job.ID, LevelInfo, "", fmt.Sprintf("applied: %s at %s", job.Title, job.Company))
		return nil
	}

	if ctx.Err() != nil {
		err = engine.E("apply", categoryInterrupted, err)
	}
	if merr := o.store.MarkFailed(sctx, job.ID, err); merr != nil {
		return merr
	}
	engine.IncrApplyFailed()
	cat := engine.CategoryOf(err)
	out.Status, out.Error, out.Category = StatusFailed, err.Error(), string(cat)
	r.record(out)
	r.update(ctx, func(s *SessionStats) { s.Failed++ })
	r.log(ctx, job.ID, LevelError, cat, fmt.Sprintf("apply failed: %s at %s: %v", job.Title, job.Company, err))

	if cat == engine.CategoryAuthentication {
		return err
	}
	return nil
}

// dryRun walks queued jobs through the applier without submitting or
// changing their status.
func (r *runState) dryRun(ctx context.Context) error {
	o := r.o
	easy := true
	jobs, _, err := o.store.ListJobs(ctx, JobFilter{UserID: r.user.ID, Status: StatusScraped, EasyApply: &easy, Limit: o.opts.MaxPerRun})
	if err != nil {
		return err
	}
	for i := range jobs {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
		out := r.simulate(ctx, &jobs[i])
		if out.Category == string(engine.CategoryAuthentication) {
			return engine.E("apply: dry run", engine.CategoryAuthentication, errors.New(out.Error))
		}
	}
	return nil
}

func (r *runState) simulate(ctx context.Context, job *ScrapedJob) ApplyOutcome {
	o := r.o
	r.update(ctx, func(s *SessionStats) { s.Attempted++ })
	actx, cancel := context.WithTimeout(ctx, o.opts.ApplyTimeout)
	res, err := o.applier.Apply(actx, RequestFor(job, true))
	cancel()

	out := ApplyOutcome{JobID: job.ID, Title: job.Title, Company: job.Company, URL: job.URL, Status: job.Status, DryRun: true}
	if err != nil {
		out.Error, out.Category = err.Error(), string(engine.CategoryOf(err))
		r.log(ctx, job.ID, LevelWarn, engine.CategoryOf(err), "dry run failed: "+err.Error())
	} else {
		if res != nil {
			out.Message = res.Message
		}
		r.log(ctx, job.ID, LevelInfo, "", fmt.Sprintf("dry run ok: %s at %s", job.Title, job.Company))
	}
	r.record(out)
	return out
}

// ApplyOne applies to a single job on demand, outside any session. In dry
// run the job is simulated and keeps its status.
func (o *Orchestrator) ApplyOne(ctx context.Context, user *User, jobID int64, dryRun bool) (*ApplyOutcome, error) {
	const op = "orchestrator: apply one"
	if o.applier == nil {
		return nil, engine.Errorf(op, engine.CategoryValidation, "no applier configured")
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != user.ID {
		return nil, notFound(op, "job", jobID)
	}
	if !job.EasyApply {
		return nil, engine.E(op, engine.CategoryValidation, ErrNotEasyApply)
	}
	r := &runState{o: o, user: user}
	if dryRun {
		out := r.simulate(ctx, job)
		return &out, nil
	}
	if err := o.store.Transition(ctx, job.ID, StatusScraped, StatusApplying, "manual apply"); err != nil {
		return nil, err
	}
	job.Status = StatusApplying
	if err := r.applyClaimed(ctx, job); err != nil {
		_, outs := r.snapshot()
		if len(outs) == 0 {
			return nil, err
		}
		return &outs[0], err
	}
	_, outs := r.snapshot()
	return &outs[0], nil
}

// SweepReport counts rows fixed by Sweep.
type SweepReport struct {
	Jobs     int `json:"jobs"`
	Sessions int `json:"sessions"`
}

// Sweep moves stuck applying jobs to failed and marks sessions without a
// recent heartbeat as interrupted.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var err error
	if rep.Jobs, err = o.store.RecoverStuck(ctx, o.opts.StuckAfter); err != nil {
		return rep, err
	}
	if rep.Sessions, err = o.store.RecoverSessions(ctx, o.opts.StuckAfter); err != nil {
		return rep, err
	}
	if rep.Jobs > 0 || rep.Sessions > 0 {
		slog.Info("orchestrator: sweep", slog.Int("jobs", rep.Jobs), slog.Int("sessions", rep.Sessions))
	}
	return rep, nil
}
