package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
)

// ScrapedJob is one job posting tracked for a user. A single row carries the
// whole lifecycle: saved is a flag, status drives the recon → apply workflow.
type ScrapedJob struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	JobID         string     `json:"job_id"`
	Title         string     `json:"title"`
	Company       string     `json:"company"`
	Location      string     `json:"location,omitempty"`
	URL           string     `json:"url"`
	Description   string     `json:"description,omitempty"`
	EasyApply     bool       `json:"easy_apply"`
	Saved         bool       `json:"saved"`
	Status        JobStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	Keywords      string     `json:"keywords,omitempty"`
	Posted        string     `json:"posted,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	FitScore      int        `json:"fit_score,omitempty"`
	ScrapedAt     time.Time  `json:"scraped_at"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobEvent is one entry of a job's status history.
type JobEvent struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"job_id"`
	FromStatus JobStatus `json:"from_status"`
	ToStatus   JobStatus `json:"to_status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	UserID    int64
	Status    JobStatus
	Saved     *bool
	EasyApply *bool
	Company   string
	Limit     int
	Offset    int
}

// interruptedMessage is recorded on jobs the recovery sweep moves out of applying.
const interruptedMessage = "interrupted while applying"

// categoryInterrupted marks failures caused by a crash or shutdown mid-apply.
const categoryInterrupted engine.Category = "INTERRUPTED"

const jobColumns = `id, user_id, job_id, title, company, location, job_url, description,
	easy_apply, saved, status, attempts, last_error, error_category, keywords, posted,
	notes, fit_score, scraped_at, applied_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*ScrapedJob, error) {
	var j ScrapedJob
	var easy, saved int
	var scraped, updated string
	var applied sql.NullString
	if err := r.Scan(&j.ID, &j.UserID, &j.JobID, &j.Title, &j.Company, &j.Location, &j.URL,
		&j.Description, &easy, &saved, &j.Status, &j.Attempts, &j.LastError, &j.ErrorCategory,
		&j.Keywords, &j.Posted, &j.Notes, &j.FitScore, &scraped, &applied, &updated); err != nil {
		return nil, err
	}
	j.EasyApply = easy == 1
	j.Saved = saved == 1
	j.ScrapedAt = parseTS(scraped)
	j.UpdatedAt = parseTS(updated)
	if applied.Valid {
		at := parseTS(applied.String)
		j.AppliedAt = &at
	}
	return &j, nil
}

// InsertJob stores a newly scraped job in status scraped. Uniqueness on
// (user_id, job_url) is enforced by the database; a second insert of the same
// URL returns ErrDuplicateJob.
func (t *Tracker) InsertJob(ctx context.Context, job *ScrapedJob) error {
	if job.UserID <= 0 || job.URL == "" || job.Title == "" {
		return engine.Errorf("tracker: insert", engine.CategoryValidation, "user_id, url and title are required")
	}
	now := t.now()
	ts := formatTS(now)
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO scraped_jobs (user_id, job_id, title, company, location, job_url, description,
			easy_apply, saved, status, keywords, posted, notes, fit_score, scraped_at, updated_at, status_changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'scraped', ?, ?, ?, ?, ?, ?, ?)`,
		job.UserID, job.JobID, job.Title, job.Company, job.Location, job.URL, job.Description,
		boolInt(job.EasyApply), boolInt(job.Saved), job.Keywords, job.Posted, job.Notes, job.FitScore, ts, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.E("tracker: insert", engine.CategoryConflict, fmt.Errorf("%s: %w", job.URL, ErrDuplicateJob))
		}
		return engine.E("tracker: insert", engine.CategoryDatabase, err)
	}
	id, _ := res.LastInsertId()
	job.ID = id
	job.Status = StatusScraped
	job.Attempts = 0
	job.ScrapedAt = parseTS(ts)
	job.UpdatedAt = job.ScrapedAt
	job.AppliedAt = nil
	return nil
}

// InsertJobs inserts each job, counting duplicates instead of failing on them.
func (t *Tracker) InsertJobs(ctx context.Context, jobs []ScrapedJob) (inserted, duplicates int, err error) {
	for i := range jobs {
		if err := t.InsertJob(ctx, &jobs[i]); err != nil {
			if errors.Is(err, ErrDuplicateJob) {
				duplicates++
				continue
			}
			return inserted, duplicates, err
		}
		inserted++
	}
	return inserted, duplicates, nil
}

// GetJob returns a job by row ID.
func (t *Tracker) GetJob(ctx context.Context, id int64) (*ScrapedJob, error) {
	j, err := scanJob(t.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scraped_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tracker: get job", "job", id)
	}
	if err != nil {
		return nil, engine.E("tracker: get job", engine.CategoryDatabase, err)
	}
	return j, nil
}

// GetJobByURL returns the user's job with the given canonical URL.
func (t *Tracker) GetJobByURL(ctx context.Context, userID int64, jobURL string) (*ScrapedJob, error) {
	j, err := scanJob(t.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scraped_jobs WHERE user_id = ? AND job_url = ?`, userID, jobURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tracker: get job", "job url", jobURL)
	}
	if err != nil {
		return nil, engine.E("tracker: get job", engine.CategoryDatabase, err)
	}
	return j, nil
}

// GetJobByLinkedInID returns the user's job with the given LinkedIn job ID.
func (t *Tracker) GetJobByLinkedInID(ctx context.Context, userID int64, jobID string) (*ScrapedJob, error) {
	j, err := scanJob(t.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scraped_jobs WHERE user_id = ? AND job_id = ? ORDER BY id LIMIT 1`, userID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tracker: get job", "linkedin job", jobID)
	}
	if err != nil {
		return nil, engine.E("tracker: get job", engine.CategoryDatabase, err)
	}
	return j, nil
}

// ListJobs returns jobs matching f, most recently updated first, plus the
// total number of matching rows.
func (t *Tracker) ListJobs(ctx context.Context, f JobFilter) ([]ScrapedJob, int, error) {
	var conds []string
	var args []any
	if f.UserID > 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Saved != nil {
		conds = append(conds, "saved = ?")
		args = append(args, boolInt(*f.Saved))
	}
	if f.EasyApply != nil {
		conds = append(conds, "easy_apply = ?")
		args = append(args, boolInt(*f.EasyApply))
	}
	if f.Company != "" {
		conds = append(conds, "company LIKE ?")
		args = append(args, "%"+f.Company+"%")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := max(f.Offset, 0)

	rows, err := t.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scraped_jobs`+where+` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, engine.E("tracker: list jobs", engine.CategoryDatabase, err)
	}
	defer rows.Close()

	jobs := []ScrapedJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, engine.E("tracker: list jobs", engine.CategoryDatabase, err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, engine.E("tracker: list jobs", engine.CategoryDatabase, err)
	}

	var total int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scraped_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, engine.E("tracker: list jobs", engine.CategoryDatabase, err)
	}
	return jobs, total, nil
}

// CountByStatus returns the number of jobs in each status for a user.
// Every status is present in the result, zero when empty.
func (t *Tracker) CountByStatus(ctx context.Context, userID int64) (map[JobStatus]int, error) {
	counts := map[JobStatus]int{StatusScraped: 0, StatusApplying: 0, StatusApplied: 0, StatusFailed: 0}
	rows, err := t.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM scraped_jobs WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, engine.E("tracker: count", engine.CategoryDatabase, err)
	}
	defer rows.Close()
	for rows.Next() {
		var s JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, engine.E("tracker: count", engine.CategoryDatabase, err)
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// transitionOpts carries the side data written with a status change.
type transitionOpts struct {
	message  string
	category string
	maxTries int // requeue guard: attempts must be below this (0 = unlimited)
}

// Transition moves a job from one status to another. The update is
// conditional on the current status, so a concurrent writer that got there
// first makes this call fail with ErrInvalidTransition instead of
// overwriting its result.
func (t *Tracker) Transition(ctx context.Context, id int64, from, to JobStatus, message string) error {
	return t.transition(ctx, id, from, to, transitionOpts{message: message})
}

// MarkApplied completes an application: applying → applied.
func (t *Tracker) MarkApplied(ctx context.Context, id int64, message string) error {
	return t.transition(ctx, id, StatusApplying, StatusApplied, transitionOpts{message: message})
}

// MarkFailed records a failed application: applying → failed. The error
// text and category are kept on the row.
func (t *Tracker) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.transition(ctx, id, StatusApplying, StatusFailed, transitionOpts{
		message:  msg,
		category: string(engine.CategoryOf(cause)),
	})
}

// Requeue moves a failed job back to scraped while it has attempts left.
// maxAttempts <= 0 means unlimited.
func (t *Tracker) Requeue(ctx context.Context, id int64, maxAttempts int) error {
	err := t.transition(ctx, id, StatusFailed, StatusScraped, transitionOpts{
		message:  "requeued",
		maxTries: maxAttempts,
	})
	if err != nil && errors.Is(err, ErrInvalidTransition) && maxAttempts > 0 {
		if j, gerr := t.GetJob(ctx, id); gerr == nil && j.Status == StatusFailed && j.Attempts >= maxAttempts {
			return engine.E("tracker: requeue", engine.CategoryConflict,
				fmt.Errorf("job %d after %d attempts: %w", id, j.Attempts, ErrAttemptsExhausted))
		}
	}
	return err
}

func (t *Tracker) transition(ctx context.Context, id int64, from, to JobStatus, o transitionOpts) error {
	op := fmt.Sprintf("tracker: transition %s→%s", from, to)
	if !CanTransition(from, to) {
		return engine.E(op, engine.CategoryValidation, ErrInvalidTransition)
	}
	ts := formatTS(t.now())

	set := []string{"status = ?", "updated_at = ?", "status_changed_at = ?"}
	args := []any{string(to), ts, ts}
	switch to {
	case StatusApplying:
		set = append(set, "attempts = attempts + 1", "last_error = ''", "error_category = ''")
	case StatusApplied:
		set = append(set, "applied_at = ?", "last_error = ''", "error_category = ''")
		args = append(args, ts)
	case StatusFailed:
		set = append(set, "last_error = ?", "error_category = ?")
		args = append(args, o.message, o.category)
	}
	where := "id = ? AND status = ?"
	args = append(args, id, string(from))
	if o.maxTries > 0 {
		where += " AND attempts < ?"
		args = append(args, o.maxTries)
	}

	err := t.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scraped_jobs SET `+strings.Join(set, ", ")+` WHERE `+where, args...)
		if err != nil {
			return engine.E(op, engine.CategoryDatabase, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return engine.E(op, engine.CategoryDatabase, err)
		}
		if n == 0 {
			var cur JobStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM scraped_jobs WHERE id = ?`, id).Scan(&cur)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound(op, "job", id)
			}
			if err != nil {
				return engine.E(op, engine.CategoryDatabase, err)
			}
			return engine.E(op, engine.CategoryConflict,
				fmt.Errorf("job %d is %s: %w", id, cur, ErrInvalidTransition))
		}
		return insertEvent(ctx, tx, id, from, to, o.message, ts)
	})
	return err
}

func insertEvent(ctx context.Context, tx *sql.Tx, jobID int64, from, to JobStatus, message, ts string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, from_status, to_status, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, string(from), string(to), message, ts)
	if err != nil {
		return engine.E("tracker: event", engine.CategoryDatabase, err)
	}
	return nil
}

// ClaimNextForApply atomically picks the oldest scraped Easy Apply job of the
// user and moves it to applying. Returns ErrNotFound when nothing is queued.
func (t *Tracker) ClaimNextForApply(ctx context.Context, userID int64) (*ScrapedJob, error) {
	const op = "tracker: claim"
	ts := formatTS(t.now())
	var claimed *ScrapedJob
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx,
			`UPDATE scraped_jobs
			 SET status = 'applying', attempts = attempts + 1, last_error = '', error_category = '',
			     updated_at = ?, status_changed_at = ?
			 WHERE id = (
				SELECT id FROM scraped_jobs
				WHERE user_id = ? AND status = 'scraped' AND easy_apply = 1
				ORDER BY scraped_at, id LIMIT 1
			 ) AND status = 'scraped'
			 RETURNING `+jobColumns, ts, ts, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return engine.E(op, engine.CategoryNotFound, ErrNotFound)
		}
		if err != nil {
			return engine.E(op, engine.CategoryDatabase, err)
		}
		claimed = j
		return insertEvent(ctx, tx, j.ID, StatusScraped, StatusApplying, "claimed", ts)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountQueued returns how many of the user's Easy Apply jobs wait in scraped.
func (t *Tracker) CountQueued(ctx context.Context, userID int64) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scraped_jobs WHERE user_id = ? AND status = 'scraped' AND easy_apply = 1`, userID).Scan(&n)
	if err != nil {
		return 0, engine.E("tracker: count queued", engine.CategoryDatabase, err)
	}
	return n, nil
}

// RequeueFailed moves failed jobs with retryable errors (network, external
// service, interrupted) back to scraped while attempts < maxAttempts.
func (t *Tracker) RequeueFailed(ctx context.Context, userID int64, maxAttempts int) (int, error) {
	const op = "tracker: requeue failed"
	if maxAttempts <= 0 {
		return 0, nil
	}
	ts := formatTS(t.now())
	var n int
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE scraped_jobs SET status = 'scraped', updated_at = ?, status_changed_at = ?
			 WHERE user_id = ? AND status = 'failed' AND attempts < ?
			   AND error_category IN (?, ?, ?)
			 RETURNING id`,
			ts, ts, userID, maxAttempts,
			string(engine.CategoryNetwork), string(engine.CategoryExternalService), string(categoryInterrupted))
		if err != nil {
			return engine.E(op, engine.CategoryDatabase, err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return engine.E(op, engine.CategoryDatabase, err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if err := insertEvent(ctx, tx, id, StatusFailed, StatusScraped, "auto requeue", ts); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// RecoverStuck fails every job that has sat in applying for longer than
// olderThan, recording it as interrupted. The clock is status_changed_at, so
// note or saved-flag edits do not postpone recovery. This is the compensation for a
// crash between claiming a job and recording its outcome.
func (t *Tracker) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "tracker: recover stuck"
	if olderThan <= 0 {
		return 0, engine.Errorf(op, engine.CategoryValidation, "threshold must be positive")
	}
	now := t.now()
	ts := formatTS(now)
	cutoff := formatTS(now.Add(-olderThan))
	var n int
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE scraped_jobs SET status = 'failed', last_error = ?, error_category = ?, updated_at = ?, status_changed_at = ?
			 WHERE status = 'applying' AND status_changed_at < ?
			 RETURNING id`,
			interruptedMessage, string(categoryInterrupted), ts, ts, cutoff)
		if err != nil {
			return engine.E(op, engine.CategoryDatabase, err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return engine.E(op, engine.CategoryDatabase, err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if err := insertEvent(ctx, tx, id, StatusApplying, StatusFailed, interruptedMessage, ts); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	if err == nil && n > 0 {
		engine.AddJobsRecovered(n)
	}
	return n, err
}

// ListEvents returns a job's status history, oldest first.
func (t *Tracker) ListEvents(ctx context.Context, jobID int64) ([]JobEvent, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, job_id, from_status, to_status, message, created_at
		 FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, engine.E("tracker: events", engine.CategoryDatabase, err)
	}
	defer rows.Close()
	events := []JobEvent{}
	for rows.Next() {
		var e JobEvent
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.FromStatus, &e.ToStatus, &e.Message, &created); err != nil {
			return nil, engine.E("tracker: events", engine.CategoryDatabase, err)
		}
		e.CreatedAt = parseTS(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetSaved flags or unflags a job as saved. Saved jobs survive cleanup.
func (t *Tracker) SetSaved(ctx context.Context, id int64, saved bool) error {
	return t.updateField(ctx, "tracker: set saved", id, "saved = ?", boolInt(saved))
}

// UpdateNotes replaces a job's free-text notes.
func (t *Tracker) UpdateNotes(ctx context.Context, id int64, notes string) error {
	return t.updateField(ctx, "tracker: update notes", id, "notes = ?", notes)
}

// SetFitScore stores the 0-100 profile fit score of a job.
func (t *Tracker) SetFitScore(ctx context.Context, id int64, score int) error {
	if score < 0 || score > 100 {
		return engine.Errorf("tracker: fit score", engine.CategoryValidation, "score %d out of range 0-100", score)
	}
	return t.updateField(ctx, "tracker: fit score", id, "fit_score = ?", score)
}

// UpdateDetails fills in the description and Easy Apply flag after a detail fetch.
func (t *Tracker) UpdateDetails(ctx context.Context, id int64, description string, easyApply bool) error {
	return t.updateField(ctx, "tracker: update details", id,
		"description = ?, easy_apply = ?", description, boolInt(easyApply))
}

func (t *Tracker) updateField(ctx context.Context, op string, id int64, set string, args ...any) error {
	args = append(args, formatTS(t.now()), id)
	res, err := t.db.ExecContext(ctx, `UPDATE scraped_jobs SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return engine.E(op, engine.CategoryDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "job", id)
	}
	return nil
}

// DeleteJob removes a job and its history. Jobs being applied cannot be deleted.
func (t *Tracker) DeleteJob(ctx context.Context, id int64) error {
	const op = "tracker: delete"
	res, err := t.db.ExecContext(ctx, `DELETE FROM scraped_jobs WHERE id = ? AND status != 'applying'`, id)
	if err != nil {
		return engine.E(op, engine.CategoryDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		j, gerr := t.GetJob(ctx, id)
		if gerr != nil {
			return gerr
		}
		return engine.E(op, engine.CategoryConflict, fmt.Errorf("job %d is %s: %w", id, j.Status, ErrInvalidTransition))
	}
	return nil
}
