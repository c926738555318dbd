package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"

	_ "modernc.org/sqlite"
)

// JobStatus is the lifecycle state of a scraped job.
type JobStatus string

const (
	StatusScraped  JobStatus = "scraped"
	StatusApplying JobStatus = "applying"
	StatusApplied  JobStatus = "applied"
	StatusFailed   JobStatus = "failed"
)

// ValidTransitions lists the allowed next states for each state.
// applied is terminal; failed may be requeued back to scraped.
var ValidTransitions = map[JobStatus][]JobStatus{
	StatusScraped:  {StatusApplying},
	StatusApplying: {StatusApplied, StatusFailed},
	StatusFailed:   {StatusScraped},
	StatusApplied:  {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to JobStatus) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a user-supplied status string.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ValidTransitions[st]; !ok {
		return "", engine.Errorf("status", engine.CategoryValidation,
			"invalid status %q (valid: scraped, applying, applied, failed)", s)
	}
	return st, nil
}

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateJob      = errors.New("job already tracked for this user")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAttemptsExhausted = errors.New("apply attempts exhausted")
)

// User owns scraped jobs and sessions.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker is the single authoritative store for users, jobs, their status
// history, automation sessions and logs.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// tsLayout is fixed-width so stored timestamps compare lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// DefaultDBPath returns ~/.go_apply/jobs.db.
func DefaultDBPath() string {
	return filepath.Join(os.Getenv("HOME"), ".go_apply", "jobs.db")
}

// OpenTracker opens (or creates) the SQLite database at path and applies the schema.
func OpenTracker(ctx context.Context, path string) (*Tracker, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, engine.E("tracker: mkdir", engine.CategoryDatabase, err)
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, engine.E("tracker: open db", engine.CategoryDatabase, err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if err := initTrackerSchema(ctx, db); err != nil {
		db.Close()
		return nil, engine.E("tracker: init schema", engine.CategoryDatabase, err)
	}
	return &Tracker{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Ping checks the database connection.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scraped_jobs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		job_id         TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL,
		company        TEXT NOT NULL DEFAULT '',
		location       TEXT NOT NULL DEFAULT '',
		job_url        TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		easy_apply     INTEGER NOT NULL DEFAULT 0,
		saved          INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'scraped'
		               CHECK (status IN ('scraped', 'applying', 'applied', 'failed')),
		attempts       INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT '',
		error_category TEXT NOT NULL DEFAULT '',
		keywords       TEXT NOT NULL DEFAULT '',
		posted         TEXT NOT NULL DEFAULT '',
		notes          TEXT NOT NULL DEFAULT '',
		fit_score      INTEGER NOT NULL DEFAULT 0,
		scraped_at     TEXT NOT NULL,
		applied_at     TEXT,
		updated_at     TEXT NOT NULL,
		status_changed_at TEXT NOT NULL DEFAULT '',
		UNIQUE (user_id, job_url),
		CHECK ((status = 'applied') = (applied_at IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scraped_jobs_status ON scraped_jobs (user_id, status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_scraped_jobs_job_id ON scraped_jobs (job_id)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      INTEGER NOT NULL REFERENCES scraped_jobs(id) ON DELETE CASCADE,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, id)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		kind         TEXT NOT NULL,
		status       TEXT NOT NULL,
		stats        TEXT NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		heartbeat_at TEXT NOT NULL,
		finished_at  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status, heartbeat_at)`,
	`CREATE TABLE IF NOT EXISTS automation_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		job_id     INTEGER NOT NULL DEFAULT 0,
		level      TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_automation_logs_created ON automation_logs (created_at)`,
}

// initTrackerSchema creates all tables if they don't exist and upgrades
// databases created before status_changed_at existed.
func initTrackerSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('scraped_jobs') WHERE name = 'status_changed_at'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := db.ExecContext(ctx,
			`ALTER TABLE scraped_jobs ADD COLUMN status_changed_at TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	for _, stmt := range []string{
		`UPDATE scraped_jobs SET status_changed_at = updated_at WHERE status_changed_at = ''`,
		`CREATE INDEX IF NOT EXISTS idx_scraped_jobs_status_changed ON scraped_jobs (status, status_changed_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// EnsureUser returns the user with the given email, creating it if needed.
func (t *Tracker) EnsureUser(ctx context.Context, email, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, engine.Errorf("tracker: ensure user", engine.CategoryValidation, "email is required")
	}
	now := formatTS(t.now())
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO users (email, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END`,
		email, name, now)
	if err != nil {
		return nil, engine.E("tracker: ensure user", engine.CategoryDatabase, err)
	}
	var u User
	var created string
	err = t.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.Name, &created)
	if err != nil {
		return nil, engine.E("tracker: ensure user", engine.CategoryDatabase, err)
	}
	u.CreatedAt = parseTS(created)
	return &u, nil
}

// withTx runs fn inside a transaction, committing on success.
func (t *Tracker) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(op string, what string, id any) error {
	return engine.E(op, engine.CategoryNotFound, fmt.Errorf("%s %v: %w", what, id, ErrNotFound))
}
