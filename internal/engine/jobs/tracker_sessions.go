package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/google/uuid"
)

// SessionKind names what an automation session ran.
type SessionKind string

const (
	SessionRecon SessionKind = "recon"
	SessionApply SessionKind = "apply"
	SessionRun   SessionKind = "run"
)

// ParseSessionKind validates a user-supplied kind. Empty means run.
func ParseSessionKind(s string) (SessionKind, error) {
	switch k := SessionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SessionRun, nil
	case SessionRecon, SessionApply, SessionRun:
		return k, nil
	}
	return "", engine.Errorf("session kind", engine.CategoryValidation,
		"invalid kind %q (valid: recon, apply, run)", s)
}

// SessionStatus is the state of an automation session.
type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionCancelled   SessionStatus = "cancelled"
	SessionInterrupted SessionStatus = "interrupted"
)

// SessionStats are the counters an automation session accumulates.
type SessionStats struct {
	Searches   int `json:"searches"`
	Found      int `json:"found"`
	Filtered   int `json:"filtered"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Attempted  int `json:"attempted"`
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	Recovered  int `json:"recovered"`
	Requeued   int `json:"requeued"`
}

// SessionData is one recon/apply run with its progress counters.
type SessionData struct {
	ID          string        `json:"id"`
	UserID      int64         `json:"user_id"`
	Kind        SessionKind   `json:"kind"`
	Status      SessionStatus `json:"status"`
	Stats       SessionStats  `json:"stats"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Log levels for AutomationLog.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// AutomationLog is an auditable record of something the automation did.
type AutomationLog struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	JobID     int64     `json:"job_id,omitempty"`
	Level     string    `json:"level"`
	Category  string    `json:"category,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	SessionID string
	JobID     int64
	Level     string
	Limit     int
}

// CleanupReport counts rows removed by CleanupOldData.
type CleanupReport struct {
	Logs     int64 `json:"logs"`
	Sessions int64 `json:"sessions"`
	Events   int64 `json:"events"`
	Jobs     int64 `json:"jobs"`
}

// StartSession opens a running session for the user.
func (t *Tracker) StartSession(ctx context.Context, userID int64, kind SessionKind) (*SessionData, error) {
	now := t.now()
	ts := formatTS(now)
	s := &SessionData{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		Status:      SessionRunning,
		StartedAt:   parseTS(ts),
		HeartbeatAt: parseTS(ts),
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, kind, status, stats, started_at, heartbeat_at)
		 VALUES (?, ?, ?, ?, '{}', ?, ?)`,
		s.ID, userID, string(kind), string(SessionRunning), ts, ts)
	if err != nil {
		return nil, engine.E("tracker: start session", engine.CategoryDatabase, err)
	}
	return s, nil
}

// TouchSession stores progress counters and refreshes the heartbeat of a
// running session.
func (t *Tracker) TouchSession(ctx context.Context, id string, stats SessionStats) error {
	data, _ := json.Marshal(stats)
	_, err := t.db.ExecContext(ctx,
		`UPDATE sessions SET stats = ?, heartbeat_at = ? WHERE id = ? AND status = 'running'`,
		string(data), formatTS(t.now()), id)
	if err != nil {
		return engine.E("tracker: touch session", engine.CategoryDatabase, err)
	}
	return nil
}

// FinishSession closes a running session with a final status and counters.
func (t *Tracker) FinishSession(ctx context.Context, id string, status SessionStatus, stats SessionStats, errMsg string) error {
	const op = "tracker: finish session"
	if status == SessionRunning {
		return engine.Errorf(op, engine.CategoryValidation, "cannot finish a session as running")
	}
	data, _ := json.Marshal(stats)
	ts := formatTS(t.now())
	res, err := t.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, stats = ?, error = ?, heartbeat_at = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), string(data), errMsg, ts, ts, id)
	if err != nil {
		return engine.E(op, engine.CategoryDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := t.GetSession(ctx, id); gerr != nil {
			return gerr
		}
		return engine.E(op, engine.CategoryConflict, fmt.Errorf("session %s already finished", id))
	}
	return nil
}

const sessionColumns = `id, user_id, kind, status, stats, error, started_at, heartbeat_at, finished_at`

func scanSession(r rowScanner) (*SessionData, error) {
	var s SessionData
	var stats, started, heartbeat string
	var finished sql.NullString
	if err := r.Scan(&s.ID, &s.UserID, &s.Kind, &s.Status, &stats, &s.Error, &started, &heartbeat, &finished); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(stats), &s.Stats)
	s.StartedAt = parseTS(started)
	s.HeartbeatAt = parseTS(heartbeat)
	if finished.Valid {
		at := parseTS(finished.String)
		s.FinishedAt = &at
	}
	return &s, nil
}

// GetSession returns a session by ID.
func (t *Tracker) GetSession(ctx context.Context, id string) (*SessionData, error) {
	s, err := scanSession(t.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("tracker: get session", "session", id)
	}
	if err != nil {
		return nil, engine.E("tracker: get session", engine.CategoryDatabase, err)
	}
	return s, nil
}

// ListSessions returns the user's most recent sessions.
func (t *Tracker) ListSessions(ctx context.Context, userID int64, limit int) ([]SessionData, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, engine.E("tracker: list sessions", engine.CategoryDatabase, err)
	}
	defer rows.Close()
	out := []SessionData{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, engine.E("tracker: list sessions", engine.CategoryDatabase, err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RecoverSessions marks running sessions whose heartbeat is older than
// olderThan as interrupted.
func (t *Tracker) RecoverSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, engine.Errorf("tracker: recover sessions", engine.CategoryValidation, "threshold must be positive")
	}
	now := t.now()
	ts := formatTS(now)
	res, err := t.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'interrupted', error = 'no heartbeat', finished_at = ?
		 WHERE status = 'running' AND heartbeat_at < ?`,
		ts, formatTS(now.Add(-olderThan)))
	if err != nil {
		return 0, engine.E("tracker: recover sessions", engine.CategoryDatabase, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Log appends an automation log entry.
func (t *Tracker) Log(ctx context.Context, entry AutomationLog) error {
	if entry.Message == "" {
		return engine.Errorf("tracker: log", engine.CategoryValidation, "message is required")
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO automation_logs (session_id, job_id, level, category, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.JobID, entry.Level, entry.Category, entry.Message, formatTS(t.now()))
	if err != nil {
		return engine.E("tracker: log", engine.CategoryDatabase, err)
	}
	return nil
}

// ListLogs returns log entries matching f, newest first.
func (t *Tracker) ListLogs(ctx context.Context, f LogFilter) ([]AutomationLog, error) {
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.JobID > 0 {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, f.Level)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, session_id, job_id, level, category, message, created_at
		 FROM automation_logs`+where+` ORDER BY id DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, engine.E("tracker: list logs", engine.CategoryDatabase, err)
	}
	defer rows.Close()
	out := []AutomationLog{}
	for rows.Next() {
		var l AutomationLog
		var created string
		if err := rows.Scan(&l.ID, &l.SessionID, &l.JobID, &l.Level, &l.Category, &l.Message, &created); err != nil {
			return nil, engine.E("tracker: list logs", engine.CategoryDatabase, err)
		}
		l.CreatedAt = parseTS(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CleanupOldData deletes data older than days: automation logs, finished
// sessions, status history, and failed jobs nobody saved. Jobs in any other
// status are kept so an applied job is never forgotten.
func (t *Tracker) CleanupOldData(ctx context.Context, days int) (CleanupReport, error) {
	const op = "tracker: cleanup"
	var rep CleanupReport
	if days <= 0 {
		return rep, engine.Errorf(op, engine.CategoryValidation, "days must be positive, got %d", days)
	}
	cutoff := formatTS(t.now().Add(-time.Duration(days) * 24 * time.Hour))
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			dst   *int64
			query string
		}{
			{&rep.Logs, `DELETE FROM automation_logs WHERE created_at < ?`},
			{&rep.Sessions, `DELETE FROM sessions WHERE status != 'running' AND started_at < ?`},
			{&rep.Events, `DELETE FROM job_events WHERE created_at < ?`},
			{&rep.Jobs, `DELETE FROM scraped_jobs WHERE status = 'failed' AND saved = 0 AND updated_at < ?`},
		}
		for _, s := range steps {
			res, err := tx.ExecContext(ctx, s.query, cutoff)
			if err != nil {
				return engine.E(op, engine.CategoryDatabase, err)
			}
			*s.dst, _ = res.RowsAffected()
		}
		return nil
	})
	return rep, err
}
