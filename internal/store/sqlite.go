package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/floe/pkg/model"

	_ "modernc.org/sqlite"
)

// defaultSharedMaxConcurrency caps concurrent locks in a site's shared
// pool when no named queue is used.
const defaultSharedMaxConcurrency = 100

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	locks     *MutexMap
	sharedCap int
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	// A single connection serializes all writers, keeps in-memory
	// databases on one handle, and rules out lock contention between an
	// open transaction and a second connection.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{
		db:        db,
		logger:    logger.With("component", "store"),
		locks:     NewMutexMap(),
		sharedCap: defaultSharedMaxConcurrency,
	}, nil
}

// SetSharedMaxConcurrency overrides the shared-pool concurrency cap.
func (s *SQLiteStore) SetSharedMaxConcurrency(n int) {
	if n > 0 {
		s.sharedCap = n
	}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// withTx runs fn in a transaction, committing on nil and rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- scan helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(text string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, text)
}

func parseNullableTime(text sql.NullString) (*time.Time, error) {
	if !text.Valid {
		return nil, nil
	}
	t, err := parseTime(text.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func unixToTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func marshalParams(p model.Params) (string, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(raw), nil
}

// nullableParams keeps empty params as SQL NULL so untouched columns stay
// distinguishable from empty objects.
func nullableParams(p model.Params) (any, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	return marshalParams(p)
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// --- Sessions ---

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sessionLock implements SessionLock inside a PutAndLockSession transaction.
type sessionLock struct {
	ctx context.Context
	tx  *sql.Tx
	s   *SQLiteStore
}

func (l *sessionLock) InsertAttempt(attempt *model.SessionAttempt) (int64, error) {
	params, err := marshalParams(attempt.Params)
	if err != nil {
		return 0, err
	}
	res, err := l.tx.ExecContext(l.ctx,
		`INSERT INTO session_attempts (session_id, site_id, attempt_index, state_flags, timezone, params, retry_attempt_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.SessionID, attempt.SiteID, attempt.Index, int(attempt.Flags),
		attempt.TimeZone, params, nullableString(attempt.RetryAttemptName),
		formatTime(attempt.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, model.NewConflictError("attempt %d of session %d already exists", attempt.Index, attempt.SessionID)
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := l.tx.ExecContext(l.ctx,
		`UPDATE sessions SET last_attempt_id = ? WHERE id = ?`, id, attempt.SessionID,
	); err != nil {
		return 0, err
	}
	attempt.ID = id
	return id, nil
}

func (l *sessionLock) InsertRootTask(attemptID int64, task *model.Task) (int64, error) {
	task.AttemptID = attemptID
	return insertTask(l.ctx, l.tx, task)
}

func (l *sessionLock) LastAttempt(sessionID int64) (*model.SessionAttempt, error) {
	return scanAttemptRow(l.tx.QueryRowContext(l.ctx,
		attemptColumns+` WHERE session_id = ? ORDER BY attempt_index DESC LIMIT 1`, sessionID))
}

func (l *sessionLock) AddTaskTree(attemptID, parentID int64, specs []model.TaskSpec, rootUpstreamIDs []int64, initial bool, resumed map[string]*model.Task) (int64, error) {
	return addTaskTree(l.ctx, l.tx, attemptID, parentID, specs, rootUpstreamIDs, initial, resumed)
}

func (l *sessionLock) InsertMonitors(attemptID int64, monitors []model.SessionMonitor) error {
	return insertMonitors(l.ctx, l.tx, attemptID, monitors)
}

func (s *SQLiteStore) PutAndLockSession(ctx context.Context, session model.Session, fn func(SessionLock, *model.Session) error) error {
	s.logger.Debug("sql", "op", "put-and-lock", "table", "sessions", "workflow", session.WorkflowName)

	key := fmt.Sprintf("session/%d/%s/%d", session.ProjectID, session.WorkflowName, session.SessionTime.Unix())
	unlock := s.locks.Lock(key)
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := scanSessionRow(tx.QueryRowContext(ctx,
			sessionColumns+` WHERE project_id = ? AND workflow_name = ? AND session_time = ?`,
			session.ProjectID, session.WorkflowName, session.SessionTime.Unix()))
		if err != nil && !model.IsNotFound(err) {
			return err
		}
		if stored == nil {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (project_id, workflow_name, session_time) VALUES (?, ?, ?)`,
				session.ProjectID, session.WorkflowName, session.SessionTime.Unix())
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			stored = &model.Session{
				ID:           id,
				ProjectID:    session.ProjectID,
				WorkflowName: session.WorkflowName,
				SessionTime:  session.SessionTime.UTC(),
			}
		}
		return fn(&sessionLock{ctx: ctx, tx: tx, s: s}, stored)
	})
}

const sessionColumns = `SELECT id, project_id, workflow_name, session_time, last_attempt_id FROM sessions`

func scanSessionRow(row *sql.Row) (*model.Session, error) {
	var sess model.Session
	var sessionTime int64
	var lastAttempt sql.NullInt64
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.WorkflowName, &sessionTime, &lastAttempt)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError("session", "")
	}
	if err != nil {
		return nil, err
	}
	sess.SessionTime = time.Unix(sessionTime, 0).UTC()
	if lastAttempt.Valid {
		sess.LastAttemptID = &lastAttempt.Int64
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	s.logger.Debug("sql", "op", "select", "table", "sessions", "id", id)
	sess, err := scanSessionRow(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id))
	if model.IsNotFound(err) {
		return nil, model.NewNotFoundError("session", fmt.Sprintf("%d", id))
	}
	return sess, err
}

func (s *SQLiteStore) GetSessionByName(ctx context.Context, projectID int64, workflowName string, sessionTime time.Time) (*model.Session, error) {
	s.logger.Debug("sql", "op", "select", "table", "sessions", "workflow", workflowName)
	sess, err := scanSessionRow(s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE project_id = ? AND workflow_name = ? AND session_time = ?`,
		projectID, workflowName, sessionTime.Unix()))
	if model.IsNotFound(err) {
		return nil, model.NewNotFoundError("session", workflowName)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, projectID int64, opts model.ListOptions) ([]*model.Session, int, error) {
	s.logger.Debug("sql", "op", "select", "table", "sessions", "project", projectID)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE project_id = ?`, projectID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		sessionColumns+` WHERE project_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		projectID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var sess model.Session
		var sessionTime int64
		var lastAttempt sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.WorkflowName, &sessionTime, &lastAttempt); err != nil {
			return nil, 0, err
		}
		sess.SessionTime = time.Unix(sessionTime, 0).UTC()
		if lastAttempt.Valid {
			sess.LastAttemptID = &lastAttempt.Int64
		}
		sessions = append(sessions, &sess)
	}
	return sessions, total, rows.Err()
}

// --- Attempts ---

const attemptColumns = `SELECT id, session_id, site_id, attempt_index, state_flags, timezone, params, retry_attempt_name, created_at, finished_at FROM session_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*model.SessionAttempt, error) {
	var a model.SessionAttempt
	var flags int
	var params string
	var retryName sql.NullString
	var createdAt string
	var finishedAt sql.NullString

	err := row.Scan(&a.ID, &a.SessionID, &a.SiteID, &a.Index, &flags,
		&a.TimeZone, &params, &retryName, &createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	a.Flags, err = model.NewAttemptStateFlags(flags)
	if err != nil {
		return nil, err
	}
	a.Params, err = model.ParseParams(params)
	if err != nil {
		return nil, fmt.Errorf("unmarshal attempt params: %w", err)
	}
	if retryName.Valid {
		a.RetryAttemptName = &retryName.String
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAttemptRow(row *sql.Row) (*model.SessionAttempt, error) {
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError("attempt", "")
	}
	return a, err
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id int64) (*model.SessionAttempt, error) {
	s.logger.Debug("sql", "op", "select", "table", "session_attempts", "id", id)
	a, err := scanAttemptRow(s.db.QueryRowContext(ctx, attemptColumns+` WHERE id = ?`, id))
	if model.IsNotFound(err) {
		return nil, model.NewNotFoundError("attempt", fmt.Sprintf("%d", id))
	}
	return a, err
}

func (s *SQLiteStore) GetLastAttempt(ctx context.Context, sessionID int64) (*model.SessionAttempt, error) {
	s.logger.Debug("sql", "op", "select", "table", "session_attempts", "session", sessionID)
	return scanAttemptRow(s.db.QueryRowContext(ctx,
		attemptColumns+` WHERE session_id = ? ORDER BY attempt_index DESC LIMIT 1`, sessionID))
}

func (s *SQLiteStore) ListAttemptsOfSession(ctx context.Context, sessionID int64, opts model.ListOptions) ([]*model.SessionAttempt, error) {
	s.logger.Debug("sql", "op", "select", "table", "session_attempts", "session", sessionID)
	opts.Clamp()

	rows, err := s.db.QueryContext(ctx,
		attemptColumns+` WHERE session_id = ? ORDER BY attempt_index DESC LIMIT ? OFFSET ?`,
		sessionID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*model.SessionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) GetAttemptStateFlags(ctx context.Context, attemptID int64) (model.AttemptStateFlags, error) {
	var flags int
	err := s.db.QueryRowContext(ctx,
		`SELECT state_flags FROM session_attempts WHERE id = ?`, attemptID,
	).Scan(&flags)
	if err == sql.ErrNoRows {
		return 0, model.NewNotFoundError("attempt", fmt.Sprintf("%d", attemptID))
	}
	if err != nil {
		return 0, err
	}
	return model.NewAttemptStateFlags(flags)
}

func (s *SQLiteStore) SetDoneToAttemptState(ctx context.Context, attemptID int64, success bool) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "session_attempts", "id", attemptID, "success", success)

	flags := int(model.AttemptFlagDone)
	if success {
		flags |= int(model.AttemptFlagSuccess)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_attempts
		 SET state_flags = state_flags | ?, finished_at = ?
		 WHERE id = ? AND state_flags & ? = 0`,
		flags, formatTime(time.Now()), attemptID, int(model.AttemptFlagDone))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Task archive ---

func (s *SQLiteStore) AggregateAndInsertTaskArchive(ctx context.Context, attemptID int64) (int, error) {
	s.logger.Debug("sql", "op", "archive", "table", "tasks", "attempt", attemptID)

	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tasks, err := queryTasks(ctx, tx, taskColumns+` WHERE attempt_id = ? ORDER BY id`, attemptID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			ups, err := queryUpstreams(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			t.Upstreams = ups
		}
		blob, err := json.Marshal(tasks)
		if err != nil {
			return fmt.Errorf("marshal task archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_archives (attempt_id, tasks, created_at) VALUES (?, ?, ?)`,
			attemptID, string(blob), formatTime(time.Now())); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_dependencies WHERE downstream_id IN (SELECT id FROM tasks WHERE attempt_id = ?)`,
			attemptID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE attempt_id = ?`, attemptID); err != nil {
			return err
		}
		count = len(tasks)
		return nil
	})
	return count, err
}

func (s *SQLiteStore) GetTaskArchive(ctx context.Context, attemptID int64) ([]*model.Task, error) {
	s.logger.Debug("sql", "op", "select", "table", "task_archives", "attempt", attemptID)

	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT tasks FROM task_archives WHERE attempt_id = ?`, attemptID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError("task archive", fmt.Sprintf("%d", attemptID))
	}
	if err != nil {
		return nil, err
	}

	var tasks []*model.Task
	if err := json.Unmarshal([]byte(blob), &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal task archive: %w", err)
	}
	return tasks, nil
}

// --- Session monitors ---

func (s *SQLiteStore) InsertMonitors(ctx context.Context, attemptID int64, monitors []model.SessionMonitor) error {
	if len(monitors) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "session_monitors", "attempt", attemptID, "count", len(monitors))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMonitors(ctx, tx, attemptID, monitors)
	})
}

func insertMonitors(ctx context.Context, ex sqlExecer, attemptID int64, monitors []model.SessionMonitor) error {
	for _, m := range monitors {
		config, err := marshalParams(m.Config)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO session_monitors (attempt_id, type, config, next_run_time, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			attemptID, m.Type, config, m.NextRunTime.Unix(), formatTime(time.Now())); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) LockReadyMonitors(ctx context.Context, now time.Time, fn func(model.SessionMonitor) error) error {
	s.logger.Debug("sql", "op", "select", "table", "session_monitors", "now", now.Unix())

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, type, config, next_run_time, created_at
		 FROM session_monitors WHERE next_run_time <= ? ORDER BY id`, now.Unix())
	if err != nil {
		return err
	}

	var monitors []model.SessionMonitor
	for rows.Next() {
		var m model.SessionMonitor
		var config, createdAt string
		var nextRun int64
		if err := rows.Scan(&m.ID, &m.AttemptID, &m.Type, &config, &nextRun, &createdAt); err != nil {
			rows.Close()
			return err
		}
		if m.Config, err = model.ParseParams(config); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal monitor config: %w", err)
		}
		m.NextRunTime = time.Unix(nextRun, 0).UTC()
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return err
		}
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range monitors {
		unlock := s.locks.Lock(fmt.Sprintf("monitor/%d", m.ID))
		err := fn(m)
		if err == nil {
			_, err = s.db.ExecContext(ctx, `DELETE FROM session_monitors WHERE id = ?`, m.ID)
		}
		unlock()
		if err != nil {
			s.logger.Warn("monitor handler failed", "monitor", m.ID, "error", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite wraps SQLITE_CONSTRAINT_UNIQUE in the message.
	// NOT NULL and CHECK violations say "constraint failed" too and are
	// programming errors, not conflicts.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
