package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nadavbarak14/agentide/internal/errors"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "agentide.db"

const sessionColumns = `id, worker_id, status, working_directory, title, pid,
	continuation_token, needs_input, locked, resume, position, exit_code,
	created_at, started_at, completed_at, updated_at`

// SQLiteStore persists sessions, workers and settings in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps sequence updates atomic.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already opened database.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			status TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			continuation_token TEXT,
			needs_input INTEGER NOT NULL DEFAULT 0,
			locked INTEGER NOT NULL DEFAULT 0,
			resume INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL,
			exit_code INTEGER,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_position ON sessions(status, position);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			max_sessions INTEGER NOT NULL,
			status TEXT NOT NULL,
			allowed_paths TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO sequences(name, value) VALUES ('position', 0);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nextPosition(ctx context.Context, q queryer) (int64, error) {
	if _, err := q.ExecContext(ctx, `UPDATE sequences SET value = value + 1 WHERE name = 'position'`); err != nil {
		return 0, fmt.Errorf("advance position sequence: %w", err)
	}
	var pos int64
	if err := q.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name = 'position'`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("read position sequence: %w", err)
	}
	return pos, nil
}

func (s *SQLiteStore) NextPosition(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pos, err := nextPosition(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit position: %w", err)
	}
	return pos, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, in NewSession) (*Session, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session id: %w", err)
	}
	if exists > 0 {
		return nil, errors.NewValidationError("session id already exists").WithField("id").WithValue(id)
	}

	pos, err := nextPosition(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := nowFunc()
	var startedAt any
	pid := 0
	if in.Status == StatusActive {
		pid = in.PID
		startedAt = formatTime(now)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(id, worker_id, status, working_directory, title, pid,
			locked, position, created_at, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.WorkerID, string(in.Status), in.WorkingDirectory, in.Title, pid,
		boolToInt(in.Locked), pos, formatTime(now), startedAt, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	sess, err := getSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, q queryer, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, status Status) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) ListQueued(ctx context.Context, workerID string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?`
	args := []any{string(StatusQueued)}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY position ASC`
	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountActive(ctx context.Context, workerID string) (int, error) {
	query := `SELECT COUNT(1) FROM sessions WHERE status = ?`
	args := []any{string(StatusActive)}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// update runs an UPDATE against one session and returns the new record.
func (s *SQLiteStore) update(ctx context.Context, id string, set string, args ...any) (*Session, error) {
	args = append(args, formatTime(nowFunc()), id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	if n == 0 {
		return nil, sessionNotFound(id)
	}
	return getSession(ctx, s.db, id)
}

func (s *SQLiteStore) Activate(ctx context.Context, id string, pid int) (*Session, error) {
	return s.update(ctx, id,
		`status = ?, pid = ?, started_at = ?, needs_input = 0, resume = 0, continuation_token = NULL`,
		string(StatusActive), pid, formatTime(nowFunc()),
	)
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, token string, exitCode int) (*Session, error) {
	return s.update(ctx, id,
		`status = ?, pid = 0, needs_input = 0, continuation_token = ?, exit_code = ?, completed_at = ?`,
		string(StatusCompleted), nullIfEmpty(token), exitCode, formatTime(nowFunc()),
	)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, exitCode *int) (*Session, error) {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	return s.update(ctx, id,
		`status = ?, pid = 0, needs_input = 0, resume = 0, exit_code = ?, completed_at = ?`,
		string(StatusFailed), code, formatTime(nowFunc()),
	)
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string, position int64) (*Session, error) {
	return s.update(ctx, id,
		`status = ?, pid = 0, needs_input = 0, resume = 1, position = ?`,
		string(StatusQueued), position,
	)
}

func (s *SQLiteStore) MarkResume(ctx context.Context, id string, position int64) (*Session, error) {
	return s.update(ctx, id,
		`status = ?, pid = 0, needs_input = 0, resume = 1, position = ?`,
		string(StatusQueued), position,
	)
}

func (s *SQLiteStore) SetNeedsInput(ctx context.Context, id string, needsInput bool) error {
	_, err := s.update(ctx, id, `needs_input = ?`, boolToInt(needsInput))
	return err
}

func (s *SQLiteStore) SetLocked(ctx context.Context, id string, locked bool) (*Session, error) {
	return s.update(ctx, id, `locked = ?`, boolToInt(locked))
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	if Status(status) == StatusActive {
		return errors.NewStateError("delete", id, status)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, max_sessions, status, allowed_paths FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workerNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", id, err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, max_sessions, status, allowed_paths FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertWorker(ctx context.Context, w Worker) error {
	if w.ID == "" {
		return errors.NewValidationError("worker id is required").WithField("id")
	}
	paths := w.AllowedPaths
	if paths == nil {
		paths = []string{}
	}
	encoded, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("encode allowed paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers(id, name, type, max_sessions, status, allowed_paths)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			max_sessions = excluded.max_sessions,
			status = excluded.status,
			allowed_paths = excluded.allowed_paths`,
		w.ID, w.Name, string(w.Type), w.MaxSessions, string(w.Status), string(encoded),
	)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

const settingMaxConcurrent = "max_concurrent_sessions"

func (s *SQLiteStore) GetSettings(ctx context.Context) (Settings, error) {
	settings := DefaultSettings()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingMaxConcurrent).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("load settings: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return settings, fmt.Errorf("parse %s: %w", settingMaxConcurrent, err)
	}
	settings.MaxConcurrentSessions = n
	return settings, nil
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, settings Settings) error {
	if settings.MaxConcurrentSessions < 0 {
		return errors.NewValidationError("maxConcurrentSessions must be non-negative").
			WithField("maxConcurrentSessions").WithValue(settings.MaxConcurrentSessions)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingMaxConcurrent, strconv.Itoa(settings.MaxConcurrentSessions),
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                       Session
		status                     string
		token                      sql.NullString
		needsInput, locked, resume int
		exitCode                   sql.NullInt64
		createdAt, updatedAt       string
		startedAt, completedAt     sql.NullString
	)
	err := row.Scan(
		&sess.ID, &sess.WorkerID, &status, &sess.WorkingDirectory, &sess.Title, &sess.PID,
		&token, &needsInput, &locked, &resume, &sess.Position, &exitCode,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = Status(status)
	sess.ContinuationToken = token.String
	sess.NeedsInput = needsInput != 0
	sess.Locked = locked != 0
	sess.Resume = resume != 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if sess.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if sess.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanWorker(row rowScanner) (*Worker, error) {
	var (
		w                  Worker
		typ, status, paths string
	)
	if err := row.Scan(&w.ID, &w.Name, &typ, &w.MaxSessions, &status, &paths); err != nil {
		return nil, err
	}
	w.Type = WorkerType(typ)
	w.Status = WorkerStatus(status)
	if paths != "" {
		if err := json.Unmarshal([]byte(paths), &w.AllowedPaths); err != nil {
			return nil, fmt.Errorf("decode allowed paths: %w", err)
		}
	}
	if len(w.AllowedPaths) == 0 {
		w.AllowedPaths = nil
	}
	return &w, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
