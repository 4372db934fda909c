package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("not found")

// TaskStatus represents the tracked state of an upstream task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskIncomplete TaskStatus = "incomplete"
)

// Task is a task created through the gateway.
type Task struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Status    TaskStatus             `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// TaskStep is one entry of a task's progress log.
type TaskStep struct {
	Seq       int                    `json:"seq"`
	EventType string                 `json:"eventType"`
	State     string                 `json:"state"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// HistoryEntry stores past actions (task creation, tracking outcomes).
type HistoryEntry struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Kind      string                 `json:"kind,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Kind   string
	Status TaskStatus
	Limit  int
}

// Store wraps the SQL database used for persistence.
type Store struct {
	db     *sql.DB
	driver string
}

// Open initializes the datastore using the supplied DSN/file path and driver.
func Open(dsn string, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("datastore DSN is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
		conn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)", dsn)
		db, err = sql.Open("sqlite", conn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite datastore: %w", err)
		}
		// One writer at a time avoids SQLITE_BUSY under concurrent trackers.
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datastore driver: %s", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			payload TEXT,
			result TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (kind, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			state TEXT NOT NULL,
			message TEXT,
			data TEXT,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (kind, task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			` + idColumn + `,
			event TEXT NOT NULL,
			kind TEXT,
			task_id TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema apply failed: %w", err)
		}
	}
	return nil
}

// Close shuts down the datastore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertTask records a task. Re-creating an existing id resets it to the new state.
func (s *Store) UpsertTask(ctx context.Context, task *Task) error {
	if task.ID == "" || task.Kind == "" {
		return errors.New("task id and kind required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskPending
	}
	payload, err := marshalMap(task.Payload)
	if err != nil {
		return err
	}
	result, err := marshalMap(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO tasks (kind, id, status, message, payload, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET status=excluded.status, message=excluded.message, payload=excluded.payload,
			result=excluded.result, error=excluded.error, updated_at=excluded.updated_at`),
		task.Kind, task.ID, string(task.Status), task.Message, payload, result, task.Error, task.CreatedAt, task.UpdatedAt,
	)
	return err
}

// UpdateTask mutates an existing task's status fields.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	result, err := marshalMap(task.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET status=?, message=?, result=?, error=?, updated_at=? WHERE kind=? AND id=?`),
		string(task.Status), task.Message, result, task.Error, task.UpdatedAt, task.Kind, task.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask loads a task by kind and id.
func (s *Store) GetTask(ctx context.Context, kind, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT kind, id, status, message, payload, result, error, created_at, updated_at FROM tasks WHERE kind=? AND id=?`), kind, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListTasks returns recent tasks sorted from newest to oldest.
func (s *Store) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	query := `SELECT kind, id, status, message, payload, result, error, created_at, updated_at FROM tasks`
	var (
		where []string
		args  []interface{}
	)
	if opts.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, opts.Kind)
	}
	if opts.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(opts.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                               Task
		status                          string
		message, payload, result, errSt sql.NullString
	)
	if err := row.Scan(&t.Kind, &t.ID, &status, &message, &payload, &result, &errSt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Message = message.String
	t.Error = errSt.String
	if payload.Valid {
		_ = json.Unmarshal([]byte(payload.String), &t.Payload)
	}
	if result.Valid {
		_ = json.Unmarshal([]byte(result.String), &t.Result)
	}
	return &t, nil
}

// AppendStep adds an entry to the task's progress log.
func (s *Store) AppendStep(ctx context.Context, kind, taskID string, step TaskStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	data, err := marshalMap(step.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO task_steps (kind, task_id, seq, event_type, state, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, task_id, seq) DO UPDATE SET state=excluded.state`),
		kind, taskID, step.Seq, step.EventType, step.State, step.Message, data, step.CreatedAt,
	)
	return err
}

// SetStepState moves a step to a new state (active -> completed/error).
func (s *Store) SetStepState(ctx context.Context, kind, taskID string, seq int, state string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE task_steps SET state=? WHERE kind=? AND task_id=? AND seq=?`), state, kind, taskID, seq)
	return err
}

// ListSteps returns the progress log in order.
func (s *Store) ListSteps(ctx context.Context, kind, taskID string) ([]TaskStep, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, event_type, state, message, data, created_at FROM task_steps WHERE kind=? AND task_id=? ORDER BY seq ASC`), kind, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []TaskStep
	for rows.Next() {
		var (
			st            TaskStep
			message, data sql.NullString
		)
		if err := rows.Scan(&st.Seq, &st.EventType, &st.State, &message, &data, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Message = message.String
		if data.Valid {
			_ = json.Unmarshal([]byte(data.String), &st.Data)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// AppendHistory writes an entry to the history log.
func (s *Store) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	entry.CreatedAt = time.Now().UTC()
	metadata, err := marshalMap(entry.Metadata)
	if err != nil {
		return err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO history (event, kind, task_id, metadata, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		entry.Event, entry.Kind, entry.TaskID, metadata, entry.CreatedAt,
	).Scan(&id)
	if err != nil {
		return err
	}
	entry.ID = strconv.FormatInt(id, 10)
	return nil
}

// ListHistory returns the newest history entries.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	query := `SELECT id, event, kind, task_id, metadata, created_at FROM history ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var (
			e                      HistoryEntry
			id                     int64
			kind, taskID, metadata sql.NullString
		)
		if err := rows.Scan(&id, &e.Event, &kind, &taskID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		e.Kind = kind.String
		e.TaskID = taskID.String
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func marshalMap(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CleanupTasksBefore removes tasks (and their steps) last updated before the
// cutoff whose status is one of statuses. It returns the number of tasks removed.
func (s *Store) CleanupTasksBefore(ctx context.Context, before time.Time, statuses ...TaskStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := []interface{}{before}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	filter := `updated_at < ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM task_steps WHERE EXISTS (
		SELECT 1 FROM tasks WHERE tasks.kind = task_steps.kind AND tasks.id = task_steps.task_id AND `+filter+`)`), args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE `+filter), args...)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, tx.Commit()
}

// CleanupHistoryBefore removes history entries older than the cutoff.
func (s *Store) CleanupHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM history WHERE created_at < ?`), before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
