package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for stacking run history.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stack_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_count INTEGER,
            output_path TEXT,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS task_records (
            run_id TEXT NOT NULL,
            task_name TEXT NOT NULL,
            status TEXT NOT NULL,
            duration_ms INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_task_records_run_id ON task_records(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted stacking run.
type RunRecord struct {
	ID          string
	Status      string
	InputCount  int
	OutputPath  string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(id string, inputCount int, outputPath string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stack_runs (id, status, input_count, output_path) VALUES (?, 'running', ?, ?);`,
		id, inputCount, outputPath)
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id string, status string, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE stack_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, errMsg, id)
	return err
}

// RecordTask inserts one finished task of a run.
func (s *Store) RecordTask(runID, taskName, status string, duration time.Duration, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO task_records (run_id, task_name, status, duration_ms, error_message) VALUES (?, ?, ?, ?, ?);`,
		runID, taskName, status, duration.Milliseconds(), errMsg)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, input_count, output_path, error_message, created_at, completed_at FROM stack_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.InputCount, &rec.OutputPath, &errorMsg, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TaskRecord captures one persisted task outcome.
type TaskRecord struct {
	RunID      string
	TaskName   string
	Status     string
	DurationMS int64
	Error      string
}

// RunTasks returns the task records of one run in insertion order.
func (s *Store) RunTasks(runID string) ([]TaskRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, task_name, status, duration_ms, error_message FROM task_records WHERE run_id=? ORDER BY rowid;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.TaskName, &rec.Status, &rec.DurationMS, &errorMsg); err != nil {
			return nil, err
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
