package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Task and batch statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store wraps SQLite-backed persistence of processing activity. It is an
// audit log; undo history is never persisted.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_tasks (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            effect TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            status TEXT NOT NULL,
            error_message TEXT,
            created_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS batch_runs (
            id TEXT PRIMARY KEY,
            files TEXT,
            effects_json TEXT,
            status TEXT NOT NULL,
            processed_json TEXT,
            error_message TEXT,
            created_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_processing_tasks_created ON processing_tasks(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_runs_created ON batch_runs(created_at);`,
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

// TaskRecord captures one interactive effect application.
type TaskRecord struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Effect      string     `json:"effect"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchRecord captures one batch run.
type BatchRecord struct {
	ID          string            `json:"id"`
	Files       []string          `json:"files"`
	Effects     []string          `json:"effects"`
	Status      string            `json:"status"`
	Processed   map[string]string `json:"processed,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RecordTaskStart inserts a running task.
func (s *Store) RecordTaskStart(rec TaskRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_tasks (id, kind, effect, input_path, output_path, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Effect, rec.InputPath, rec.OutputPath, rec.Status, now())
	return err
}

// RecordTaskResult finalizes a task with status, output and error.
func (s *Store) RecordTaskResult(id, status, outputPath, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_tasks SET status=?, output_path=COALESCE(NULLIF(?, ''), output_path), error_message=?, completed_at=? WHERE id=?;`,
		status, outputPath, errMsg, now(), id)
	return err
}

// RecentTasks returns the latest tasks up to limit.
func (s *Store) RecentTasks(limit int) ([]TaskRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, effect, input_path, output_path, status, error_message, created_at, completed_at FROM processing_tasks ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var input, output, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Effect, &input, &output, &rec.Status, &errorMsg, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		rec.InputPath = input.String
		rec.OutputPath = output.String
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordBatchStart inserts a running batch.
func (s *Store) RecordBatchStart(rec BatchRecord) error {
	if s == nil {
		return nil
	}
	effectsJSON, err := json.Marshal(rec.Effects)
	if err != nil {
		return fmt.Errorf("marshal effects: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO batch_runs (id, files, effects_json, status, created_at) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, strings.Join(rec.Files, "\n"), string(effectsJSON), StatusRunning, now())
	return err
}

// RecordBatchResult finalizes a batch run.
func (s *Store) RecordBatchResult(id, status string, processed map[string]string, errMsg string) error {
	if s == nil {
		return nil
	}
	processedJSON, err := json.Marshal(processed)
	if err != nil {
		return fmt.Errorf("marshal processed: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE batch_runs SET status=?, processed_json=?, error_message=?, completed_at=? WHERE id=?;`,
		status, string(processedJSON), errMsg, now(), id)
	return err
}

// RecentBatches returns the latest batch runs up to limit.
func (s *Store) RecentBatches(limit int) ([]BatchRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, files, effects_json, status, processed_json, error_message, created_at, completed_at FROM batch_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BatchRecord
	for rows.Next() {
		var rec BatchRecord
		var files, effectsJSON, processedJSON, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &files, &effectsJSON, &rec.Status, &processedJSON, &errorMsg, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if files.String != "" {
			rec.Files = strings.Split(files.String, "\n")
		}
		if effectsJSON.Valid {
			if err := json.Unmarshal([]byte(effectsJSON.String), &rec.Effects); err != nil {
				return nil, fmt.Errorf("unmarshal effects: %w", err)
			}
		}
		if processedJSON.Valid && processedJSON.String != "" {
			if err := json.Unmarshal([]byte(processedJSON.String), &rec.Processed); err != nil {
				return nil, fmt.Errorf("unmarshal processed: %w", err)
			}
		}
		rec.Error = errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func now() time.Time {
	return time.Now().UTC()
}
