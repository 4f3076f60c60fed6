// Package history keeps a project-local sqlite index of finished
// executor invocations. It backs `drover list` and the TUI; the
// authoritative per-task record remains the JSON state file. Only the
// executor path writes here — the monitor never touches it.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foundermode/drover/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		work_dir TEXT,
		log_path TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_task ON invocations(task_id);
	CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record inserts or replaces one invocation.
func (s *Store) Record(inv *models.Invocation) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO invocations (id, task_id, status, iterations, work_dir, log_path, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TaskID, inv.Status, inv.Iterations, inv.WorkDir, inv.LogPath, inv.StartedAt, inv.FinishedAt,
	)
	return err
}

// ListRecent returns the most recently started invocations.
func (s *Store) ListRecent(limit int) ([]*models.Invocation, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, status, iterations, work_dir, log_path, started_at, finished_at
		 FROM invocations ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvocations(rows)
}

// ListForTask returns all invocations of one task, oldest first.
func (s *Store) ListForTask(taskID string) ([]*models.Invocation, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, status, iterations, work_dir, log_path, started_at, finished_at
		 FROM invocations WHERE task_id = ? ORDER BY started_at`, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvocations(rows)
}

// DeleteForTask drops every invocation of a task. Used by `drover delete`.
func (s *Store) DeleteForTask(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM invocations WHERE task_id = ?`, taskID)
	return err
}

func scanInvocations(rows *sql.Rows) ([]*models.Invocation, error) {
	var invs []*models.Invocation
	for rows.Next() {
		var inv models.Invocation
		var workDir, logPath sql.NullString
		var finishedAt sql.NullTime

		err := rows.Scan(
			&inv.ID, &inv.TaskID, &inv.Status, &inv.Iterations,
			&workDir, &logPath, &inv.StartedAt, &finishedAt,
		)
		if err != nil {
			return nil, err
		}

		if workDir.Valid {
			inv.WorkDir = workDir.String
		}
		if logPath.Valid {
			inv.LogPath = logPath.String
		}
		if finishedAt.Valid {
			inv.FinishedAt = &finishedAt.Time
		}

		invs = append(invs, &inv)
	}

	return invs, rows.Err()
}

// FormatTimeAgo renders a timestamp for list output.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
