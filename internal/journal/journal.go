// Package journal keeps an append-only history of reconciliation actions in
// SQLite, so an operator can answer "what did modsync do to this file and
// when" long after the logs have rotated.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded action.
type Entry struct {
	ID        int64
	RunID     string
	Action    string
	Path      string
	Outcome   string
	Detail    string
	Timestamp time.Time
}

// Journal is a SQLite-backed action log.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the journal database. Use ":memory:" for tests.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		action TEXT NOT NULL,
		path TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_id ON actions(run_id);
	CREATE INDEX IF NOT EXISTS idx_path ON actions(path);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one action row.
func (j *Journal) Record(ctx context.Context, runID, action, path, outcome, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO actions (run_id, action, path, outcome, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, action, path, outcome, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// RunHistory returns all actions for a run, oldest first.
func (j *Journal) RunHistory(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, action, path, outcome, detail, timestamp FROM actions WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PathHistory returns all actions ever taken on a path, oldest first.
func (j *Journal) PathHistory(ctx context.Context, path string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, action, path, outcome, detail, timestamp FROM actions WHERE path = ? ORDER BY id`,
		path)
	if err != nil {
		return nil, fmt.Errorf("query path history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var detail sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Action, &e.Path, &e.Outcome, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		e.Detail = detail.String
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
