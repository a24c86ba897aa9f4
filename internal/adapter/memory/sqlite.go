package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"swarmbridge/internal/domain"
)

// SQLiteLessonLog implements domain.LessonLog using SQLite. Lessons are the
// long-lived half of the system's memory: they survive history clears so
// agents keep their accumulated warnings across runs.
type SQLiteLessonLog struct {
	db *sql.DB
}

// NewSQLiteLessonLog opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteLessonLog(dbPath string) (*SQLiteLessonLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open lesson db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lesson db: %w", err)
	}
	return &SQLiteLessonLog{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lessons (
			id            TEXT PRIMARY KEY,
			tags          TEXT NOT NULL DEFAULT '[]',
			action        TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			error_details TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lessons_outcome ON lessons (outcome, created_at)`)
	return err
}

// Close closes the underlying database connection.
func (l *SQLiteLessonLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteLessonLog) Record(ctx context.Context, lesson domain.Lesson) error {
	if lesson.ID == "" {
		lesson.ID = ulid.Make().String()
	}
	ts := lesson.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tagsJSON, err := json.Marshal(lesson.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO lessons (id, tags, action, outcome, error_details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		lesson.ID, string(tagsJSON), lesson.Action, string(lesson.Outcome),
		lesson.ErrorDetails, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert lesson: %w", err)
	}
	return nil
}

// QueryFailures returns the most recent failure lessons sharing at least one
// tag with the given set. Tag matching happens in Go: the table stays small
// (one row per resolved invocation) and JSON-array matching in SQLite is not
// worth the SQL.
func (l *SQLiteLessonLog) QueryFailures(ctx context.Context, tags []string, limit int) ([]domain.Lesson, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tags, action, outcome, error_details, created_at
		 FROM lessons WHERE outcome = ? ORDER BY created_at DESC`,
		string(domain.OutcomeFailure))
	if err != nil {
		return nil, fmt.Errorf("query lessons: %w", err)
	}
	defer rows.Close()

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	var out []domain.Lesson
	for rows.Next() {
		var (
			lesson    domain.Lesson
			tagsJSON  string
			outcome   string
			createdAt string
		)
		if err := rows.Scan(&lesson.ID, &tagsJSON, &lesson.Action, &outcome, &lesson.ErrorDetails, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagsJSON), &lesson.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		lesson.Outcome = domain.LessonOutcome(outcome)
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		lesson.Timestamp = ts

		if len(want) > 0 && !anyTagMatch(lesson.Tags, want) {
			continue
		}
		out = append(out, lesson)
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

func anyTagMatch(tags []string, want map[string]bool) bool {
	for _, t := range tags {
		if want[t] {
			return true
		}
	}
	return false
}

var _ domain.LessonLog = (*SQLiteLessonLog)(nil)
