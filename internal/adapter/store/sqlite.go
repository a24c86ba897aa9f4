package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"swarmbridge/internal/domain"
)

// SQLiteMessageStore implements domain.MessageStore using SQLite.
//
// Streamed tokens are held in memory only: the durable row is written once at
// append (thinking placeholder) and once at finalize. Readers who want the
// in-flight text use Partial.
type SQLiteMessageStore struct {
	db *sql.DB

	mu      sync.Mutex
	partial map[string]*strings.Builder
}

// NewSQLiteMessageStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteMessageStore(dbPath string) (*SQLiteMessageStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate message db: %w", err)
	}
	return &SQLiteMessageStore{db: db, partial: make(map[string]*strings.Builder)}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			author_id   TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			thinking    INTEGER NOT NULL DEFAULT 0,
			citations   TEXT NOT NULL DEFAULT '[]',
			invocations TEXT NOT NULL DEFAULT '[]',
			usage       TEXT,
			cost        REAL NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteMessageStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteMessageStore) Append(ctx context.Context, msg domain.Message) error {
	citJSON, err := json.Marshal(orEmpty(msg.Citations))
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	invJSON, err := json.Marshal(orEmpty(msg.Invocations))
	if err != nil {
		return fmt.Errorf("marshal invocations: %w", err)
	}
	var usageJSON sql.NullString
	if msg.Usage != nil {
		b, err := json.Marshal(msg.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		usageJSON = sql.NullString{String: string(b), Valid: true}
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, author_id, content, thinking, citations, invocations, usage, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AuthorID, msg.Content, boolInt(msg.Thinking),
		string(citJSON), string(invJSON), usageJSON, msg.Cost,
		ts.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// StreamToken buffers one streamed token for an in-flight entry. It never
// touches the database and must stay cheap: the provider calls it inline.
func (s *SQLiteMessageStore) StreamToken(id, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.partial[id]
	if !ok {
		b = &strings.Builder{}
		s.partial[id] = b
	}
	b.WriteString(token)
}

// Partial returns the streamed-so-far text for an in-flight entry.
func (s *SQLiteMessageStore) Partial(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.partial[id]
	if !ok {
		return "", false
	}
	return b.String(), true
}

func (s *SQLiteMessageStore) Update(ctx context.Context, id string, upd domain.MessageUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.Thinking != nil {
		sets = append(sets, "thinking = ?")
		args = append(args, boolInt(*upd.Thinking))
	}
	if upd.Citations != nil {
		b, err := json.Marshal(upd.Citations)
		if err != nil {
			return fmt.Errorf("marshal citations: %w", err)
		}
		sets = append(sets, "citations = ?")
		args = append(args, string(b))
	}
	if upd.Invocations != nil {
		b, err := json.Marshal(upd.Invocations)
		if err != nil {
			return fmt.Errorf("marshal invocations: %w", err)
		}
		sets = append(sets, "invocations = ?")
		args = append(args, string(b))
	}
	if upd.Usage != nil {
		b, err := json.Marshal(upd.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		sets = append(sets, "usage = ?")
		args = append(args, string(b))
	}
	if upd.Cost != nil {
		sets = append(sets, "cost = ?")
		args = append(args, *upd.Cost)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}

	// A content write finalizes the entry; the token buffer is done.
	if upd.Content != nil {
		s.mu.Lock()
		delete(s.partial, id)
		s.mu.Unlock()
	}
	return nil
}

func (s *SQLiteMessageStore) Get(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, author_id, content, thinking, citations, invocations, usage, cost, created_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, err
}

func (s *SQLiteMessageStore) History(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, content, thinking, citations, invocations, usage, cost, created_at
		 FROM messages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteMessageStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	s.mu.Lock()
	s.partial = make(map[string]*strings.Builder)
	s.mu.Unlock()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		msg       domain.Message
		thinking  int
		citJSON   string
		invJSON   string
		usageJSON sql.NullString
		createdAt int64
	)
	err := row.Scan(&msg.ID, &msg.AuthorID, &msg.Content, &thinking,
		&citJSON, &invJSON, &usageJSON, &msg.Cost, &createdAt)
	if err != nil {
		return domain.Message{}, err
	}

	msg.Thinking = thinking != 0
	if err := json.Unmarshal([]byte(citJSON), &msg.Citations); err != nil {
		return domain.Message{}, fmt.Errorf("unmarshal citations: %w", err)
	}
	if err := json.Unmarshal([]byte(invJSON), &msg.Invocations); err != nil {
		return domain.Message{}, fmt.Errorf("unmarshal invocations: %w", err)
	}
	if len(msg.Citations) == 0 {
		msg.Citations = nil
	}
	if len(msg.Invocations) == 0 {
		msg.Invocations = nil
	}
	if usageJSON.Valid {
		var u domain.Usage
		if err := json.Unmarshal([]byte(usageJSON.String), &u); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal usage: %w", err)
		}
		msg.Usage = &u
	}
	msg.Timestamp = time.Unix(0, createdAt).UTC()
	return msg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// orEmpty keeps NULL-free rows: nil slices marshal as [] not null.
func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

var _ domain.MessageStore = (*SQLiteMessageStore)(nil)
