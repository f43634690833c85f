// Package history persists the command lines clients run in an SQLite
// database so they can be listed later, per client or across sessions.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/sockshell/internal/consts"
	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Entry is one recorded command line
type Entry struct {
	ID       int64
	Session  string
	ClientID int
	Line     string
	Status   int
	At       time.Time
}

// Query selects entries for List
type Query struct {
	// Session restricts the result to one server run; empty matches all
	Session string
	// ClientID restricts the result to one client; zero matches all
	ClientID int
	// Limit is how many of the most recent entries are returned
	Limit int
}

// Store handles SQLite operations for the command history
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the history database at path
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// every connection to ":memory:" would get its own database
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return store, nil
}

// Path returns the database location
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		client_id INTEGER NOT NULL,
		line TEXT NOT NULL,
		line_hash INTEGER NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_session_client ON history(session, client_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// lineHash fits the xxhash digest into SQLite's signed integer column
func lineHash(line string) int64 {
	return int64(xxhash.Sum64String(line))
}

// Record appends e. A line identical to the previous one of the same client
// in the same session is not stored again. Blank lines are ignored.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.Line) == "" {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	hash := lineHash(e.Line)

	var prev int64
	err := s.db.QueryRowContext(ctx, `
		SELECT line_hash FROM history
		WHERE session = ? AND client_id = ?
		ORDER BY id DESC LIMIT 1
	`, e.Session, e.ClientID).Scan(&prev)
	switch {
	case err == nil && prev == hash:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read previous history entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (session, client_id, line, line_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Session, e.ClientID, e.Line, hash, e.Status, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}
	return nil
}

// List returns the most recent entries matching q, oldest first
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = consts.DefaultHistoryLimit
	}

	var (
		where []string
		args  []any
	)
	if q.Session != "" {
		where = append(where, "session = ?")
		args = append(args, q.Session)
	}
	if q.ClientID != 0 {
		where = append(where, "client_id = ?")
		args = append(args, q.ClientID)
	}

	query := "SELECT id, session, client_id, line, status, created_at FROM history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Session, &e.ClientID, &e.Line, &e.Status, &createdAt); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest were selected first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Prune deletes entries older than before and returns how many were removed
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
