// Package history keeps a local journal of update sessions so the status
// command can show what the engine did and when.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Record is one completed update session.
type Record struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	FromVersion  string
	ToVersion    string
	Outcome      string
	FilesFetched int
	BytesFetched int64
	CodeChanged  bool
	Detail       string
}

const timeFmt = "2006-01-02T15:04:05Z"

func (s *Store) Append(r *Record) error {
	_, err := s.db.Exec(`INSERT INTO update_sessions
		(id, started_at, finished_at, from_version, to_version, outcome, files_fetched, bytes_fetched, code_changed, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(timeFmt), r.FinishedAt.UTC().Format(timeFmt),
		r.FromVersion, r.ToVersion, r.Outcome, r.FilesFetched, r.BytesFetched,
		boolToInt(r.CodeChanged), r.Detail)
	if err != nil {
		return fmt.Errorf("append session record: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(limit int) ([]*Record, error) {
	rows, err := s.db.Query(`SELECT id, started_at, finished_at, from_version, to_version,
		outcome, files_fetched, bytes_fetched, code_changed, detail
		FROM update_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r := &Record{}
		var started, finished string
		var code int
		if err := rows.Scan(&r.ID, &started, &finished, &r.FromVersion, &r.ToVersion,
			&r.Outcome, &r.FilesFetched, &r.BytesFetched, &code, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.CodeChanged = code != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	for _, f := range []string{timeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
