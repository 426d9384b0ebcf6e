package tracking

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the local sqlite-backed registry, used when the daemon runs
// without systemd-logind (test mode included).
type Store struct {
	db *sql.DB
}

// Open creates or opens the registry database. Sessions left open by a
// previous daemon run are closed out, since their processes died with
// it.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir registry dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			cookie TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			seat TEXT NOT NULL,
			display TEXT NOT NULL,
			vt INTEGER NOT NULL,
			greeter INTEGER NOT NULL,
			started_ts_unix_ns INTEGER NOT NULL,
			closed_ts_unix_ns INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_seat ON sessions(seat, started_ts_unix_ns);`,
		// Orphans from a previous run.
		`UPDATE sessions SET closed_ts_unix_ns = started_ts_unix_ns WHERE closed_ts_unix_ns IS NULL;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

func (s *Store) OpenSession(e Entry) error {
	if e.Cookie == "" {
		return fmt.Errorf("session cookie is empty")
	}
	started := e.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	greeter := 0
	if e.Greeter {
		greeter = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (cookie, username, seat, display, vt, greeter, started_ts_unix_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Cookie, e.Username, e.SeatName, e.DisplayName, e.VT, greeter, started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record session open: %w", err)
	}
	return nil
}

func (s *Store) CloseSession(cookie string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET closed_ts_unix_ns = ? WHERE cookie = ? AND closed_ts_unix_ns IS NULL`,
		time.Now().UnixNano(), cookie,
	)
	if err != nil {
		return fmt.Errorf("record session close: %w", err)
	}
	return nil
}

func (s *Store) Sessions() ([]Entry, error) {
	return s.query(`SELECT cookie, username, seat, display, vt, greeter, started_ts_unix_ns
		FROM sessions WHERE closed_ts_unix_ns IS NULL ORDER BY started_ts_unix_ns`)
}

func (s *Store) SeatSessions(seatName string) ([]Entry, error) {
	return s.query(`SELECT cookie, username, seat, display, vt, greeter, started_ts_unix_ns
		FROM sessions WHERE closed_ts_unix_ns IS NULL AND seat = ? ORDER BY started_ts_unix_ns`, seatName)
}

func (s *Store) query(q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var greeter int
		var started int64
		if err := rows.Scan(&e.Cookie, &e.Username, &e.SeatName, &e.DisplayName, &e.VT, &greeter, &started); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		e.Greeter = greeter != 0
		e.StartedAt = time.Unix(0, started)
		out = append(out, e)
	}
	return out, rows.Err()
}
