package cache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS streams (
	key    TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	data   BLOB NOT NULL,
	PRIMARY KEY (key, seq)
);
CREATE TABLE IF NOT EXISTS claims (
	key    TEXT PRIMARY KEY,
	sealed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS artifacts (
	namespace TEXT NOT NULL,
	id        TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, id)
);`

// SQLite is the durable Store. Claim races between processes sharing the
// same file are settled by the database's write lock: the conflict-ignoring
// insert into claims succeeds for exactly one caller.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set pragmas: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Claim(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO claims (key, sealed) VALUES (?, 0) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("cache: claim %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache: claim %q: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLite) Append(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sealed int
	err := s.db.QueryRow(`SELECT sealed FROM claims WHERE key = ?`, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return fmt.Errorf("cache: append to unclaimed key %q", key)
	}
	if err != nil {
		return fmt.Errorf("cache: append %q: %w", key, err)
	}
	if sealed != 0 {
		return fmt.Errorf("cache: append to sealed key %q", key)
	}
	_, err = s.db.Exec(
		`INSERT INTO streams (key, seq, data)
		 SELECT ?, COALESCE(MAX(seq) + 1, 0), ? FROM streams WHERE key = ?`,
		key, data, key)
	if err != nil {
		return fmt.Errorf("cache: append %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Seal(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE claims SET sealed = 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("cache: seal %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cache: seal of unclaimed key %q", key)
	}
	return nil
}

func (s *SQLite) ReadSealed(key string) ([][]byte, bool, error) {
	sealed, err := s.HasSealed(key)
	if err != nil || !sealed {
		return nil, false, err
	}
	rows, err := s.db.Query(`SELECT data FROM streams WHERE key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %q: %w", key, ErrCorrupt)
	}
	defer rows.Close()
	var records [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, false, fmt.Errorf("cache: read %q: %w", key, ErrCorrupt)
		}
		records = append(records, data)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("cache: read %q: %w", key, ErrCorrupt)
	}
	return records, true, nil
}

func (s *SQLite) HasSealed(key string) (bool, error) {
	var sealed int
	err := s.db.QueryRow(`SELECT sealed FROM claims WHERE key = ?`, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: lookup %q: %w", key, err)
	}
	return sealed == 1, nil
}

func (s *SQLite) Streams() ([]StreamInfo, error) {
	rows, err := s.db.Query(
		`SELECT c.key, c.sealed, COUNT(t.seq), COALESCE(SUM(LENGTH(t.data)), 0)
		 FROM claims c LEFT JOIN streams t ON t.key = c.key
		 GROUP BY c.key ORDER BY c.key ASC`)
	if err != nil {
		return nil, fmt.Errorf("cache: list streams: %w", err)
	}
	defer rows.Close()
	var infos []StreamInfo
	for rows.Next() {
		var info StreamInfo
		var sealed int
		if err := rows.Scan(&info.Key, &sealed, &info.Records, &info.Bytes); err != nil {
			return nil, fmt.Errorf("cache: list streams: %w", err)
		}
		info.Sealed = sealed == 1
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: list streams: %w", err)
	}
	return infos, nil
}

func (s *SQLite) Get(namespace, id string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM artifacts WHERE namespace = ? AND id = ?`, namespace, id).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s/%s: %w", namespace, id, err)
	}
	return value, true, nil
}

func (s *SQLite) Put(namespace, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO artifacts (namespace, id, value) VALUES (?, ?, ?)`,
		namespace, id, value)
	if err != nil {
		return fmt.Errorf("cache: put %s/%s: %w", namespace, id, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
