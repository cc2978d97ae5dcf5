package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// sqliteStorage persists Entry values as JSON blobs in a single table,
// grounded on app/store/database_core.go's connection setup (WAL mode,
// foreign keys on, busy-timeout, one struct owning the *sql.DB) scaled
// down to this package's single-table, no-migration schema.
type sqliteStorage struct {
	conn *sql.DB
}

// OpenSQLiteStorage opens (creating if necessary) a SQLite-backed
// Storage at path.
func OpenSQLiteStorage(path string) (Storage, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: ping database: %w", err)
	}

	s := &sqliteStorage{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStorage) init() error {
	_, err := s.conn.Exec(`
	CREATE TABLE IF NOT EXISTS adapters (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	return err
}

func (s *sqliteStorage) GetAll() (map[string]Entry, error) {
	rows, err := s.conn.Query(`SELECT id, data FROM adapters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("registry: decode entry %s: %w", id, err)
		}
		out[id] = e
	}
	return out, rows.Err()
}

func (s *sqliteStorage) Get(id string) (Entry, bool, error) {
	var data string
	err := s.conn.QueryRow(`SELECT data FROM adapters WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Entry{}, false, fmt.Errorf("registry: decode entry %s: %w", id, err)
	}
	return e, true, nil
}

func (s *sqliteStorage) Set(id string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: encode entry %s: %w", id, err)
	}
	_, err = s.conn.Exec(`
	INSERT INTO adapters (id, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, string(data), e.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	return err
}

func (s *sqliteStorage) Delete(id string) error {
	_, err := s.conn.Exec(`DELETE FROM adapters WHERE id = ?`, id)
	return err
}

func (s *sqliteStorage) Clear() error {
	_, err := s.conn.Exec(`DELETE FROM adapters`)
	return err
}
