package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps blobs in a single SQLite table keyed by path. It serves
// hosts where the queue should live next to other agent state in one database
// file instead of loose files.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	schema := `
    CREATE TABLE IF NOT EXISTS blobs (
       path       TEXT PRIMARY KEY,
       data       BLOB NOT NULL,
       updated_at DATETIME NOT NULL
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ReadFile returns the blob stored under path, or an error matching fs.ErrNotExist.
func (s *SQLiteStore) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE path = ?`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile replaces the blob under path in one statement.
func (s *SQLiteStore) WriteFile(path string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.Exec(`
		INSERT INTO blobs (path, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		path, data, time.Now().UTC())
	return err
}

// DeleteFile removes the blob; a missing path is not an error.
func (s *SQLiteStore) DeleteFile(path string) error {
	_, err := s.db.Exec(`DELETE FROM blobs WHERE path = ?`, path)
	return err
}
