package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/storops/internal/store"
)

// FileName is used when the cache path names a directory.
const FileName = store.Table + ".db"

// DB implements store.Cache for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a database file, a directory to hold FileName, or ":memory:".
type DB struct {
	db   *sql.DB
	path string
}

var _ store.Cache = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		p = filepath.Join(p, FileName)
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every connection would get its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps when another process holds the write lock
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	return &DB{db: d, path: p}, nil
}

// Path returns the resolved database file.
func (s *DB) Path() string { return s.path }

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+store.Table+`(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := store.CheckKey(key); err != nil {
		return false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM `+store.Table+` WHERE key=?;`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, store.Decode(key, []byte(raw), dst)
}

func (s *DB) Set(ctx context.Context, key string, value any) error {
	if err := store.CheckKey(key); err != nil {
		return err
	}
	raw, err := store.Encode(key, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+store.Table+`(key, value, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			updated_at=excluded.updated_at;`,
		key, string(raw), time.Now().UTC())
	return err
}

func (s *DB) Delete(ctx context.Context, key string) error {
	if err := store.CheckKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+store.Table+` WHERE key=?;`, key)
	return err
}

func (s *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM `+store.Table+` ORDER BY key;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *DB) Contains(ctx context.Context, key string) (bool, error) {
	return s.Get(ctx, key, nil)
}
