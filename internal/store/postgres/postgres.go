package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/storops/internal/store"
)

// DB implements store.Cache on PostgreSQL through the pgx stdlib driver,
// letting hosts that already share a database share the cache too.
type DB struct {
	db *sql.DB
}

var _ store.Cache = (*DB)(nil)

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+store.Table+`(
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := store.CheckKey(key); err != nil {
		return false, err
	}
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM `+store.Table+` WHERE key=$1;`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, store.Decode(key, raw, dst)
}

func (p *DB) Set(ctx context.Context, key string, value any) error {
	if err := store.CheckKey(key); err != nil {
		return err
	}
	raw, err := store.Encode(key, value)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO `+store.Table+`(key, value, updated_at)
		VALUES($1, $2::jsonb, $3)
		ON CONFLICT(key) DO UPDATE SET
			value=EXCLUDED.value,
			updated_at=EXCLUDED.updated_at;`,
		key, string(raw), time.Now().UTC())
	return err
}

func (p *DB) Delete(ctx context.Context, key string) error {
	if err := store.CheckKey(key); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM `+store.Table+` WHERE key=$1;`, key)
	return err
}

func (p *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM `+store.Table+` ORDER BY key;`)
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

func (p *DB) Contains(ctx context.Context, key string) (bool, error) {
	return p.Get(ctx, key, nil)
}
