package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/storops/internal/store"
	pg "github.com/loykin/storops/internal/store/postgres"
	sq "github.com/loykin/storops/internal/store/sqlite"
)

// NewFromDSN selects a cache implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath / directory (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Cache, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := d[len("sqlite://"):]
		return sq.New(path)
	}
	// default to sqlite path
	return sq.New(d)
}

// Open is NewFromDSN followed by EnsureSchema.
func Open(ctx context.Context, dsn string) (store.Cache, error) {
	c, err := NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := c.EnsureSchema(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("prepare sg cache: %w", err)
	}
	return c, nil
}
