package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Table holds the shared storage group cache in every backend.
const Table = "storops_sg_cache"

// Cache is a persistent map of storage group name to a JSON document.
// Several processes on one host may open the same cache and see each
// other's writes.
type Cache interface {
	EnsureSchema(ctx context.Context) error
	// Get decodes the value stored under key into dst and reports
	// whether the key existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Contains(ctx context.Context, key string) (bool, error)
	Close() error
}

var ErrEmptyKey = errors.New("empty cache key")

// CheckKey rejects blank keys.
func CheckKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// Encode marshals value for storage.
func Encode(key string, value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value %q: %w", key, err)
	}
	return b, nil
}

// Decode unmarshals a stored value into dst. A nil dst only checks presence.
func Decode(key string, raw []byte, dst any) error {
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode cache value %q: %w", key, err)
	}
	return nil
}
