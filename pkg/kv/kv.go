// Package kv is the single physical durable store behind painvault.
//
// Everything the engine persists (records, queue items, sync state, conflict
// records, vault metadata) lives in one ordered key/value namespace. Logical
// partitions are expressed as key prefixes, so every backend must support
// ordered, paged prefix listing.
package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Errors
var (
	ErrNotFound       = errors.New("kv: key not found")
	ErrClosed         = errors.New("kv: store is closed")
	ErrEmptyKey       = errors.New("kv: empty key")
	ErrUnknownBackend = errors.New("kv: unknown backend")
)

// Backend names accepted by Open.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bolt"
)

// File names inside the data directory.
const (
	SQLiteFileName = "painvault.db"
	BoltFileName   = "painvault.bolt"
	FileMode       = 0600
)

// Pair is one key/value entry returned by List.
type Pair struct {
	Key   string
	Value []byte
}

// Tx is the write view handed to Update. All operations inside one Update
// commit atomically or not at all.
type Tx interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Store is an ordered key/value store.
//
// List returns at most limit pairs whose key starts with prefix and sorts
// strictly after `after` (or from the start of the prefix when after is
// empty). Callers page through a prefix by passing the last key they saw;
// no read transaction is held between pages.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, after string, limit int) ([]Pair, error)
	Update(ctx context.Context, fn func(tx Tx) error) error
	Size(ctx context.Context) (int64, error)
	Path() string
	Close() error
}

// Open opens the backend of the given kind inside dir.
func Open(ctx context.Context, backend Backend, dir string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, filepath.Join(dir, SQLiteFileName))
	case BackendBolt:
		return OpenBolt(filepath.Join(dir, BoltFileName))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no such key exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// Each pages through every pair under prefix in key order, pageSize pairs at
// a time, and stops at the first error returned by fn.
func Each(ctx context.Context, s Store, prefix string, pageSize int, fn func(Pair) error) error {
	after := ""
	for {
		page, err := s.List(ctx, prefix, after, pageSize)
		if err != nil {
			return err
		}
		for _, p := range page {
			if err := fn(p); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

// Count returns the number of keys under prefix.
func Count(ctx context.Context, s Store, prefix string) (int, error) {
	n := 0
	err := Each(ctx, s, prefix, 256, func(Pair) error {
		n++
		return nil
	})
	return n, err
}

func checkKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
