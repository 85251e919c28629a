// Package storage is the dual-tier record store.
//
// Records live as encrypted envelopes in the durable kv store under
// table:<name>:<id>. An expiring LRU of envelope bytes sits in front of it
// as a write-through mirror; the durable tier is always authoritative and
// plaintext is never cached.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/forest6511/painvault/internal/metrics"
	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/vault"
)

// Key prefixes owned by storage.
const (
	TablePrefix      = "table:"
	QuarantinePrefix = "quarantine:"
	FlagPrefix       = "flag:"
	SchemaPrefix     = "meta:schema:"
)

// Defaults
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
	DefaultPageSize  = 128
)

// Errors
var (
	ErrNotFound         = errors.New("storage: record not found")
	ErrInvalidTable     = errors.New("storage: invalid table name")
	ErrInvalidID        = errors.New("storage: invalid record id")
	ErrQuotaExceeded    = errors.New("storage: storage quota exceeded")
	ErrQuarantined      = errors.New("storage: record is quarantined")
	ErrSkip             = errors.New("storage: migration skipped record")
	ErrMissingMigration = errors.New("storage: missing migration step")
	ErrReservedTable    = errors.New("storage: table name is reserved")
)

var (
	tableNamePattern = regexp.MustCompile(`^_?[a-z][a-z0-9_]{0,63}$`)
	recordIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,256}$`)
)

// Record is the plaintext form of one stored record.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Options configure an Engine.
type Options struct {
	CacheSize    int
	CacheTTL     time.Duration
	PageSize     int
	MaxBytes     int64  // 0 disables the size quota
	MinFreeBytes uint64 // 0 disables the free-space check
	Audit        *audit.Logger
	Logger       *slog.Logger
}

// Engine is the dual-tier record store.
type Engine struct {
	store kv.Store
	codec *codec.Codec
	opts  Options
	log   *slog.Logger
	cache *expirable.LRU[string, []byte]
	locks *keyedMutex

	mu      sync.RWMutex
	schemas map[string]TableSchema
	pending map[string]bool // eager sweeps waiting for an unlock

	flagMu  sync.Mutex
	flagged map[string]Flagged

	inflight  atomic.Int64
	watermark atomic.Uint64
}

// New returns an Engine over store, encrypting through c.
func New(store kv.Store, c *codec.Codec, opts Options) *Engine {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:   store,
		codec:   c,
		opts:    opts,
		log:     log.With("component", "storage"),
		cache:   expirable.NewLRU[string, []byte](opts.CacheSize, nil, opts.CacheTTL),
		locks:   newKeyedMutex(),
		schemas: make(map[string]TableSchema),
		pending: make(map[string]bool),
		flagged: make(map[string]Flagged),
	}
}

// RecordKey returns the durable key of a record.
func RecordKey(table, id string) string {
	return TablePrefix + table + ":" + id
}

// TableKeyPrefix returns the prefix shared by every record of table.
func TableKeyPrefix(table string) string {
	return TablePrefix + table + ":"
}

// Addr is the address an envelope is bound to.
func Addr(table, id string) string {
	return table + "/" + id
}

// ValidateTable checks a table name.
func ValidateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

// ValidateID checks a record id.
func ValidateID(id string) error {
	if !recordIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validate(table, id string) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	return ValidateID(id)
}

// Get returns the record stored at (table, id).
//
// Tables with a lazy migration policy are upgraded here and written back.
// Envelopes that fail authentication are flagged and reported as
// codec.ErrIntegrity.
func (e *Engine) Get(ctx context.Context, table, id string) (Record, error) {
	if err := validate(table, id); err != nil {
		return nil, err
	}
	data, err := e.readEnvelope(ctx, table, id)
	if err != nil {
		return nil, err
	}
	env, err := codec.Unmarshal(data)
	if err != nil {
		e.flag(ctx, table, id, err)
		return nil, err
	}

	rec, err := e.decode(ctx, table, id, env)
	if err != nil {
		return nil, err
	}

	schema := e.schema(table)
	if env.SchemaVersion >= schema.Version {
		return rec, nil
	}
	return e.upgrade(ctx, schema, id, data, env.SchemaVersion, rec)
}

// Put encrypts rec and stores it at (table, id). The durable write happens
// first; the cache is updated afterwards on a best-effort basis.
func (e *Engine) Put(ctx context.Context, table, id string, rec Record) error {
	if err := validate(table, id); err != nil {
		return err
	}
	unlock := e.locks.Lock(RecordKey(table, id))
	defer unlock()
	return e.putLocked(ctx, table, id, rec, e.schema(table).Version)
}

func (e *Engine) putLocked(ctx context.Context, table, id string, rec Record, schemaVersion int) error {
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal record: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	env, err := e.codec.Encode(Addr(table, id), plaintext, schemaVersion, map[string]string{"type": table})
	if err != nil {
		return err
	}
	data, err := codec.Marshal(env)
	if err != nil {
		return err
	}
	return e.writeEnvelope(ctx, table, id, data)
}

// Delete removes the record at (table, id). Deleting a missing record is not
// an error.
func (e *Engine) Delete(ctx context.Context, table, id string) error {
	if err := validate(table, id); err != nil {
		return err
	}
	key := RecordKey(table, id)
	unlock := e.locks.Lock(key)
	defer unlock()

	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("storage: failed to delete %s: %w", Addr(table, id), err)
	}
	e.cache.Remove(key)
	e.unflag(ctx, table, id)
	e.watermark.Add(1)
	return nil
}

// GetEnvelope returns the stored envelope bytes without decrypting.
func (e *Engine) GetEnvelope(ctx context.Context, table, id string) ([]byte, error) {
	if err := validate(table, id); err != nil {
		return nil, err
	}
	data, err := e.readEnvelope(ctx, table, id)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

// PutEnvelope stores envelope bytes exactly as given. The bytes must parse
// as an envelope but are not decrypted, so a locked vault is fine.
func (e *Engine) PutEnvelope(ctx context.Context, table, id string, data []byte) error {
	if err := validate(table, id); err != nil {
		return err
	}
	if _, err := codec.Unmarshal(data); err != nil {
		return err
	}
	unlock := e.locks.Lock(RecordKey(table, id))
	defer unlock()

	e.inflight.Add(1)
	defer e.inflight.Add(-1)
	return e.writeEnvelope(ctx, table, id, data)
}

func (e *Engine) readEnvelope(ctx context.Context, table, id string) ([]byte, error) {
	key := RecordKey(table, id)
	if data, ok := e.cache.Get(key); ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return data, nil
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	data, err := e.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read %s: %w", Addr(table, id), err)
	}
	e.cache.Add(key, data)
	return data, nil
}

// writeEnvelope commits data to the durable tier, then mirrors it into the
// cache. Callers hold the record lock.
func (e *Engine) writeEnvelope(ctx context.Context, table, id string, data []byte) error {
	if err := e.checkQuota(ctx, len(data)); err != nil {
		return err
	}
	key := RecordKey(table, id)
	if err := e.store.Put(ctx, key, data); err != nil {
		e.cache.Remove(key)
		return fmt.Errorf("storage: failed to write %s: %w", Addr(table, id), err)
	}
	e.cache.Add(key, data)
	e.unflag(ctx, table, id)
	e.watermark.Add(1)
	return nil
}

// decode opens env and unmarshals the plaintext.
func (e *Engine) decode(ctx context.Context, table, id string, env *codec.Envelope) (Record, error) {
	plaintext, err := e.codec.Decode(Addr(table, id), env)
	if err != nil {
		switch {
		case errors.Is(err, codec.ErrIntegrity):
			metrics.CodecFailures.WithLabelValues("integrity").Inc()
			e.flag(ctx, table, id, err)
		case errors.Is(err, vault.ErrLocked):
			// not a record problem
		case errors.Is(err, vault.ErrKeyUnavailable):
			metrics.CodecFailures.WithLabelValues("key_unavailable").Inc()
		}
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		metrics.CodecFailures.WithLabelValues("malformed").Inc()
		e.flag(ctx, table, id, err)
		return nil, fmt.Errorf("storage: record %s is not valid JSON: %w", Addr(table, id), err)
	}
	return rec, nil
}

// Busy reports whether any write is in progress.
func (e *Engine) Busy() bool {
	return e.inflight.Load() > 0
}

// Watermark increases on every committed write or delete.
func (e *Engine) Watermark() uint64 {
	return e.watermark.Load()
}

// Stats describes the engine's in-memory state.
type Stats struct {
	Tables    []string
	CacheLen  int
	Flagged   int
	Watermark uint64
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	e.flagMu.Lock()
	flagged := len(e.flagged)
	e.flagMu.Unlock()
	return Stats{
		Tables:    e.Tables(),
		CacheLen:  e.cache.Len(),
		Flagged:   flagged,
		Watermark: e.Watermark(),
	}
}

// Purge drops every cached envelope.
func (e *Engine) Purge() {
	e.cache.Purge()
}
