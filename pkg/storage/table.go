package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/vault"
)

// Policy selects when a table's records are migrated.
type Policy int

const (
	// Lazy upgrades each record when it is read and writes it back.
	Lazy Policy = iota
	// Eager sweeps the whole table once, at registration or first unlock.
	Eager
)

func (p Policy) String() string {
	if p == Eager {
		return "eager"
	}
	return "lazy"
}

// MigrateFunc upgrades a record by one schema version. Returning ErrSkip
// leaves the record unmigrated and moves it to quarantine.
type MigrateFunc func(Record) (Record, error)

// TableSchema declares a table and how its records evolve.
type TableSchema struct {
	Name    string
	Version int
	Policy  Policy
	// Migrations[v] upgrades a record from version v to v+1.
	Migrations map[int]MigrateFunc
}

// SweepReport summarizes a migration or re-encryption sweep.
type SweepReport struct {
	Scanned     int
	Rewritten   int
	Quarantined int
	Failed      int
}

// Register declares a table schema. Eager tables are swept immediately when
// the vault is unlocked, otherwise on the next MigratePending.
func (e *Engine) Register(ctx context.Context, s TableSchema) error {
	if err := ValidateTable(s.Name); err != nil {
		return err
	}
	if s.Version <= 0 {
		s.Version = 1
	}
	for v := 1; v < s.Version; v++ {
		if s.Migrations[v] == nil {
			return fmt.Errorf("%w: %s v%d->v%d", ErrMissingMigration, s.Name, v, v+1)
		}
	}

	e.mu.Lock()
	e.schemas[s.Name] = s
	e.mu.Unlock()
	e.log.DebugContext(ctx, "table registered", "table", s.Name, "version", s.Version, "policy", s.Policy)

	if s.Policy != Eager {
		return nil
	}
	if _, err := e.Migrate(ctx, s.Name); err != nil {
		if errors.Is(err, vault.ErrKeyUnavailable) {
			e.mu.Lock()
			e.pending[s.Name] = true
			e.mu.Unlock()
			e.log.InfoContext(ctx, "eager migration deferred until unlock", "table", s.Name)
			return nil
		}
		return err
	}
	return nil
}

// MigratePending runs eager sweeps that were deferred while locked.
func (e *Engine) MigratePending(ctx context.Context) error {
	e.mu.RLock()
	tables := make([]string, 0, len(e.pending))
	for t := range e.pending {
		tables = append(tables, t)
	}
	e.mu.RUnlock()
	sort.Strings(tables)

	for _, t := range tables {
		if _, err := e.Migrate(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Tables lists registered table names.
func (e *Engine) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.schemas))
	for name := range e.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the registered schema of table, or a version 1 lazy schema
// for tables that were never registered.
func (e *Engine) Schema(table string) TableSchema {
	return e.schema(table)
}

func (e *Engine) schema(table string) TableSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.schemas[table]; ok {
		return s
	}
	return TableSchema{Name: table, Version: 1, Policy: Lazy}
}

// AppliedVersion returns the schema version the last completed sweep of
// table reached, or 0 if none ran.
func (e *Engine) AppliedVersion(ctx context.Context, table string) (int, error) {
	data, err := e.store.Get(ctx, SchemaPrefix+table)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("storage: invalid schema version for %s: %w", table, err)
	}
	return v, nil
}

func migrateRecord(s TableSchema, from int, rec Record) (Record, error) {
	var err error
	for v := from; v < s.Version; v++ {
		fn := s.Migrations[v]
		if fn == nil {
			return nil, fmt.Errorf("%w: %s v%d->v%d", ErrMissingMigration, s.Name, v, v+1)
		}
		rec, err = fn(rec.Clone())
		if err != nil {
			return nil, fmt.Errorf("storage: migrating %s v%d->v%d: %w", s.Name, v, v+1, err)
		}
	}
	return rec, nil
}

// upgrade migrates a record read by Get and writes it back if nobody wrote
// the record in the meantime.
func (e *Engine) upgrade(ctx context.Context, s TableSchema, id string, seen []byte, from int, rec Record) (Record, error) {
	out, err := migrateRecord(s, from, rec)
	if errors.Is(err, ErrSkip) {
		if qerr := e.quarantineIfUnchanged(ctx, s.Name, id, seen, err.Error()); qerr != nil {
			return nil, qerr
		}
		return nil, fmt.Errorf("%w: %s", ErrQuarantined, Addr(s.Name, id))
	}
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(RecordKey(s.Name, id))
	defer unlock()
	current, err := e.store.Get(ctx, RecordKey(s.Name, id))
	if err != nil || !bytes.Equal(current, seen) {
		return out, nil
	}
	if err := e.putLocked(ctx, s.Name, id, out, s.Version); err != nil {
		e.log.WarnContext(ctx, "lazy migration write-back failed", "table", s.Name, "error", err)
	}
	return out, nil
}

// Migrate sweeps table, upgrading every record below the registered schema
// version. A completed sweep records the version, and later calls return
// immediately.
func (e *Engine) Migrate(ctx context.Context, table string) (SweepReport, error) {
	var report SweepReport
	if err := ValidateTable(table); err != nil {
		return report, err
	}
	s := e.schema(table)
	applied, err := e.AppliedVersion(ctx, table)
	if err != nil {
		return report, err
	}
	if applied >= s.Version {
		e.clearPending(table)
		return report, nil
	}
	// Sealing needs the key; fail fast rather than walking the table.
	if _, err := e.codec.KeyVersion(); err != nil {
		return report, err
	}

	for p, err := range e.pairs(ctx, TableKeyPrefix(table)) {
		if err != nil {
			return report, err
		}
		report.Scanned++
		id := p.Key[len(TableKeyPrefix(table)):]
		rewritten, quarantined, err := e.migrateOne(ctx, s, id, p.Value)
		switch {
		case errors.Is(err, vault.ErrLocked):
			return report, err
		case err != nil:
			report.Failed++
			e.log.WarnContext(ctx, "record migration failed", "table", table, "error", err)
		case quarantined:
			report.Quarantined++
		case rewritten:
			report.Rewritten++
		}
	}

	if report.Failed == 0 {
		if err := e.store.Put(ctx, SchemaPrefix+table, []byte(strconv.Itoa(s.Version))); err != nil {
			return report, fmt.Errorf("storage: failed to record schema version: %w", err)
		}
		e.clearPending(table)
	}
	e.log.InfoContext(ctx, "table migrated", "table", table, "version", s.Version,
		"scanned", report.Scanned, "rewritten", report.Rewritten,
		"quarantined", report.Quarantined, "failed", report.Failed)
	return report, nil
}

func (e *Engine) migrateOne(ctx context.Context, s TableSchema, id string, data []byte) (rewritten, quarantined bool, err error) {
	env, err := codec.Unmarshal(data)
	if err != nil {
		e.flag(ctx, s.Name, id, err)
		return false, false, err
	}
	if env.SchemaVersion >= s.Version {
		return false, false, nil
	}
	rec, err := e.decode(ctx, s.Name, id, env)
	if err != nil {
		return false, false, err
	}
	out, err := migrateRecord(s, env.SchemaVersion, rec)
	if errors.Is(err, ErrSkip) {
		return false, true, e.quarantineIfUnchanged(ctx, s.Name, id, data, err.Error())
	}
	if err != nil {
		return false, false, err
	}

	unlock := e.locks.Lock(RecordKey(s.Name, id))
	defer unlock()
	current, err := e.store.Get(ctx, RecordKey(s.Name, id))
	if err != nil || !bytes.Equal(current, data) {
		return false, false, nil
	}
	if err := e.putLocked(ctx, s.Name, id, out, s.Version); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func (e *Engine) clearPending(table string) {
	e.mu.Lock()
	delete(e.pending, table)
	e.mu.Unlock()
}

// Reencrypt rewrites every record of table that is sealed under an older key
// version. Records whose key is no longer retained are counted as failed and
// left untouched.
func (e *Engine) Reencrypt(ctx context.Context, table string) (SweepReport, error) {
	var report SweepReport
	if err := ValidateTable(table); err != nil {
		return report, err
	}
	current, err := e.codec.KeyVersion()
	if err != nil {
		return report, err
	}

	for p, err := range e.pairs(ctx, TableKeyPrefix(table)) {
		if err != nil {
			return report, err
		}
		report.Scanned++
		id := p.Key[len(TableKeyPrefix(table)):]
		ok, err := e.reencryptOne(ctx, table, id, p.Value, current)
		switch {
		case errors.Is(err, vault.ErrLocked):
			return report, err
		case err != nil:
			report.Failed++
			e.log.WarnContext(ctx, "re-encryption failed", "table", table, "error", err)
		case ok:
			report.Rewritten++
		}
	}
	return report, nil
}

func (e *Engine) reencryptOne(ctx context.Context, table, id string, data []byte, current int) (bool, error) {
	env, err := codec.Unmarshal(data)
	if err != nil {
		e.flag(ctx, table, id, err)
		return false, err
	}
	if env.KeyVersion == current {
		return false, nil
	}
	rec, err := e.decode(ctx, table, id, env)
	if err != nil {
		return false, err
	}

	unlock := e.locks.Lock(RecordKey(table, id))
	defer unlock()
	latest, err := e.store.Get(ctx, RecordKey(table, id))
	if err != nil || !bytes.Equal(latest, data) {
		return false, nil
	}
	if err := e.putLocked(ctx, table, id, rec, env.SchemaVersion); err != nil {
		return false, err
	}
	return true, nil
}
