package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/kv"
)

// Flagged is a record that failed an integrity or format check. It stays in
// place until it is overwritten, deleted or quarantined.
type Flagged struct {
	Table  string    `json:"table"`
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// QuarantineEntry is a record moved out of its table. Envelope holds the
// original bytes unchanged.
type QuarantineEntry struct {
	Table         string    `json:"table"`
	ID            string    `json:"id"`
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	Envelope      []byte    `json:"envelope"`
}

func flagKey(table, id string) string {
	return FlagPrefix + table + ":" + id
}

// flag records a failed check in memory and under flag:, so Status still
// counts it after a restart.
func (e *Engine) flag(ctx context.Context, table, id string, err error) {
	f := Flagged{Table: table, ID: id, Reason: err.Error(), At: time.Now().UTC()}
	e.flagMu.Lock()
	e.flagged[Addr(table, id)] = f
	e.flagMu.Unlock()
	e.log.Warn("record flagged", "table", table, "error", err)

	data, merr := json.Marshal(f)
	if merr == nil {
		merr = e.store.Put(ctx, flagKey(table, id), data)
	}
	if merr != nil {
		e.log.Debug("flag not persisted", "table", table, "error", merr)
	}
}

func (e *Engine) unflag(ctx context.Context, table, id string) {
	e.flagMu.Lock()
	_, ok := e.flagged[Addr(table, id)]
	delete(e.flagged, Addr(table, id))
	e.flagMu.Unlock()
	if !ok {
		return
	}
	if err := e.store.Delete(ctx, flagKey(table, id)); err != nil {
		e.log.Debug("flag not cleared", "table", table, "error", err)
	}
}

// LoadFlags restores flags persisted by earlier runs. Records that have
// since disappeared from their table are dropped.
func (e *Engine) LoadFlags(ctx context.Context) error {
	var stale []string
	err := kv.Each(ctx, e.store, FlagPrefix, e.opts.PageSize, func(p kv.Pair) error {
		var f Flagged
		if err := json.Unmarshal(p.Value, &f); err != nil {
			stale = append(stale, p.Key)
			return nil
		}
		if _, err := e.store.Get(ctx, RecordKey(f.Table, f.ID)); errors.Is(err, kv.ErrNotFound) {
			stale = append(stale, p.Key)
			return nil
		} else if err != nil {
			return err
		}
		e.flagMu.Lock()
		e.flagged[Addr(f.Table, f.ID)] = f
		e.flagMu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: failed to load flags: %w", err)
	}
	for _, key := range stale {
		if err := e.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("storage: failed to drop stale flag: %w", err)
		}
	}
	return nil
}

// Flagged lists flagged records ordered by address.
func (e *Engine) Flagged() []Flagged {
	e.flagMu.Lock()
	out := make([]Flagged, 0, len(e.flagged))
	for _, f := range e.flagged {
		out = append(out, f)
	}
	e.flagMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return Addr(out[i].Table, out[i].ID) < Addr(out[j].Table, out[j].ID)
	})
	return out
}

// Quarantine moves the record at (table, id) out of its table, keeping the
// envelope bytes for later inspection.
func (e *Engine) Quarantine(ctx context.Context, table, id, reason string) error {
	if err := validate(table, id); err != nil {
		return err
	}
	unlock := e.locks.Lock(RecordKey(table, id))
	defer unlock()

	data, err := e.store.Get(ctx, RecordKey(table, id))
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: failed to read %s: %w", Addr(table, id), err)
	}
	return e.quarantineLocked(ctx, table, id, data, reason)
}

// quarantineIfUnchanged quarantines the record only if it still holds seen.
func (e *Engine) quarantineIfUnchanged(ctx context.Context, table, id string, seen []byte, reason string) error {
	unlock := e.locks.Lock(RecordKey(table, id))
	defer unlock()

	current, err := e.store.Get(ctx, RecordKey(table, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: failed to read %s: %w", Addr(table, id), err)
	}
	if !bytes.Equal(current, seen) {
		return nil
	}
	return e.quarantineLocked(ctx, table, id, current, reason)
}

func (e *Engine) quarantineLocked(ctx context.Context, table, id string, data []byte, reason string) error {
	entry := QuarantineEntry{
		Table:         table,
		ID:            id,
		Reason:        reason,
		QuarantinedAt: time.Now().UTC(),
		Envelope:      data,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal quarantine entry: %w", err)
	}

	e.inflight.Add(1)
	defer e.inflight.Add(-1)
	key := RecordKey(table, id)
	err = e.store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(QuarantinePrefix+table+":"+id, encoded); err != nil {
			return err
		}
		return tx.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("storage: failed to quarantine %s: %w", Addr(table, id), err)
	}
	e.cache.Remove(key)
	e.unflag(ctx, table, id)
	e.watermark.Add(1)

	if e.opts.Audit != nil {
		if err := e.opts.Audit.LogSuccess(audit.OpRecordQuarantine, audit.SourceSystem, Addr(table, id),
			map[string]any{"table": table, "reason": reason}); err != nil {
			e.log.Debug("audit write skipped", "error", err)
		}
	}
	e.log.WarnContext(ctx, "record quarantined", "table", table, "reason", reason)
	return nil
}

// Quarantined lists quarantined records.
func (e *Engine) Quarantined(ctx context.Context) ([]QuarantineEntry, error) {
	var out []QuarantineEntry
	err := kv.Each(ctx, e.store, QuarantinePrefix, e.opts.PageSize, func(p kv.Pair) error {
		var q QuarantineEntry
		if err := json.Unmarshal(p.Value, &q); err != nil {
			return fmt.Errorf("storage: invalid quarantine entry %s: %w", p.Key, err)
		}
		out = append(out, q)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
