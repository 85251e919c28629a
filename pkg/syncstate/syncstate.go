// Package syncstate tracks what this device last knew about each synced
// entity on the remote: its version, and the plaintext it had at that
// version, which is the base of three-way merges.
package syncstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/storage"
)

// Keys
const (
	StatePrefix = "sync:state:"
	LastKey     = "sync:last"
	// BaseTable holds merge bases, keyed by BaseID.
	BaseTable = "_sync_base"
)

// State is the last known remote state of an entity.
type State struct {
	RemoteVersion   string    `json:"remote_version"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at,omitempty"`
	SyncedAt        time.Time `json:"synced_at"`
}

// Tracker reads and writes sync state. State is plain JSON; bases are
// encrypted records in BaseTable.
type Tracker struct {
	store   kv.Store
	records *storage.Engine
}

// New returns a Tracker.
func New(store kv.Store, records *storage.Engine) *Tracker {
	return &Tracker{store: store, records: records}
}

func stateKey(table, id string) string {
	return StatePrefix + table + ":" + id
}

// BaseID is the id of the merge base of (table, id) in BaseTable. It is a
// fixed-length digest, so every valid record id has a valid base id.
func BaseID(table, id string) string {
	sum := sha256.Sum256([]byte(table + "/" + id))
	return hex.EncodeToString(sum[:])
}

// Get returns the state of (table, id). ok is false for entities that were
// never synced.
func (t *Tracker) Get(ctx context.Context, table, id string) (s State, ok bool, err error) {
	data, err := t.store.Get(ctx, stateKey(table, id))
	if errors.Is(err, kv.ErrNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("syncstate: failed to read state: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("syncstate: corrupt state for %s/%s: %w", table, id, err)
	}
	return s, true, nil
}

// Version returns the known remote version of (table, id), or "" when the
// entity was never synced.
func (t *Tracker) Version(ctx context.Context, table, id string) (string, error) {
	s, _, err := t.Get(ctx, table, id)
	return s.RemoteVersion, err
}

// Set stores the state of (table, id).
func (t *Tracker) Set(ctx context.Context, table, id string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("syncstate: failed to marshal state: %w", err)
	}
	if err := t.store.Put(ctx, stateKey(table, id), data); err != nil {
		return fmt.Errorf("syncstate: failed to write state: %w", err)
	}
	return nil
}

// Base returns the merge base of (table, id), or nil when there is none.
func (t *Tracker) Base(ctx context.Context, table, id string) (storage.Record, error) {
	rec, err := t.records.Get(ctx, BaseTable, BaseID(table, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncstate: failed to read base: %w", err)
	}
	return rec, nil
}

// SetBase replaces the merge base. A nil rec removes it.
func (t *Tracker) SetBase(ctx context.Context, table, id string, rec storage.Record) error {
	if rec == nil {
		return t.records.Delete(ctx, BaseTable, BaseID(table, id))
	}
	return t.records.Put(ctx, BaseTable, BaseID(table, id), rec)
}

// EnsureBase snapshots the current local record as the merge base when a
// synced entity has none yet. It runs before the first local edit after a
// sync. Entities that were never synced have no common ancestor and get no
// base.
func (t *Tracker) EnsureBase(ctx context.Context, table, id string) error {
	if _, ok, err := t.Get(ctx, table, id); err != nil || !ok {
		return err
	}
	_, err := t.records.GetEnvelope(ctx, BaseTable, BaseID(table, id))
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("syncstate: failed to read base: %w", err)
	}
	current, err := t.records.Get(ctx, table, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return t.SetBase(ctx, table, id, current)
}

// Settle records a confirmed remote state: the new version and the
// plaintext the remote now holds. A nil rec means the entity is deleted.
func (t *Tracker) Settle(ctx context.Context, table, id string, s State, rec storage.Record) error {
	if err := t.Set(ctx, table, id, s); err != nil {
		return err
	}
	return t.SetBase(ctx, table, id, rec)
}

// LastSync returns the time of the last drain that delivered anything, or
// the zero time.
func (t *Tracker) LastSync(ctx context.Context) (time.Time, error) {
	data, err := t.store.Get(ctx, LastKey)
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("syncstate: failed to read last sync: %w", err)
	}
	var ts time.Time
	if err := ts.UnmarshalText(data); err != nil {
		return time.Time{}, fmt.Errorf("syncstate: corrupt last sync: %w", err)
	}
	return ts, nil
}

// SetLastSync stores the last sync time.
func (t *Tracker) SetLastSync(ctx context.Context, ts time.Time) error {
	data, err := ts.UTC().MarshalText()
	if err != nil {
		return err
	}
	if err := t.store.Put(ctx, LastKey, data); err != nil {
		return fmt.Errorf("syncstate: failed to write last sync: %w", err)
	}
	return nil
}
