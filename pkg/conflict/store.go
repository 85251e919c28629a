// Package conflict records and resolves divergent local and remote versions
// of synced entities.
//
// A conflict is opened by the sync driver when the remote no longer holds
// the version a queued operation was computed against. The entity stays
// unsettled, and its later queued operations are held, until the conflict
// is resolved by client-wins, server-wins or a three-way merge.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncq"
)

// Keys
const (
	OpenPrefix    = "conflict:open:"
	ArchivePrefix = "conflict:archive:"
	// EntityPrefix indexes open conflicts by entity.
	EntityPrefix = "conflict:entity:"
)

// ErrNotFound is returned for an unknown conflict id.
var ErrNotFound = errors.New("conflict: not found")

// ErrAlreadyResolved is returned when resolving an archived conflict.
var ErrAlreadyResolved = errors.New("conflict: already resolved")

// Resolution of a conflict record.
type Resolution string

const (
	Unresolved Resolution = "unresolved"
	ClientWins Resolution = "client-wins"
	ServerWins Resolution = "server-wins"
	Merged     Resolution = "merged"
)

// Record is a persisted conflict. Snapshots are sealed envelopes; a nil
// snapshot means that side had no record (deleted, or never created).
type Record struct {
	ID       string   `json:"id"`
	Table    string   `json:"table"`
	EntityID string   `json:"entity_id"`
	Fields   []string `json:"fields"`

	Local  []byte `json:"local,omitempty"`
	Remote []byte `json:"remote,omitempty"`
	Base   []byte `json:"base,omitempty"`

	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	RemoteVersion   string    `json:"remote_version"`
	BaseVersion     string    `json:"base_version,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`

	ItemID         uint64         `json:"item_id"`
	Method         syncq.Method   `json:"method"`
	IdempotencyKey string         `json:"idempotency_key"`
	Priority       syncq.Priority `json:"priority"`

	Resolution Resolution          `json:"resolution"`
	ResolvedAt time.Time           `json:"resolved_at,omitempty"`
	ResolvedBy string              `json:"resolved_by,omitempty"`
	Decisions  map[string]Decision `json:"decisions,omitempty"`
}

// Entity returns the table/id address of the conflicting entity.
func (r *Record) Entity() string {
	return storage.Addr(r.Table, r.EntityID)
}

// Snapshot holds the decrypted sides of a conflict.
type Snapshot struct {
	Local  storage.Record
	Remote storage.Record
	Base   storage.Record
}

// Detected describes a conflict the driver just observed.
type Detected struct {
	Table           string
	EntityID        string
	Local           storage.Record
	Remote          storage.Record
	Base            storage.Record
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	RemoteVersion   string
	Item            syncq.Item
}

// Store persists conflict records.
type Store struct {
	store kv.Store
	codec *codec.Codec
	now   func() time.Time
}

// NewStore returns a Store sealing snapshots with c.
func NewStore(store kv.Store, c *codec.Codec) *Store {
	return &Store{store: store, codec: c, now: time.Now}
}

func entityKey(table, id string) string {
	return EntityPrefix + table + ":" + id
}

func snapshotAddr(conflictID, side string) string {
	return "conflict/" + conflictID + "/" + side
}

// Create seals the snapshots and opens a conflict record.
func (s *Store) Create(ctx context.Context, d Detected) (*Record, error) {
	rec := &Record{
		ID:              uuid.NewString(),
		Table:           d.Table,
		EntityID:        d.EntityID,
		Fields:          ConflictingFields(d.Base, d.Local, d.Remote),
		LocalUpdatedAt:  d.LocalUpdatedAt.UTC(),
		RemoteUpdatedAt: d.RemoteUpdatedAt.UTC(),
		RemoteVersion:   d.RemoteVersion,
		BaseVersion:     d.Item.Op.BaseVersion,
		DetectedAt:      s.now().UTC(),
		ItemID:          d.Item.ID,
		Method:          d.Item.Op.Method,
		IdempotencyKey:  d.Item.Op.IdempotencyKey,
		Priority:        d.Item.Priority,
		Resolution:      Unresolved,
	}
	var err error
	if rec.Local, err = s.seal(rec.ID, "local", d.Local); err != nil {
		return nil, err
	}
	if rec.Remote, err = s.seal(rec.ID, "remote", d.Remote); err != nil {
		return nil, err
	}
	if rec.Base, err = s.seal(rec.ID, "base", d.Base); err != nil {
		return nil, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("conflict: failed to marshal record: %w", err)
	}
	err = s.store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(OpenPrefix+rec.ID, data); err != nil {
			return err
		}
		return tx.Put(entityKey(rec.Table, rec.EntityID), []byte(rec.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("conflict: failed to store record: %w", err)
	}
	return rec, nil
}

func (s *Store) seal(id, side string, rec storage.Record) ([]byte, error) {
	if rec == nil {
		return nil, nil
	}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("conflict: failed to marshal %s snapshot: %w", side, err)
	}
	defer crypto.SecureWipe(plaintext)
	env, err := s.codec.Encode(snapshotAddr(id, side), plaintext, 1, map[string]string{"type": "conflict"})
	if err != nil {
		return nil, err
	}
	return codec.Marshal(env)
}

func (s *Store) open(id, side string, data []byte) (storage.Record, error) {
	if data == nil {
		return nil, nil
	}
	env, err := codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.codec.Decode(snapshotAddr(id, side), env)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)
	var rec storage.Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("conflict: corrupt %s snapshot: %w", side, err)
	}
	return rec, nil
}

// Snapshots decrypts the sides of rec.
func (s *Store) Snapshots(rec *Record) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Local, err = s.open(rec.ID, "local", rec.Local); err != nil {
		return Snapshot{}, err
	}
	if snap.Remote, err = s.open(rec.ID, "remote", rec.Remote); err != nil {
		return Snapshot{}, err
	}
	if snap.Base, err = s.open(rec.ID, "base", rec.Base); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Get returns the conflict with id, open or archived.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	for _, prefix := range []string{OpenPrefix, ArchivePrefix} {
		data, err := s.store.Get(ctx, prefix+id)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("conflict: failed to read %s: %w", id, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("conflict: corrupt record %s: %w", id, err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Open lists unresolved conflicts, oldest first.
func (s *Store) Open(ctx context.Context) ([]Record, error) {
	return s.list(ctx, OpenPrefix)
}

// Archived lists resolved conflicts, oldest first.
func (s *Store) Archived(ctx context.Context) ([]Record, error) {
	return s.list(ctx, ArchivePrefix)
}

func (s *Store) list(ctx context.Context, prefix string) ([]Record, error) {
	var out []Record
	err := kv.Each(ctx, s.store, prefix, 128, func(p kv.Pair) error {
		var rec Record
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			return fmt.Errorf("conflict: corrupt record %s: %w", p.Key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// HasOpen reports whether (table, id) has an unresolved conflict.
func (s *Store) HasOpen(ctx context.Context, table, id string) (bool, error) {
	_, err := s.store.Get(ctx, entityKey(table, id))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conflict: failed to read index: %w", err)
	}
	return true, nil
}

// Count returns the number of unresolved conflicts.
func (s *Store) Count(ctx context.Context) (int, error) {
	return kv.Count(ctx, s.store, OpenPrefix)
}

// archive moves rec from open to archive in one batch.
func (s *Store) archive(ctx context.Context, rec *Record) error {
	err := s.store.Update(ctx, func(tx kv.Tx) error {
		return archiveTx(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("conflict: failed to archive %s: %w", rec.ID, err)
	}
	return nil
}

// archiveTx moves rec from open to archived inside tx.
func archiveTx(tx kv.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("conflict: failed to marshal record: %w", err)
	}
	if err := tx.Put(ArchivePrefix+rec.ID, data); err != nil {
		return err
	}
	if err := tx.Delete(OpenPrefix + rec.ID); err != nil {
		return err
	}
	return tx.Delete(entityKey(rec.Table, rec.EntityID))
}
