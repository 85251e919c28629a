package engine

import (
	"context"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/conflict"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncer"
	"github.com/forest6511/painvault/pkg/syncq"
)

// Status is a point-in-time summary for display. Nothing should branch on
// it for correctness.
type Status struct {
	Initialized bool      `json:"initialized"`
	Locked      bool      `json:"locked"`
	KeyVersion  int       `json:"key_version,omitempty"`
	SyncEnabled bool      `json:"sync_enabled"`
	QueueDepth  int       `json:"queue_depth"`
	DeadLetters int       `json:"dead_letters"`
	Conflicts   int       `json:"conflicts"`
	Flagged     int       `json:"flagged"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	Tables      []string  `json:"tables"`
}

// NeedsAttention reports whether anything is waiting on the user.
func (s Status) NeedsAttention() bool {
	return s.DeadLetters > 0 || s.Conflicts > 0 || s.Flagged > 0
}

// Status reads the current status. It works while locked.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	exists, err := e.vault.Exists(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Initialized: exists,
		Locked:      e.vault.IsLocked(),
		SyncEnabled: e.driver != nil,
		Flagged:     len(e.records.Flagged()),
		Tables:      e.Tables(),
	}
	if !st.Locked {
		st.KeyVersion = e.vault.KeyVersion()
	}
	if st.QueueDepth, err = e.queue.Depth(ctx); err != nil {
		return Status{}, err
	}
	if st.DeadLetters, err = e.queue.DeadCount(ctx); err != nil {
		return Status{}, err
	}
	if st.Conflicts, err = e.conflicts.Count(ctx); err != nil {
		return Status{}, err
	}
	if st.LastSync, err = e.state.LastSync(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}

// ConflictSummary describes an open conflict without its snapshots.
type ConflictSummary struct {
	ID            string    `json:"id"`
	Table         string    `json:"table"`
	EntityID      string    `json:"entity_id"`
	Fields        []string  `json:"fields"`
	RemoteVersion string    `json:"remote_version"`
	DetectedAt    time.Time `json:"detected_at"`
}

func summarize(rec conflict.Record) ConflictSummary {
	return ConflictSummary{
		ID:            rec.ID,
		Table:         rec.Table,
		EntityID:      rec.EntityID,
		Fields:        rec.Fields,
		RemoteVersion: rec.RemoteVersion,
		DetectedAt:    rec.DetectedAt,
	}
}

// Attention lists everything waiting on the user.
type Attention struct {
	DeadLetters []syncq.DeadLetter `json:"dead_letters"`
	Conflicts   []ConflictSummary  `json:"conflicts"`
	Flagged     []storage.Flagged  `json:"flagged"`
}

// Attention gathers dead letters, open conflicts and flagged records.
func (e *Engine) Attention(ctx context.Context) (*Attention, error) {
	dead, err := e.queue.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := e.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	return &Attention{DeadLetters: dead, Conflicts: conflicts, Flagged: e.records.Flagged()}, nil
}

// Conflicts lists open conflicts, oldest first.
func (e *Engine) Conflicts(ctx context.Context) ([]ConflictSummary, error) {
	recs, err := e.conflicts.Open(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConflictSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, summarize(r))
	}
	return out, nil
}

// ConflictDetail is one conflict with its decrypted sides.
type ConflictDetail struct {
	Record   *conflict.Record
	Snapshot conflict.Snapshot
}

// Conflict returns one conflict with its snapshots. It needs an unlocked
// vault.
func (e *Engine) Conflict(ctx context.Context, id string) (*ConflictDetail, error) {
	rec, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := e.conflicts.Snapshots(rec)
	if err != nil {
		return nil, err
	}
	return &ConflictDetail{Record: rec, Snapshot: snap}, nil
}

// Resolve applies a resolution strategy to an open conflict and queues the
// outcome.
func (e *Engine) Resolve(ctx context.Context, id string, strategy conflict.Strategy, by audit.Actor) (*conflict.Resolved, error) {
	out, err := e.resolver.Resolve(ctx, id, strategy, by)
	if out != nil {
		e.notify(syncer.TriggerWrite)
		e.refreshInsights()
	}
	return out, err
}

// DeadLetters lists dead-lettered queue items.
func (e *Engine) DeadLetters(ctx context.Context) ([]syncq.DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// Requeue gives a dead letter a fresh retry budget.
func (e *Engine) Requeue(ctx context.Context, id uint64, by audit.Actor) error {
	if err := e.queue.Requeue(ctx, id, by); err != nil {
		return err
	}
	e.notify(syncer.TriggerWrite)
	return nil
}

// Discard drops a dead letter for good.
func (e *Engine) Discard(ctx context.Context, id uint64, by audit.Actor) error {
	return e.queue.Discard(ctx, id, by)
}

// Pending lists queued operations.
func (e *Engine) Pending(ctx context.Context) ([]syncq.Item, error) {
	return e.queue.Pending(ctx)
}
