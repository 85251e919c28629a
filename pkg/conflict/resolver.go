package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/remote"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncq"
	"github.com/forest6511/painvault/pkg/syncstate"
)

// Strategy is how a conflict is resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client-wins"
	StrategyServerWins Strategy = "server-wins"
	StrategyMerge      Strategy = "merge"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyClientWins, StrategyServerWins, StrategyMerge:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("conflict: unknown strategy %q", s)
}

func (s Strategy) resolution() Resolution {
	switch s {
	case StrategyClientWins:
		return ClientWins
	case StrategyServerWins:
		return ServerWins
	default:
		return Merged
	}
}

// Fetcher reads the current remote state of an entity.
type Fetcher interface {
	Fetch(ctx context.Context, typ, id string) (*remote.Entity, error)
}

// Resolved is the outcome of a resolution.
type Resolved struct {
	Conflict *Record
	// Record is the entity as stored locally afterwards; nil if deleted.
	Record storage.Record
	// ItemID is the queue item that carries the resolution to the remote,
	// or 0 when nothing was enqueued.
	ItemID uint64
}

// ResolverOptions configure a Resolver.
type ResolverOptions struct {
	Policy *Policy
	// Remote, when set, is asked for the latest remote state before
	// resolving. Resolution falls back to the recorded remote snapshot when
	// it is unreachable.
	Remote Fetcher
	Audit  *audit.Logger
	Logger *slog.Logger
	Now    func() time.Time
}

// Resolver applies resolutions.
type Resolver struct {
	conflicts *Store
	records   *storage.Engine
	queue     *syncq.Queue
	state     *syncstate.Tracker
	opts      ResolverOptions
	log       *slog.Logger
}

// NewResolver returns a Resolver.
func NewResolver(conflicts *Store, records *storage.Engine, queue *syncq.Queue, state *syncstate.Tracker, opts ResolverOptions) *Resolver {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		conflicts: conflicts,
		records:   records,
		queue:     queue,
		state:     state,
		opts:      opts,
		log:       log.With("component", "conflict"),
	}
}

// remoteSide is the remote state a resolution is computed against.
type remoteSide struct {
	fields    storage.Record
	version   string
	updatedAt time.Time
}

// latestRemote returns the freshest remote state available.
func (r *Resolver) latestRemote(ctx context.Context, rec *Record, snap Snapshot) (remoteSide, error) {
	recorded := remoteSide{fields: snap.Remote, version: rec.RemoteVersion, updatedAt: rec.RemoteUpdatedAt}
	if r.opts.Remote == nil {
		return recorded, nil
	}
	e, err := r.opts.Remote.Fetch(ctx, rec.Table, rec.EntityID)
	switch {
	case err == nil:
		side := remoteSide{version: e.Version, updatedAt: e.UpdatedAt}
		if !e.Deleted {
			side.fields = storage.Record(e.Fields)
		}
		return side, nil
	case errors.Is(err, remote.ErrNotFound):
		return remoteSide{}, nil
	case ctx.Err() != nil:
		return remoteSide{}, ctx.Err()
	default:
		r.log.DebugContext(ctx, "remote unreachable, using recorded snapshot", "conflict", rec.ID, "error", err)
		return recorded, nil
	}
}

// Resolve settles the open conflict id with strategy. Merges whose tie-break
// is manual and that touch a field both sides changed fail with
// ErrUnresolved and leave the conflict open.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy Strategy, by audit.Actor) (*Resolved, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	rec, err := r.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Resolution != Unresolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	snap, err := r.conflicts.Snapshots(rec)
	if err != nil {
		return nil, err
	}
	rs, err := r.latestRemote(ctx, rec, snap)
	if err != nil {
		return nil, err
	}

	// Local edits made while the conflict was open are the newest local
	// state, so the durable record is the local side.
	local, err := r.records.Get(ctx, rec.Table, rec.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		local = nil
	} else if err != nil {
		return nil, err
	}

	var result storage.Record
	var decisions map[string]Decision
	switch strategy {
	case StrategyClientWins:
		result = local
	case StrategyServerWins:
		result = rs.fields
	case StrategyMerge:
		m, err := Merge(MergeInput{
			Base:            snap.Base,
			Local:           local,
			Remote:          rs.fields,
			LocalUpdatedAt:  rec.LocalUpdatedAt,
			RemoteUpdatedAt: rs.updatedAt,
			TieBreak:        r.opts.Policy.TieBreakFor(rec.Table),
		})
		if err != nil {
			return nil, err
		}
		result, decisions = m.Fields, m.Decisions
		if local == nil && rs.fields == nil {
			result = nil
		}
	}

	// The conflict is archived in the same transaction that queues the
	// resolution. The steps before it are safe to repeat, so a failed
	// Resolve can be retried without queuing twice.
	resolved := *rec
	resolved.Resolution = strategy.resolution()
	resolved.ResolvedAt = r.opts.Now().UTC()
	resolved.ResolvedBy = by.Name
	if resolved.ResolvedBy == "" {
		resolved.ResolvedBy = by.Source
	}
	resolved.Decisions = decisions
	rec = &resolved

	out := &Resolved{Conflict: rec, Record: result}
	if err := r.apply(ctx, rec, strategy, rs, result, out); err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "conflict resolved", "conflict", rec.ID, "table", rec.Table, "strategy", string(strategy))
	if err := r.audit(rec, strategy, by, decisions); err != nil {
		return out, fmt.Errorf("conflict: resolution applied but not audited: %w", err)
	}
	return out, nil
}

func (r *Resolver) apply(ctx context.Context, rec *Record, strategy Strategy, rs remoteSide, result storage.Record, out *Resolved) error {
	table, id := rec.Table, rec.EntityID

	if result == nil {
		if err := r.records.Delete(ctx, table, id); err != nil {
			return err
		}
	} else if err := r.records.Put(ctx, table, id, result); err != nil {
		return err
	}

	if err := r.state.Settle(ctx, table, id, syncstate.State{
		RemoteVersion:   rs.version,
		RemoteUpdatedAt: rs.updatedAt,
		SyncedAt:        r.opts.Now().UTC(),
	}, rs.fields); err != nil {
		return err
	}

	if strategy == StrategyServerWins {
		if _, err := r.queue.Drop(ctx, table, id); err != nil {
			return err
		}
		return r.conflicts.archive(ctx, rec)
	}

	// Operations held behind the conflict were computed against the old
	// base; point them at the remote version being resolved against.
	if _, err := r.queue.Rebase(ctx, table, id, rec.BaseVersion, rs.version); err != nil {
		return err
	}
	op := syncq.Operation{
		Method:      syncq.MethodPut,
		Table:       table,
		ID:          id,
		BodyRef:     storage.Addr(table, id),
		BaseVersion: rs.version,
	}
	if result == nil {
		op.Method = syncq.MethodDelete
		op.BodyRef = ""
	}
	itemID, err := r.queue.EnqueueWith(ctx, op, rec.Priority, func(tx kv.Tx) error {
		return archiveTx(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("conflict: failed to queue resolution of %s: %w", rec.ID, err)
	}
	out.ItemID = itemID
	return nil
}

func (r *Resolver) audit(rec *Record, strategy Strategy, by audit.Actor, decisions map[string]Decision) error {
	if r.opts.Audit == nil {
		return nil
	}
	details := map[string]any{
		"conflict_id": rec.ID,
		"strategy":    string(strategy),
		"table":       rec.Table,
		"fields":      rec.Fields,
	}
	if len(decisions) > 0 {
		fields := make(map[string]string, len(decisions))
		for name, d := range decisions {
			fields[name] = string(d.Side)
		}
		details["decisions"] = fields
	}
	return r.opts.Audit.Log(audit.Entry{
		Op:      audit.OpConflictResolve,
		Source:  by.Source,
		Actor:   by.Name,
		Subject: rec.Entity(),
		Context: details,
	})
}
