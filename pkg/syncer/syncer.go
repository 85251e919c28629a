// Package syncer drains the sync queue into the remote authority.
//
// Each queued item moves Pending -> InFlight and then to Delivered,
// Retrying, DeadLettered or Conflicted. A drain pass never lets one
// entity's failure hold up another, while operations on the same entity
// are delivered strictly in order.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/forest6511/painvault/internal/metrics"
	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/conflict"
	"github.com/forest6511/painvault/pkg/remote"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncq"
	"github.com/forest6511/painvault/pkg/syncstate"
	"github.com/forest6511/painvault/pkg/vault"
)

// DefaultInterval is the fallback drain period.
const DefaultInterval = 5 * time.Minute

// Remote is the authority mutations are delivered to.
type Remote interface {
	Submit(ctx context.Context, r remote.Request) (*remote.Entity, error)
	Fetch(ctx context.Context, typ, id string) (*remote.Entity, error)
}

// Trigger is a reason to drain now.
type Trigger int

const (
	TriggerConnectivity Trigger = iota
	TriggerForeground
	TriggerWrite
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnectivity:
		return "connectivity"
	case TriggerForeground:
		return "foreground"
	case TriggerWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Report summarizes one drain pass.
type Report struct {
	Recovered    int
	Attempted    int
	Delivered    int
	Retrying     int
	DeadLettered int
	Conflicts    int
	// Held counts entities skipped because of an open conflict.
	Held int
	// Superseded counts puts whose record was deleted before delivery.
	Superseded int
	Duration   time.Duration
}

// Options configure a Driver.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Driver delivers queued operations.
type Driver struct {
	remote    Remote
	queue     *syncq.Queue
	records   *storage.Engine
	state     *syncstate.Tracker
	conflicts *conflict.Store
	opts      Options
	log       *slog.Logger

	wake chan Trigger
	// mu keeps drain passes from overlapping.
	mu sync.Mutex
}

// New returns a Driver.
func New(r Remote, q *syncq.Queue, records *storage.Engine, state *syncstate.Tracker, conflicts *conflict.Store, opts Options) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		remote:    r,
		queue:     q,
		records:   records,
		state:     state,
		conflicts: conflicts,
		opts:      opts,
		log:       log.With("component", "syncer"),
		wake:      make(chan Trigger, 1),
	}
}

// Notify asks Run to drain soon. It never blocks.
func (d *Driver) Notify(t Trigger) {
	select {
	case d.wake <- t:
	default:
	}
}

// Run drains on every trigger and on the fallback interval until ctx ends.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-d.wake:
			d.drainLogged(ctx, t.String())
		case <-ticker.C:
			d.drainLogged(ctx, "interval")
		}
	}
}

func (d *Driver) drainLogged(ctx context.Context, reason string) {
	report, err := d.Drain(ctx)
	switch {
	case err == nil:
		if report.Attempted > 0 {
			d.log.InfoContext(ctx, "sync pass finished", "reason", reason,
				"delivered", report.Delivered, "retrying", report.Retrying,
				"dead_lettered", report.DeadLettered, "conflicts", report.Conflicts)
		}
	case errors.Is(err, vault.ErrLocked):
		d.log.DebugContext(ctx, "sync pass deferred while locked", "reason", reason)
	case ctx.Err() != nil:
		// shutting down
	default:
		d.log.WarnContext(ctx, "sync pass failed", "reason", reason, "error", err)
	}
}

// Drain runs one pass over the queue. It stops early when ctx ends or the
// vault locks; items caught in flight are recovered by the next pass.
func (d *Driver) Drain(ctx context.Context) (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.opts.Now()
	var report Report
	defer func() {
		report.Duration = d.opts.Now().Sub(start)
		metrics.SyncDrainDuration.Observe(report.Duration.Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	n, err := d.queue.Recover(ctx)
	if err != nil {
		return report, err
	}
	report.Recovered = n

	// entities that must not be attempted again in this pass
	done := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		next, err := d.next(ctx, done, &report)
		if err != nil {
			return report, err
		}
		if next == nil {
			break
		}
		report.Attempted++
		if err := d.deliver(ctx, *next, done, &report); err != nil {
			return report, err
		}
	}

	if report.Delivered > 0 {
		if err := d.state.SetLastSync(ctx, d.opts.Now()); err != nil {
			return report, err
		}
	}
	return report, nil
}

// next returns the first eligible item whose entity is still open for
// delivery in this pass.
func (d *Driver) next(ctx context.Context, done map[string]bool, report *Report) (*syncq.Item, error) {
	ready, err := d.queue.Ready(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i := range ready {
		it := &ready[i]
		entity := it.Op.Entity()
		if done[entity] {
			continue
		}
		held, err := d.conflicts.HasOpen(ctx, it.Op.Table, it.Op.ID)
		if err != nil {
			return nil, err
		}
		if held {
			done[entity] = true
			report.Held++
			continue
		}
		return it, nil
	}
	return nil, nil
}

// body is the local side of an operation at delivery time.
type body struct {
	fields    storage.Record
	updatedAt time.Time
}

func (d *Driver) loadBody(ctx context.Context, op syncq.Operation) (*body, error) {
	if op.Method == syncq.MethodDelete {
		return &body{updatedAt: d.opts.Now().UTC()}, nil
	}
	rec, err := d.records.Get(ctx, op.Table, op.ID)
	if err != nil {
		return nil, err
	}
	b := &body{fields: rec}
	if data, err := d.records.GetEnvelope(ctx, op.Table, op.ID); err == nil {
		if env, err := codec.Peek(data); err == nil {
			b.updatedAt = env.CreatedAt
		}
	}
	return b, nil
}

func (d *Driver) deliver(ctx context.Context, it syncq.Item, done map[string]bool, report *Report) error {
	op := it.Op
	entity := op.Entity()
	log := d.log.With("item", it.ID, "table", op.Table)

	b, err := d.loadBody(ctx, op)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		// a later delete for this entity is queued behind it
		report.Superseded++
		return d.queue.Remove(ctx, it.ID)
	case errors.Is(err, vault.ErrLocked):
		return fmt.Errorf("syncer: cannot read %s: %w", entity, err)
	default:
		// the body cannot be read back; retrying cannot fix that
		done[entity] = true
		report.DeadLettered++
		metrics.SyncAttempts.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
		log.WarnContext(ctx, "dead-lettering unreadable operation", "error", err)
		return d.queue.DeadLetter(ctx, it.ID, "unreadable body: "+err.Error())
	}

	if err := d.queue.MarkInFlight(ctx, it.ID); err != nil {
		return err
	}
	req := remote.Request{
		Method:         string(op.Method),
		Type:           op.Table,
		ID:             op.ID,
		IdempotencyKey: op.IdempotencyKey,
		BaseVersion:    op.BaseVersion,
		Fields:         b.fields,
		UpdatedAt:      b.updatedAt,
	}
	entityState, err := d.remote.Submit(ctx, req)

	var ce *remote.ConflictError
	switch {
	case err == nil:
		return d.delivered(ctx, it, b, entityState, report)

	case errors.As(err, &ce):
		done[entity] = true
		return d.conflicted(ctx, it, b, ce.Remote, report)

	case ctx.Err() != nil:
		return ctx.Err()

	case errors.Is(err, remote.ErrRejected):
		done[entity] = true
		report.DeadLettered++
		metrics.SyncAttempts.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
		log.WarnContext(ctx, "remote rejected operation", "error", err)
		return d.queue.DeadLetter(ctx, it.ID, "rejected: "+err.Error())

	default:
		done[entity] = true
		out, err2 := d.queue.MarkFailed(ctx, it.ID, err)
		if out.DeadLettered {
			report.DeadLettered++
			metrics.SyncAttempts.WithLabelValues(metrics.OutcomeDeadLettered).Inc()
			log.WarnContext(ctx, "operation dead-lettered", "error", err2)
			return nil
		}
		if err2 != nil {
			return err2
		}
		report.Retrying++
		metrics.SyncAttempts.WithLabelValues(metrics.OutcomeRetrying).Inc()
		log.DebugContext(ctx, "delivery failed, will retry", "next_attempt", out.NextAttemptAt, "error", err)
		return nil
	}
}

func (d *Driver) delivered(ctx context.Context, it syncq.Item, b *body, e *remote.Entity, report *Report) error {
	op := it.Op
	fields := b.fields
	if e.Deleted {
		fields = nil
	}
	err := d.state.Settle(ctx, op.Table, op.ID, syncstate.State{
		RemoteVersion:   e.Version,
		RemoteUpdatedAt: e.UpdatedAt,
		SyncedAt:        d.opts.Now().UTC(),
	}, fields)
	if err != nil {
		return err
	}
	if _, err := d.queue.Rebase(ctx, op.Table, op.ID, op.BaseVersion, e.Version); err != nil {
		return err
	}
	if err := d.queue.MarkDelivered(ctx, it.ID); err != nil {
		return err
	}
	report.Delivered++
	metrics.SyncAttempts.WithLabelValues(metrics.OutcomeDelivered).Inc()
	return nil
}

// conflicted turns the item into a conflict record, unless the remote
// already holds exactly what this device wanted to write.
func (d *Driver) conflicted(ctx context.Context, it syncq.Item, b *body, r *remote.Entity, report *Report) error {
	op := it.Op
	var remoteFields storage.Record
	if r != nil && !r.Deleted {
		remoteFields = storage.Record(r.Fields)
	}
	if r == nil {
		r = &remote.Entity{Type: op.Table, ID: op.ID, Deleted: true}
	}

	if converged(b.fields, remoteFields) {
		d.log.DebugContext(ctx, "remote already converged", "item", it.ID, "table", op.Table)
		return d.delivered(ctx, it, b, r, report)
	}

	base, err := d.state.Base(ctx, op.Table, op.ID)
	if err != nil {
		return err
	}
	rec, err := d.conflicts.Create(ctx, conflict.Detected{
		Table:           op.Table,
		EntityID:        op.ID,
		Local:           b.fields,
		Remote:          remoteFields,
		Base:            base,
		LocalUpdatedAt:  b.updatedAt,
		RemoteUpdatedAt: r.UpdatedAt,
		RemoteVersion:   r.Version,
		Item:            it,
	})
	if err != nil {
		return err
	}
	if err := d.queue.Remove(ctx, it.ID); err != nil {
		return err
	}
	report.Conflicts++
	metrics.SyncAttempts.WithLabelValues(metrics.OutcomeConflict).Inc()
	d.log.WarnContext(ctx, "conflict detected", "conflict", rec.ID, "table", op.Table,
		"base_version", op.BaseVersion, "remote_version", r.Version)
	return nil
}

func converged(local, remote storage.Record) bool {
	if local == nil || remote == nil {
		return local == nil && remote == nil
	}
	return reflect.DeepEqual(local, remote)
}
