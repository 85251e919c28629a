// Package syncq is the durable queue of mutations waiting to reach the
// remote authority.
//
// Items are stored under queue:p<rank>:<id>, with ids zero-padded, so a
// prefix scan of the store returns them by priority and then in enqueue
// order, also after a restart. Every state change is a single kv write or
// one atomic batch.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/kv"
)

// Key layout
const (
	Prefix        = "queue:"
	SeqKey        = "queue:seq"
	PendingPrefix = "queue:p"
	DeadPrefix    = "queue:dead:"
)

// Defaults
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

// Errors
var (
	ErrDeadLettered     = errors.New("syncq: item dead-lettered")
	ErrItemNotFound     = errors.New("syncq: item not found")
	ErrInvalidOperation = errors.New("syncq: invalid operation")
	ErrInvalidPriority  = errors.New("syncq: invalid priority")
)

// Priority orders delivery. Lower rank drains first.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses "high", "medium" or "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "high":
		return High, nil
	case "medium", "":
		return Medium, nil
	case "low":
		return Low, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

func (p Priority) valid() bool { return p >= High && p <= Low }

// Method is the kind of mutation.
type Method string

const (
	MethodPut    Method = "put"
	MethodDelete Method = "delete"
)

// Operation is the mutation to deliver. The body is not copied into the
// queue: BodyRef names the record it is read from at delivery time.
type Operation struct {
	Method         Method `json:"method"`
	Table          string `json:"table"`
	ID             string `json:"id"`
	BodyRef        string `json:"body_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	// BaseVersion is the remote version the mutation was computed against.
	BaseVersion string `json:"base_version,omitempty"`
}

// Entity identifies the record an operation targets.
func (o Operation) Entity() string {
	return o.Table + "/" + o.ID
}

// State of a pending item.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "inflight"
)

// Item is one queued operation.
type Item struct {
	ID            uint64    `json:"id"`
	Op            Operation `json:"op"`
	Priority      Priority  `json:"priority"`
	State         State     `json:"state"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// DeadLetter is an item that exhausted its retries or was rejected.
type DeadLetter struct {
	Item
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// Outcome reports what MarkFailed did with an item.
type Outcome struct {
	Retrying      bool
	NextAttemptAt time.Time
	DeadLettered  bool
}

// Options configure a Queue.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter spreads each delay by up to this fraction, 0 to 1.
	Jitter float64
	Audit  *audit.Logger
	Logger *slog.Logger
	Now    func() time.Time
}

// Queue is the durable sync queue.
type Queue struct {
	store kv.Store
	opts  Options
	log   *slog.Logger

	// mu serializes read-modify-write sequences on queue keys.
	mu sync.Mutex
}

// New returns a Queue over store.
func New(store kv.Store, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Jitter > 1 {
		opts.Jitter = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: store, opts: opts, log: log.With("component", "syncq")}
}

func pendingKey(p Priority, id uint64) string {
	return fmt.Sprintf("%s%d:%020d", PendingPrefix, int(p), id)
}

func deadKey(id uint64) string {
	return fmt.Sprintf("%s%020d", DeadPrefix, id)
}

// Enqueue appends op with the given priority and returns its id. An empty
// idempotency key is filled with a fresh UUID.
func (q *Queue) Enqueue(ctx context.Context, op Operation, p Priority) (uint64, error) {
	return q.EnqueueWith(ctx, op, p, nil)
}

// EnqueueWith is Enqueue with extra writes committed in the same
// transaction. If with fails nothing is enqueued.
func (q *Queue) EnqueueWith(ctx context.Context, op Operation, p Priority, with func(kv.Tx) error) (uint64, error) {
	if !p.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	if op.Method != MethodPut && op.Method != MethodDelete {
		return 0, fmt.Errorf("%w: method %q", ErrInvalidOperation, op.Method)
	}
	if op.Table == "" || op.ID == "" {
		return 0, fmt.Errorf("%w: missing target", ErrInvalidOperation)
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var id uint64
	err := q.store.Update(ctx, func(tx kv.Tx) error {
		seq, err := readSeq(tx)
		if err != nil {
			return err
		}
		id = seq + 1
		item := Item{
			ID:         id,
			Op:         op,
			Priority:   p,
			State:      StatePending,
			MaxRetries: q.opts.MaxRetries,
			EnqueuedAt: q.opts.Now().UTC(),
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := tx.Put(SeqKey, []byte(strconv.FormatUint(id, 10))); err != nil {
			return err
		}
		if err := tx.Put(pendingKey(p, id), data); err != nil {
			return err
		}
		if with != nil {
			return with(tx)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("syncq: failed to enqueue: %w", err)
	}
	q.log.DebugContext(ctx, "enqueued", "id", id, "method", op.Method, "table", op.Table, "priority", p)
	return id, nil
}

func readSeq(tx kv.Tx) (uint64, error) {
	data, err := tx.Get(SeqKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

// Pending returns every pending or in-flight item in drain order.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	var items []Item
	err := kv.Each(ctx, q.store, PendingPrefix, 256, func(p kv.Pair) error {
		var it Item
		if err := json.Unmarshal(p.Value, &it); err != nil {
			return fmt.Errorf("syncq: corrupt item %s: %w", p.Key, err)
		}
		items = append(items, it)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Ready returns up to limit eligible items in drain order; limit <= 0 means
// all of them.
//
// An item is eligible when it is pending, due, and no item with a lower id
// for the same entity is still queued. Per-entity order therefore takes
// precedence over priority, while a blocked entity never holds up others.
func (q *Queue) Ready(ctx context.Context, limit int) ([]Item, error) {
	items, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}

	oldest := make(map[string]uint64, len(items))
	for _, it := range items {
		e := it.Op.Entity()
		if cur, ok := oldest[e]; !ok || it.ID < cur {
			oldest[e] = it.ID
		}
	}

	now := q.opts.Now()
	var ready []Item
	for _, it := range items {
		if it.State != StatePending || oldest[it.Op.Entity()] != it.ID {
			continue
		}
		if !it.NextAttemptAt.IsZero() && it.NextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, it)
		if limit > 0 && len(ready) == limit {
			break
		}
	}
	return ready, nil
}

// PeekNext returns the next eligible item, or nil if none is.
func (q *Queue) PeekNext(ctx context.Context) (*Item, error) {
	ready, err := q.Ready(ctx, 1)
	if err != nil || len(ready) == 0 {
		return nil, err
	}
	return &ready[0], nil
}

// Get returns the pending item with the given id.
func (q *Queue) Get(ctx context.Context, id uint64) (*Item, error) {
	it, _, err := q.locate(ctx, id)
	return it, err
}

// locate finds a pending item by id across the priority tiers.
func (q *Queue) locate(ctx context.Context, id uint64) (*Item, string, error) {
	for p := High; p <= Low; p++ {
		key := pendingKey(p, id)
		data, err := q.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("syncq: failed to read item %d: %w", id, err)
		}
		var it Item
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, "", fmt.Errorf("syncq: corrupt item %d: %w", id, err)
		}
		return &it, key, nil
	}
	return nil, "", fmt.Errorf("%w: %d", ErrItemNotFound, id)
}

func (q *Queue) save(ctx context.Context, key string, it *Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("syncq: failed to marshal item: %w", err)
	}
	if err := q.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("syncq: failed to save item %d: %w", it.ID, err)
	}
	return nil
}

// MarkInFlight records a delivery attempt starting.
func (q *Queue) MarkInFlight(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, key, err := q.locate(ctx, id)
	if err != nil {
		return err
	}
	it.State = StateInFlight
	it.LastAttemptAt = q.opts.Now().UTC()
	return q.save(ctx, key, it)
}

// MarkDelivered removes a delivered item.
func (q *Queue) MarkDelivered(ctx context.Context, id uint64) error {
	return q.Remove(ctx, id)
}

// Remove deletes a pending item without delivering it, for example when it
// was turned into a conflict record.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, key, err := q.locate(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("syncq: failed to remove item %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt. The item is scheduled for retry with
// capped exponential backoff, or moved to the dead letters once its retry
// count exceeds MaxRetries, in which case the returned error wraps
// ErrDeadLettered.
func (q *Queue) MarkFailed(ctx context.Context, id uint64, cause error) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, key, err := q.locate(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	now := q.opts.Now().UTC()
	it.RetryCount++
	it.LastAttemptAt = now
	if cause != nil {
		it.LastError = cause.Error()
	}

	if it.RetryCount > it.MaxRetries {
		reason := fmt.Sprintf("retries exhausted after %d attempts", it.RetryCount)
		if cause != nil {
			reason += ": " + cause.Error()
		}
		if err := q.bury(ctx, key, it, reason); err != nil {
			return Outcome{}, err
		}
		return Outcome{DeadLettered: true}, fmt.Errorf("%w: item %d: %s", ErrDeadLettered, id, reason)
	}

	it.State = StatePending
	it.NextAttemptAt = now.Add(q.Backoff(it.RetryCount))
	if err := q.save(ctx, key, it); err != nil {
		return Outcome{}, err
	}
	return Outcome{Retrying: true, NextAttemptAt: it.NextAttemptAt}, nil
}

// DeadLetter moves a pending item to the dead letters immediately, for
// failures that retrying cannot fix.
func (q *Queue) DeadLetter(ctx context.Context, id uint64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, key, err := q.locate(ctx, id)
	if err != nil {
		return err
	}
	it.LastAttemptAt = q.opts.Now().UTC()
	it.LastError = reason
	return q.bury(ctx, key, it, reason)
}

func (q *Queue) bury(ctx context.Context, key string, it *Item, reason string) error {
	it.State = StatePending
	dl := DeadLetter{Item: *it, Reason: reason, DeadAt: q.opts.Now().UTC()}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("syncq: failed to marshal dead letter: %w", err)
	}
	err = q.store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(deadKey(it.ID), data); err != nil {
			return err
		}
		return tx.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("syncq: failed to dead-letter item %d: %w", it.ID, err)
	}
	q.log.WarnContext(ctx, "item dead-lettered", "id", it.ID, "table", it.Op.Table,
		"retries", it.RetryCount, "reason", reason)
	return nil
}

// DeadLetters lists dead-lettered items, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := kv.Each(ctx, q.store, DeadPrefix, 256, func(p kv.Pair) error {
		var dl DeadLetter
		if err := json.Unmarshal(p.Value, &dl); err != nil {
			return fmt.Errorf("syncq: corrupt dead letter %s: %w", p.Key, err)
		}
		out = append(out, dl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) deadLetter(ctx context.Context, id uint64) (*DeadLetter, error) {
	data, err := q.store.Get(ctx, deadKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: dead letter %d", ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("syncq: failed to read dead letter %d: %w", id, err)
	}
	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("syncq: corrupt dead letter %d: %w", id, err)
	}
	return &dl, nil
}

// Requeue moves a dead letter back to pending with a fresh retry budget. It
// keeps its id, so it stays ahead of later operations on the same entity.
func (q *Queue) Requeue(ctx context.Context, id uint64, by audit.Actor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	dl, err := q.deadLetter(ctx, id)
	if err != nil {
		return err
	}

	it := dl.Item
	it.State = StatePending
	it.RetryCount = 0
	it.NextAttemptAt = time.Time{}
	it.LastError = ""
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("syncq: failed to marshal item: %w", err)
	}
	err = q.store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Put(pendingKey(it.Priority, it.ID), data); err != nil {
			return err
		}
		return tx.Delete(deadKey(id))
	})
	if err != nil {
		return fmt.Errorf("syncq: failed to requeue item %d: %w", id, err)
	}
	q.audit(audit.OpQueueRequeue, by, it)
	return nil
}

// Discard deletes a dead letter for good.
func (q *Queue) Discard(ctx context.Context, id uint64, by audit.Actor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	dl, err := q.deadLetter(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, deadKey(id)); err != nil {
		return fmt.Errorf("syncq: failed to discard item %d: %w", id, err)
	}
	q.audit(audit.OpQueueDiscard, by, dl.Item)
	return nil
}

func (q *Queue) audit(op string, by audit.Actor, it Item) {
	if q.opts.Audit == nil {
		return
	}
	err := q.opts.Audit.Log(audit.Entry{
		Op:      op,
		Source:  by.Source,
		Actor:   by.Name,
		Subject: it.Op.Entity(),
		Context: map[string]any{"item_id": it.ID, "method": string(it.Op.Method), "table": it.Op.Table},
	})
	if err != nil {
		q.log.Debug("audit write skipped", "op", op, "error", err)
	}
}

// Rebase points every queued operation for (table, id) that was based on
// from at to instead, and returns how many it changed. The driver calls it
// after a delivery moves the remote version on.
func (q *Queue) Rebase(ctx context.Context, table, id, from, to string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range items {
		it := &items[i]
		if it.Op.Table != table || it.Op.ID != id || it.Op.BaseVersion != from {
			continue
		}
		it.Op.BaseVersion = to
		if err := q.save(ctx, pendingKey(it.Priority, it.ID), it); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Drop removes every pending operation for (table, id) and returns how many
// it removed. Dead letters are left alone.
func (q *Queue) Drop(ctx context.Context, table, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.Op.Table != table || it.Op.ID != id {
			continue
		}
		if err := q.store.Delete(ctx, pendingKey(it.Priority, it.ID)); err != nil {
			return n, fmt.Errorf("syncq: failed to drop item %d: %w", it.ID, err)
		}
		n++
	}
	return n, nil
}

// Recover returns items left in flight by a crash or cancelled drain to
// pending. Their retry counts are unchanged.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range items {
		it := &items[i]
		if it.State != StateInFlight {
			continue
		}
		it.State = StatePending
		if err := q.save(ctx, pendingKey(it.Priority, it.ID), it); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		q.log.InfoContext(ctx, "recovered in-flight items", "count", n)
	}
	return n, nil
}

// Depth returns the number of pending and in-flight items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return kv.Count(ctx, q.store, PendingPrefix)
}

// DeadCount returns the number of dead letters.
func (q *Queue) DeadCount(ctx context.Context) (int, error) {
	return kv.Count(ctx, q.store, DeadPrefix)
}

// Backoff returns the delay before retry number n (1-based):
// min(base * 2^(n-1), max), spread by the configured jitter.
func (q *Queue) Backoff(n int) time.Duration {
	return Backoff(n, q.opts.BaseDelay, q.opts.MaxDelay, q.opts.Jitter, rand.Float64)
}

// Backoff computes a capped exponential delay. rnd returns values in [0,1).
func Backoff(n int, base, ceiling time.Duration, jitter float64, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if jitter > 0 && rnd != nil {
		// spread over [d*(1-jitter), d]
		d -= time.Duration(float64(d) * jitter * rnd())
	}
	return d
}
